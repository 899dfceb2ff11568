package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rbright/sttd/internal/beeper"
	"github.com/rbright/sttd/internal/broadcaster"
	"github.com/rbright/sttd/internal/config"
	"github.com/rbright/sttd/internal/governor"
	"github.com/rbright/sttd/internal/modelregistry"
	"github.com/rbright/sttd/internal/modelruntime"
	"github.com/rbright/sttd/internal/notify"
	"github.com/rbright/sttd/internal/realtime"
	"github.com/rbright/sttd/internal/recorder"
	"github.com/rbright/sttd/internal/typer"
	"github.com/rbright/sttd/internal/validate"
)

// writeAllowedKey tags the per-connection peer-verification outcome onto
// the request context (set once in server.go's Accept loop, read here
// rather than threaded through every call site).
type writeAllowedKey struct{}

// WithWriteAllowed records whether the connection behind ctx passed
// peer-process verification for write-mode recording.
func WithWriteAllowed(ctx context.Context, allowed bool) context.Context {
	return context.WithValue(ctx, writeAllowedKey{}, allowed)
}

func writeAllowed(ctx context.Context) bool {
	allowed, _ := ctx.Value(writeAllowedKey{}).(bool)
	return allowed
}

// Deps composes every subsystem the dispatcher routes commands to. Built
// once at daemon startup in internal/app and shared across every connection.
type Deps struct {
	Store       *config.Store
	Runtime     *modelruntime.Runtime
	Registry    *modelregistry.Registry
	Recorder    *recorder.Recorder
	Realtime    *realtime.Manager
	Notifier    *notify.Fabric
	Broadcaster *broadcaster.Broadcaster
	Governor    *governor.Governor
	Typer       *typer.Typer
	Beeper      *beeper.Beeper
	Logger      *slog.Logger
}

// Dispatcher implements §4.14's command table over a shared Deps.
type Dispatcher struct {
	deps      Deps
	downloads *downloadTracker
}

// New builds a Dispatcher ready to Handle requests.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps, downloads: newDownloadTracker()}
}

// Handle validates and routes one request, never panicking: any internal
// error is converted into an {ok:false, error:...} response rather than
// propagated, since the frame the caller gets back is the sole channel
// for reporting failure.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	if err := validate.Command(req.Command); err != nil {
		return errResponse(err)
	}

	switch req.Command {
	case "ping":
		return d.handlePing(req)
	case "status":
		return d.handleStatus()
	case "transcribe":
		return d.handleTranscribe(ctx, req)
	case "record":
		return d.handleRecord(ctx, req)
	case "start_realtime":
		return d.handleStartRealtime(req)
	case "realtime_audio":
		return d.handleRealtimeAudio(req)
	case "stop_realtime":
		return d.handleStopRealtime(req)
	case "set_model":
		return d.handleSetModel(ctx, req)
	case "get_model":
		return d.handleGetModel()
	case "list_models":
		return d.handleListModels()
	case "set_device":
		return d.handleSetDevice(ctx, req)
	case "get_device":
		return d.handleGetDevice()
	case "set_audio_theme":
		return d.handleSetAudioTheme(req)
	case "get_audio_theme":
		return d.handleGetAudioTheme()
	case "test_audio_theme":
		return d.handleTestAudioTheme(ctx, req)
	case "list_audio_themes":
		return d.handleListAudioThemes()
	case "cancel_download":
		return d.handleCancelDownload()
	case "get_download_status":
		return d.handleGetDownloadStatus()
	case "get_config":
		return d.handleGetConfig()
	case "subscribe":
		return d.handleSubscribe(req)
	case "unsubscribe":
		return d.handleUnsubscribe(req)
	case "get_events":
		return d.handleGetEvents(req)
	case "get_subscriber_info":
		return d.handleGetSubscriberInfo()
	case "notify":
		return d.handleNotify(req)
	case "set_preview_typing":
		return d.handleSetPreviewTyping(req)
	case "get_preview_typing":
		return d.handleGetPreviewTyping()
	default:
		return errResponse(fmt.Errorf("unknown command %q", req.Command))
	}
}

func (d *Dispatcher) handlePing(req Request) Response {
	resp := okResponse()
	if req.ClientID != "" && d.deps.Governor != nil {
		active := d.deps.Governor.IsActive(req.ClientID)
		resp.Active = &active
	}
	return resp
}

func (d *Dispatcher) handleStatus() Response {
	status := d.deps.Runtime.Status()
	resp := okResponse()
	resp.State = string(status.State)
	resp.ModelID = status.ModelID
	resp.Device = string(status.Device)
	if d.deps.Notifier != nil {
		resp.Subscribers = d.deps.Notifier.GetSubscriberInfo().Total
	}
	return resp
}

func (d *Dispatcher) handleTranscribe(ctx context.Context, req Request) Response {
	if err := validate.AudioSampleCount(len(req.Audio)); err != nil {
		return errResponse(err)
	}
	if err := validate.SampleRate(req.SampleRate); err != nil {
		return errResponse(err)
	}

	now := time.Now()
	d.broadcast("audio_level", req.ClientID, rmsLevel(req.Audio), now)
	d.broadcast("transcription_started", req.ClientID, nil, now)

	text, err := d.deps.Runtime.Transcribe(ctx, req.Audio, req.SampleRate)
	if err != nil {
		d.broadcast("transcription_failed", req.ClientID, err.Error(), time.Now())
		return errResponse(err)
	}

	d.broadcast("transcription_completed", req.ClientID, text, time.Now())
	resp := okResponse()
	resp.Transcript = text
	return resp
}

func (d *Dispatcher) handleRecord(ctx context.Context, req Request) Response {
	if req.Write && !writeAllowed(ctx) {
		return errResponse(fmt.Errorf("write mode access denied"))
	}

	theme := d.deps.Store.Get().Audio.Theme
	result, err := d.deps.Recorder.Run(ctx, theme, d.deps.Broadcaster, nil)
	if err != nil {
		return errResponse(err)
	}

	text, err := d.deps.Runtime.Transcribe(ctx, result.Samples, result.SampleRate)
	if err != nil {
		return errResponse(err)
	}

	if req.Write && d.deps.Typer != nil {
		d.deps.Typer.Finalize(text)
	}

	resp := okResponse()
	resp.Transcript = text
	return resp
}

func (d *Dispatcher) handleStartRealtime(req Request) Response {
	if err := validate.SampleRate(req.SampleRate); err != nil {
		return errResponse(err)
	}
	if err := d.deps.Realtime.StartSession(req.ClientID, req.SampleRate); err != nil {
		return errResponse(err)
	}
	return okResponse()
}

func (d *Dispatcher) handleRealtimeAudio(req Request) Response {
	if err := validate.AudioSampleCount(len(req.Audio)); err != nil {
		return errResponse(err)
	}
	if err := d.deps.Realtime.FeedAudio(req.ClientID, req.Audio); err != nil {
		return errResponse(err)
	}
	return okResponse()
}

func (d *Dispatcher) handleStopRealtime(req Request) Response {
	if err := d.deps.Realtime.StopSession(req.ClientID); err != nil {
		return errResponse(err)
	}
	return okResponse()
}

func (d *Dispatcher) handleSetModel(ctx context.Context, req Request) Response {
	if err := validate.Text("model_id", req.ModelID); err != nil {
		return errResponse(err)
	}
	if err := d.deps.Runtime.SwitchModel(ctx, req.ModelID); err != nil {
		return errResponse(err)
	}
	status := d.deps.Runtime.Status()
	resp := okResponse()
	resp.ModelID = status.ModelID
	resp.Device = string(status.Device)
	resp.State = string(status.State)
	return resp
}

func (d *Dispatcher) handleGetModel() Response {
	resp := okResponse()
	resp.ModelID = d.deps.Runtime.Status().ModelID
	return resp
}

func (d *Dispatcher) handleListModels() Response {
	resp := okResponse()
	resp.Models = modelregistry.IDs()
	return resp
}

func (d *Dispatcher) handleSetDevice(ctx context.Context, req Request) Response {
	device := modelruntime.Device(req.Device)
	if device != modelruntime.DeviceCPU && device != modelruntime.DeviceCUDA {
		return errResponse(fmt.Errorf("unknown device %q", req.Device))
	}
	if err := d.deps.Runtime.SwitchDevice(ctx, device); err != nil {
		return errResponse(err)
	}
	status := d.deps.Runtime.Status()
	resp := okResponse()
	resp.ModelID = status.ModelID
	resp.Device = string(status.Device)
	resp.State = string(status.State)
	return resp
}

func (d *Dispatcher) handleGetDevice() Response {
	resp := okResponse()
	resp.Device = string(d.deps.Runtime.Status().Device)
	return resp
}

func (d *Dispatcher) handleSetAudioTheme(req Request) Response {
	if err := validate.Text("theme", req.Theme); err != nil {
		return errResponse(err)
	}
	_ = d.deps.Store.Mutate(func(cfg *config.Config) {
		cfg.Audio.Theme = req.Theme
	})
	return okResponse()
}

func (d *Dispatcher) handleGetAudioTheme() Response {
	resp := okResponse()
	resp.State = d.deps.Store.Get().Audio.Theme
	return resp
}

func (d *Dispatcher) handleTestAudioTheme(ctx context.Context, req Request) Response {
	theme := req.Theme
	if theme == "" {
		theme = d.deps.Store.Get().Audio.Theme
	}
	d.deps.Beeper.PlayTest(ctx, theme)
	return okResponse()
}

func (d *Dispatcher) handleListAudioThemes() Response {
	resp := okResponse()
	resp.Themes = d.deps.Beeper.Themes()
	return resp
}

func (d *Dispatcher) handleCancelDownload() Response {
	d.downloads.markCancelled()
	d.deps.Registry.CancelDownload()
	return okResponse()
}

func (d *Dispatcher) handleGetDownloadStatus() Response {
	resp := okResponse()
	status := d.downloads.snapshot()
	resp.Download = &status
	return resp
}

func (d *Dispatcher) handleGetConfig() Response {
	raw, err := json.Marshal(d.deps.Store.Get())
	if err != nil {
		return errResponse(err)
	}
	resp := okResponse()
	resp.Config = raw
	return resp
}

func (d *Dispatcher) handleSubscribe(req Request) Response {
	if err := validate.EventTypes(req.Topics); err != nil {
		return errResponse(err)
	}
	if req.ClientID == "" {
		return errResponse(fmt.Errorf("client_id is required"))
	}
	d.deps.Notifier.Subscribe(req.ClientID, req.Topics, time.Now())
	return okResponse()
}

func (d *Dispatcher) handleUnsubscribe(req Request) Response {
	if req.ClientID == "" {
		return errResponse(fmt.Errorf("client_id is required"))
	}
	d.deps.Notifier.Unsubscribe(req.ClientID)
	return okResponse()
}

func (d *Dispatcher) handleGetEvents(req Request) Response {
	limit := req.Limit
	if limit == 0 {
		limit = validate.MaxLimit
	}
	if err := validate.Limit(limit); err != nil {
		return errResponse(err)
	}
	if err := validate.EventTypes(req.Topics); err != nil {
		return errResponse(err)
	}

	events := d.deps.Notifier.GetEvents(req.Since, req.Topics, limit)
	wire := make([]WireEvent, len(events))
	for i, e := range events {
		wire[i] = WireEvent{Topic: e.Topic, ClientID: e.ClientID, Timestamp: e.Timestamp, Payload: e.Payload}
	}
	resp := okResponse()
	resp.Events = wire
	return resp
}

func (d *Dispatcher) handleGetSubscriberInfo() Response {
	info := d.deps.Notifier.GetSubscriberInfo()
	resp := okResponse()
	resp.Subscribers = info.Total
	resp.PerTopic = info.PerTopic
	return resp
}

func (d *Dispatcher) handleNotify(req Request) Response {
	if err := validate.Text("topic", req.Topic); err != nil {
		return errResponse(err)
	}
	if len(req.Payload) > 0 {
		if err := validate.JSONPayload(req.Payload); err != nil {
			return errResponse(err)
		}
	}
	var payload any
	if len(req.Payload) > 0 {
		_ = json.Unmarshal(req.Payload, &payload)
	}
	d.broadcast(req.Topic, req.ClientID, payload, time.Now())
	return okResponse()
}

func (d *Dispatcher) handleSetPreviewTyping(req Request) Response {
	_ = d.deps.Store.Mutate(func(cfg *config.Config) {
		cfg.Transcription.PreviewTyping = req.PreviewTyping
	})
	return okResponse()
}

func (d *Dispatcher) handleGetPreviewTyping() Response {
	enabled := d.deps.Store.Get().Transcription.PreviewTyping
	resp := okResponse()
	resp.PreviewTyping = &enabled
	return resp
}

func (d *Dispatcher) broadcast(topic, clientID string, payload any, now time.Time) {
	if d.deps.Notifier == nil {
		return
	}
	d.deps.Notifier.Broadcast(topic, clientID, payload, now)
}

func rmsLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
