package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/sttd/internal/analyzer"
	"github.com/rbright/sttd/internal/beeper"
	"github.com/rbright/sttd/internal/broadcaster"
	"github.com/rbright/sttd/internal/config"
	"github.com/rbright/sttd/internal/governor"
	"github.com/rbright/sttd/internal/modelregistry"
	"github.com/rbright/sttd/internal/modelruntime"
	"github.com/rbright/sttd/internal/notify"
	"github.com/rbright/sttd/internal/realtime"
	"github.com/rbright/sttd/internal/recorder"
)

type stubBackend struct{ text string }

func (s stubBackend) Transcribe(_ context.Context, _ []float32, _ int) (string, error) {
	return s.text, nil
}
func (s stubBackend) Close() error { return nil }

type closedSource struct{ ch chan []float32 }

func newClosedSource() *closedSource {
	ch := make(chan []float32)
	close(ch)
	return &closedSource{ch: ch}
}

func (c *closedSource) Frames() <-chan []float32 { return c.ch }
func (c *closedSource) Rate() int                { return 16000 }
func (c *closedSource) Stop() error               { return nil }

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()

	store := config.NewStore(filepath.Join(t.TempDir(), "config.json"), config.Default(), nil, nil)

	loader := func(_ context.Context, modelID string, _ modelruntime.Device) (modelruntime.Backend, error) {
		return stubBackend{text: "hello from " + modelID}, nil
	}
	download := func(_ context.Context, _ string) error { return nil }
	preconds := modelruntime.Preconditions{
		IsRecording:          func() bool { return false },
		HasActiveRealtime:    func() bool { return false },
		IsDownloadInProgress: func() bool { return false },
	}
	runtime := modelruntime.New(loader, download, store, notify.New(), preconds, nil, nil)
	require.NoError(t, runtime.SwitchModel(context.Background(), "whisper-tiny"))

	reg, err := modelregistry.New(t.TempDir(), nil)
	require.NoError(t, err)

	rec := recorder.New(func(_ context.Context) (recorder.Source, error) {
		return newClosedSource(), nil
	}, analyzer.New(16000), beeper.New(nil), nil)

	rt := realtime.New(runtime, notify.New(), nil)

	bc, err := broadcaster.New(t.TempDir(), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bc.Close() })

	deps := Deps{
		Store:       store,
		Runtime:     runtime,
		Registry:    reg,
		Recorder:    rec,
		Realtime:    rt,
		Notifier:    notify.New(),
		Broadcaster: bc,
		Governor:    governor.New(governor.Development()),
		Typer:       nil,
		Beeper:      beeper.New(nil),
		Logger:      nil,
	}
	return New(deps)
}

func TestPingReportsActiveWhenGovernorTracksClient(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.deps.Governor.Accept("client-1", time.Now()))

	resp := d.Handle(context.Background(), Request{Command: "ping", ClientID: "client-1"})
	require.True(t, resp.OK)
	require.NotNil(t, resp.Active)
	require.True(t, *resp.Active)
}

func TestPingWithoutClientIDOmitsActive(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{Command: "ping"})
	require.True(t, resp.OK)
	require.Nil(t, resp.Active)
}

func TestStatusReportsLoadedModelAndDevice(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{Command: "status"})
	require.True(t, resp.OK)
	require.Equal(t, "whisper-tiny", resp.ModelID)
	require.Equal(t, "ready", resp.State)
}

func TestTranscribeValidatesAudioThenRunsModel(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{
		Command:    "transcribe",
		Audio:      []float32{0.1, 0.2, 0.3},
		SampleRate: 16000,
	})
	require.True(t, resp.OK)
	require.Contains(t, resp.Transcript, "whisper-tiny")
}

func TestTranscribeRejectsBadSampleRate(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{
		Command:    "transcribe",
		Audio:      []float32{0.1},
		SampleRate: 1,
	})
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}

func TestRecordWithoutWriteModeNeverChecksPeerVerification(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{Command: "record"})
	require.True(t, resp.OK)
}

func TestRecordWriteModeDeniedWithoutVerifiedPeer(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{Command: "record", Write: true})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "write mode")
}

func TestRecordWriteModeAllowedWithVerifiedPeer(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := WithWriteAllowed(context.Background(), true)
	resp := d.Handle(ctx, Request{Command: "record", Write: true})
	require.True(t, resp.OK)
}

func TestSetModelRejectedWhileRecording(t *testing.T) {
	d := newTestDispatcher(t)
	d.deps.Runtime = modelruntime.New(
		func(_ context.Context, _ string, _ modelruntime.Device) (modelruntime.Backend, error) {
			return stubBackend{}, nil
		},
		func(_ context.Context, _ string) error { return nil },
		d.deps.Store,
		notify.New(),
		modelruntime.Preconditions{
			IsRecording:          func() bool { return true },
			HasActiveRealtime:    func() bool { return false },
			IsDownloadInProgress: func() bool { return false },
		},
		nil, nil,
	)
	resp := d.Handle(context.Background(), Request{Command: "set_model", ModelID: "whisper-small"})
	require.False(t, resp.OK)
}

func TestListModelsReturnsCatalog(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{Command: "list_models"})
	require.True(t, resp.OK)
	require.Contains(t, resp.Models, "whisper-tiny")
}

func TestSetAndGetAudioTheme(t *testing.T) {
	d := newTestDispatcher(t)
	setResp := d.Handle(context.Background(), Request{Command: "set_audio_theme", Theme: "chime"})
	require.True(t, setResp.OK)

	getResp := d.Handle(context.Background(), Request{Command: "get_audio_theme"})
	require.True(t, getResp.OK)
	require.Equal(t, "chime", getResp.State)
}

func TestListAudioThemesIncludesBuiltins(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{Command: "list_audio_themes"})
	require.True(t, resp.OK)
	require.Contains(t, resp.Themes, "default")
}

func TestGetDownloadStatusStartsIdle(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{Command: "get_download_status"})
	require.True(t, resp.OK)
	require.Equal(t, downloadIdle, resp.Download.State)
}

func TestCancelDownloadMarksCancelledAndClearsRegistry(t *testing.T) {
	d := newTestDispatcher(t)
	d.downloads.begin("whisper-small", time.Now())
	resp := d.Handle(context.Background(), Request{Command: "cancel_download"})
	require.True(t, resp.OK)
	require.False(t, d.deps.Registry.IsDownloading())
}

func TestGetConfigReturnsPersistedJSON(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{Command: "get_config"})
	require.True(t, resp.OK)
	require.NotEmpty(t, resp.Config)
}

func TestSubscribeRequiresClientID(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{Command: "subscribe", Topics: []string{"status"}})
	require.False(t, resp.OK)
}

func TestSubscribeThenGetEventsReturnsNotifiedEvent(t *testing.T) {
	d := newTestDispatcher(t)
	since := time.Now().Add(-time.Minute)

	subResp := d.Handle(context.Background(), Request{Command: "subscribe", ClientID: "watcher", Topics: []string{"custom"}})
	require.True(t, subResp.OK)

	notifyResp := d.Handle(context.Background(), Request{Command: "notify", Topic: "custom", ClientID: "origin"})
	require.True(t, notifyResp.OK)

	eventsResp := d.Handle(context.Background(), Request{Command: "get_events", Topics: []string{"custom"}, Since: since, Limit: 10})
	require.True(t, eventsResp.OK)
	require.Len(t, eventsResp.Events, 1)
	require.Equal(t, "custom", eventsResp.Events[0].Topic)
}

func TestGetSubscriberInfoReflectsTopicBreakdown(t *testing.T) {
	d := newTestDispatcher(t)
	d.Handle(context.Background(), Request{Command: "subscribe", ClientID: "a", Topics: []string{"status"}})

	resp := d.Handle(context.Background(), Request{Command: "get_subscriber_info"})
	require.True(t, resp.OK)
	require.Equal(t, 1, resp.Subscribers)
	require.Equal(t, 1, resp.PerTopic["status"])
}

func TestSetAndGetPreviewTyping(t *testing.T) {
	d := newTestDispatcher(t)
	setResp := d.Handle(context.Background(), Request{Command: "set_preview_typing", PreviewTyping: true})
	require.True(t, setResp.OK)

	getResp := d.Handle(context.Background(), Request{Command: "get_preview_typing"})
	require.True(t, getResp.OK)
	require.NotNil(t, getResp.PreviewTyping)
	require.True(t, *getResp.PreviewTyping)
}

func TestStartFeedAndStopRealtimeSession(t *testing.T) {
	d := newTestDispatcher(t)
	startResp := d.Handle(context.Background(), Request{Command: "start_realtime", ClientID: "rt-1", SampleRate: 16000})
	require.True(t, startResp.OK)

	feedResp := d.Handle(context.Background(), Request{Command: "realtime_audio", ClientID: "rt-1", Audio: make([]float32, 100)})
	require.True(t, feedResp.OK)

	stopResp := d.Handle(context.Background(), Request{Command: "stop_realtime", ClientID: "rt-1"})
	require.True(t, stopResp.OK)
}

func TestUnknownCommandReturnsError(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{Command: "not_a_real_command"})
	require.False(t, resp.OK)
}

func TestInvalidCommandNameRejectedBeforeDispatch(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Handle(context.Background(), Request{Command: "bad command!"})
	require.False(t, resp.OK)
}
