// Package modelruntime holds at most one loaded transcription backend and
// sequences model/device switches through a precondition-gated, timed,
// shutdown-cancellable load, mirroring the daemon's other "nothing queues,
// everything fails fast" control paths.
package modelruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/sttd/internal/config"
)

// Device is the inference device a backend runs on.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// State is the runtime's coarse lifecycle state, broadcast to subscribers
// on every transition.
type State string

const (
	StateNoModel State = "no_model"
	StateLoading State = "loading_model"
	StateReady   State = "ready"
)

// loadTimeout bounds how long a single backend load may run before the
// switch is abandoned.
const loadTimeout = 60 * time.Second

var (
	// ErrRecordingInProgress blocks a switch while §4.5 recording is active.
	ErrRecordingInProgress = errors.New("cannot switch model or device while recording")
	// ErrRealtimeSessionsActive blocks a switch while any §4.9 session is open.
	ErrRealtimeSessionsActive = errors.New("cannot switch model or device while real-time sessions are active")
	// ErrDownloadInProgress blocks a model switch while a download is running.
	ErrDownloadInProgress = errors.New("cannot switch model while a download is in progress")
	// ErrNoModelLoaded is returned by Transcribe when the runtime holds no backend.
	ErrNoModelLoaded = errors.New("no model loaded")
)

// Backend is one loaded transcription engine instance (Whisper, Voxtral, ...).
type Backend interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
	Close() error
}

// Loader constructs a Backend for modelID on device. It is expected to
// respect ctx cancellation for the 60s-timeout/shutdown race in Switch.
type Loader func(ctx context.Context, modelID string, device Device) (Backend, error)

// DownloadIfNeeded ensures modelID's files are cached locally, returning
// promptly if they already are.
type DownloadIfNeeded func(ctx context.Context, modelID string) error

// Preconditions reports whether a switch is currently safe to start.
type Preconditions struct {
	IsRecording          func() bool
	HasActiveRealtime    func() bool
	IsDownloadInProgress func() bool
}

// Sink receives runtime lifecycle broadcasts.
type Sink interface {
	Broadcast(topic, clientID string, payload any, now time.Time)
}

// Runtime owns the single currently-loaded backend.
type Runtime struct {
	loader     Loader
	download   DownloadIfNeeded
	store      *config.Store
	sink       Sink
	preconds   Preconditions
	logger     *slog.Logger
	shutdownCh <-chan struct{}

	mu      sync.Mutex
	state   State
	modelID string
	device  Device
	backend Backend
}

// New builds a Runtime in the no_model state. shutdownCh, when closed,
// races against in-flight loads per §4.8.
func New(loader Loader, download DownloadIfNeeded, store *config.Store, sink Sink, preconds Preconditions, shutdownCh <-chan struct{}, logger *slog.Logger) *Runtime {
	return &Runtime{
		loader:     loader,
		download:   download,
		store:      store,
		sink:       sink,
		preconds:   preconds,
		shutdownCh: shutdownCh,
		logger:     logger,
		state:      StateNoModel,
	}
}

// Status is a point-in-time snapshot for the `status`/`get_model`/`get_device` commands.
type Status struct {
	State   State
	ModelID string
	Device  Device
}

// Status returns the current runtime snapshot.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{State: r.state, ModelID: r.modelID, Device: r.device}
}

// Transcribe runs the loaded backend against samples, or fails with
// ErrNoModelLoaded.
func (r *Runtime) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	r.mu.Lock()
	backend := r.backend
	r.mu.Unlock()
	if backend == nil {
		return "", ErrNoModelLoaded
	}
	return backend.Transcribe(ctx, samples, sampleRate)
}

func (r *Runtime) checkPreconditions(requireNoDownload bool) error {
	if r.preconds.IsRecording != nil && r.preconds.IsRecording() {
		return ErrRecordingInProgress
	}
	if r.preconds.HasActiveRealtime != nil && r.preconds.HasActiveRealtime() {
		return ErrRealtimeSessionsActive
	}
	if requireNoDownload && r.preconds.IsDownloadInProgress != nil && r.preconds.IsDownloadInProgress() {
		return ErrDownloadInProgress
	}
	return nil
}

// SwitchModel loads modelID onto the current (or default CPU) device,
// downloading its files first if needed.
func (r *Runtime) SwitchModel(ctx context.Context, modelID string) error {
	if err := r.checkPreconditions(true); err != nil {
		return err
	}

	r.mu.Lock()
	device := r.device
	if device == "" {
		device = DeviceCPU
	}
	r.mu.Unlock()

	return r.switchTo(ctx, modelID, device, false)
}

// SwitchDevice reloads the currently selected model on device, falling
// back to CPU if a requested CUDA load fails.
func (r *Runtime) SwitchDevice(ctx context.Context, device Device) error {
	if err := r.checkPreconditions(false); err != nil {
		return err
	}

	r.mu.Lock()
	modelID := r.modelID
	r.mu.Unlock()
	if modelID == "" {
		return ErrNoModelLoaded
	}

	return r.switchTo(ctx, modelID, device, true)
}

func (r *Runtime) switchTo(ctx context.Context, modelID string, device Device, allowCPUFallback bool) error {
	r.broadcastState(StateLoading, modelID, device)

	r.mu.Lock()
	prev := r.backend
	r.backend = nil
	r.state = StateLoading
	r.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	if r.download != nil {
		if err := r.download(ctx, modelID); err != nil {
			r.setNoModel()
			return fmt.Errorf("download model %q: %w", modelID, err)
		}
	}

	backend, actualDevice, err := r.loadWithFallback(ctx, modelID, device, allowCPUFallback)
	if err != nil {
		r.setNoModel()
		return err
	}

	r.mu.Lock()
	r.backend = backend
	r.modelID = modelID
	r.device = actualDevice
	r.state = StateReady
	r.mu.Unlock()

	if r.store != nil {
		_ = r.store.Mutate(func(c *config.Config) {
			c.Transcription.PreferredModel = modelID
			c.Device.Preferred = string(actualDevice)
		})
	}

	r.broadcastState(StateReady, modelID, actualDevice)
	return nil
}

// loadWithFallback attempts device first; if device is CUDA and
// allowCPUFallback is set, a failed CUDA load is retried on CPU and the
// discrepancy is surfaced via the returned device value without error.
func (r *Runtime) loadWithFallback(ctx context.Context, modelID string, device Device, allowCPUFallback bool) (Backend, Device, error) {
	backend, err := r.loadWithTimeout(ctx, modelID, device)
	if err == nil {
		return backend, device, nil
	}
	if !(allowCPUFallback && device == DeviceCUDA) {
		return nil, "", err
	}

	if r.logger != nil {
		r.logger.Warn("cuda load failed, falling back to cpu", "model", modelID, "error", err.Error())
	}
	fallback, fallbackErr := r.loadWithTimeout(ctx, modelID, DeviceCPU)
	if fallbackErr != nil {
		return nil, "", fmt.Errorf("cuda load failed (%v) and cpu fallback also failed: %w", err, fallbackErr)
	}
	return fallback, DeviceCPU, nil
}

type loadResult struct {
	backend Backend
	err     error
}

func (r *Runtime) loadWithTimeout(ctx context.Context, modelID string, device Device) (Backend, error) {
	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	resultCh := make(chan loadResult, 1)
	go func() {
		backend, err := r.loader(loadCtx, modelID, device)
		resultCh <- loadResult{backend: backend, err: err}
	}()

	select {
	case result := <-resultCh:
		return result.backend, result.err
	case <-loadCtx.Done():
		return nil, fmt.Errorf("load model %q on %s: %w", modelID, device, loadCtx.Err())
	case <-r.shutdownCh:
		cancel()
		return nil, errors.New("daemon shutting down")
	}
}

func (r *Runtime) setNoModel() {
	r.mu.Lock()
	r.backend = nil
	r.modelID = ""
	r.state = StateNoModel
	r.mu.Unlock()
	r.broadcastState(StateNoModel, "", "")
}

func (r *Runtime) broadcastState(state State, modelID string, device Device) {
	if r.sink == nil {
		return
	}
	r.sink.Broadcast(string(state), "", map[string]string{
		"model":  modelID,
		"device": string(device),
	}, time.Now())
}
