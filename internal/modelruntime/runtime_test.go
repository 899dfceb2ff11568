package modelruntime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	name   string
	closed bool
}

func (b *stubBackend) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	return "transcribed-by-" + b.name, nil
}

func (b *stubBackend) Close() error {
	b.closed = true
	return nil
}

type stubSink struct {
	topics []string
}

func (s *stubSink) Broadcast(topic, clientID string, payload any, now time.Time) {
	s.topics = append(s.topics, topic)
}

func alwaysFalse() bool { return false }

func TestSwitchModelLoadsAndPublishesReady(t *testing.T) {
	sink := &stubSink{}
	var loadedDevice Device
	loader := func(ctx context.Context, modelID string, device Device) (Backend, error) {
		loadedDevice = device
		return &stubBackend{name: modelID}, nil
	}

	rt := New(loader, nil, nil, sink, Preconditions{
		IsRecording:          alwaysFalse,
		HasActiveRealtime:    alwaysFalse,
		IsDownloadInProgress: alwaysFalse,
	}, nil, nil)

	err := rt.SwitchModel(context.Background(), "whisper-small")
	require.NoError(t, err)

	status := rt.Status()
	require.Equal(t, StateReady, status.State)
	require.Equal(t, "whisper-small", status.ModelID)
	require.Equal(t, DeviceCPU, loadedDevice)
	require.Contains(t, sink.topics, string(StateLoading))
	require.Contains(t, sink.topics, string(StateReady))

	text, err := rt.Transcribe(context.Background(), []float32{0}, 16000)
	require.NoError(t, err)
	require.Equal(t, "transcribed-by-whisper-small", text)
}

func TestSwitchModelRefusesWhileRecording(t *testing.T) {
	rt := New(func(ctx context.Context, modelID string, device Device) (Backend, error) {
		return &stubBackend{name: modelID}, nil
	}, nil, nil, nil, Preconditions{
		IsRecording: func() bool { return true },
	}, nil, nil)

	err := rt.SwitchModel(context.Background(), "whisper-small")
	require.ErrorIs(t, err, ErrRecordingInProgress)
	require.Equal(t, StateNoModel, rt.Status().State)
}

func TestSwitchModelRefusesDuringDownload(t *testing.T) {
	rt := New(func(ctx context.Context, modelID string, device Device) (Backend, error) {
		return &stubBackend{name: modelID}, nil
	}, nil, nil, nil, Preconditions{
		IsRecording:          alwaysFalse,
		HasActiveRealtime:    alwaysFalse,
		IsDownloadInProgress: func() bool { return true },
	}, nil, nil)

	err := rt.SwitchModel(context.Background(), "whisper-small")
	require.ErrorIs(t, err, ErrDownloadInProgress)
}

func TestSwitchDeviceFallsBackToCPUOnCUDAFailure(t *testing.T) {
	sink := &stubSink{}
	loader := func(ctx context.Context, modelID string, device Device) (Backend, error) {
		if device == DeviceCUDA {
			return nil, errors.New("cuda unavailable")
		}
		return &stubBackend{name: modelID}, nil
	}
	preconds := Preconditions{IsRecording: alwaysFalse, HasActiveRealtime: alwaysFalse, IsDownloadInProgress: alwaysFalse}
	rt := New(loader, nil, nil, sink, preconds, nil, nil)

	require.NoError(t, rt.SwitchModel(context.Background(), "whisper-small"))

	err := rt.SwitchDevice(context.Background(), DeviceCUDA)
	require.NoError(t, err)

	status := rt.Status()
	require.Equal(t, DeviceCPU, status.Device, "should have fallen back to CPU")
	require.Equal(t, StateReady, status.State)
}

func TestSwitchDeviceEntersNoModelWhenFallbackAlsoFails(t *testing.T) {
	attempt := 0
	loader := func(ctx context.Context, modelID string, device Device) (Backend, error) {
		attempt++
		if attempt == 1 {
			return &stubBackend{name: modelID}, nil
		}
		return nil, errors.New("load always fails after first")
	}
	preconds := Preconditions{IsRecording: alwaysFalse, HasActiveRealtime: alwaysFalse, IsDownloadInProgress: alwaysFalse}
	rt := New(loader, nil, nil, &stubSink{}, preconds, nil, nil)

	require.NoError(t, rt.SwitchModel(context.Background(), "whisper-small"))

	err := rt.SwitchDevice(context.Background(), DeviceCUDA)
	require.Error(t, err)
	require.Equal(t, StateNoModel, rt.Status().State)

	_, err = rt.Transcribe(context.Background(), nil, 16000)
	require.ErrorIs(t, err, ErrNoModelLoaded)
}

func TestSwitchModelAbortsSlowLoadOnShutdown(t *testing.T) {
	loader := func(ctx context.Context, modelID string, device Device) (Backend, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	preconds := Preconditions{IsRecording: alwaysFalse, HasActiveRealtime: alwaysFalse, IsDownloadInProgress: alwaysFalse}
	rt := New(loader, nil, nil, &stubSink{}, preconds, nil, nil)

	shutdown := make(chan struct{})
	rt.shutdownCh = shutdown
	close(shutdown)

	err := rt.SwitchModel(context.Background(), "whisper-small")
	require.Error(t, err)
	require.Equal(t, StateNoModel, rt.Status().State)
}

func TestDownloadIfNeededFailureLeavesNoModel(t *testing.T) {
	loader := func(ctx context.Context, modelID string, device Device) (Backend, error) {
		return &stubBackend{name: modelID}, nil
	}
	download := func(ctx context.Context, modelID string) error {
		return errors.New("network unreachable")
	}
	preconds := Preconditions{IsRecording: alwaysFalse, HasActiveRealtime: alwaysFalse, IsDownloadInProgress: alwaysFalse}
	rt := New(loader, download, nil, &stubSink{}, preconds, nil, nil)

	err := rt.SwitchModel(context.Background(), "whisper-small")
	require.Error(t, err)
	require.Equal(t, StateNoModel, rt.Status().State)
}
