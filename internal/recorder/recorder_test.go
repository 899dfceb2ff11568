package recorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/sttd/internal/analyzer"
	"github.com/rbright/sttd/internal/beeper"
)

type fakeSource struct {
	rate   int
	frames chan []float32
	mu     sync.Mutex
	stopped bool
}

func newFakeSource(rate int, cap int) *fakeSource {
	return &fakeSource{rate: rate, frames: make(chan []float32, cap)}
}

func (f *fakeSource) Frames() <-chan []float32 { return f.frames }

func (f *fakeSource) trySend(chunk []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	select {
	case f.frames <- chunk:
	default:
	}
}

func (f *fakeSource) Rate() int                { return f.rate }
func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.frames)
	}
	return nil
}

type fakeSink struct {
	mu          sync.Mutex
	subscribers int
	broadcasts  int
	states      []bool
}

func (s *fakeSink) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribers
}

func (s *fakeSink) Broadcast(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts++
}

func (s *fakeSink) BroadcastRecordingState(recording bool, epochMillis uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, recording)
}

func newTestRecorder(source *fakeSource) *Recorder {
	return New(func(ctx context.Context) (Source, error) { return source, nil }, analyzer.New(source.rate), beeper.New(nil), nil)
}

func TestRunEndsOnSilenceAfterSpeech(t *testing.T) {
	source := newFakeSource(16000, 64)
	r := newTestRecorder(source)

	loud := make([]float32, 320)
	for i := range loud {
		loud[i] = 0.9
	}
	quiet := make([]float32, 320)

	go func() {
		for i := 0; i < 5; i++ {
			source.trySend(loud)
		}
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			source.trySend(quiet)
			time.Sleep(20 * time.Millisecond)
		}
	}()

	sink := &fakeSink{subscribers: 1}
	result, err := r.Run(context.Background(), "silent", sink, nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Samples)
	require.Equal(t, finalSampleRate, result.SampleRate)
	require.False(t, r.IsRecording())
	require.Contains(t, sink.states, false)
}

func TestRunRefusesConcurrentRecording(t *testing.T) {
	source := newFakeSource(16000, 8)
	r := newTestRecorder(source)
	r.recording = true

	_, err := r.Run(context.Background(), "silent", nil, nil)
	require.ErrorIs(t, err, ErrAlreadyRecording)
}

func TestRunClearsFlagOnCaptureOpenFailure(t *testing.T) {
	r := New(func(ctx context.Context) (Source, error) {
		return nil, context.DeadlineExceeded
	}, analyzer.New(16000), beeper.New(nil), nil)

	_, err := r.Run(context.Background(), "silent", nil, nil)
	require.Error(t, err)
	require.False(t, r.IsRecording())
}

func TestRunForwardsPreviewCopies(t *testing.T) {
	source := newFakeSource(16000, 8)
	r := newTestRecorder(source)

	loud := make([]float32, 320)
	for i := range loud {
		loud[i] = 0.9
	}
	quiet := make([]float32, 320)
	preview := make(chan []float32, 64)

	go func() {
		for i := 0; i < 5; i++ {
			source.trySend(loud)
		}
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			source.trySend(quiet)
			time.Sleep(20 * time.Millisecond)
		}
	}()

	_, err := r.Run(context.Background(), "silent", nil, preview)
	require.NoError(t, err)

	select {
	case got := <-preview:
		require.Len(t, got, len(loud))
	default:
		t.Fatal("expected a preview copy")
	}
}
