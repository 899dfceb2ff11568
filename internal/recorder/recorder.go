// Package recorder drives one capture session from start tone through
// end-of-utterance detection to a resampled final buffer, fanning each
// frame out to the UDP broadcaster, the transcription buffer, and an
// optional live-preview sink.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rbright/sttd/internal/analyzer"
	"github.com/rbright/sttd/internal/beeper"
	stframe "github.com/rbright/sttd/internal/frame"
	"github.com/rbright/sttd/internal/resample"
	"github.com/rbright/sttd/internal/vad"
)

// ErrAlreadyRecording is returned when Run is called while a recording
// session is already in progress.
var ErrAlreadyRecording = errors.New("recording already in progress")

const (
	finalSampleRate = 16000
	// silenceTimeout is how long continuous non-speech must persist,
	// after speech has been heard, before end-of-utterance fires. The
	// spec names the adaptive-VAD mechanics but not this duration; 1.2s
	// is a conventional dictation pause length, recorded as an Open
	// Question decision.
	silenceTimeout = 1200 * time.Millisecond
	// hardCeiling is the absolute recording length cap when no speech
	// is ever detected.
	hardCeiling = 60 * time.Second
)

// Source streams mono float32 PCM frames from an open device session.
type Source interface {
	Frames() <-chan []float32
	Rate() int
	Stop() error
}

// Sink receives already-encoded broadcaster datagrams and reports the
// current subscriber count so the recorder can skip lazily.
type Sink interface {
	SubscriberCount() int
	Broadcast(payload []byte)
	BroadcastRecordingState(recording bool, epochMillis uint64)
}

// Result is one completed recording's final, resampled buffer.
type Result struct {
	Samples    []float32
	SampleRate int
}

// Recorder sequences one capture session at a time.
type Recorder struct {
	startCapture func(ctx context.Context) (Source, error)
	analyzer     *analyzer.Analyzer
	beeper       *beeper.Beeper
	logger       *slog.Logger

	mu        sync.Mutex
	recording bool
}

// New builds a Recorder. startCapture opens a fresh device session each
// call; an is the analyzer used for the per-frame FREQUENCY_BANDS
// broadcast.
func New(startCapture func(ctx context.Context) (Source, error), an *analyzer.Analyzer, bp *beeper.Beeper, logger *slog.Logger) *Recorder {
	return &Recorder{startCapture: startCapture, analyzer: an, beeper: bp, logger: logger}
}

// IsRecording reports the current recording flag.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Run executes the full 8-step recording sequence and returns the final
// resampled buffer. preview, if non-nil, receives a copy of every frame
// for the real-time session manager; sink, if non-nil, receives the
// lazy AUDIO_SAMPLES/FREQUENCY_BANDS broadcasts and the closing
// RECORDING_STATE=false broadcast.
func (r *Recorder) Run(ctx context.Context, theme string, sink Sink, preview chan<- []float32) (Result, error) {
	if !r.trySetRecording() {
		return Result{}, ErrAlreadyRecording
	}
	defer r.clearRecording()

	r.beeper.BeginDeviceSession(ctx)
	defer r.beeper.EndDeviceSession()

	r.beeper.PlayStart(ctx, theme)

	capture, err := r.startCapture(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("open capture session: %w", err)
	}

	full := r.captureLoop(ctx, capture, sink, preview)

	resampled := resample.To(full, capture.Rate(), finalSampleRate)

	go r.beeper.PlayStop(context.Background(), theme)
	if sink != nil {
		sink.BroadcastRecordingState(false, uint64(time.Now().UnixMilli()))
	}

	return Result{Samples: resampled, SampleRate: finalSampleRate}, nil
}

func (r *Recorder) captureLoop(ctx context.Context, capture Source, sink Sink, preview chan<- []float32) []float32 {
	detector := vad.New()
	rate := capture.Rate()
	start := time.Now()

	var full []float32
	for {
		select {
		case <-ctx.Done():
			_ = capture.Stop()
			return full
		case chunk, ok := <-capture.Frames():
			if !ok {
				return full
			}
			full = append(full, chunk...)
			r.fanOut(rate, chunk, sink, preview)

			now := time.Now()
			detector.Observe(rmsOf(chunk), now)

			if detector.HasSpoken() && detector.SilenceDuration(now) > silenceTimeout {
				_ = capture.Stop()
				return full
			}
			if !detector.HasSpoken() && now.Sub(start) > hardCeiling {
				_ = capture.Stop()
				return full
			}
		}
	}
}

func (r *Recorder) fanOut(rate int, chunk []float32, sink Sink, preview chan<- []float32) {
	if sink != nil && sink.SubscriberCount() > 0 {
		if payload, err := stframe.EncodeAudioSamples(float32(rate), 1, chunk); err == nil {
			sink.Broadcast(payload)
		} else if r.logger != nil {
			r.logger.Warn("encode audio samples failed", "error", err)
		}
	}

	if r.analyzer != nil && sink != nil && sink.SubscriberCount() > 0 {
		result := r.analyzer.Process(chunk)
		payload, err := stframe.EncodeFrequencyBands(float32(rate), result.TotalEnergy, result.Bands[:])
		if err == nil {
			sink.Broadcast(payload)
		} else if r.logger != nil {
			r.logger.Warn("encode frequency bands failed", "error", err)
		}
	}

	if preview != nil {
		cp := append([]float32(nil), chunk...)
		select {
		case preview <- cp:
		default:
		}
	}
}

func (r *Recorder) trySetRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return false
	}
	r.recording = true
	return true
}

func (r *Recorder) clearRecording() {
	r.mu.Lock()
	r.recording = false
	r.mu.Unlock()
}

func rmsOf(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
