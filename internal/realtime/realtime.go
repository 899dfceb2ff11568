// Package realtime manages one streaming transcription session per
// connected client: a rolling raw-rate PCM buffer, adaptive voice
// detection gating when it's worth decoding, and an at-most-one-decode-
// in-flight worker that resamples and submits the buffered tail to the
// model runtime.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rbright/sttd/internal/fsm"
	"github.com/rbright/sttd/internal/resample"
	"github.com/rbright/sttd/internal/vad"
)

const (
	targetRate             = 16000
	previewMinBufferedSecs = 2
	tailWindowSecs         = 15
	retainWindowSecs       = 30
	decodeChunkFrames      = 1024

	stopPollInterval = 10 * time.Millisecond
	stopPollTimeout  = time.Second
)

// ErrSessionAlreadyActive is returned when StartSession is called for a
// client id that already has an open session.
var ErrSessionAlreadyActive = errors.New("real-time session already active for this client")

// ErrUnknownSession is returned when a client id has no open session.
var ErrUnknownSession = errors.New("no active real-time session for this client")

// Transcriber is the model-runtime subset the session worker calls.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
}

// Sink receives the `realtime_transcription` broadcast on decode completion.
type Sink interface {
	Broadcast(topic, clientID string, payload any, now time.Time)
}

type clientSession struct {
	id         string
	sourceRate int

	mu       sync.Mutex
	buffer   []float32
	detector *vad.Detector
	state    fsm.State

	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns every client's session.
type Manager struct {
	transcriber Transcriber
	sink        Sink
	logger      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*clientSession
}

// New builds an empty Manager.
func New(transcriber Transcriber, sink Sink, logger *slog.Logger) *Manager {
	return &Manager{
		transcriber: transcriber,
		sink:        sink,
		logger:      logger,
		sessions:    make(map[string]*clientSession),
	}
}

// ActiveCount reports how many sessions are currently open, for the
// model-runtime switch precondition.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartSession opens a new session for clientID ingesting audio at sourceRate.
func (m *Manager) StartSession(clientID string, sourceRate int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[clientID]; exists {
		return ErrSessionAlreadyActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.sessions[clientID] = &clientSession{
		id:         clientID,
		sourceRate: sourceRate,
		detector:   vad.New(),
		state:      fsm.StateIdle,
		ctx:        ctx,
		cancel:     cancel,
	}
	return nil
}

// FeedAudio appends one chunk of raw PCM from clientID's source, trims the
// rolling buffer to the retention window, and triggers a decode if enough
// speech has accumulated and no decode is already in flight.
func (m *Manager) FeedAudio(clientID string, raw []float32) error {
	session, ok := m.session(clientID)
	if !ok {
		return ErrUnknownSession
	}

	session.mu.Lock()
	session.buffer = append(session.buffer, raw...)
	retain := retainWindowSecs * session.sourceRate
	if len(session.buffer) > retain {
		session.buffer = append([]float32(nil), session.buffer[len(session.buffer)-retain:]...)
	}

	spoke := session.detector.Observe(rmsOf(raw), time.Now())
	_ = spoke

	minBuffered := previewMinBufferedSecs * session.sourceRate
	shouldDecode := session.state == fsm.StateIdle && len(session.buffer) >= minBuffered && session.detector.HasSpoken()

	var tail []float32
	if shouldDecode {
		tailLen := tailWindowSecs * session.sourceRate
		if tailLen > len(session.buffer) {
			tailLen = len(session.buffer)
		}
		tail = append([]float32(nil), session.buffer[len(session.buffer)-tailLen:]...)
		session.state = advanceToTranscribing(session.state)
	}
	session.mu.Unlock()

	if tail != nil {
		go m.decode(session, tail)
	}
	return nil
}

func (m *Manager) decode(session *clientSession, tail []float32) {
	succeeded := false
	defer func() {
		session.mu.Lock()
		session.state = returnToIdle(session.state, succeeded)
		session.mu.Unlock()
	}()

	if session.ctx.Err() != nil {
		return
	}

	resampled := resample.Chunked(tail, session.sourceRate, targetRate, decodeChunkFrames)
	text, err := m.transcriber.Transcribe(session.ctx, resampled, targetRate)
	if err != nil {
		if m.logger != nil && session.ctx.Err() == nil {
			m.logger.Warn("real-time decode failed", "client", session.id, "error", err.Error())
		}
		return
	}
	if session.ctx.Err() != nil {
		return
	}
	succeeded = true

	if m.sink != nil {
		m.sink.Broadcast("realtime_transcription", session.id, map[string]string{"text": text}, time.Now())
	}
}

// advanceToTranscribing moves a session straight from idle into
// transcribing: enough speech has buffered to submit a decode, so the
// brief "recording" state is passed through in the same step rather than
// surfaced as an observable state.
func advanceToTranscribing(current fsm.State) fsm.State {
	next, err := fsm.Transition(current, fsm.EventStart)
	if err != nil {
		return current
	}
	next, err = fsm.Transition(next, fsm.EventStop)
	if err != nil {
		return current
	}
	return next
}

// returnToIdle resolves a finished decode back to idle, routing failures
// through the error state so the transition table still sees a well-formed
// path rather than a forced reset.
func returnToIdle(current fsm.State, succeeded bool) fsm.State {
	event := fsm.EventTranscribed
	if !succeeded {
		event = fsm.EventFail
	}
	next, err := fsm.Transition(current, event)
	if err != nil {
		return fsm.StateIdle
	}
	if next == fsm.StateError {
		next, err = fsm.Transition(next, fsm.EventReset)
		if err != nil {
			return fsm.StateIdle
		}
	}
	return next
}

// StopSession cancels clientID's session, waits briefly for any in-flight
// decode to finish, and removes the session regardless.
func (m *Manager) StopSession(clientID string) error {
	session, ok := m.session(clientID)
	if !ok {
		return ErrUnknownSession
	}
	session.cancel()

	deadline := time.Now().Add(stopPollTimeout)
	for {
		session.mu.Lock()
		decoding := session.state == fsm.StateTranscribing
		session.mu.Unlock()
		if !decoding || time.Now().After(deadline) {
			break
		}
		time.Sleep(stopPollInterval)
	}

	m.mu.Lock()
	delete(m.sessions, clientID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) session(clientID string) (*clientSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[clientID]
	return session, ok
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
