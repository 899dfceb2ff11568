package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rbright/sttd/internal/frame"
	"github.com/rbright/sttd/internal/governor"
	"github.com/rbright/sttd/internal/validate"
)

// ErrAlreadyRunning is returned when another daemon already holds the
// control socket.
var ErrAlreadyRunning = errors.New("sttd daemon already running")

// RuntimeSocketPath resolves the control-socket path under a validated
// runtime directory, falling back to a safe default and logging when the
// configured candidate fails the secure-path policy (§4.13).
func RuntimeSocketPath(logger *slog.Logger) string {
	candidate := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	fallback := filepath.Join("/tmp", fmt.Sprintf("sttd-%d", os.Getuid()))
	dir := validate.RuntimeDir(candidate, fallback, func(msg string) {
		if logger != nil {
			logger.Warn(msg)
		}
	})
	return filepath.Join(dir, "sttd.sock")
}

// Acquire binds the control socket, probing and clearing a stale socket
// left by a crashed prior daemon before retrying — the same
// probe/rescue/retry shape as the teacher's single-instance IPC socket,
// generalized from toggle-or-forward ownership to a long-lived daemon
// listener.
func Acquire(ctx context.Context, path string, probeTimeout time.Duration, retries int) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure runtime socket dir: %w", err)
	}

	for attempt := 0; attempt <= retries; attempt++ {
		listener, err := net.Listen("unix", path)
		if err == nil {
			_ = os.Chmod(path, 0o600)
			return listener, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, fmt.Errorf("listen unix %s: %w", path, err)
		}

		alive := probe(ctx, path, probeTimeout)
		if alive {
			return nil, ErrAlreadyRunning
		}
		if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, removeErr)
		}

		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
			}
		}
	}
	return nil, fmt.Errorf("failed to acquire socket %s after %d retries", path, retries)
}

func probe(ctx context.Context, path string, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Server drives the persistent control-plane connections: one accept
// loop, one goroutine per client connection, each reading/writing
// length-prefixed JSON frames (distinct from the teacher's one-shot
// readline-JSON protocol, since `realtime_audio` needs many request/reply
// round-trips over the same connection).
type Server struct {
	dispatcher  *Dispatcher
	governor    *governor.Governor
	knownPaths  validate.KnownBinaryPaths
	debugBypass bool
	logger      *slog.Logger

	connSeq uint64
	mu      sync.Mutex
}

// NewServer builds a Server over dispatcher. debugBypass short-circuits
// write-mode peer verification, matching §4.14's debug-build exemption.
func NewServer(dispatcher *Dispatcher, gov *governor.Governor, knownPaths validate.KnownBinaryPaths, debugBypass bool, logger *slog.Logger) *Server {
	return &Server{dispatcher: dispatcher, governor: gov, knownPaths: knownPaths, debugBypass: debugBypass, logger: logger}
}

// Serve accepts connections until ctx is cancelled or listener closes.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	clientID := s.nextClientID()
	now := time.Now()
	if err := s.governor.Accept(clientID, now); err != nil {
		_ = frame.WriteJSON(conn, errResponse(err))
		return
	}
	defer s.governor.Disconnect(clientID)

	canWrite := VerifyPeer(conn, s.knownPaths, ResolveExePath, s.debugBypass)
	connCtx := WithWriteAllowed(ctx, canWrite)

	reader := bufio.NewReader(conn)
	for {
		var req Request
		if err := frame.ReadJSON(reader, &req); err != nil {
			return
		}
		if req.ClientID == "" {
			req.ClientID = clientID
		}

		if err := s.governor.Allow(req.ClientID, time.Now()); err != nil {
			_ = frame.WriteJSON(conn, errResponse(err))
			continue
		}

		resp := s.dispatcher.Handle(connCtx, req)
		if err := frame.WriteJSON(conn, resp); err != nil {
			if s.logger != nil {
				s.logger.Warn("write control response failed", "error", err)
			}
			return
		}
	}
}

func (s *Server) nextClientID() string {
	s.mu.Lock()
	s.connSeq++
	seq := s.connSeq
	s.mu.Unlock()
	return validate.NewClientID("conn", time.Now().UnixNano()+int64(seq))
}
