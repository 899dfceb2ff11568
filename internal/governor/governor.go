// Package governor enforces connection caps, per-client rate limits, and
// idle-connection sweeping ahead of daemon control dispatch.
package governor

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrConnectionLimitExceeded = errors.New("ConnectionLimitExceeded")
	ErrRateLimitExceeded       = errors.New("RateLimitExceeded")
)

// Limits bundles the governor's tunables. Production and development presets
// below differ only in generosity.
type Limits struct {
	MaxConnections     int
	MaxRequestsPerMin  int
	MaxRequestsPerHour int
	IdleTimeout        time.Duration
}

// Production is the default preset used outside debug builds.
func Production() Limits {
	return Limits{
		MaxConnections:     64,
		MaxRequestsPerMin:  120,
		MaxRequestsPerHour: 2000,
		IdleTimeout:        5 * time.Minute,
	}
}

// Development is a more permissive preset for local iteration.
func Development() Limits {
	return Limits{
		MaxConnections:     256,
		MaxRequestsPerMin:  6000,
		MaxRequestsPerHour: 100000,
		IdleTimeout:        30 * time.Minute,
	}
}

// connection tracks one accepted client's activity for idle sweeping and
// rate-window accounting. The minute/hour windows are each a token bucket
// sized so its burst equals the window's request cap.
type connection struct {
	openedAt     time.Time
	lastActivity time.Time
	perMinute    *rate.Limiter
	perHour      *rate.Limiter
}

func newConnection(limits Limits, now time.Time) *connection {
	return &connection{
		openedAt:     now,
		lastActivity: now,
		perMinute:    rate.NewLimiter(rate.Limit(float64(limits.MaxRequestsPerMin)/60), limits.MaxRequestsPerMin),
		perHour:      rate.NewLimiter(rate.Limit(float64(limits.MaxRequestsPerHour)/3600), limits.MaxRequestsPerHour),
	}
}

// Governor is the daemon-wide connection and rate-limit tracker.
type Governor struct {
	limits Limits

	mu    sync.Mutex
	conns map[string]*connection
}

// New builds a Governor with the given limits.
func New(limits Limits) *Governor {
	return &Governor{limits: limits, conns: make(map[string]*connection)}
}

// Accept registers a new connection, failing if the connection cap is hit.
func (g *Governor) Accept(clientID string, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.conns) >= g.limits.MaxConnections {
		return ErrConnectionLimitExceeded
	}
	g.conns[clientID] = newConnection(g.limits, now)
	return nil
}

// Disconnect removes a connection record, e.g. on socket close.
func (g *Governor) Disconnect(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, clientID)
}

// Allow records one request for clientID and enforces the minute/hour
// windows, failing fast rather than queueing.
func (g *Governor) Allow(clientID string, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	conn, ok := g.conns[clientID]
	if !ok {
		conn = newConnection(g.limits, now)
		g.conns[clientID] = conn
	}
	conn.lastActivity = now

	if !conn.perMinute.AllowN(now, 1) || !conn.perHour.AllowN(now, 1) {
		return ErrRateLimitExceeded
	}
	return nil
}

// SweepIdle closes out connections whose last activity predates the idle
// timeout, returning the evicted client ids.
func (g *Governor) SweepIdle(now time.Time) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var evicted []string
	for id, conn := range g.conns {
		if now.Sub(conn.lastActivity) > g.limits.IdleTimeout {
			evicted = append(evicted, id)
			delete(g.conns, id)
		}
	}
	return evicted
}

// ConnectionCount reports the current number of tracked connections.
func (g *Governor) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// IsActive reports whether clientID currently has a tracked connection
// record, for the `ping` command's optional liveness check.
func (g *Governor) IsActive(clientID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.conns[clientID]
	return ok
}

// RunSweeper runs SweepIdle on interval until stop is closed.
func (g *Governor) RunSweeper(stop <-chan struct{}, interval time.Duration, onEvict func(clientID string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, id := range g.SweepIdle(now) {
				if onEvict != nil {
					onEvict(id)
				}
			}
		}
	}
}
