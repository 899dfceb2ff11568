// Package broadcaster runs the authenticated UDP telemetry channel: a
// shared-secret client registry plus fan-out of datagram packets to
// every registered subscriber, with periodic staleness sweeps.
package broadcaster

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rbright/sttd/internal/frame"
)

const (
	staleAfter    = 300 * time.Second
	sweepInterval = 30 * time.Second
	secretBytes   = 32
)

// Client is a registered subscriber.
type Client struct {
	ID       uint32
	Type     string
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// Broadcaster owns the loopback datagram socket and the client registry.
type Broadcaster struct {
	conn   *net.UDPConn
	secret string
	logger *slog.Logger

	mu      sync.Mutex
	clients map[uint32]*Client
	nextID  uint32
}

// New binds a loopback UDP socket on port, writes the shared-secret file
// under runtimeDir before returning, and readies the client registry.
// The secret file and its parent directory are created with the spec's
// required 0600/0700 modes.
func New(runtimeDir string, port int, logger *slog.Logger) (*Broadcaster, error) {
	secret, err := ensureSecretFile(runtimeDir)
	if err != nil {
		return nil, fmt.Errorf("prepare shared secret: %w", err)
	}

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("bind udp broadcaster on %s: %w", addr, err)
	}

	return &Broadcaster{
		conn:    conn,
		secret:  secret,
		logger:  logger,
		clients: make(map[uint32]*Client),
	}, nil
}

// ensureSecretFile creates (or reads back) the shared-secret file under
// <runtimeDir>/stt/udp-secret, creating the directory 0700 and the file
// 0600 before returning.
func ensureSecretFile(runtimeDir string) (string, error) {
	dir := filepath.Join(runtimeDir, "stt")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create runtime dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, "udp-secret")
	if existing, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(existing)), nil
	}

	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(raw)

	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", fmt.Errorf("write secret file %s: %w", path, err)
	}
	return secret, nil
}

// Serve reads control messages (REGISTER/PING) until the socket closes.
// Run it in its own goroutine; Close unblocks it.
func (b *Broadcaster) Serve() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		b.handleControl(string(buf[:n]), addr)
	}
}

func (b *Broadcaster) handleControl(msg string, addr *net.UDPAddr) {
	switch {
	case strings.HasPrefix(msg, "REGISTER:"):
		b.handleRegister(msg, addr)
	case msg == "PING":
		b.handlePing(addr)
	}
}

func (b *Broadcaster) handleRegister(msg string, addr *net.UDPAddr) {
	parts := strings.SplitN(msg, ":", 3)
	if len(parts) != 3 || parts[2] != b.secret {
		b.send(addr, []byte("AUTH_FAILED"))
		return
	}
	clientType := parts[1]

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.clients[id] = &Client{ID: id, Type: clientType, Addr: addr, LastSeen: time.Now()}
	b.mu.Unlock()

	b.send(addr, []byte(fmt.Sprintf("REGISTERED:%d", id)))
}

func (b *Broadcaster) handlePing(addr *net.UDPAddr) {
	b.mu.Lock()
	for _, c := range b.clients {
		if sameAddr(c.Addr, addr) {
			c.LastSeen = time.Now()
			break
		}
	}
	b.mu.Unlock()
	b.send(addr, []byte("PONG"))
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.IP.Equal(b.IP) && a.Port == b.Port
}

func (b *Broadcaster) send(addr *net.UDPAddr, payload []byte) {
	if _, err := b.conn.WriteToUDP(payload, addr); err != nil && b.logger != nil {
		b.logger.Warn("udp broadcaster control reply failed", "error", err)
	}
}

// SubscriberCount reports the number of registered clients, used to lazily
// skip AUDIO_SAMPLES encoding when nobody is listening.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Broadcast sends an already-encoded datagram to every registered client,
// refreshing last-seen on success and removing clients whose send failed
// in the same pass.
func (b *Broadcaster) Broadcast(payload []byte) {
	b.mu.Lock()
	targets := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	var failed []uint32
	now := time.Now()
	for _, c := range targets {
		if _, err := b.conn.WriteToUDP(payload, c.Addr); err != nil {
			failed = append(failed, c.ID)
			continue
		}
		c.LastSeen = now
	}

	if len(failed) > 0 {
		b.mu.Lock()
		for _, id := range failed {
			delete(b.clients, id)
		}
		b.mu.Unlock()
	}
}

// BroadcastRecordingState encodes and broadcasts a RECORDING_STATE packet.
func (b *Broadcaster) BroadcastRecordingState(recording bool, epochMillis uint64) {
	b.Broadcast(frame.EncodeRecordingState(recording, epochMillis))
}

// SweepIdle removes clients whose last-seen exceeds the staleness window.
func (b *Broadcaster) SweepIdle(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.clients {
		if now.Sub(c.LastSeen) > staleAfter {
			delete(b.clients, id)
		}
	}
}

// RunSweeper blocks, sweeping stale clients every 30s until stop is closed.
func (b *Broadcaster) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			b.SweepIdle(now)
		}
	}
}

// Close releases the underlying socket.
func (b *Broadcaster) Close() error {
	return b.conn.Close()
}
