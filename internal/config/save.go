package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Save atomically persists cfg to path: write a sibling temp file, fsync,
// then rename over the destination.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("ensure config dir: %w", err)
	}

	encoded, err := cfg.encode()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config into place: %w", err)
	}
	return nil
}

// debounceWindow is how long the store waits for additional mutations
// before firing a single config_changed notification.
const debounceWindow = 250 * time.Millisecond

// Store is the daemon-resident config holder: it serializes mutation,
// persists atomically, and coalesces rapid changes into a single debounced
// broadcast per window, per §2's "debounced broadcast of change events".
type Store struct {
	path   string
	onSave func(Config) // e.g. notify.Fabric.Broadcast("config_changed", ...)
	logger *slog.Logger

	mu      sync.Mutex
	current Config
	timer   *time.Timer
}

// NewStore wraps an already-loaded config for mutation and debounced save.
func NewStore(path string, initial Config, onSave func(Config), logger *slog.Logger) *Store {
	return &Store{path: path, onSave: onSave, current: initial, logger: logger}
}

// Get returns a snapshot of the current configuration.
func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Mutate applies fn to a copy of the current config, validates it, and if
// valid stores it and schedules a debounced save+broadcast.
func (s *Store) Mutate(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	fn(&next)

	if _, err := Validate(next); err != nil {
		return err
	}

	s.current = next
	s.scheduleSaveLocked()
	return nil
}

func (s *Store) scheduleSaveLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(debounceWindow, s.flush)
}

func (s *Store) flush() {
	s.mu.Lock()
	cfg := s.current
	path := s.path
	onSave := s.onSave
	s.mu.Unlock()

	if err := Save(path, cfg); err != nil {
		if s.logger != nil {
			s.logger.Warn("config save failed", "error", err.Error())
		}
		return
	}
	if onSave != nil {
		onSave(cfg)
	}
}
