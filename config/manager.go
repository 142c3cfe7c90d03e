package config

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReloadCallback runs after a successful reload.
type ReloadCallback func(previous, current *Config)

// Manager holds the live configuration and hot-reloads it from disk. A
// reload that fails to parse or validate keeps the last good
// configuration in place.
type Manager struct {
	mu      sync.RWMutex
	current *Config

	loader    *Loader
	path      string
	lastMod   time.Time
	callbacks []ReloadCallback
	logger    *zap.Logger
}

// NewManager loads the initial configuration from path.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loader := NewLoader().WithConfigPath(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		current: cfg,
		loader:  loader,
		path:    path,
		logger:  logger.With(zap.String("component", "config_manager")),
	}
	if info, err := os.Stat(path); err == nil {
		m.lastMod = info.ModTime()
	}
	return m, nil
}

// Snapshot returns a copy of the current configuration. Callers that
// need hot-reloaded values read a fresh snapshot each time.
func (m *Manager) Snapshot() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// OnReload registers a callback invoked after every successful reload.
func (m *Manager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Reload re-reads the file. On any failure the previous configuration
// stays active and the error is returned.
func (m *Manager) Reload() error {
	cfg, err := m.loader.Load()
	if err != nil {
		m.logger.Error("config reload rejected, keeping previous",
			zap.String("path", m.path), zap.Error(err))
		return err
	}

	m.mu.Lock()
	old := m.current
	m.current = cfg
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	m.mu.Unlock()

	m.logger.Info("config reloaded", zap.String("path", m.path))
	for _, cb := range callbacks {
		cb(old, cfg)
	}
	return nil
}

// Watch polls the file's modification time and reloads when it changes,
// until the context ends.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		info, err := os.Stat(m.path)
		if err != nil {
			continue // file may be mid-replace
		}
		m.mu.RLock()
		changed := info.ModTime().After(m.lastMod)
		m.mu.RUnlock()
		if !changed {
			continue
		}

		m.mu.Lock()
		m.lastMod = info.ModTime()
		m.mu.Unlock()
		if err := m.Reload(); err == nil {
			continue
		}
	}
}
