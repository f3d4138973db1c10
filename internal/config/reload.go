package config

import (
	"log/slog"
	"sync/atomic"
)

// Watcher holds the active Config snapshot behind an atomic pointer so that
// Reload can swap in a new snapshot while other goroutines continue reading
// the old one without locking. On a failed reload the previous snapshot is
// retained and the failure is logged.
type Watcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]
}

// NewWatcher loads path once and returns a Watcher seeded with the result.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, logger: logger}
	w.current.Store(cfg)
	return w, nil
}

// Get returns the currently active Config snapshot. The returned pointer is
// never mutated in place; callers may hold it for the duration of an
// operation without risk of observing a partial update.
func (w *Watcher) Get() *Config {
	return w.current.Load()
}

// Reload re-parses and re-validates the configuration file. On success the
// new snapshot atomically replaces the active one; on failure the previous
// snapshot is retained and the error is logged, never returned to the
// caller, matching the fire-and-forget signal-handler contract.
func (w *Watcher) Reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			slog.String("path", w.path), slog.Any("error", err))
		return
	}
	w.current.Store(cfg)
	w.logger.Info("configuration reloaded", slog.String("path", w.path))
}
