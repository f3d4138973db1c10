// Package registry implements the processed-file registry: a durable,
// content-identity-keyed record of files already uploaded, giving the
// uploader at-most-once semantics across restarts.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fleetlog/uploader/internal/model"
	"github.com/fleetlog/uploader/internal/persist"
)

// Registry is safe for concurrent use. Every mutation persists to disk
// while still holding the lock, trading write throughput for the guarantee
// that the in-memory and on-disk views never diverge for long.
type Registry struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]model.RegistryEntry
}

// Load opens the registry file at path, recovering from its ".bak" sibling
// if the primary is missing or corrupted, and starting empty if both fail.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		path:    path,
		logger:  logger,
		entries: make(map[string]model.RegistryEntry),
	}

	var loaded map[string]model.RegistryEntry
	found, err := persist.Load(path, &loaded, logger)
	if err != nil {
		return nil, err
	}
	if found {
		r.entries = loaded
	}

	logger.Info("registry loaded", slog.Int("entries", len(r.entries)), slog.String("path", path))
	return r, nil
}

// Contains reports whether identity has already been recorded as uploaded.
func (r *Registry) Contains(identity model.FileIdentity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[identity.Key()]
	return ok
}

// Insert records identity as uploaded under objectKey at uploadedAt, then
// persists the registry to disk before returning.
func (r *Registry) Insert(identity model.FileIdentity, objectKey string, uploadedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[identity.Key()] = model.RegistryEntry{
		Identity:   identity,
		UploadedAt: uploadedAt,
		ObjectKey:  objectKey,
	}
	return r.saveLocked()
}

// Prune drops entries whose UploadedAt is older than retentionDays relative
// to now, and persists the result. It returns the number of entries
// removed.
func (r *Registry) Prune(now time.Time, retentionDays int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.AddDate(0, 0, -retentionDays)
	removed := 0
	for key, entry := range r.entries {
		if entry.UploadedAt.Before(cutoff) {
			delete(r.entries, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	r.logger.Info("registry pruned expired entries", slog.Int("removed", removed))
	return removed, r.saveLocked()
}

// Len returns the number of entries currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// saveLocked persists the registry. Callers must hold r.mu.
func (r *Registry) saveLocked() error {
	return persist.Save(r.path, r.entries, r.logger)
}
