// Package queue implements the durable upload work list: files the Monitor
// has found stable, waiting to be picked up by the Orchestrator's batch
// processor. State is persisted as a JSON array with a .bak sibling so a
// crash mid-write never loses more than the last mutation.
package queue

import (
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fleetlog/uploader/internal/model"
	"github.com/fleetlog/uploader/internal/persist"
)

// Queue is a durable, path-deduplicated work list ordered by detection
// time; batches are handed out newest-detected-first.
// It is safe for concurrent use; every mutation persists before returning.
type Queue struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]model.QueueEntry // keyed by absolute path
}

// Load opens the queue file at path, recovering from its ".bak" sibling on
// corruption and pruning entries whose files no longer exist on disk.
func Load(path string, logger *slog.Logger) (*Queue, error) {
	q := &Queue{
		path:    path,
		logger:  logger,
		entries: make(map[string]model.QueueEntry),
	}

	var loaded []model.QueueEntry
	found, err := persist.Load(path, &loaded, logger)
	if err != nil {
		return nil, err
	}
	if found {
		for _, e := range loaded {
			q.entries[e.Path] = e
		}
	}

	removed := q.pruneMissingLocked()
	if removed > 0 {
		logger.Warn("queue: pruned entries for files that no longer exist", slog.Int("removed", removed))
	}

	logger.Info("queue loaded", slog.Int("entries", len(q.entries)), slog.String("path", path))
	return q, nil
}

// Add appends path to the queue. It is a no-op if path is already queued or
// cannot be stat-ed (the file vanished between detection and enqueue).
func (q *Queue) Add(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[path]; exists {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		q.logger.Warn("queue: cannot stat file, skipping enqueue", slog.String("path", path), slog.Any("error", err))
		return nil
	}

	q.entries[path] = model.QueueEntry{
		Path:       path,
		Size:       info.Size(),
		DetectedAt: time.Now().UTC(),
		Attempts:   0,
	}
	return q.saveLocked()
}

// NextBatch returns up to max queued entries ordered newest-detected-first.
// It does not remove anything from the queue; callers mark entries uploaded,
// failed, or permanently failed after attempting each one.
func (q *Queue) NextBatch(max int) []model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	all := make([]model.QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].DetectedAt.After(all[j].DetectedAt)
	})

	if max <= 0 || max > len(all) {
		max = len(all)
	}
	return all[:max]
}

// MarkUploaded removes path from the queue after a successful upload.
func (q *Queue) MarkUploaded(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[path]; !ok {
		return nil
	}
	delete(q.entries, path)
	return q.saveLocked()
}

// MarkFailed increments the attempt counter for path after a transient
// upload failure. The entry remains in the queue for the next batch.
func (q *Queue) MarkFailed(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[path]
	if !ok {
		return nil
	}
	e.Attempts++
	q.entries[path] = e
	return q.saveLocked()
}

// MarkPermanentFailure removes path from the queue after a non-retryable
// upload failure and logs the removal at error level. Callers are expected
// to increment the failure metric.
func (q *Queue) MarkPermanentFailure(path string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[path]; !ok {
		return nil
	}
	delete(q.entries, path)
	q.logger.Error("queue: permanent failure, removed from queue and will not be retried",
		slog.String("path", path), slog.String("reason", reason))
	return q.saveLocked()
}

// Size returns the number of entries currently queued.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// TotalBytes returns the sum of the sizes recorded at detection time for
// every queued entry.
func (q *Queue) TotalBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var total int64
	for _, e := range q.entries {
		total += e.Size
	}
	return total
}

// pruneMissingLocked removes entries whose file no longer exists. Callers
// must hold q.mu.
func (q *Queue) pruneMissingLocked() int {
	removed := 0
	for path := range q.entries {
		if _, err := os.Stat(path); err != nil {
			delete(q.entries, path)
			removed++
		}
	}
	if removed > 0 {
		_ = q.saveLocked()
	}
	return removed
}

// saveLocked persists the queue as a JSON array ordered newest-first, for
// readability when inspected by hand. Callers must hold q.mu.
func (q *Queue) saveLocked() error {
	all := make([]model.QueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].DetectedAt.After(all[j].DetectedAt)
	})
	return persist.Save(q.path, all, q.logger)
}
