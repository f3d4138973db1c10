package queue_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetlog/uploader/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name string, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestQueue_AddDedupesByPath(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.log", "hello")

	q, err := queue.Load(filepath.Join(dir, "queue.json"), discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := q.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.Add(a); err != nil {
		t.Fatalf("Add (second): %v", err)
	}
	if q.Size() != 1 {
		t.Errorf("Size() = %d, want 1", q.Size())
	}
}

func TestQueue_AddSkipsMissingFile(t *testing.T) {
	dir := t.TempDir()
	q, err := queue.Load(filepath.Join(dir, "queue.json"), discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := q.Add(filepath.Join(dir, "nonexistent.log")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if q.Size() != 0 {
		t.Errorf("Size() = %d, want 0 for a nonexistent file", q.Size())
	}
}

func TestQueue_NextBatchNewestFirst(t *testing.T) {
	dir := t.TempDir()
	older := writeFile(t, dir, "older.log", "x")
	newer := writeFile(t, dir, "newer.log", "y")

	q, err := queue.Load(filepath.Join(dir, "queue.json"), discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := q.Add(older); err != nil {
		t.Fatalf("Add older: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := q.Add(newer); err != nil {
		t.Fatalf("Add newer: %v", err)
	}

	batch := q.NextBatch(10)
	if len(batch) != 2 {
		t.Fatalf("len(batch) = %d, want 2", len(batch))
	}
	if batch[0].Path != newer {
		t.Errorf("batch[0] = %q, want newest-first %q", batch[0].Path, newer)
	}
}

func TestQueue_MarkUploadedRemoves(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.log", "hello")

	q, err := queue.Load(filepath.Join(dir, "queue.json"), discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := q.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.MarkUploaded(a); err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	if q.Size() != 0 {
		t.Errorf("Size() = %d, want 0 after MarkUploaded", q.Size())
	}
}

func TestQueue_MarkFailedIncrementsAttempts(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.log", "hello")

	q, err := queue.Load(filepath.Join(dir, "queue.json"), discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := q.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := q.MarkFailed(a); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
	}
	batch := q.NextBatch(1)
	if len(batch) != 1 || batch[0].Attempts != 3 {
		t.Errorf("batch = %+v, want Attempts = 3", batch)
	}
}

func TestQueue_MarkPermanentFailureRemoves(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.log", "hello")

	q, err := queue.Load(filepath.Join(dir, "queue.json"), discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := q.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.MarkPermanentFailure(a, "corrupted file"); err != nil {
		t.Fatalf("MarkPermanentFailure: %v", err)
	}
	if q.Size() != 0 {
		t.Errorf("Size() = %d, want 0", q.Size())
	}
}

func TestQueue_PersistsAndPrunesMissingOnReload(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.log", "hello")
	b := writeFile(t, dir, "b.log", "world")
	queuePath := filepath.Join(dir, "queue.json")

	q, err := queue.Load(queuePath, discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := q.Add(a); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if err := q.Add(b); err != nil {
		t.Fatalf("Add b: %v", err)
	}

	if err := os.Remove(b); err != nil {
		t.Fatalf("remove b: %v", err)
	}

	reloaded, err := queue.Load(queuePath, discardLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Size() != 1 {
		t.Errorf("Size() after reload = %d, want 1 (b.log should be pruned)", reloaded.Size())
	}
}

// TestQueue_OnDiskShape pins the queue file's JSON contract: an array of
// {filepath, size, detected_at, attempts} objects. Older agents read this
// exact shape; renaming a field strands their queues.
func TestQueue_OnDiskShape(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.log", "hello")
	queuePath := filepath.Join(dir, "queue.json")

	q, err := queue.Load(queuePath, discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := q.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}

	data, err := os.ReadFile(queuePath)
	if err != nil {
		t.Fatalf("read queue file: %v", err)
	}
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("queue file is not a JSON array: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("len = %d, want 1", len(raw))
	}
	for _, field := range []string{"filepath", "size", "detected_at", "attempts"} {
		if _, ok := raw[0][field]; !ok {
			t.Errorf("queue entry is missing field %q: %v", field, raw[0])
		}
	}
}

func TestQueue_RecoversFromBackupOnCorruption(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.log", "hello")
	queuePath := filepath.Join(dir, "queue.json")

	q, err := queue.Load(queuePath, discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := q.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// A second save produces a .bak containing the good single-entry state.
	if err := q.MarkFailed(a); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if err := os.WriteFile(queuePath, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("corrupt primary: %v", err)
	}

	recovered, err := queue.Load(queuePath, discardLogger())
	if err != nil {
		t.Fatalf("Load after corruption: %v", err)
	}
	if recovered.Size() != 1 {
		t.Errorf("Size() after recovery = %d, want 1", recovered.Size())
	}
}
