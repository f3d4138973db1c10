package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlog/uploader/internal/config"
	"github.com/fleetlog/uploader/internal/model"
	"github.com/fleetlog/uploader/internal/orchestrator"
	"github.com/fleetlog/uploader/internal/uploader"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeQueue is an in-memory stand-in for *queue.Queue.
type fakeQueue struct {
	mu      sync.Mutex
	entries map[string]model.QueueEntry
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{entries: make(map[string]model.QueueEntry)}
}

func (q *fakeQueue) Add(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[path]; ok {
		return nil
	}
	q.entries[path] = model.QueueEntry{
		Path:       path,
		Size:       100,
		DetectedAt: time.Now(),
	}
	return nil
}

func (q *fakeQueue) NextBatch(max int) []model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []model.QueueEntry
	for _, e := range q.entries {
		out = append(out, e)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

func (q *fakeQueue) MarkUploaded(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, path)
	return nil
}

func (q *fakeQueue) MarkFailed(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.entries[path]
	e.Attempts++
	q.entries[path] = e
	return nil
}

func (q *fakeQueue) MarkPermanentFailure(path, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, path)
	return nil
}

func (q *fakeQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *fakeQueue) TotalBytes() int64 { return 0 }

// fakeRegistry records every Insert call.
type fakeRegistry struct {
	mu      sync.Mutex
	entries []model.FileIdentity
}

func (r *fakeRegistry) Insert(identity model.FileIdentity, objectKey string, uploadedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, identity)
	return nil
}

func (r *fakeRegistry) Prune(now time.Time, retentionDays int) (int, error) { return 0, nil }

func (r *fakeRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// fakeUploader lets each test script per-path outcomes.
type fakeUploader struct {
	mu      sync.Mutex
	results map[string]error
	calls   []string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{results: make(map[string]error)}
}

func (u *fakeUploader) Upload(ctx context.Context, path string, source string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, path)
	if err, ok := u.results[path]; ok {
		return "", err
	}
	return "key/" + path, nil
}

// fakeCustodian is a no-op Custodian whose disk-space check reports the
// healthy field.
type fakeCustodian struct {
	mu            sync.Mutex
	uploadedPaths []string
	deferredCalls int
	ageCalls      int
	healthy       bool
	emergencyRan  bool
}

func (c *fakeCustodian) MarkUploaded(path string, keepDays int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadedPaths = append(c.uploadedPaths, path)
}
func (c *fakeCustodian) CleanupDeferred() int { c.deferredCalls++; return 0 }
func (c *fakeCustodian) CleanupByAge(maxAgeDays int) int { c.ageCalls++; return 0 }
func (c *fakeCustodian) CheckDiskSpace(path string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy, nil
}
func (c *fakeCustodian) CleanupOldFiles(path string, targetFreeBytes uint64) (int, error) {
	return 0, nil
}
func (c *fakeCustodian) EmergencyCleanupAllFiles(path string, targetFreeBytes uint64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emergencyRan = true
	return 1, nil
}
func (c *fakeCustodian) ReservedBytes() uint64 { return 1024 }

// fakeMonitor implements orchestrator.Monitor without touching the
// filesystem.
type fakeMonitor struct {
	startErr   error
	startCalls int
	stopCalls  int
}

func (m *fakeMonitor) Start(ctx context.Context) error {
	m.startCalls++
	return m.startErr
}
func (m *fakeMonitor) Stop() { m.stopCalls++ }

func baseConfig() *config.Config {
	return &config.Config{
		VehicleID:      "vehicle-001",
		LogDirectories: []config.LogDirectory{{Path: "/logs"}},
		Upload: config.UploadConfig{
			MaxBatchFiles: 10,
		},
	}
}

func TestOrchestrator_ProcessQueue_SuccessUpdatesRegistryAndCustodian(t *testing.T) {
	cfg := baseConfig()
	cfg.Deletion.AfterUpload.Enabled = true
	cfg.Deletion.AfterUpload.KeepDays = 7

	q := newFakeQueue()
	require.NoError(t, q.Add("/logs/a.log"))
	reg := &fakeRegistry{}
	up := newFakeUploader()
	cust := &fakeCustodian{healthy: true}
	mon := &fakeMonitor{}

	o := orchestrator.New(orchestrator.StaticConfig(cfg), mon, q, reg, up, cust, discardLogger())
	o.ProcessQueue(context.Background())

	assert.Equal(t, 0, q.Size(), "uploaded entry should be removed from the queue")
	assert.Equal(t, 1, reg.count(), "registry should record the successful upload")
	assert.Equal(t, []string{"/logs/a.log"}, cust.uploadedPaths)
}

func TestOrchestrator_ProcessQueue_PermanentFailureRemovesFromQueue(t *testing.T) {
	cfg := baseConfig()
	q := newFakeQueue()
	require.NoError(t, q.Add("/logs/bad.log"))
	reg := &fakeRegistry{}
	up := newFakeUploader()
	up.results["/logs/bad.log"] = &uploader.PermanentUploadError{Path: "/logs/bad.log", Reason: "malformed"}
	cust := &fakeCustodian{healthy: true}
	mon := &fakeMonitor{}

	o := orchestrator.New(orchestrator.StaticConfig(cfg), mon, q, reg, up, cust, discardLogger())
	o.ProcessQueue(context.Background())

	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 0, reg.count())
}

func TestOrchestrator_ProcessQueue_TransientFailureLeavesEntryQueued(t *testing.T) {
	cfg := baseConfig()
	q := newFakeQueue()
	require.NoError(t, q.Add("/logs/flaky.log"))
	reg := &fakeRegistry{}
	up := newFakeUploader()
	up.results["/logs/flaky.log"] = errors.New("connection reset")
	cust := &fakeCustodian{healthy: true}
	mon := &fakeMonitor{}

	o := orchestrator.New(orchestrator.StaticConfig(cfg), mon, q, reg, up, cust, discardLogger())
	o.ProcessQueue(context.Background())

	assert.Equal(t, 1, q.Size(), "transient failures stay queued for the next batch")
	assert.Equal(t, 1, q.entries["/logs/flaky.log"].Attempts)
}

func TestOrchestrator_ProcessQueue_RunsEmergencyCleanupWhenStillCriticalAfterStandardCleanup(t *testing.T) {
	cfg := baseConfig()
	cfg.Deletion.Emergency.Enabled = true
	q := newFakeQueue()
	require.NoError(t, q.Add("/logs/a.log"))
	reg := &fakeRegistry{}
	up := newFakeUploader()
	cust := &fakeCustodian{healthy: false}
	mon := &fakeMonitor{}

	o := orchestrator.New(orchestrator.StaticConfig(cfg), mon, q, reg, up, cust, discardLogger())
	o.ProcessQueue(context.Background())

	assert.True(t, cust.emergencyRan, "emergency reclamation should run when disk is still critical and the policy is enabled")
}

func TestOrchestrator_OnFileStable_EnqueuesAndReturnsTrue(t *testing.T) {
	cfg := baseConfig()
	q := newFakeQueue()
	reg := &fakeRegistry{}
	up := newFakeUploader()
	cust := &fakeCustodian{healthy: true}
	mon := &fakeMonitor{}

	o := orchestrator.New(orchestrator.StaticConfig(cfg), mon, q, reg, up, cust, discardLogger())

	ok := o.OnFileStable("/logs/a.log")
	assert.True(t, ok)
	assert.Equal(t, 1, q.Size())
}

func TestOrchestrator_StartRunsStartupDrainWhenConfigured(t *testing.T) {
	cfg := baseConfig()
	trueVal := true
	cfg.Upload.UploadOnStart = &trueVal

	q := newFakeQueue()
	require.NoError(t, q.Add("/logs/a.log"))
	reg := &fakeRegistry{}
	up := newFakeUploader()
	cust := &fakeCustodian{healthy: true}
	mon := &fakeMonitor{}

	o := orchestrator.New(orchestrator.StaticConfig(cfg), mon, q, reg, up, cust, discardLogger())
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop()

	assert.Equal(t, 1, mon.startCalls)
	assert.Equal(t, 0, q.Size(), "startup drain should upload whatever survived the last run")
}

func TestOrchestrator_StopDrainsAndStopsMonitor(t *testing.T) {
	cfg := baseConfig()
	falseVal := false
	cfg.Upload.UploadOnStart = &falseVal

	q := newFakeQueue()
	reg := &fakeRegistry{}
	up := newFakeUploader()
	cust := &fakeCustodian{healthy: true}
	mon := &fakeMonitor{}

	o := orchestrator.New(orchestrator.StaticConfig(cfg), mon, q, reg, up, cust, discardLogger())
	require.NoError(t, o.Start(context.Background()))

	require.NoError(t, q.Add("/logs/late.log"))

	o.Stop()

	assert.Equal(t, 1, mon.stopCalls)
	assert.Equal(t, 0, q.Size(), "final drain on Stop should upload anything still queued")
}

func TestOrchestrator_StopIsIdempotent(t *testing.T) {
	cfg := baseConfig()
	q := newFakeQueue()
	reg := &fakeRegistry{}
	up := newFakeUploader()
	cust := &fakeCustodian{healthy: true}
	mon := &fakeMonitor{}

	o := orchestrator.New(orchestrator.StaticConfig(cfg), mon, q, reg, up, cust, discardLogger())
	require.NoError(t, o.Start(context.Background()))
	o.Stop()
	assert.NotPanics(t, func() { o.Stop() })
	assert.Equal(t, 1, mon.stopCalls)
}
