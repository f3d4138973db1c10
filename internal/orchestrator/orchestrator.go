// Package orchestrator bridges the Monitor to the Queue, drives batch
// uploads at scheduled times or continuously, and coordinates graceful
// shutdown: queued files are uploaded in serial batches, outcomes fan out
// to the Registry, Custodian, and MetricsSink, and a final drain runs
// before the process exits.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetlog/uploader/internal/config"
	"github.com/fleetlog/uploader/internal/metrics"
	"github.com/fleetlog/uploader/internal/model"
	"github.com/fleetlog/uploader/internal/uploader"
)

// registryCheckpointInterval is the number of successful uploads within a
// batch after which the registry is explicitly checkpointed.
const registryCheckpointInterval = 10

// monitorStopTimeout bounds how long Stop waits for the Monitor's
// background goroutines to join before proceeding with the drain anyway.
const monitorStopTimeout = 5 * time.Second

// Queue is the subset of *queue.Queue the Orchestrator depends on.
type Queue interface {
	Add(path string) error
	NextBatch(max int) []model.QueueEntry
	MarkUploaded(path string) error
	MarkFailed(path string) error
	MarkPermanentFailure(path, reason string) error
	Size() int
	TotalBytes() int64
}

// Registry is the subset of *registry.Registry the Orchestrator depends on.
type Registry interface {
	Insert(identity model.FileIdentity, objectKey string, uploadedAt time.Time) error
	Prune(now time.Time, retentionDays int) (int, error)
}

// Uploader is the subset of *uploader.Uploader the Orchestrator depends on.
type Uploader interface {
	Upload(ctx context.Context, path string, source string) (string, error)
}

// Custodian is the subset of *custodian.Custodian the Orchestrator depends
// on to enforce deferred/age/emergency retention policy around each batch.
type Custodian interface {
	MarkUploaded(path string, keepDays int)
	CleanupDeferred() int
	CleanupByAge(maxAgeDays int) int
	CheckDiskSpace(path string) (bool, error)
	CleanupOldFiles(path string, targetFreeBytes uint64) (int, error)
	EmergencyCleanupAllFiles(path string, targetFreeBytes uint64) (int, error)
	ReservedBytes() uint64
}

// Monitor is the subset of *monitor.Monitor the Orchestrator depends on.
type Monitor interface {
	Start(ctx context.Context) error
	Stop()
}

// ConfigSource supplies the active configuration snapshot, satisfied by
// *config.Watcher. Narrowed to allow a fixed-Config fake in tests.
type ConfigSource interface {
	Get() *config.Config
}

// staticConfig adapts a single *config.Config to ConfigSource for tests and
// for callers that do not need hot reload.
type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Get() *config.Config { return s.cfg }

// StaticConfig wraps a fixed Config snapshot as a ConfigSource.
func StaticConfig(cfg *config.Config) ConfigSource { return staticConfig{cfg} }

// stats accumulates the lifetime counters reported in the shutdown
// summary.
type stats struct {
	filesDetected uint64
	filesUploaded uint64
	filesFailed   uint64
	bytesUploaded uint64
}

// Orchestrator wires the Monitor, Queue, Registry, Uploader, Custodian, and
// MetricsSink together: it drains the queue on detection (continuous mode,
// subject to operational hours), on a daily schedule or fixed interval, on
// startup, and once more on shutdown.
type Orchestrator struct {
	cfg       ConfigSource
	monitor   Monitor
	queue     Queue
	registry  Registry
	uploader  Uploader
	custodian Custodian
	metrics   metrics.Sink
	logger    *slog.Logger

	trigger chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	stats   stats

	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures optional Orchestrator behavior.
type Option func(*Orchestrator)

// WithMetrics overrides the MetricsSink; the zero value is metrics.NoopSink{}.
func WithMetrics(sink metrics.Sink) Option {
	return func(o *Orchestrator) { o.metrics = sink }
}

// New creates an Orchestrator. All of monitor/queue/registry/up/custodian
// must be non-nil; cfg supplies the active (possibly hot-reloaded) Config
// snapshot.
func New(cfg ConfigSource, mon Monitor, q Queue, reg Registry, up Uploader, cust Custodian, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		monitor:   mon,
		queue:     q,
		registry:  reg,
		uploader:  up,
		custodian: cust,
		metrics:   metrics.NoopSink{},
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnFileStable is the callback passed to monitor.New: it enqueues the
// detected file and, when within operational hours (always, when they are
// disabled), triggers an immediate batch. It returns false only when the
// enqueue fails with an error, and true otherwise. The Monitor records
// neither outcome in the Registry; Registry entries are written after a
// successful upload.
func (o *Orchestrator) OnFileStable(path string) bool {
	o.mu.Lock()
	o.stats.filesDetected++
	o.mu.Unlock()

	if err := o.queue.Add(path); err != nil {
		o.logger.Error("orchestrator: failed to enqueue detected file", slog.String("path", path), slog.Any("error", err))
		return false
	}

	if o.withinOperationalHours(time.Now()) {
		o.requestProcess()
	}
	return true
}

// requestProcess signals the trigger loop to run a batch soon. The channel
// is buffered to size 1 so a burst of detections coalesces into a single
// pending trigger instead of queuing one per file.
func (o *Orchestrator) requestProcess() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// withinOperationalHours reports whether uploads may run right now.
// Operational hours restrict uploads only when explicitly enabled;
// disabled (the default) means no restriction.
func (o *Orchestrator) withinOperationalHours(now time.Time) bool {
	oh := o.cfg.Get().Upload.OperationalHours
	if !oh.Enabled {
		return true
	}
	start, ok1 := parseHHMM(oh.Start)
	end, ok2 := parseHHMM(oh.End)
	if !ok1 || !ok2 {
		return true
	}
	m := now.Hour()*60 + now.Minute()
	if end < start {
		// Window wraps past midnight, e.g. 22:00..06:00.
		return m >= start || m <= end
	}
	return m >= start && m <= end
}

func parseHHMM(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return h*60 + m, true
}

// isNearScheduleTime reports whether now is within one minute of schedule,
// using minutes-since-midnight arithmetic.
func isNearScheduleTime(now time.Time, schedule string) bool {
	scheduleMinutes, ok := parseHHMM(schedule)
	if !ok {
		return false
	}
	nowMinutes := now.Hour()*60 + now.Minute()
	diff := nowMinutes - scheduleMinutes
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}

// Start creates the monitored directories (via the Monitor), performs the
// startup drain if upload_on_start is set, and launches the background
// trigger, scheduler, custodian, and metrics loops. Start must be called
// exactly once.
func (o *Orchestrator) Start(ctx context.Context) error {
	var startErr error
	o.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		o.cancel = cancel

		if err := o.monitor.Start(ctx); err != nil {
			cancel()
			startErr = fmt.Errorf("orchestrator: monitor failed to start: %w", err)
			return
		}

		o.mu.Lock()
		o.running = true
		o.mu.Unlock()

		cfg := o.cfg.Get()
		if cfg.Upload.UploadOnStart != nil && *cfg.Upload.UploadOnStart {
			o.logger.Info("orchestrator: draining queue surviving from last run")
			o.ProcessQueue(ctx)
		}

		o.wg.Add(4)
		go o.triggerLoop(ctx)
		go o.scheduleLoop(ctx)
		go o.custodianLoop(ctx)
		go o.metricsLoop(ctx)

		o.logger.Info("orchestrator started")
	})
	return startErr
}

// triggerLoop runs ProcessQueue whenever requestProcess signals it.
func (o *Orchestrator) triggerLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case <-o.trigger:
			o.ProcessQueue(ctx)
		}
	}
}

// scheduleLoop drives the daily-schedule or fixed-interval trigger. It
// checks once a minute; in schedule mode it fires at most once per calendar
// day within one minute of upload.schedule; in interval mode it fires every
// interval_hours:interval_minutes after Start.
func (o *Orchestrator) scheduleLoop(ctx context.Context) {
	defer o.wg.Done()

	cfg := o.cfg.Get()
	if cfg.Upload.Schedule.IsInterval() {
		o.intervalLoop(ctx, cfg.Upload.Schedule.Interval())
		return
	}

	var lastFired time.Time
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg := o.cfg.Get()
			if cfg.Upload.Schedule.Time == "" {
				continue
			}
			now := time.Now()
			// The near-schedule window is three ticker ticks wide; firing
			// once per calendar day keeps this a once-daily trigger.
			if sameDay(now, lastFired) {
				continue
			}
			if isNearScheduleTime(now, cfg.Upload.Schedule.Time) {
				o.logger.Info("orchestrator: scheduled upload time reached", slog.String("schedule", cfg.Upload.Schedule.Time))
				lastFired = now
				o.requestProcess()
			}
		}
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (o *Orchestrator) intervalLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.requestProcess()
		}
	}
}

// custodianLoop runs the deferred and age-based cleanup policies on their
// own cadence, independent of the upload batch cycle.
func (o *Orchestrator) custodianLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runDeletionPolicies()
		}
	}
}

func (o *Orchestrator) runDeletionPolicies() {
	cfg := o.cfg.Get()
	if cfg.Deletion.AfterUpload.Enabled {
		if n := o.custodian.CleanupDeferred(); n > 0 {
			o.logger.Info("orchestrator: deferred deletion cycle", slog.Int("deleted", n))
		}
	}
	if cfg.Deletion.AgeBased.Enabled {
		if cfg.Deletion.AgeBased.ScheduleTime == "" || isNearScheduleTime(time.Now(), cfg.Deletion.AgeBased.ScheduleTime) {
			if n := o.custodian.CleanupByAge(cfg.Deletion.AgeBased.MaxAgeDays); n > 0 {
				o.logger.Info("orchestrator: age-based cleanup cycle", slog.Int("deleted", n))
			}
		}
	}
	if _, err := o.registry.Prune(time.Now(), cfg.Upload.ProcessedFilesRegistry.RetentionDays); err != nil {
		o.logger.Warn("orchestrator: registry prune failed", slog.Any("error", err))
	}
}

// metricsLoop publishes accumulated counters periodically.
func (o *Orchestrator) metricsLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.publishMetrics()
		}
	}
}

func (o *Orchestrator) publishMetrics() {
	cfg := o.cfg.Get()
	var diskPercent *float64
	if len(cfg.LogDirectories) > 0 {
		if pct, _, _, err := o.diskUsage(cfg.LogDirectories[0].Path); err == nil {
			diskPercent = &pct
		}
	}
	if err := o.metrics.Publish(diskPercent); err != nil {
		o.logger.Warn("orchestrator: metrics publish failed, counters retained", slog.Any("error", err))
	}
}

// diskUsage is a tiny indirection so publishMetrics can be unit tested
// without a real Custodian; the Custodian's own DiskUsage is the concrete
// implementation in production.
func (o *Orchestrator) diskUsage(path string) (float64, uint64, uint64, error) {
	type usageProbe interface {
		DiskUsage(path string) (float64, uint64, uint64, error)
	}
	probe, ok := o.custodian.(usageProbe)
	if !ok {
		return 0, 0, 0, errors.New("orchestrator: custodian does not expose DiskUsage")
	}
	return probe.DiskUsage(path)
}

// ProcessQueue takes a snapshot of the current queue and uploads each
// entry serially (one transfer at a time keeps bandwidth predictable on
// constrained links), updating the Queue,
// Registry, Custodian, and MetricsSink as each outcome is known, then runs
// the disk-space checks and, if still short, emergency reclamation.
func (o *Orchestrator) ProcessQueue(ctx context.Context) {
	cfg := o.cfg.Get()
	batch := o.queue.NextBatch(cfg.Upload.MaxBatchFiles)
	if len(batch) == 0 {
		return
	}

	o.logger.Info("orchestrator: processing batch", slog.Int("count", len(batch)))

	successSinceCheckpoint := 0
	for _, entry := range batch {
		select {
		case <-ctx.Done():
			return
		default:
		}

		path := entry.Path
		source := o.sourceFor(cfg, path)

		key, err := o.uploader.Upload(ctx, path, source)
		if err == nil {
			o.onUploadSuccess(cfg, entry, key)
			successSinceCheckpoint++
			if successSinceCheckpoint >= registryCheckpointInterval {
				o.checkpoint()
				successSinceCheckpoint = 0
			}
			continue
		}

		var perm *uploader.PermanentUploadError
		if errors.As(err, &perm) {
			if mErr := o.queue.MarkPermanentFailure(path, perm.Reason); mErr != nil {
				o.logger.Error("orchestrator: failed to remove permanently-failed entry", slog.String("path", path), slog.Any("error", mErr))
			}
			o.metrics.RecordUploadFailure()
			o.mu.Lock()
			o.stats.filesFailed++
			o.mu.Unlock()
			continue
		}

		o.logger.Warn("orchestrator: upload attempt did not succeed, leaving queued", slog.String("path", path), slog.Any("error", err))
		if mErr := o.queue.MarkFailed(path); mErr != nil {
			o.logger.Error("orchestrator: failed to record failed attempt", slog.String("path", path), slog.Any("error", mErr))
		}
	}

	o.checkpoint()
	o.enforceDiskPolicy(cfg)
}

func (o *Orchestrator) onUploadSuccess(cfg *config.Config, entry model.QueueEntry, key string) {
	path := entry.Path
	uploadedAt := time.Now().UTC()

	if err := o.queue.MarkUploaded(path); err != nil {
		o.logger.Error("orchestrator: failed to remove uploaded entry from queue", slog.String("path", path), slog.Any("error", err))
	}
	if err := o.registry.Insert(o.identityFor(entry), key, uploadedAt); err != nil {
		o.logger.Error("orchestrator: failed to record registry entry", slog.String("path", path), slog.Any("error", err))
	}
	if cfg.Deletion.AfterUpload.Enabled {
		o.custodian.MarkUploaded(path, cfg.Deletion.AfterUpload.KeepDays)
	}

	o.metrics.RecordUploadSuccess(entry.Size)
	o.mu.Lock()
	o.stats.filesUploaded++
	o.stats.bytesUploaded += uint64(entry.Size)
	o.mu.Unlock()

	o.logger.Info("orchestrator: upload succeeded", slog.String("path", path), slog.String("key", key))
}

// identityFor resolves the uploaded file's content identity from its current
// on-disk state, so the registry records what was actually transferred. If
// the file vanished between the transfer and this stat, the size recorded at
// detection stands in.
func (o *Orchestrator) identityFor(entry model.QueueEntry) model.FileIdentity {
	if info, err := os.Stat(entry.Path); err == nil {
		return model.FileIdentity{Path: entry.Path, Size: info.Size(), MTime: info.ModTime()}
	}
	return model.FileIdentity{Path: entry.Path, Size: entry.Size, MTime: entry.DetectedAt}
}

// checkpoint is the explicit persistence point called every N successful
// uploads and at batch end. The Queue and Registry already persist
// synchronously on every mutation, so
// this is a named point for that guarantee rather than an additional write;
// it exists so the batch-end/every-N-successes contract is visible as a
// distinct step rather than an implicit side effect of Insert/MarkUploaded.
func (o *Orchestrator) checkpoint() {
	o.logger.Debug("orchestrator: checkpoint",
		slog.Int("queue_size", o.queue.Size()),
		slog.Int64("queue_bytes", o.queue.TotalBytes()))
}

// enforceDiskPolicy runs the emergency reclamation ladder after a batch:
// first the uploaded-only cleanup, then, if still critical and the
// emergency policy is enabled, the all-files cleanup.
func (o *Orchestrator) enforceDiskPolicy(cfg *config.Config) {
	if len(cfg.LogDirectories) == 0 {
		return
	}
	diskPath := cfg.LogDirectories[0].Path

	ok, err := o.custodian.CheckDiskSpace(diskPath)
	if err != nil {
		o.logger.Warn("orchestrator: disk space probe failed", slog.Any("error", err))
		return
	}
	if ok {
		return
	}

	target := o.custodian.ReservedBytes()
	deleted, err := o.custodian.CleanupOldFiles(diskPath, target)
	if err != nil {
		o.logger.Warn("orchestrator: cleanup of uploaded files failed", slog.Any("error", err))
	} else if deleted > 0 {
		o.logger.Info("orchestrator: reclaimed space from uploaded files", slog.Int("deleted", deleted))
	}

	ok, err = o.custodian.CheckDiskSpace(diskPath)
	if err == nil && ok {
		return
	}
	if !cfg.Deletion.Emergency.Enabled {
		return
	}

	o.logger.Warn("orchestrator: disk still critical after standard cleanup, running emergency reclamation")
	deleted, err = o.custodian.EmergencyCleanupAllFiles(diskPath, target)
	if err != nil {
		o.logger.Error("orchestrator: emergency reclamation failed", slog.Any("error", err))
		return
	}
	o.logger.Warn("orchestrator: emergency reclamation complete", slog.Int("deleted", deleted))
}

// sourceFor returns the configured source label for the directory path
// belongs to, or "" if none matches or none is configured.
func (o *Orchestrator) sourceFor(cfg *config.Config, path string) string {
	dir := filepath.Dir(path)
	for _, d := range cfg.LogDirectories {
		if d.Path == dir || strings.HasPrefix(dir, d.Path+string(filepath.Separator)) {
			return d.Source
		}
	}
	return ""
}

// Stop signals every background loop to exit, joins the Monitor within a
// bounded timeout, runs one final drain of the queue, persists durable
// state, and publishes a final metrics snapshot and statistics summary.
// Stop is idempotent.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()

		close(o.done)
		if o.cancel != nil {
			o.cancel()
		}

		o.stopMonitorBounded()
		o.wg.Wait()

		o.logger.Info("orchestrator: final drain before shutdown")
		o.ProcessQueue(context.Background())
		o.checkpoint()

		if err := o.metrics.Publish(nil); err != nil {
			o.logger.Warn("orchestrator: final metrics publish failed", slog.Any("error", err))
		}

		o.logStatistics()
		o.logger.Info("orchestrator stopped")
	})
}

func (o *Orchestrator) stopMonitorBounded() {
	stopped := make(chan struct{})
	go func() {
		o.monitor.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(monitorStopTimeout):
		o.logger.Warn("orchestrator: monitor did not stop within the bounded timeout, continuing shutdown")
	}
}

func (o *Orchestrator) logStatistics() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logger.Info("orchestrator: final statistics",
		slog.Uint64("files_detected", o.stats.filesDetected),
		slog.Uint64("files_uploaded", o.stats.filesUploaded),
		slog.Uint64("files_failed", o.stats.filesFailed),
		slog.Uint64("bytes_uploaded", o.stats.bytesUploaded),
	)
}

// Reload re-parses the configuration file the ConfigSource was constructed
// with, if it supports reload (*config.Watcher does). It is safe to call
// from a signal handler.
func (o *Orchestrator) Reload() {
	type reloader interface{ Reload() }
	if r, ok := o.cfg.(reloader); ok {
		r.Reload()
	}
}

// Running reports whether Start has been called and Stop has not.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}
