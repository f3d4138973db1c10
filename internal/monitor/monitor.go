// Package monitor watches configured directories and reports each regular
// file exactly once as "stable": unchanged in size for a configured number
// of seconds. An fsnotify watch feeds a tracked-file map; a separate
// ticker goroutine decides stability and emits callbacks.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetlog/uploader/internal/model"
)

// DefaultTickInterval bounds the stability-checker tick, matching the
// "no larger than 10 s" contract regardless of how long stability_seconds
// is configured for.
const DefaultTickInterval = 10 * time.Second

// Directory describes one path to watch.
type Directory struct {
	// Path is the directory to observe.
	Path string
	// Recursive also watches sub-directories created under Path.
	Recursive bool
	// Pattern is an optional filepath.Match glob applied to the basename.
	// An empty pattern accepts every name.
	Pattern string
}

// Registry is the subset of the processed-file registry the Monitor needs:
// a consult-before-emit check, keyed by content identity.
type Registry interface {
	Contains(identity model.FileIdentity) bool
}

// Callback is invoked once a file has been stable for StabilitySeconds. A
// true return is logged as processed. The Monitor does not write to the
// Registry for either return value; a file is offered again only when a
// later event puts it back into tracking and its identity is still absent
// from the Registry.
type Callback func(path string) bool

// Monitor observes a set of directories and emits a callback for every
// regular file that stops changing size for StabilitySeconds. It is safe
// for concurrent use from its own goroutines only; Start/Stop are not
// reentrant.
type Monitor struct {
	directories       []Directory
	stabilitySeconds  time.Duration
	scanExisting      bool
	scanMaxAge        time.Duration
	registry          Registry
	callback          Callback
	logger            *slog.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	tracked map[string]*model.TrackedFile

	done chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once
}

// Option configures optional Monitor behavior.
type Option func(*Monitor)

// WithScanExistingFiles enables a one-shot directory scan on Start that
// emits pre-existing files whose mtime is within maxAge, subject to the
// same Registry check as events discovered afterward.
func WithScanExistingFiles(maxAge time.Duration) Option {
	return func(m *Monitor) {
		m.scanExisting = true
		m.scanMaxAge = maxAge
	}
}

// New creates a Monitor over directories. stabilitySeconds is the duration a
// file's size must remain unchanged before it is considered stable.
// registry is consulted before every emission to enforce at-most-once
// delivery across restarts. callback is invoked for each newly stable file.
func New(directories []Directory, stabilitySeconds time.Duration, registry Registry, callback Callback, logger *slog.Logger, opts ...Option) (*Monitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		directories:      directories,
		stabilitySeconds: stabilitySeconds,
		registry:         registry,
		callback:         callback,
		logger:           logger,
		watcher:          watcher,
		tracked:          make(map[string]*model.TrackedFile),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start creates any missing configured directories, subscribes to
// filesystem events, optionally performs the existing-files scan, and
// launches the event-consuming and stability-checking goroutines. Start
// must be called exactly once.
func (m *Monitor) Start(ctx context.Context) error {
	for _, d := range m.directories {
		if err := os.MkdirAll(d.Path, 0o755); err != nil {
			return err
		}
		if err := m.watchDir(d); err != nil {
			return err
		}
	}

	if m.scanExisting {
		m.scanExistingFiles()
	}

	m.wg.Add(2)
	go m.watchLoop(ctx)
	go m.stabilityLoop(ctx)
	return nil
}

// Stop terminates the watcher and both background goroutines, blocking
// until they exit. After Stop returns no further callbacks will fire. Stop
// is idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		_ = m.watcher.Close()
		m.wg.Wait()
	})
}

func (m *Monitor) watchDir(d Directory) error {
	if err := m.watcher.Add(d.Path); err != nil {
		return err
	}
	if !d.Recursive {
		return nil
	}
	return filepath.WalkDir(d.Path, func(path string, de os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if de.IsDir() && path != d.Path {
			if addErr := m.watcher.Add(path); addErr != nil {
				m.logger.Warn("monitor: cannot watch sub-directory", slog.String("path", path), slog.Any("error", addErr))
			}
		}
		return nil
	})
}

func (m *Monitor) directoryFor(path string) (Directory, bool) {
	dir := filepath.Dir(path)
	for _, d := range m.directories {
		if d.Path == dir {
			return d, true
		}
		if d.Recursive && strings.HasPrefix(dir, d.Path+string(filepath.Separator)) {
			return d, true
		}
	}
	return Directory{}, false
}

func accepts(d Directory, name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	if d.Pattern == "" {
		return true
	}
	ok, err := filepath.Match(d.Pattern, name)
	return err == nil && ok
}

// watchLoop consumes fsnotify events and folds create/write notifications
// into the tracked-file map.
func (m *Monitor) watchLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			m.observe(ev.Name)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("monitor: watcher error", slog.Any("error", err))
		}
	}
}

// observe records the current size of path. Every qualifying event resets
// the stability clock, whether or not the size changed: a same-size write
// (an in-place rewrite, a duplicate notification) still means the file is
// being touched and is not yet safe to upload.
func (m *Monitor) observe(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	d, ok := m.directoryFor(path)
	if !ok || !accepts(d, filepath.Base(path)) {
		return
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	tf, exists := m.tracked[path]
	if !exists {
		m.tracked[path] = &model.TrackedFile{Path: path, Size: info.Size(), LastChangeAt: now}
		return
	}
	if tf.Size != info.Size() {
		tf.Size = info.Size()
	}
	tf.LastChangeAt = now
}

// stabilityLoop runs the fixed-tick stability checker: checks immediately,
// then on every tick capped at DefaultTickInterval.
func (m *Monitor) stabilityLoop(ctx context.Context) {
	defer m.wg.Done()

	tick := m.stabilitySeconds
	if tick <= 0 || tick > DefaultTickInterval {
		tick = DefaultTickInterval
	}

	m.checkStableFiles()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkStableFiles()
		}
	}
}

// checkStableFiles walks the tracked-file map once: dropping vanished
// files, refreshing changed ones, and emitting those unchanged for at least
// stabilitySeconds.
func (m *Monitor) checkStableFiles() {
	now := time.Now()

	var stable []string
	m.mu.Lock()
	for path, tf := range m.tracked {
		info, err := os.Stat(path)
		if err != nil {
			delete(m.tracked, path)
			continue
		}
		if info.Size() != tf.Size {
			tf.Size = info.Size()
			tf.LastChangeAt = now
			continue
		}
		if now.Sub(tf.LastChangeAt) >= m.stabilitySeconds {
			stable = append(stable, path)
		}
	}
	for _, path := range stable {
		delete(m.tracked, path)
	}
	m.mu.Unlock()

	for _, path := range stable {
		m.emit(path)
	}
}

// emit consults the Registry and, if the file has not already been
// processed, invokes the callback. Callback panics are recovered and
// logged; the file is left un-registered so it is re-observed later.
func (m *Monitor) emit(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	identity := model.FileIdentity{Path: path, Size: info.Size(), MTime: info.ModTime()}

	if m.registry.Contains(identity) {
		m.logger.Debug("monitor: already in registry, skipping", slog.String("path", path))
		return
	}

	processed := m.invokeCallback(path)
	if processed {
		m.logger.Info("monitor: file stable and processed", slog.String("path", path), slog.Int64("size", info.Size()))
	}
}

func (m *Monitor) invokeCallback(path string) (processed bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor: callback panicked", slog.String("path", path), slog.Any("panic", r))
			processed = false
		}
	}()
	return m.callback(path)
}

// scanExistingFiles walks every configured directory once at startup and
// treats files younger than scanMaxAge as immediately stable, subject to
// the same Registry check used by ongoing observation.
func (m *Monitor) scanExistingFiles() {
	cutoff := time.Now().Add(-m.scanMaxAge)

	for _, d := range m.directories {
		walker := func(path string, de os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if de.IsDir() {
				if path != d.Path && !d.Recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if !accepts(d, de.Name()) {
				return nil
			}
			info, err := de.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				return nil
			}
			m.emit(path)
			return nil
		}
		if err := filepath.WalkDir(d.Path, walker); err != nil {
			m.logger.Warn("monitor: existing-file scan failed", slog.String("path", d.Path), slog.Any("error", err))
		}
	}
}

// TrackedPaths returns the paths currently under observation, for tests and
// diagnostics.
func (m *Monitor) TrackedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.tracked))
	for p := range m.tracked {
		paths = append(paths, p)
	}
	return paths
}
