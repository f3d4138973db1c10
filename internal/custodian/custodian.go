// Package custodian reclaims disk space while preserving data that has not
// been safely replicated to the object store: deferred deletion, age-based
// cleanup with a pattern filter, and two-level emergency reclamation, all
// driven off a gopsutil disk-usage probe.
package custodian

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

const secondsPerDay = 86400

// ImmediateDeletion marks a file for deletion on the next deferred-deletion
// cycle.
const ImmediateDeletion = 0

// DirectoryPolicy describes deletion eligibility for one monitored
// directory: an optional glob pattern (fnmatch-equivalent via
// filepath.Match) restricting which basenames age-based and emergency
// cleanup may remove.
type DirectoryPolicy struct {
	Path    string
	Pattern string
}

// OnFileDeleted is invoked after a file is removed from disk by any
// cleanup path, so the caller can remove the corresponding Queue entry.
type OnFileDeleted func(path string)

// Custodian tracks uploaded files pending deferred deletion and runs
// age-based and emergency reclamation cycles over the monitored
// directories.
type Custodian struct {
	directories       []DirectoryPolicy
	reservedBytes     uint64
	warningThreshold  float64
	criticalThreshold float64
	onFileDeleted     OnFileDeleted
	logger            *slog.Logger

	mu       sync.Mutex
	uploaded map[string]float64 // absolute path -> encoded delete_after
}

// New creates a Custodian. reservedGB is the minimum free space to
// maintain; warningThreshold/criticalThreshold are usage fractions in
// (0, 1).
func New(directories []DirectoryPolicy, reservedGB float64, warningThreshold, criticalThreshold float64, onFileDeleted OnFileDeleted, logger *slog.Logger) *Custodian {
	return &Custodian{
		directories:       directories,
		reservedBytes:     uint64(reservedGB * 1024 * 1024 * 1024),
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
		onFileDeleted:     onFileDeleted,
		logger:            logger,
		uploaded:          make(map[string]float64),
	}
}

// MarkUploaded records path as safe to delete once its retention window
// elapses. keepDays == 0 schedules immediate deletion; otherwise the
// deadline is anchored to the file's mtime so it survives clock changes.
func (c *Custodian) MarkUploaded(path string, keepDays int) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if keepDays == ImmediateDeletion {
		c.uploaded[abs] = 0
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		c.logger.Warn("custodian: cannot stat file, falling back to current time", slog.String("path", path), slog.Any("error", err))
		c.uploaded[abs] = float64(time.Now().Unix() + int64(keepDays)*secondsPerDay)
		return
	}

	c.uploaded[abs] = -(float64(info.ModTime().Unix()) + float64(keepDays)*secondsPerDay)
}

// UploadedCount returns the number of files currently tracked as uploaded.
func (c *Custodian) UploadedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.uploaded)
}

// ReservedBytes returns the minimum free-space floor this Custodian was
// configured with, used by the Orchestrator as the reclamation target for
// CleanupOldFiles/EmergencyCleanupAllFiles.
func (c *Custodian) ReservedBytes() uint64 {
	return c.reservedBytes
}

func (c *Custodian) matchesPattern(path string) bool {
	base := filepath.Base(path)
	for _, d := range c.directories {
		rel, err := filepath.Rel(d.Path, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if d.Pattern == "" {
			return true
		}
		ok, err := filepath.Match(d.Pattern, base)
		return err == nil && ok
	}
	c.logger.Warn("custodian: file not under any monitored directory, refusing deletion", slog.String("path", path))
	return false
}

// DiskUsage reports the usage fraction, used bytes, and free bytes for the
// filesystem backing path.
func (c *Custodian) DiskUsage(path string) (usagePercent float64, used, free uint64, err error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return 0, 0, 0, err
	}
	if stat.Total == 0 {
		return 0, stat.Used, stat.Free, nil
	}
	return float64(stat.Used) / float64(stat.Total), stat.Used, stat.Free, nil
}

// CheckDiskSpace reports whether the filesystem backing path has adequate
// free space: at least reservedBytes free and below the critical usage
// threshold. It logs at warning/error level but never deletes anything
// itself.
func (c *Custodian) CheckDiskSpace(path string) (bool, error) {
	usagePercent, _, free, err := c.DiskUsage(path)
	if err != nil {
		return false, err
	}

	if free < c.reservedBytes {
		c.logger.Warn("custodian: low disk space",
			slog.Uint64("free_bytes", free), slog.Uint64("reserved_bytes", c.reservedBytes))
		return false, nil
	}
	if usagePercent >= c.criticalThreshold {
		c.logger.Error("custodian: disk usage critical", slog.Float64("usage_percent", usagePercent*100))
		return false, nil
	}
	if usagePercent >= c.warningThreshold {
		c.logger.Warn("custodian: disk usage high", slog.Float64("usage_percent", usagePercent*100))
	}
	return true, nil
}

// CleanupDeferred deletes files whose retention period has expired,
// handling all three delete_after encodings.
func (c *Custodian) CleanupDeferred() int {
	now := float64(time.Now().Unix())
	deleted := 0

	for path, deleteAfter := range c.snapshotUploaded() {
		shouldDelete := false

		switch {
		case deleteAfter == 0:
			shouldDelete = true
		case deleteAfter < 0:
			targetDeletion := -deleteAfter
			if _, err := os.Stat(path); err != nil {
				c.forget(path)
				continue
			}
			if now >= targetDeletion {
				shouldDelete = true
			}
		default:
			if now >= deleteAfter {
				shouldDelete = true
			}
		}

		if !shouldDelete {
			continue
		}

		if c.removeFile(path) {
			deleted++
		}
		c.forget(path)
	}

	if deleted > 0 {
		c.logger.Info("custodian: deferred deletion cycle complete", slog.Int("deleted", deleted))
	}
	return deleted
}

// snapshotUploaded copies the uploaded-file map so cleanup cycles can
// iterate without holding the lock across file I/O.
func (c *Custodian) snapshotUploaded() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.uploaded))
	for k, v := range c.uploaded {
		out[k] = v
	}
	return out
}

func (c *Custodian) forget(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.uploaded, path)
}

// CleanupByAge deletes every file in the monitored directories (uploaded or
// not) older than maxAgeDays, subject to the per-directory pattern filter.
// maxAgeDays <= 0 disables the policy.
func (c *Custodian) CleanupByAge(maxAgeDays int) int {
	if maxAgeDays <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	deleted := 0

	for _, d := range c.directories {
		if _, err := os.Stat(d.Path); err != nil {
			continue
		}
		_ = filepath.WalkDir(d.Path, func(path string, de os.DirEntry, err error) error {
			if err != nil || de.IsDir() || strings.HasPrefix(de.Name(), ".") {
				return nil
			}
			if !c.matchesPattern(path) {
				return nil
			}
			info, err := de.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().After(cutoff) {
				return nil
			}
			if c.removeFile(path) {
				deleted++
			}
			abs, _ := filepath.Abs(path)
			c.forget(abs)
			return nil
		})
	}

	if deleted > 0 {
		c.logger.Info("custodian: age-based cleanup complete", slog.Int("deleted", deleted), slog.Int("max_age_days", maxAgeDays))
	}
	return deleted
}

type fileCandidate struct {
	path  string
	mtime time.Time
	size  int64
}

// CleanupOldFiles is the first-level emergency reclamation: delete the
// oldest *uploaded* files, by mtime, until targetFreeBytes is reached or
// there are no more candidates. It never touches files that have not been
// uploaded.
func (c *Custodian) CleanupOldFiles(path string, targetFreeBytes uint64) (int, error) {
	_, _, free, err := c.DiskUsage(path)
	if err != nil {
		return 0, err
	}
	if free >= targetFreeBytes {
		return 0, nil
	}

	uploaded := c.snapshotUploaded()
	candidates := make([]fileCandidate, 0, len(uploaded))
	for p := range uploaded {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		candidates = append(candidates, fileCandidate{path: p, mtime: info.ModTime(), size: info.Size()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.Before(candidates[j].mtime) })

	return c.reclaim(candidates, free, targetFreeBytes, "EMERGENCY"), nil
}

// EmergencyCleanupAllFiles is the second, more aggressive reclamation
// level: delete the oldest files across every monitored directory
// regardless of upload status, subject only to the pattern filter. It is
// reserved for the case where CleanupOldFiles cannot free enough space
// because too little has been uploaded yet.
func (c *Custodian) EmergencyCleanupAllFiles(path string, targetFreeBytes uint64) (int, error) {
	_, _, free, err := c.DiskUsage(path)
	if err != nil {
		return 0, err
	}
	if free >= targetFreeBytes {
		return 0, nil
	}

	var candidates []fileCandidate
	for _, d := range c.directories {
		if _, err := os.Stat(d.Path); err != nil {
			continue
		}
		_ = filepath.WalkDir(d.Path, func(p string, de os.DirEntry, err error) error {
			if err != nil || de.IsDir() || strings.HasPrefix(de.Name(), ".") {
				return nil
			}
			if !c.matchesPattern(p) {
				return nil
			}
			info, err := de.Info()
			if err != nil {
				return nil
			}
			candidates = append(candidates, fileCandidate{path: p, mtime: info.ModTime(), size: info.Size()})
			return nil
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.Before(candidates[j].mtime) })

	c.logger.Warn("custodian: emergency cleanup deleting files regardless of upload status")
	return c.reclaim(candidates, free, targetFreeBytes, "EMERGENCY-ALL"), nil
}

func (c *Custodian) reclaim(candidates []fileCandidate, free, target uint64, label string) int {
	deleted := 0
	freed := uint64(0)

	for _, cand := range candidates {
		if free+freed >= target {
			break
		}
		if c.removeFile(cand.path) {
			deleted++
			freed += uint64(cand.size)
			abs, _ := filepath.Abs(cand.path)
			c.forget(abs)
		}
	}

	if deleted > 0 {
		c.logger.Warn(fmt.Sprintf("custodian: %s cleanup complete", label), slog.Int("deleted", deleted), slog.Uint64("freed_bytes", freed))
	}
	return deleted
}

// removeFile deletes path from disk, invoking the deletion callback on
// success. Errors are logged, not returned, so one undeletable file never
// halts a cleanup cycle.
func (c *Custodian) removeFile(path string) bool {
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			c.logger.Error("custodian: failed to delete file", slog.String("path", path), slog.Any("error", err))
		}
		return false
	}
	if c.onFileDeleted != nil {
		c.onFileDeleted(path)
	}
	return true
}
