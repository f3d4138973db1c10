package custodian_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetlog/uploader/internal/custodian"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFileAt(t *testing.T, path string, content string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

// TestCustodian_DeferredDeletionMtimeAnchored reproduces scenario 3 from the
// end-to-end behavior list: keep_days=14, advancing past 13 days deletes
// nothing, advancing past 15 deletes the file. Advancing the wall clock is
// approximated here by marking the file with an mtime far enough in the
// past that "now" is effectively past the deadline.
func TestCustodian_DeferredDeletionMtimeAnchored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")

	// mtime 13 days ago: with keep_days=14 the deadline is 1 day in the future.
	writeFileAt(t, path, "data", time.Now().Add(-13*24*time.Hour))

	var deletedPaths []string
	c := custodian.New(
		[]custodian.DirectoryPolicy{{Path: dir}},
		1, 0.9, 0.95,
		func(p string) { deletedPaths = append(deletedPaths, p) },
		discardLogger(),
	)
	c.MarkUploaded(path, 14)

	if n := c.CleanupDeferred(); n != 0 {
		t.Fatalf("CleanupDeferred (13 days) = %d, want 0", n)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should still exist after 13 days: %v", err)
	}

	// Re-mark with an mtime 15 days ago: deadline is now 1 day in the past.
	writeFileAt(t, path, "data", time.Now().Add(-15*24*time.Hour))
	c.MarkUploaded(path, 14)

	if n := c.CleanupDeferred(); n != 1 {
		t.Fatalf("CleanupDeferred (15 days) = %d, want 1", n)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should have been deleted after 15 days")
	}
	if len(deletedPaths) != 1 {
		t.Errorf("onFileDeleted called %d times, want 1", len(deletedPaths))
	}
}

func TestCustodian_DeferredDeletionImmediate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeFileAt(t, path, "data", time.Now())

	c := custodian.New([]custodian.DirectoryPolicy{{Path: dir}}, 1, 0.9, 0.95, nil, discardLogger())
	c.MarkUploaded(path, custodian.ImmediateDeletion)

	if n := c.CleanupDeferred(); n != 1 {
		t.Fatalf("CleanupDeferred = %d, want 1", n)
	}
}

// TestCustodian_AgeBasedPatternFilter reproduces scenario 4: a directory
// pattern of syslog.[1-9]* matches syslog.1 but not kern.log, even though
// both are old enough to be deleted.
func TestCustodian_AgeBasedPatternFilter(t *testing.T) {
	dir := t.TempDir()
	syslogFile := filepath.Join(dir, "syslog.1")
	kernFile := filepath.Join(dir, "kern.log")

	old := time.Now().Add(-10 * 24 * time.Hour)
	writeFileAt(t, syslogFile, "data", old)
	writeFileAt(t, kernFile, "data", old)

	c := custodian.New(
		[]custodian.DirectoryPolicy{{Path: dir, Pattern: "syslog.[1-9]*"}},
		1, 0.9, 0.95, nil, discardLogger(),
	)

	deleted := c.CleanupByAge(7)
	if deleted != 1 {
		t.Fatalf("CleanupByAge = %d, want 1", deleted)
	}
	if _, err := os.Stat(syslogFile); !os.IsNotExist(err) {
		t.Error("syslog.1 should have been deleted")
	}
	if _, err := os.Stat(kernFile); err != nil {
		t.Error("kern.log should survive the pattern filter")
	}
}

func TestCustodian_AgeBasedDisabledWhenZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.log")
	writeFileAt(t, path, "data", time.Now().Add(-30*24*time.Hour))

	c := custodian.New([]custodian.DirectoryPolicy{{Path: dir}}, 1, 0.9, 0.95, nil, discardLogger())
	if n := c.CleanupByAge(0); n != 0 {
		t.Errorf("CleanupByAge(0) = %d, want 0 (disabled)", n)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("file should survive when age-based cleanup is disabled")
	}
}

func TestCustodian_CleanupOldFilesOnlyDeletesUploaded(t *testing.T) {
	dir := t.TempDir()
	uploadedFile := filepath.Join(dir, "uploaded.log")
	unreplicatedFile := filepath.Join(dir, "unreplicated.log")

	writeFileAt(t, uploadedFile, "uploaded-data", time.Now().Add(-2*time.Hour))
	writeFileAt(t, unreplicatedFile, "unreplicated-data", time.Now().Add(-3*time.Hour))

	c := custodian.New([]custodian.DirectoryPolicy{{Path: dir}}, 1, 0.9, 0.95, nil, discardLogger())
	c.MarkUploaded(uploadedFile, custodian.ImmediateDeletion)

	// Request an unreasonably large target so the emergency path always
	// attempts to reclaim; current free space is whatever the test host has.
	usagePercent, _, free, err := c.DiskUsage(dir)
	if err != nil {
		t.Fatalf("DiskUsage: %v", err)
	}
	_ = usagePercent

	deleted, err := c.CleanupOldFiles(dir, free+1)
	if err != nil {
		t.Fatalf("CleanupOldFiles: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("CleanupOldFiles = %d, want 1", deleted)
	}
	if _, err := os.Stat(uploadedFile); !os.IsNotExist(err) {
		t.Error("uploaded file should have been reclaimed")
	}
	if _, err := os.Stat(unreplicatedFile); err != nil {
		t.Error("unreplicated file must never be deleted by CleanupOldFiles")
	}
}

func TestCustodian_EmergencyCleanupAllFilesDeletesUnreplicated(t *testing.T) {
	dir := t.TempDir()
	unreplicatedFile := filepath.Join(dir, "unreplicated.log")
	writeFileAt(t, unreplicatedFile, "data", time.Now().Add(-time.Hour))

	c := custodian.New([]custodian.DirectoryPolicy{{Path: dir}}, 1, 0.9, 0.95, nil, discardLogger())

	_, _, free, err := c.DiskUsage(dir)
	if err != nil {
		t.Fatalf("DiskUsage: %v", err)
	}

	deleted, err := c.EmergencyCleanupAllFiles(dir, free+1)
	if err != nil {
		t.Fatalf("EmergencyCleanupAllFiles: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("EmergencyCleanupAllFiles = %d, want 1", deleted)
	}
	if _, err := os.Stat(unreplicatedFile); !os.IsNotExist(err) {
		t.Error("emergency cleanup should delete unreplicated files when invoked")
	}
}

func TestCustodian_RefusesFileOutsideMonitoredDirectories(t *testing.T) {
	monitored := t.TempDir()
	outside := t.TempDir()
	path := filepath.Join(outside, "secret.log")
	writeFileAt(t, path, "data", time.Now().Add(-100*24*time.Hour))

	c := custodian.New([]custodian.DirectoryPolicy{{Path: monitored}}, 1, 0.9, 0.95, nil, discardLogger())

	// CleanupByAge only ever walks the monitored directories, so a file
	// outside them is never a candidate regardless of matchesPattern.
	if n := c.CleanupByAge(1); n != 0 {
		t.Errorf("CleanupByAge = %d, want 0 (file lives outside monitored dirs)", n)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("file outside monitored directories must survive")
	}
}

func TestCustodian_CheckDiskSpaceReportsHealthy(t *testing.T) {
	dir := t.TempDir()
	c := custodian.New([]custodian.DirectoryPolicy{{Path: dir}}, 0, 0.999, 0.9999, nil, discardLogger())

	ok, err := c.CheckDiskSpace(dir)
	if err != nil {
		t.Fatalf("CheckDiskSpace: %v", err)
	}
	if !ok {
		t.Error("expected disk space to be reported healthy with near-100%% thresholds and no reserve")
	}
}
