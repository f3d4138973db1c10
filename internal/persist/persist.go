// Package persist implements the atomic-write-with-backup discipline shared
// by the Queue and Registry: write JSON to a temp file, rename it over the
// primary, and keep a ".bak" copy of whatever was there before.
package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	atomicfile "github.com/natefinch/atomic"
)

// Save marshals v as indented JSON and writes it to path using the
// backup-then-atomic-rename discipline: if path already exists it is copied
// to path+".bak" first (best effort — a backup failure does not block the
// save), then the new content replaces path via a temp-file rename so a
// concurrent reader or a crash mid-write never observes a truncated file.
func Save(path string, v any, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			logger.Warn("persist: failed to create backup, continuing anyway",
				slog.String("path", path), slog.Any("error", err))
		}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: marshal %q: %w", path, err)
	}

	if err := atomicfile.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("persist: write %q: %w", path, err)
	}
	return nil
}

// Load reads JSON from path into v. If the primary file is missing or fails
// to parse, it falls back to path+".bak"; on success from the backup it
// rewrites the primary from the recovered content. If both fail, Load
// returns false with no error so that the caller can start from an empty
// state.
func Load(path string, v any, logger *slog.Logger) (found bool, err error) {
	backup := path + ".bak"

	if data, readErr := os.ReadFile(path); readErr == nil {
		if jsonErr := json.Unmarshal(data, v); jsonErr == nil {
			return true, nil
		} else {
			logger.Error("persist: primary file corrupted, attempting backup recovery",
				slog.String("path", path), slog.Any("error", jsonErr))
		}
	}

	data, readErr := os.ReadFile(backup)
	if readErr != nil {
		logger.Error("persist: no usable backup, starting empty", slog.String("path", path))
		return false, nil
	}

	if jsonErr := json.Unmarshal(data, v); jsonErr != nil {
		logger.Error("persist: backup file also corrupted, starting empty",
			slog.String("path", backup), slog.Any("error", jsonErr))
		return false, nil
	}

	logger.Warn("persist: recovered from backup, may have lost recent writes",
		slog.String("path", path))

	// Restore the recovered content as the new primary so the next load
	// does not have to fall back again.
	if err := Save(path, v, logger); err != nil {
		logger.Warn("persist: failed to re-save recovered state", slog.Any("error", err))
	}

	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
