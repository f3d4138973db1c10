// Package uploader transmits queued files to the object store, retrying
// transient failures with exponential backoff and verifying each object
// after the put.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlog/uploader/internal/objectstore"
)

// MultipartThreshold is the file size above which Upload switches to a
// multipart transfer.
const MultipartThreshold = 5 * 1024 * 1024

// MultipartPartSize is the fixed chunk size used for multipart transfers.
const MultipartPartSize = 5 * 1024 * 1024

// PermanentUploadError marks an upload failure that must not be retried:
// the entry is expected to be dropped from the queue by the caller.
type PermanentUploadError struct {
	Path   string
	Reason string
}

func (e *PermanentUploadError) Error() string {
	return fmt.Sprintf("uploader: permanent failure for %s: %s", e.Path, e.Reason)
}

// classification buckets an error returned by the object store so Upload
// can decide whether to retry, abort permanently, or leave the entry alone
// for the next cycle (the "unexpected" category from the error taxonomy).
type classification int

const (
	classTransient classification = iota
	classPermanent
	classUnexpected
)

// Clock abstracts time.Now/time.Sleep so tests can run the retry loop
// without incurring real backoff delays.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Uploader transmits files to an object store, retrying transient failures
// with exponential backoff.
type Uploader struct {
	store      objectstore.Store
	vehicleID  string
	maxRetries int
	clock      Clock
	onRetry    func(path string)
	logger     *slog.Logger
}

// Option configures optional Uploader behavior.
type Option func(*Uploader)

// WithClock overrides the clock used for backoff delays; intended for
// tests.
func WithClock(c Clock) Option {
	return func(u *Uploader) { u.clock = c }
}

// WithRetryHook registers fn to be called once per transient failure that
// will be retried. cmd/uploader wires this to the queue's attempt
// counter so every failed attempt is counted, not just one per batch.
func WithRetryHook(fn func(path string)) Option {
	return func(u *Uploader) { u.onRetry = fn }
}

// New creates an Uploader targeting store under the given vehicleID prefix.
// maxRetries caps the number of attempts per upload (default 10 if <= 0).
func New(store objectstore.Store, vehicleID string, maxRetries int, logger *slog.Logger, opts ...Option) *Uploader {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	u := &Uploader{
		store:      store,
		vehicleID:  vehicleID,
		maxRetries: maxRetries,
		clock:      realClock{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// BuildKey returns the object-store key for a file with the given source
// label (may be empty) and basename. The date segment is always UTC so
// keys sort consistently regardless of the vehicle's timezone.
func (u *Uploader) BuildKey(source, basename string, now time.Time) string {
	date := now.UTC().Format("2006-01-02")
	if source == "" {
		return fmt.Sprintf("%s/%s/%s", u.vehicleID, date, basename)
	}
	return fmt.Sprintf("%s/%s/%s/%s", u.vehicleID, date, source, basename)
}

// Upload transmits the file at path under the given source label, retrying
// transient failures with exponential backoff capped at 512 seconds. It
// returns the object key on success. A *PermanentUploadError means the
// caller should remove the entry from the queue; any other non-nil error
// is "unexpected" and the entry should be retried on the next cycle.
func (u *Uploader) Upload(ctx context.Context, path string, source string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", &PermanentUploadError{Path: path, Reason: "file not found: " + err.Error()}
	}

	key := u.BuildKey(source, filepath.Base(path), u.clock.Now())

	// uploadID correlates every log line for this attempt sequence so a
	// single upload can be traced across retries in aggregated log output.
	uploadID := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= u.maxRetries; attempt++ {
		u.logger.Info("uploader: attempting upload",
			slog.String("upload_id", uploadID), slog.String("path", path), slog.Int("attempt", attempt), slog.Int("max_retries", u.maxRetries))

		err := u.attempt(ctx, path, key, info.Size())
		if err == nil {
			if verifyErr := u.verifyKey(ctx, key); verifyErr != nil {
				err = verifyErr
			} else {
				u.logger.Info("uploader: upload succeeded",
					slog.String("upload_id", uploadID), slog.String("path", path), slog.String("key", key))
				return key, nil
			}
		}

		var perm *PermanentUploadError
		if errors.As(err, &perm) {
			return "", err
		}

		switch classify(err) {
		case classPermanent:
			return "", &PermanentUploadError{Path: path, Reason: err.Error()}
		case classUnexpected:
			u.logger.Warn("uploader: unexpected error, leaving queued for next cycle",
				slog.String("upload_id", uploadID), slog.String("path", path), slog.Any("error", err))
			return "", err
		default:
			lastErr = err
			if attempt < u.maxRetries {
				if u.onRetry != nil {
					u.onRetry(path)
				}
				delay := backoffDelay(attempt)
				u.logger.Warn("uploader: transient failure, retrying",
					slog.String("upload_id", uploadID), slog.String("path", path), slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("error", err))
				u.clock.Sleep(ctx, delay)
			}
		}
	}

	u.logger.Error("uploader: max retries exceeded",
		slog.String("upload_id", uploadID), slog.String("path", path), slog.Any("error", lastErr))
	return "", lastErr
}

func (u *Uploader) attempt(ctx context.Context, path, key string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if size > MultipartThreshold {
		return u.store.PutMultipart(ctx, key, f, size, MultipartPartSize)
	}
	return u.store.Put(ctx, key, f, size)
}

// verifyKey probes key after a put that reported success. A missing object
// means the put did not actually land and the attempt is treated as a
// transient failure; any other probe error is ignored, since failing a
// completed transfer over a flaky metadata call would only cause a
// duplicate upload.
func (u *Uploader) verifyKey(ctx context.Context, key string) error {
	_, err := u.store.Stat(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		return fmt.Errorf("uploader: object %s missing after put: %w", key, err)
	}
	return nil
}

// Verify issues a metadata probe for path's expected key and reports
// whether the object exists in the store.
func (u *Uploader) Verify(ctx context.Context, path string, source string, uploadedAt time.Time) (bool, error) {
	key := u.BuildKey(source, filepath.Base(path), uploadedAt)
	_, err := u.store.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, objectstore.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// classify buckets a raw object-store error into the retry/abort taxonomy.
// Transport errors, per-attempt timeouts (a stuck upload that exceeded its
// cap), and anything objectstore didn't translate to a sentinel are treated
// as transient and retried with backoff; malformed-file and not-found
// conditions that can never succeed on retry are permanent. The unexpected
// class is reserved for failures that should neither be retried this cycle
// nor evicted from the queue.
func classify(err error) classification {
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, os.ErrNotExist):
		return classPermanent
	case errors.Is(err, objectstore.ErrAccessDenied):
		return classPermanent
	default:
		return classTransient
	}
}

// backoffDelay returns min(2^(attempt-1), 512) seconds.
func backoffDelay(attempt int) time.Duration {
	seconds := math.Pow(2, float64(attempt-1))
	if seconds > 512 {
		seconds = 512
	}
	return time.Duration(seconds) * time.Second
}
