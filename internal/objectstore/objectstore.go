// Package objectstore wraps the S3-compatible object store the uploader
// writes to. The client construction, bucket existence check, and error
// translation follow the pattern used throughout kopia's s3 blob storage
// backend (repo/blob/s3/s3_storage.go), adapted from kopia's generic
// content-addressed blob store to a fixed key-per-upload model.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned by Stat when the object does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// ErrAccessDenied is returned when the store rejects a request for lacking
// permission on the bucket or key; retrying with the same credentials can
// never succeed.
var ErrAccessDenied = errors.New("objectstore: access denied")

// Store transfers objects to and from a remote bucket.
type Store interface {
	// Put uploads the contents of r as size bytes under key. For payloads
	// larger than the multipart threshold, callers should use PutMultipart
	// instead.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// PutMultipart uploads the contents of r as size bytes under key using
	// a multipart transfer with the given part size.
	PutMultipart(ctx context.Context, key string, r io.Reader, size int64, partSize int64) error
	// Stat returns the size of the object at key, or ErrNotFound if absent.
	Stat(ctx context.Context, key string) (int64, error)
}

// Config holds the connection parameters for an S3-compatible endpoint.
type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UseTLS          bool
}

// S3Store implements Store against any S3-compatible endpoint via minio-go.
type S3Store struct {
	cli    *minio.Client
	bucket string
}

// New creates an S3Store, verifying the target bucket exists before
// returning. A missing bucket is treated as a fatal configuration error the
// same way the akash/kopia s3 backend refuses to start against one.
func New(ctx context.Context, cfg Config) (*S3Store, error) {
	creds := credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseTLS,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: create client: %w", err)
	}

	ok, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("objectstore: checking bucket %q: %w", cfg.Bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("objectstore: bucket %q does not exist", cfg.Bucket)
	}

	return &S3Store{cli: cli, bucket: cfg.Bucket}, nil
}

// Put uploads r as a single PutObject call.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.cli.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return translateError(err)
}

// PutMultipart uploads r in parts of partSize bytes. minio-go's PutObject
// already switches to its internal multipart uploader once size exceeds
// partSize, so PutMultipart only needs to thread the part size through.
func (s *S3Store) PutMultipart(ctx context.Context, key string, r io.Reader, size int64, partSize int64) error {
	_, err := s.cli.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		PartSize:    uint64(partSize),
	})
	return translateError(err)
}

// Stat returns the size of the object at key.
func (s *S3Store) Stat(ctx context.Context, key string) (int64, error) {
	info, err := s.cli.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, translateError(err)
	}
	return info.Size, nil
}

// translateError maps minio's HTTP-status-bearing ErrorResponse onto the
// package's sentinel errors, the same approach kopia's s3 backend uses in
// translateError (repo/blob/s3/s3_storage.go).
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.StatusCode {
		case http.StatusOK:
			return nil
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusForbidden, http.StatusUnauthorized:
			return ErrAccessDenied
		}
	}
	if strings.Contains(err.Error(), "NoSuchKey") {
		return ErrNotFound
	}
	if strings.Contains(err.Error(), "AccessDenied") || strings.Contains(err.Error(), "InvalidAccessKeyId") || strings.Contains(err.Error(), "SignatureDoesNotMatch") {
		return ErrAccessDenied
	}
	return err
}
