// Package model holds the data types shared across the fleet log uploader:
// file identity, tracked files, and queue and registry entries. Keeping
// them in one leaf package avoids import cycles between
// config, queue, registry, monitor, uploader, and custodian.
package model

import (
	"strconv"
	"time"
)

// FileIdentity pins a tracked file to the exact filesystem state it had when
// it was observed. Two observations of the same path are the same file only
// when size and mtime also match; a path that has been truncated and
// rewritten (log rotation, editor rewrite) is a different identity even
// though the path is unchanged.
type FileIdentity struct {
	Path  string    `json:"path"`
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

// Key returns a string uniquely identifying this identity, suitable for use
// as a map key or registry lookup key.
func (id FileIdentity) Key() string {
	return id.Path + "|" + id.MTime.UTC().Format(time.RFC3339Nano) + "|" + strconv.FormatInt(id.Size, 10)
}

// TrackedFile is a path under observation by the Monitor: its
// most-recently-observed size and the timestamp that size was last seen to
// change. A file becomes a stability candidate once now-LastChangeAt reaches
// the configured stability window.
type TrackedFile struct {
	Path         string
	Size         int64
	LastChangeAt time.Time
}

// QueueEntry is a durable record of a file discovered by the Monitor and
// waiting to be uploaded. The JSON field names are the queue file's on-disk
// contract; changing them invalidates queues persisted by earlier versions.
type QueueEntry struct {
	Path       string    `json:"filepath"`
	Size       int64     `json:"size"`
	DetectedAt time.Time `json:"detected_at"`
	Attempts   int       `json:"attempts"`
}

// RegistryEntry records a file that has already been uploaded successfully,
// so a restart of the agent does not re-upload it.
type RegistryEntry struct {
	Identity   FileIdentity `json:"identity"`
	UploadedAt time.Time    `json:"uploaded_at"`
	ObjectKey  string       `json:"object_key"`
}
