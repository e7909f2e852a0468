// Package storage persists per-user file blobs in a durable object store
// that outlives any single container. Persistence is advisory for a live
// session: the container copy stays authoritative, so write failures here
// are reported as booleans and logged, never propagated.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by LoadFile when no record exists for the path.
var ErrNotFound = errors.New("storage: file not found")

// Record is one durable entry for a user: either a file with content or a
// zero-length directory marker.
type Record struct {
	Path        string
	Content     []byte
	IsDirectory bool
	UpdatedAt   time.Time
}

// Store is the durable object-store contract, keyed by (userID, normalized
// path). Paths must be normalized by the caller before use.
type Store interface {
	// SaveFile upserts a file record. It never fails loudly: a false return
	// means the write was lost and has been logged.
	SaveFile(ctx context.Context, userID, path string, content []byte) bool

	// LoadFile fetches one file's content, or ErrNotFound.
	LoadFile(ctx context.Context, userID, path string) ([]byte, error)

	// CreateDirectoryMarker records an empty directory so it survives
	// restore even before it holds any file.
	CreateDirectoryMarker(ctx context.Context, userID, path string) bool

	// RemoveDirectoryMarker drops the marker for a directory that now holds
	// files, leaving its descendants in place. Markers exist only to keep
	// empty directories restorable.
	RemoveDirectoryMarker(ctx context.Context, userID, path string) bool

	// DeleteFile removes a single file record.
	DeleteFile(ctx context.Context, userID, path string) bool

	// DeleteDirectory removes the directory marker and every record whose
	// path is a descendant of the directory.
	DeleteDirectory(ctx context.Context, userID, path string) bool

	// RestoreAllUserFiles fetches the complete durable snapshot for session
	// start, directories ordered before the files beneath them.
	RestoreAllUserFiles(ctx context.Context, userID string) ([]Record, error)

	// BackupAllUserFiles bulk-upserts the given files and returns how many
	// were saved. Partial failure is tolerated.
	BackupAllUserFiles(ctx context.Context, userID string, files map[string][]byte) int

	// IsHealthy is a cheap connectivity probe for status reporting.
	IsHealthy(ctx context.Context) bool
}
