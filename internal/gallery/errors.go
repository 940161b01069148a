package gallery

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSyncing is returned by operations that need an active owner while
	// the manager is idle.
	ErrNotSyncing = errors.New("gallery: not syncing")
	// ErrClosed is returned once the manager has been shut down.
	ErrClosed = errors.New("gallery: manager closed")
	// ErrForeignRecord is returned when a record or path belongs to another owner.
	ErrForeignRecord = errors.New("gallery: record belongs to another owner")
)

// Upload stages.
const (
	StageEncode   = "encode"
	StageBlob     = "blob"
	StageMetadata = "metadata"
)

// SyncError reports a subscription failure. The manager is idle afterwards.
type SyncError struct {
	Err error
}

func (e *SyncError) Error() string { return fmt.Sprintf("gallery: subscription failed: %v", e.Err) }

func (e *SyncError) Unwrap() error { return e.Err }

// UploadError reports the stage at which an upload failed. OrphanedPath is
// set only for metadata failures, when the blob was stored but no record
// references it.
type UploadError struct {
	Stage        string
	Err          error
	OrphanedPath string
}

func (e *UploadError) Error() string {
	if e.OrphanedPath != "" {
		return fmt.Sprintf("gallery: upload failed at %s stage (orphaned blob %s): %v", e.Stage, e.OrphanedPath, e.Err)
	}
	return fmt.Sprintf("gallery: upload failed at %s stage: %v", e.Stage, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DeleteError reports a failed metadata deletion. The record has been
// restored locally.
type DeleteError struct {
	Err error
}

func (e *DeleteError) Error() string { return fmt.Sprintf("gallery: delete failed: %v", e.Err) }

func (e *DeleteError) Unwrap() error { return e.Err }

// PartialDeleteError reports that the record was deleted but its blob could
// not be removed.
type PartialDeleteError struct {
	OrphanedPath string
	Err          error
}

func (e *PartialDeleteError) Error() string {
	return fmt.Sprintf("gallery: record deleted but blob %s remains: %v", e.OrphanedPath, e.Err)
}

func (e *PartialDeleteError) Unwrap() error { return e.Err }
