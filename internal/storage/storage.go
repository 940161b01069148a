// Package storage provides blob stores for image bytes: S3-compatible
// buckets, Google Cloud Storage, and an in-memory store for development.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is implemented by every blob backend.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	DownloadURL(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
