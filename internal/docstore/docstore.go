// Package docstore is a small document-database abstraction: schemaless
// documents grouped in collections, equality queries, and live query
// subscriptions that push full snapshots.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by DeleteByID when no document has the given id.
var ErrNotFound = errors.New("document not found")

// Document is a stored document. CreateTime is assigned by the store.
type Document struct {
	ID         string
	Fields     map[string]any
	CreateTime time.Time
}

// String returns the named field formatted as a string, or "" when absent.
func (d Document) String(field string) string {
	v, ok := d.Fields[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Snapshot is the full result set of a subscribed query at one point in time.
// A snapshot with a non-nil Err ends the subscription.
type Snapshot struct {
	Documents []Document
	Err       error
}

// Subscription delivers snapshots of a live query. Only the most recent
// undelivered snapshot is retained. Cancel is idempotent and closes the
// Snapshots channel.
type Subscription interface {
	Snapshots() <-chan Snapshot
	Cancel()
}

// Store is implemented by every document backend.
type Store interface {
	Insert(ctx context.Context, collection string, fields map[string]any) (string, error)
	QueryByField(ctx context.Context, collection, field string, value any, orderBy string) ([]Document, error)
	DeleteByID(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, collection, field string, value any) (Subscription, error)
}

func matches(fields map[string]any, field string, value any) bool {
	v, ok := fields[field]
	if !ok {
		return false
	}
	return fmt.Sprint(v) == fmt.Sprint(value)
}
