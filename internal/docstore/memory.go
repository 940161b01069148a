package docstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Subscribers receive a fresh snapshot after
// every write to their collection.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]Document
	subscribers map[*memorySubscriber]struct{}
	now         func() time.Time
	seq         time.Duration
}

type memorySubscriber struct {
	collection string
	field      string
	value      any
	feed       *feed
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]Document),
		subscribers: make(map[*memorySubscriber]struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Insert stores a copy of fields under a new id.
func (m *Memory) Insert(_ context.Context, collection string, fields map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]Document)
		m.collections[collection] = docs
	}

	// Creation times are strictly increasing so equal-time inserts keep order.
	m.seq++
	doc := Document{
		ID:         uuid.NewString(),
		Fields:     maps.Clone(fields),
		CreateTime: m.now().Add(m.seq),
	}
	docs[doc.ID] = doc
	m.broadcastLocked(collection)
	return doc.ID, nil
}

// QueryByField returns the documents whose field equals value, ordered by
// orderBy (creation time when empty) then id.
func (m *Memory) QueryByField(_ context.Context, collection, field string, value any, orderBy string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryLocked(collection, field, value, orderBy), nil
}

// DeleteByID removes a document.
func (m *Memory) DeleteByID(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.collections[collection]
	if _, ok := docs[id]; !ok {
		return ErrNotFound
	}
	delete(docs, id)
	m.broadcastLocked(collection)
	return nil
}

// Subscribe pushes the current result set immediately and again after every
// write to the collection.
func (m *Memory) Subscribe(ctx context.Context, collection, field string, value any) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscriber{collection: collection, field: field, value: value}
	sub.feed = newFeed(func() {
		m.mu.Lock()
		delete(m.subscribers, sub)
		m.mu.Unlock()
	})

	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	sub.feed.publish(Snapshot{Documents: m.queryLocked(collection, field, value, "")})
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.feed.Cancel()
		case <-sub.feed.Done():
		}
	}()
	return sub.feed, nil
}

// Fail ends every subscription on collection with err. Failed subscribers
// are detached so later writes cannot replace the error snapshot.
func (m *Memory) Fail(collection string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subscribers {
		if sub.collection == collection {
			sub.feed.publish(Snapshot{Err: err})
			delete(m.subscribers, sub)
		}
	}
}

func (m *Memory) broadcastLocked(collection string) {
	for sub := range m.subscribers {
		if sub.collection != collection {
			continue
		}
		sub.feed.publish(Snapshot{Documents: m.queryLocked(collection, sub.field, sub.value, "")})
	}
}

func (m *Memory) queryLocked(collection, field string, value any, orderBy string) []Document {
	var out []Document
	for _, doc := range m.collections[collection] {
		if matches(doc.Fields, field, value) {
			doc.Fields = maps.Clone(doc.Fields)
			out = append(out, doc)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if orderBy != "" {
			a, b := out[i].String(orderBy), out[j].String(orderBy)
			if a != b {
				return a < b
			}
			return out[i].ID < out[j].ID
		}
		if !out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].CreateTime.Before(out[j].CreateTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

var _ Store = (*Memory)(nil)
