package storage

import (
	"context"
	"sync"
	"time"
)

type urlEntry struct {
	url     string
	expires time.Time
}

// URLCache wraps a Store with a TTL cache of download URLs. Deleting an
// object evicts its entry. The TTL must be shorter than the lifetime of the
// URLs the wrapped store signs.
type URLCache struct {
	Store
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	items map[string]urlEntry
}

// NewURLCache returns a Store that caches DownloadURL results for ttl.
func NewURLCache(base Store, ttl time.Duration) *URLCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &URLCache{
		Store: base,
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]urlEntry),
	}
}

// DownloadURL returns a cached URL when available, otherwise it delegates to
// the underlying store and stores the result.
func (c *URLCache) DownloadURL(ctx context.Context, path string) (string, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.items[path]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.url, nil
	}

	url, err := c.Store.DownloadURL(ctx, path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.items[path] = urlEntry{url: url, expires: now.Add(c.ttl)}
	c.mu.Unlock()

	return url, nil
}

// Delete removes the object and forgets its URL.
func (c *URLCache) Delete(ctx context.Context, path string) error {
	c.mu.Lock()
	delete(c.items, path)
	c.mu.Unlock()
	return c.Store.Delete(ctx, path)
}
