package storage

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStorage keeps blobs in process memory. It also serves them over HTTP
// so the URLs it hands out resolve while the process runs.
type MemoryStorage struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemoryStorage returns an empty store whose download URLs are rooted at
// baseURL.
func NewMemoryStorage(baseURL string) *MemoryStorage {
	if baseURL == "" {
		baseURL = "memory://"
	}
	return &MemoryStorage{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		objects: make(map[string]memoryObject),
	}
}

// Put stores a copy of data.
func (m *MemoryStorage) Put(ctx context.Context, path string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

// DownloadURL returns the URL of an existing object.
func (m *MemoryStorage) DownloadURL(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[path]; !ok {
		return "", ErrNotFound
	}
	return m.baseURL + "/" + path, nil
}

// Delete removes the object if present.
func (m *MemoryStorage) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

// List returns the sorted paths under prefix.
func (m *MemoryStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var paths []string
	for path := range m.objects {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Get returns the stored bytes and content type.
func (m *MemoryStorage) Get(path string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// ServeHTTP serves an object whose path is the request path with the leading
// slash removed. Mount it behind http.StripPrefix.
func (m *MemoryStorage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, contentType, ok := m.Get(strings.TrimPrefix(r.URL.Path, "/"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(data)
}

var _ Store = (*MemoryStorage)(nil)
