package gallery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/napworks/gallery/internal/gateway"
	"github.com/napworks/gallery/internal/models"
)

type fakeFeed struct {
	owner     string
	ch        chan gateway.ImageSnapshot
	once      sync.Once
	cancelled chan struct{}
}

func newFakeFeed(owner string) *fakeFeed {
	return &fakeFeed{
		owner:     owner,
		ch:        make(chan gateway.ImageSnapshot, 8),
		cancelled: make(chan struct{}),
	}
}

func (f *fakeFeed) Snapshots() <-chan gateway.ImageSnapshot { return f.ch }

// Cancel leaves the channel open so tests can deliver late snapshots.
func (f *fakeFeed) Cancel() { f.once.Do(func() { close(f.cancelled) }) }

func (f *fakeFeed) isCancelled() bool {
	select {
	case <-f.cancelled:
		return true
	default:
		return false
	}
}

func (f *fakeFeed) push(records ...models.ImageRecord) {
	f.ch <- gateway.ImageSnapshot{Records: records}
}

func (f *fakeFeed) fail(err error) {
	f.ch <- gateway.ImageSnapshot{Err: err}
}

type fakeRemote struct {
	mu    sync.Mutex
	feeds []*fakeFeed

	subscribeErr   error
	putErr         error
	insertErr      error
	resolveErr     error
	deleteBlobErr  error
	deleteImageErr error
	listErr        error

	deleteGate chan struct{}

	blobs         map[string][]byte
	records       []models.ImageRecord
	deletedBlobs  []string
	deletedImages []string
	nextID        int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{blobs: make(map[string][]byte)}
}

func (r *fakeRemote) PutImage(_ context.Context, owner string, data []byte) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.putErr != nil {
		return "", "", r.putErr
	}
	r.nextID++
	path := fmt.Sprintf("%sblob-%d.jpg", gateway.OwnerPrefix(owner), r.nextID)
	r.blobs[path] = data
	return "https://cdn.example/" + path, path, nil
}

func (r *fakeRemote) InsertImage(_ context.Context, rec models.ImageRecord) (models.ImageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return models.ImageRecord{}, r.insertErr
	}
	r.nextID++
	rec.ID = fmt.Sprintf("rec-%d", r.nextID)
	r.records = append(r.records, rec)
	return rec, nil
}

func (r *fakeRemote) QueryImages(_ context.Context, owner string) ([]models.ImageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ImageRecord
	for _, rec := range r.records {
		if rec.OwnerID == owner {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeRemote) DeleteBlob(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteBlobErr != nil {
		return r.deleteBlobErr
	}
	delete(r.blobs, path)
	r.deletedBlobs = append(r.deletedBlobs, path)
	return nil
}

func (r *fakeRemote) DeleteImage(ctx context.Context, id string) error {
	r.mu.Lock()
	gate := r.deleteGate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteImageErr != nil {
		return r.deleteImageErr
	}
	r.deletedImages = append(r.deletedImages, id)
	return nil
}

func (r *fakeRemote) ResolveURL(_ context.Context, path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolveErr != nil {
		return "", r.resolveErr
	}
	if _, ok := r.blobs[path]; !ok {
		return "", gateway.ErrNotFound
	}
	return "https://cdn.example/" + path, nil
}

func (r *fakeRemote) ListBlobs(_ context.Context, owner string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []string
	for path := range r.blobs {
		if strings.HasPrefix(path, gateway.OwnerPrefix(owner)) {
			out = append(out, path)
		}
	}
	return out, nil
}

func (r *fakeRemote) SubscribeImages(_ context.Context, owner string) (gateway.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribeErr != nil {
		return nil, r.subscribeErr
	}
	f := newFakeFeed(owner)
	r.feeds = append(r.feeds, f)
	return f, nil
}

func (r *fakeRemote) feed(t *testing.T, i int) *fakeFeed {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.feeds) {
		t.Fatalf("expected at least %d subscriptions, got %d", i+1, len(r.feeds))
	}
	return r.feeds[i]
}

func (r *fakeRemote) set(fn func(r *fakeRemote)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func passthroughEncoder(data []byte, _ int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	return data, nil
}

func newTestManager(t *testing.T, remote *fakeRemote) *Manager {
	t.Helper()
	m := NewManager(remote, Config{Workers: 2, QueueSize: 4, OpTimeout: time.Second, Encoder: passthroughEncoder}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitForCondition(t *testing.T, predicate func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func waitOp(t *testing.T, op *Op) (models.ImageRecord, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := op.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("operation did not complete")
	}
	return rec, err
}

func ids(records []models.ImageRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func rec(id, name string) models.ImageRecord {
	return models.ImageRecord{ID: id, Name: name, OwnerID: "alice", StoragePath: "images/alice/" + id + ".jpg"}
}
