package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/napworks/gallery/internal/docstore"
	"github.com/napworks/gallery/internal/models"
	"github.com/napworks/gallery/internal/storage"
)

type failingURLStore struct {
	*storage.MemoryStorage
	urlErr error
}

func (s failingURLStore) DownloadURL(context.Context, string) (string, error) {
	return "", s.urlErr
}

func newTestGateway() (*Gateway, *storage.MemoryStorage, *docstore.Memory) {
	blobs := storage.NewMemoryStorage("http://blobs.local")
	docs := docstore.NewMemory()
	return New(blobs, docs, "images", nil), blobs, docs
}

func nextImages(t *testing.T, feed Feed) ImageSnapshot {
	t.Helper()
	select {
	case snap, ok := <-feed.Snapshots():
		require.True(t, ok, "feed closed")
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for image snapshot")
		return ImageSnapshot{}
	}
}

func TestPutImageStoresUnderOwnerPrefix(t *testing.T) {
	gw, blobs, _ := newTestGateway()

	url, path, err := gw.PutImage(context.Background(), "u1", []byte("jpeg"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, "images/u1/"))
	assert.True(t, strings.HasSuffix(path, ".jpg"))
	assert.Equal(t, "http://blobs.local/"+path, url)

	data, contentType, ok := blobs.Get(path)
	require.True(t, ok)
	assert.Equal(t, []byte("jpeg"), data)
	assert.Equal(t, ImageContentType, contentType)
}

func TestPutImageRemovesBlobWhenURLFails(t *testing.T) {
	mem := storage.NewMemoryStorage("")
	gw := New(failingURLStore{MemoryStorage: mem, urlErr: errors.New("forbidden")}, docstore.NewMemory(), "images", nil)

	_, _, err := gw.PutImage(context.Background(), "u1", []byte("jpeg"))
	require.Error(t, err)

	paths, err := mem.List(context.Background(), OwnerPrefix("u1"))
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestInsertQueryAndDeleteImage(t *testing.T) {
	ctx := context.Background()
	gw, _, _ := newTestGateway()

	b, err := gw.InsertImage(ctx, models.ImageRecord{OwnerID: "u1", Name: "b.jpg", URL: "u", StoragePath: "images/u1/b.jpg"})
	require.NoError(t, err)
	require.NotEmpty(t, b.ID)
	_, err = gw.InsertImage(ctx, models.ImageRecord{OwnerID: "u1", Name: "a.jpg", URL: "u", StoragePath: "images/u1/a.jpg"})
	require.NoError(t, err)
	_, err = gw.InsertImage(ctx, models.ImageRecord{OwnerID: "u2", Name: "c.jpg"})
	require.NoError(t, err)

	records, err := gw.QueryImages(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a.jpg", records[0].Name)
	assert.Equal(t, "images/u1/b.jpg", records[1].StoragePath)
	assert.Equal(t, "u1", records[1].OwnerID)

	require.NoError(t, gw.DeleteImage(ctx, b.ID))
	err = gw.DeleteImage(ctx, b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribeImagesStreamsSnapshots(t *testing.T) {
	ctx := context.Background()
	gw, _, docs := newTestGateway()

	feed, err := gw.SubscribeImages(ctx, "u1")
	require.NoError(t, err)
	defer feed.Cancel()

	assert.Empty(t, nextImages(t, feed).Records)

	_, err = gw.InsertImage(ctx, models.ImageRecord{OwnerID: "u1", Name: "a.jpg"})
	require.NoError(t, err)
	snap := nextImages(t, feed)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "a.jpg", snap.Records[0].Name)
	assert.False(t, snap.Records[0].CreatedAt.IsZero())

	boom := errors.New("permission denied")
	docs.Fail("images", boom)
	assert.ErrorIs(t, nextImages(t, feed).Err, boom)
}

func TestFeedCancelCloses(t *testing.T) {
	gw, _, _ := newTestGateway()

	feed, err := gw.SubscribeImages(context.Background(), "u1")
	require.NoError(t, err)

	feed.Cancel()
	feed.Cancel()

	select {
	case _, ok := <-feed.Snapshots():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("feed not closed")
	}
}

func TestListBlobsAndResolveURL(t *testing.T) {
	ctx := context.Background()
	gw, _, _ := newTestGateway()

	_, path, err := gw.PutImage(ctx, "u1", []byte("1"))
	require.NoError(t, err)
	_, _, err = gw.PutImage(ctx, "u2", []byte("2"))
	require.NoError(t, err)

	paths, err := gw.ListBlobs(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{path}, paths)

	url, err := gw.ResolveURL(ctx, path)
	require.NoError(t, err)
	assert.Contains(t, url, path)

	require.NoError(t, gw.DeleteBlob(ctx, path))
	_, err = gw.ResolveURL(ctx, path)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSortRecords(t *testing.T) {
	records := []models.ImageRecord{
		{ID: "2", Name: "b"},
		{ID: "3", Name: "a"},
		{ID: "1", Name: "a"},
	}
	SortRecords(records)
	assert.Equal(t, []string{"1", "3", "2"}, []string{records[0].ID, records[1].ID, records[2].ID})
}
