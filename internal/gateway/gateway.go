// Package gateway exposes the blob store and the document store to the sync
// manager in terms of image records.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/napworks/gallery/internal/docstore"
	"github.com/napworks/gallery/internal/mailbox"
	"github.com/napworks/gallery/internal/models"
	"github.com/napworks/gallery/internal/storage"
)

// Document field names of an image record.
const (
	FieldOwner = "ownerId"
	FieldName  = "name"
	FieldURL   = "url"
	FieldPath  = "storagePath"
)

// ImageContentType is the content type of every stored image.
const ImageContentType = "image/jpeg"

// ErrNotFound is returned when a record or blob does not exist.
var ErrNotFound = errors.New("not found")

// BlobStore stores opaque bytes by path.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	DownloadURL(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// DocumentStore stores schemaless documents with live queries.
type DocumentStore interface {
	Insert(ctx context.Context, collection string, fields map[string]any) (string, error)
	QueryByField(ctx context.Context, collection, field string, value any, orderBy string) ([]docstore.Document, error)
	DeleteByID(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, collection, field string, value any) (docstore.Subscription, error)
}

// ImageSnapshot is the full list of an owner's records at one point in time.
type ImageSnapshot struct {
	Records []models.ImageRecord
	Err     error
}

// Feed delivers image snapshots in server order. Only the latest undelivered
// snapshot is kept. Cancel is idempotent and closes the channel.
type Feed interface {
	Snapshots() <-chan ImageSnapshot
	Cancel()
}

// Gateway translates image operations into blob and document calls.
type Gateway struct {
	blobs      BlobStore
	docs       DocumentStore
	collection string
	logger     *slog.Logger
}

// New constructs a Gateway storing records in collection.
func New(blobs BlobStore, docs DocumentStore, collection string, logger *slog.Logger) *Gateway {
	if blobs == nil || docs == nil {
		panic("gateway: blob and document stores are required")
	}
	if collection == "" {
		collection = "images"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{blobs: blobs, docs: docs, collection: collection, logger: logger}
}

// OwnerPrefix is the storage prefix of every blob uploaded by owner.
func OwnerPrefix(owner string) string {
	return "images/" + owner + "/"
}

// NewImagePath returns a fresh storage path for an image of owner.
func NewImagePath(owner string) string {
	return OwnerPrefix(owner) + uuid.NewString() + ".jpg"
}

// PutImage stores data at a new path and resolves its download URL. When the
// URL cannot be resolved the blob is removed again on a best-effort basis.
func (g *Gateway) PutImage(ctx context.Context, owner string, data []byte) (url, path string, err error) {
	if owner == "" {
		return "", "", errors.New("gateway: owner is required")
	}

	path = NewImagePath(owner)
	if err := g.blobs.Put(ctx, path, data, ImageContentType); err != nil {
		return "", "", fmt.Errorf("put blob %s: %w", path, err)
	}

	url, err = g.blobs.DownloadURL(ctx, path)
	if err != nil {
		if delErr := g.blobs.Delete(ctx, path); delErr != nil {
			g.logger.WarnContext(ctx, "remove blob after url failure", "path", path, "error", delErr)
		}
		return "", "", fmt.Errorf("resolve download url %s: %w", path, mapNotFound(err))
	}
	return url, path, nil
}

// InsertImage writes the metadata document and returns the record with its
// assigned id.
func (g *Gateway) InsertImage(ctx context.Context, rec models.ImageRecord) (models.ImageRecord, error) {
	id, err := g.docs.Insert(ctx, g.collection, map[string]any{
		FieldOwner: rec.OwnerID,
		FieldName:  rec.Name,
		FieldURL:   rec.URL,
		FieldPath:  rec.StoragePath,
	})
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("insert image record: %w", err)
	}
	rec.ID = id
	return rec, nil
}

// QueryImages returns owner's records ordered by name then id.
func (g *Gateway) QueryImages(ctx context.Context, owner string) ([]models.ImageRecord, error) {
	docs, err := g.docs.QueryByField(ctx, g.collection, FieldOwner, owner, FieldName)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	records := toRecords(docs)
	SortRecords(records)
	return records, nil
}

// DeleteBlob removes the blob at path.
func (g *Gateway) DeleteBlob(ctx context.Context, path string) error {
	if err := g.blobs.Delete(ctx, path); err != nil {
		return fmt.Errorf("delete blob %s: %w", path, mapNotFound(err))
	}
	return nil
}

// DeleteImage removes the metadata document.
func (g *Gateway) DeleteImage(ctx context.Context, id string) error {
	if err := g.docs.DeleteByID(ctx, g.collection, id); err != nil {
		return fmt.Errorf("delete image record %s: %w", id, mapNotFound(err))
	}
	return nil
}

// ResolveURL returns a current download URL for the blob at path.
func (g *Gateway) ResolveURL(ctx context.Context, path string) (string, error) {
	url, err := g.blobs.DownloadURL(ctx, path)
	if err != nil {
		return "", fmt.Errorf("resolve download url %s: %w", path, mapNotFound(err))
	}
	return url, nil
}

// ListBlobs returns every blob path stored for owner.
func (g *Gateway) ListBlobs(ctx context.Context, owner string) ([]string, error) {
	paths, err := g.blobs.List(ctx, OwnerPrefix(owner))
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return paths, nil
}

// SubscribeImages opens a live query on owner's records.
func (g *Gateway) SubscribeImages(ctx context.Context, owner string) (Feed, error) {
	sub, err := g.docs.Subscribe(ctx, g.collection, FieldOwner, owner)
	if err != nil {
		return nil, fmt.Errorf("subscribe images: %w", err)
	}

	f := &imageFeed{sub: sub, box: mailbox.New[ImageSnapshot]()}
	go f.run()
	return f, nil
}

type imageFeed struct {
	sub docstore.Subscription
	box *mailbox.Mailbox[ImageSnapshot]
}

func (f *imageFeed) run() {
	defer f.box.Close()
	for snap := range f.sub.Snapshots() {
		out := ImageSnapshot{Err: snap.Err}
		if snap.Err == nil {
			out.Records = toRecords(snap.Documents)
		}
		if !f.box.Publish(out) {
			return
		}
	}
}

func (f *imageFeed) Snapshots() <-chan ImageSnapshot { return f.box.C() }

func (f *imageFeed) Cancel() {
	f.box.Close()
	f.sub.Cancel()
}

// SortRecords orders records by name ascending, ties broken by id.
func SortRecords(records []models.ImageRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].ID < records[j].ID
	})
}

func toRecords(docs []docstore.Document) []models.ImageRecord {
	records := make([]models.ImageRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, models.ImageRecord{
			ID:          doc.ID,
			OwnerID:     doc.String(FieldOwner),
			Name:        doc.String(FieldName),
			URL:         doc.String(FieldURL),
			StoragePath: strings.TrimSpace(doc.String(FieldPath)),
			CreatedAt:   doc.CreateTime,
		})
	}
	return records
}

func mapNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
