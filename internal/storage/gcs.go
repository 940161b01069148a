package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/napworks/gallery/internal/config"
)

// GCSStorage stores blobs in a Google Cloud Storage bucket. Download URLs
// are public when a base URL is configured and V4-signed otherwise.
type GCSStorage struct {
	client  *gcs.Client
	bucket  *gcs.BucketHandle
	baseURL string
	urlTTL  time.Duration
}

// NewGCSStorage creates a client using application default credentials.
func NewGCSStorage(ctx context.Context, cfg config.GCSConfig, urlTTL time.Duration) (*GCSStorage, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("gcs storage: bucket is required")
	}
	if urlTTL <= 0 {
		urlTTL = 24 * time.Hour
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("while creating GCS client: %w", err)
	}

	return &GCSStorage{
		client:  client,
		bucket:  client.Bucket(cfg.Bucket),
		baseURL: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
		urlTTL:  urlTTL,
	}, nil
}

// Put writes data to the object at path.
func (s *GCSStorage) Put(ctx context.Context, path string, data []byte, contentType string) error {
	w := s.bucket.Object(path).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("while writing gcs object %q: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("while finalizing gcs object %q: %w", path, err)
	}
	return nil
}

// DownloadURL confirms the object exists and returns a URL for it.
func (s *GCSStorage) DownloadURL(ctx context.Context, path string) (string, error) {
	if _, err := s.bucket.Object(path).Attrs(ctx); err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("while reading gcs object %q attrs: %w", path, err)
	}

	if s.baseURL != "" {
		return s.baseURL + "/" + (&url.URL{Path: path}).EscapedPath(), nil
	}

	signed, err := s.bucket.SignedURL(path, &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(s.urlTTL),
	})
	if err != nil {
		return "", fmt.Errorf("while signing gcs object %q: %w", path, err)
	}
	return signed, nil
}

// Delete removes the object. Deleting a missing object succeeds.
func (s *GCSStorage) Delete(ctx context.Context, path string) error {
	if err := s.bucket.Object(path).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("while deleting gcs object %q: %w", path, err)
	}
	return nil
}

// List returns the names of every object under prefix.
func (s *GCSStorage) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while listing gcs prefix %q: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Close releases the underlying client.
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

var _ Store = (*GCSStorage)(nil)
