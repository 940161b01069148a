package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestMemoryStorageLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage("http://localhost:8080/blobs/")

	if _, err := store.DownloadURL(ctx, "images/u1/a.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	for _, path := range []string{"images/u1/b.jpg", "images/u1/a.jpg", "images/u2/c.jpg"} {
		if err := store.Put(ctx, path, []byte(path), "image/jpeg"); err != nil {
			t.Fatalf("put %s: %v", path, err)
		}
	}

	url, err := store.DownloadURL(ctx, "images/u1/a.jpg")
	if err != nil {
		t.Fatalf("download url: %v", err)
	}
	if url != "http://localhost:8080/blobs/images/u1/a.jpg" {
		t.Fatalf("unexpected url: %s", url)
	}

	paths, err := store.List(ctx, "images/u1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if want := []string{"images/u1/a.jpg", "images/u1/b.jpg"}; !reflect.DeepEqual(paths, want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}

	if err := store.Delete(ctx, "images/u1/a.jpg"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "images/u1/a.jpg"); err != nil {
		t.Fatalf("deleting a missing object should succeed: %v", err)
	}
	if _, _, ok := store.Get("images/u1/a.jpg"); ok {
		t.Fatal("expected object to be gone")
	}
}

func TestMemoryStorageServeHTTP(t *testing.T) {
	store := NewMemoryStorage("")
	if err := store.Put(context.Background(), "images/u1/a.jpg", []byte("jpeg"), "image/jpeg"); err != nil {
		t.Fatalf("put: %v", err)
	}

	srv := httptest.NewServer(http.StripPrefix("/blobs", store))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/blobs/images/u1/a.jpg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "jpeg" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("unexpected content type %q", ct)
	}

	missing, err := http.Get(srv.URL + "/blobs/images/u1/none.jpg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}
