package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/napworks/gallery/internal/docstore"
	"github.com/napworks/gallery/internal/gallery"
	"github.com/napworks/gallery/internal/gateway"
	"github.com/napworks/gallery/internal/models"
	"github.com/napworks/gallery/internal/storage"
)

// flakyDocs fails inserts while insertErr is set.
type flakyDocs struct {
	*docstore.Memory

	mu        sync.Mutex
	insertErr error
}

func (d *flakyDocs) setInsertErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.insertErr = err
}

func (d *flakyDocs) Insert(ctx context.Context, collection string, fields map[string]any) (string, error) {
	d.mu.Lock()
	err := d.insertErr
	d.mu.Unlock()
	if err != nil {
		return "", err
	}
	return d.Memory.Insert(ctx, collection, fields)
}

type imageFixture struct {
	blobs   *storage.MemoryStorage
	docs    *flakyDocs
	gateway *gateway.Gateway
	manager *gallery.Manager
	router  http.Handler
}

func testEncoder(data []byte, _ int) ([]byte, error) {
	if string(data) == "not an image" {
		return nil, errors.New("decode image: unknown format")
	}
	return data, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newImageFixture(t *testing.T, owner string) *imageFixture {
	t.Helper()
	f := &imageFixture{
		blobs: storage.NewMemoryStorage("http://localhost/blobs"),
		docs:  &flakyDocs{Memory: docstore.NewMemory()},
	}
	f.gateway = gateway.New(f.blobs, f.docs, "images", discardLogger())
	f.manager = gallery.NewManager(f.gateway, gallery.Config{Workers: 2, OpTimeout: time.Second, Encoder: testEncoder}, discardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.manager.Shutdown(ctx)
	})

	if owner != "" {
		if err := f.manager.Start(context.Background(), owner); err != nil {
			t.Fatalf("start: %v", err)
		}
		waitForCondition(t, func() bool { return f.manager.State().Phase == gallery.Live }, time.Second)
	}

	f.router = NewRouter(Dependencies{
		Sessions: &stubSessions{},
		Images:   f.manager,
		URLs:     f.gateway,
		Reconcile: func(ctx context.Context, owner string, remove bool) (gallery.ReconcileReport, error) {
			return gallery.Reconcile(ctx, f.gateway, owner, remove, 2)
		},
		Blobs:     f.blobs,
		Heartbeat: 20 * time.Millisecond,
	}, discardLogger())
	return f
}

func (f *imageFixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *imageFixture) upload(t *testing.T, data, name string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "photo.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = io.WriteString(part, data)
	if name != "" {
		_ = mw.WriteField("name", name)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return f.do(t, http.MethodPost, "/api/v1/images", &body, mw.FormDataContentType())
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) stateResponse {
	t.Helper()
	var st stateResponse
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return st
}

func TestImagesUploadListContentDelete(t *testing.T) {
	f := newImageFixture(t, "alice")

	rec := f.upload(t, "pixels", "sunset")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d got %d: %s", http.StatusCreated, rec.Code, rec.Body)
	}
	var uploaded models.ImageRecord
	if err := json.NewDecoder(rec.Body).Decode(&uploaded); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if uploaded.ID == "" || uploaded.Name != "sunset" || uploaded.OwnerID != "alice" {
		t.Fatalf("unexpected record %+v", uploaded)
	}

	waitForCondition(t, func() bool { return len(f.manager.State().Records) == 1 }, time.Second)

	rec = f.do(t, http.MethodGet, "/api/v1/images", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	st := decodeState(t, rec)
	if st.Phase != "live" || st.OwnerID != "alice" || len(st.Records) != 1 {
		t.Fatalf("unexpected state %+v", st)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/images/"+uploaded.ID+"/content", nil, "")
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "http://localhost/blobs/"+uploaded.StoragePath {
		t.Fatalf("unexpected location %q", got)
	}

	rec = f.do(t, http.MethodGet, "/blobs/"+uploaded.StoragePath, nil, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "pixels" {
		t.Fatalf("expected blob to be served, got %d %q", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodDelete, "/api/v1/images/"+uploaded.ID, nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 got %d: %s", rec.Code, rec.Body)
	}
	if len(f.manager.State().Records) != 0 {
		t.Fatal("expected record to be removed locally")
	}
	if _, _, ok := f.blobs.Get(uploaded.StoragePath); ok {
		t.Fatal("expected blob to be deleted")
	}
}

func TestImagesUploadValidation(t *testing.T) {
	f := newImageFixture(t, "alice")

	rec := f.do(t, http.MethodPost, "/api/v1/images", strings.NewReader("{}"), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", rec.Code)
	}

	rec = f.upload(t, "not an image", "x")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 got %d", rec.Code)
	}
}

func TestImagesUploadUsesFilenameWhenNameMissing(t *testing.T) {
	f := newImageFixture(t, "alice")

	rec := f.upload(t, "pixels", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d", rec.Code)
	}
	var uploaded models.ImageRecord
	_ = json.NewDecoder(rec.Body).Decode(&uploaded)
	if uploaded.Name != "photo.png" {
		t.Fatalf("expected filename to be used, got %q", uploaded.Name)
	}
}

func TestImagesRequireSignedInOwner(t *testing.T) {
	f := newImageFixture(t, "")

	rec := f.upload(t, "pixels", "x")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d", rec.Code)
	}

	rec = f.do(t, http.MethodDelete, "/api/v1/images/abc", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/images/reconcile", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d", rec.Code)
	}
}

func TestImagesDeleteUnknownRecord(t *testing.T) {
	f := newImageFixture(t, "alice")

	rec := f.do(t, http.MethodDelete, "/api/v1/images/missing", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/images/missing/content", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestImagesOrphanRetryAndDiscard(t *testing.T) {
	f := newImageFixture(t, "alice")
	f.docs.setInsertErr(errors.New("metadata offline"))

	var orphans []string
	for i := 0; i < 2; i++ {
		rec := f.upload(t, "pixels", "sunset")
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("expected status 502 got %d", rec.Code)
		}
		var body map[string]string
		_ = json.NewDecoder(rec.Body).Decode(&body)
		if body["stage"] != gallery.StageMetadata || body["orphanedPath"] == "" {
			t.Fatalf("unexpected error body %v", body)
		}
		orphans = append(orphans, body["orphanedPath"])
	}
	f.docs.setInsertErr(nil)

	payload, _ := json.Marshal(orphanRequest{Path: orphans[0], Name: "sunset"})
	rec := f.do(t, http.MethodPost, "/api/v1/images/orphans/retry", bytes.NewReader(payload), "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d: %s", rec.Code, rec.Body)
	}
	waitForCondition(t, func() bool { return len(f.manager.State().Records) == 1 }, time.Second)

	payload, _ = json.Marshal(orphanRequest{Path: orphans[1]})
	rec = f.do(t, http.MethodPost, "/api/v1/images/orphans/discard", bytes.NewReader(payload), "application/json")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 got %d", rec.Code)
	}
	if _, _, ok := f.blobs.Get(orphans[1]); ok {
		t.Fatal("expected orphan to be discarded")
	}

	payload, _ = json.Marshal(orphanRequest{Path: "images/bob/x.jpg"})
	rec = f.do(t, http.MethodPost, "/api/v1/images/orphans/discard", bytes.NewReader(payload), "application/json")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d", rec.Code)
	}
}

func TestImagesReconcile(t *testing.T) {
	f := newImageFixture(t, "alice")
	if err := f.blobs.Put(context.Background(), "images/alice/stray.jpg", []byte("x"), gateway.ImageContentType); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/images/reconcile", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var report reconcileResponse
	_ = json.NewDecoder(rec.Body).Decode(&report)
	if len(report.Orphans) != 1 || len(report.Removed) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/images/reconcile", strings.NewReader(`{"remove":true}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	report = reconcileResponse{}
	_ = json.NewDecoder(rec.Body).Decode(&report)
	if len(report.Removed) != 1 || report.Removed[0] != "images/alice/stray.jpg" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestImagesEventsStreamState(t *testing.T) {
	f := newImageFixture(t, "alice")
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/images/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	events := make(chan stateResponse, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var st stateResponse
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st) == nil {
				events <- st
			}
		}
		close(events)
	}()

	next := func() stateResponse {
		select {
		case st, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			return st
		case <-ctx.Done():
			t.Fatal("no event received")
		}
		return stateResponse{}
	}

	if st := next(); st.Phase != "live" {
		t.Fatalf("expected initial live state, got %+v", st)
	}

	if rec := f.upload(t, "pixels", "sunset"); rec.Code != http.StatusCreated {
		t.Fatalf("upload failed: %d", rec.Code)
	}
	for {
		if st := next(); len(st.Records) == 1 {
			break
		}
	}
}
