package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/napworks/gallery/internal/gallery"
	"github.com/napworks/gallery/internal/gateway"
	"github.com/napworks/gallery/internal/logging"
	"github.com/napworks/gallery/internal/models"
)

const defaultMaxUploadBytes = 20 << 20

// ImageHandler exposes the synchronized image collection.
type ImageHandler struct {
	Images         ImageManager
	URLs           URLResolver
	Reconcile      ReconcileFunc
	MaxUploadBytes int64
	Heartbeat      time.Duration
}

type stateResponse struct {
	OwnerID            string               `json:"ownerId,omitempty"`
	Records            []models.ImageRecord `json:"records"`
	IsLoading          bool                 `json:"isLoading"`
	SubscriptionActive bool                 `json:"subscriptionActive"`
	Phase              string               `json:"phase"`
	Error              string               `json:"error,omitempty"`
}

func newStateResponse(st gallery.CollectionState) stateResponse {
	resp := stateResponse{
		OwnerID:            st.OwnerID,
		Records:            st.Records,
		IsLoading:          st.IsLoading,
		SubscriptionActive: st.SubscriptionActive,
		Phase:              st.Phase.String(),
	}
	if resp.Records == nil {
		resp.Records = []models.ImageRecord{}
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}

type orphanRequest struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

type reconcileRequest struct {
	Remove bool `json:"remove"`
}

type reconcileResponse struct {
	OwnerID string            `json:"ownerId"`
	Blobs   int               `json:"blobs"`
	Records int               `json:"records"`
	Orphans []string          `json:"orphans"`
	Removed []string          `json:"removed,omitempty"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// List handles GET /api/v1/images requests.
func (h ImageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	respondJSON(ctx, w, http.StatusOK, newStateResponse(h.Images.State()))
}

// Upload handles POST /api/v1/images requests carrying a multipart "file"
// and an optional "name".
func (h ImageHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	if !h.available(ctx, w) {
		return
	}

	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		logger.Warn("invalid upload payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "multipart field \"file\" is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		logger.Warn("read upload failed", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "unable to read upload"})
		return
	}
	if int64(len(data)) > limit {
		respondJSON(ctx, w, http.StatusRequestEntityTooLarge, map[string]string{"error": fmt.Sprintf("image exceeds %d bytes", limit)})
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = header.Filename
	}

	rec, err := h.Images.Upload(ctx, data, name).Wait(ctx)
	if err != nil {
		respondImageError(ctx, w, "upload", err)
		return
	}
	respondJSON(ctx, w, http.StatusCreated, rec)
}

// Delete handles DELETE /api/v1/images/{id} requests.
func (h ImageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	rec, ok := h.lookup(ctx, w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	_, err := h.Images.Delete(ctx, rec).Wait(ctx)
	var partial *gallery.PartialDeleteError
	switch {
	case errors.As(err, &partial):
		logging.FromContext(ctx).Warn("image deleted with orphaned blob", "id", rec.ID, "path", partial.OrphanedPath, "error", err)
		respondJSON(ctx, w, http.StatusOK, map[string]string{"status": "deleted", "orphanedPath": partial.OrphanedPath})
	case err != nil:
		respondImageError(ctx, w, "delete", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Content handles GET /api/v1/images/{id}/content by redirecting to a fresh
// download URL.
func (h ImageHandler) Content(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	if h.URLs == nil {
		respondJSON(ctx, w, http.StatusNotImplemented, map[string]string{"error": "download urls are not supported"})
		return
	}

	rec, ok := h.lookup(ctx, w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	url, err := h.URLs.ResolveURL(ctx, rec.StoragePath)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			respondJSON(ctx, w, http.StatusNotFound, map[string]string{"error": "image content not found"})
			return
		}
		logging.FromContext(ctx).Error("resolve download url", "id", rec.ID, "error", err)
		respondJSON(ctx, w, http.StatusBadGateway, map[string]string{"error": "unable to resolve image url"})
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// RetryOrphan handles POST /api/v1/images/orphans/retry requests.
func (h ImageHandler) RetryOrphan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	req, ok := decodeOrphan(ctx, w, r)
	if !ok {
		return
	}

	rec, err := h.Images.RetryMetadata(ctx, req.Path, req.Name).Wait(ctx)
	if err != nil {
		respondImageError(ctx, w, "retry metadata", err)
		return
	}
	respondJSON(ctx, w, http.StatusCreated, rec)
}

// DiscardOrphan handles POST /api/v1/images/orphans/discard requests.
func (h ImageHandler) DiscardOrphan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}

	req, ok := decodeOrphan(ctx, w, r)
	if !ok {
		return
	}

	if err := h.Images.DiscardOrphan(ctx, req.Path); err != nil {
		respondImageError(ctx, w, "discard orphan", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconcile handles POST /api/v1/images/reconcile for the current owner.
func (h ImageHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	if !h.available(ctx, w) {
		return
	}
	if h.Reconcile == nil {
		respondJSON(ctx, w, http.StatusNotImplemented, map[string]string{"error": "reconcile is not supported"})
		return
	}

	var req reconcileRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			logger.Warn("invalid reconcile payload", "error", err)
			respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}

	owner := h.Images.State().OwnerID
	if owner == "" {
		respondImageError(ctx, w, "reconcile", gallery.ErrNotSyncing)
		return
	}

	report, err := h.Reconcile(ctx, owner, req.Remove)
	if err != nil {
		logger.Error("reconcile failed", "owner", owner, "error", err)
		respondJSON(ctx, w, http.StatusBadGateway, map[string]string{"error": "reconcile failed"})
		return
	}

	resp := reconcileResponse{
		OwnerID: report.OwnerID,
		Blobs:   report.Blobs,
		Records: report.Records,
		Orphans: report.Orphans,
		Removed: report.Removed,
	}
	if resp.Orphans == nil {
		resp.Orphans = []string{}
	}
	if len(report.Failed) > 0 {
		resp.Failed = make(map[string]string, len(report.Failed))
		for path, err := range report.Failed {
			resp.Failed[path] = err.Error()
		}
	}
	respondJSON(ctx, w, http.StatusOK, resp)
}

// Events handles GET /api/v1/images/events, streaming every collection
// change as a Server-Sent Event.
func (h ImageHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)
	if !h.available(ctx, w) {
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Warn("clear write deadline", "error", err)
	}

	states, cancel := h.Images.Watch()
	defer cancel()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Warn("event stream unsupported", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		case st, ok := <-states:
			if !ok {
				return
			}
			payload, err := json.Marshal(newStateResponse(st))
			if err != nil {
				logger.Error("encode state event", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", payload); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (h ImageHandler) available(ctx context.Context, w http.ResponseWriter) bool {
	if h.Images != nil {
		return true
	}
	logging.FromContext(ctx).Error("image manager unavailable")
	respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "image services unavailable"})
	return false
}

// lookup finds id in the current collection.
func (h ImageHandler) lookup(ctx context.Context, w http.ResponseWriter, id string) (models.ImageRecord, bool) {
	st := h.Images.State()
	if st.OwnerID == "" {
		respondImageError(ctx, w, "lookup", gallery.ErrNotSyncing)
		return models.ImageRecord{}, false
	}
	for _, rec := range st.Records {
		if rec.ID == id {
			return rec, true
		}
	}
	respondJSON(ctx, w, http.StatusNotFound, map[string]string{"error": "image not found"})
	return models.ImageRecord{}, false
}

func decodeOrphan(ctx context.Context, w http.ResponseWriter, r *http.Request) (orphanRequest, bool) {
	var req orphanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logging.FromContext(ctx).Warn("invalid orphan payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return req, false
	}
	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return req, false
	}
	return req, true
}

func respondImageError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	logger := logging.FromContext(ctx)

	var (
		uploadErr *gallery.UploadError
		deleteErr *gallery.DeleteError
	)
	switch {
	case errors.Is(err, gallery.ErrNotSyncing):
		respondJSON(ctx, w, http.StatusConflict, map[string]string{"error": "no user is signed in"})
	case errors.Is(err, gallery.ErrForeignRecord):
		respondJSON(ctx, w, http.StatusForbidden, map[string]string{"error": "image belongs to another user"})
	case errors.Is(err, gallery.ErrClosed):
		respondJSON(ctx, w, http.StatusServiceUnavailable, map[string]string{"error": "service is shutting down"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn(op+" did not complete", "error", err)
		respondJSON(ctx, w, http.StatusGatewayTimeout, map[string]string{"error": op + " did not complete"})
	case errors.As(err, &uploadErr):
		status := http.StatusBadGateway
		if uploadErr.Stage == gallery.StageEncode {
			status = http.StatusUnprocessableEntity
		}
		logger.Warn(op+" failed", "stage", uploadErr.Stage, "orphanedPath", uploadErr.OrphanedPath, "error", err)
		body := map[string]string{"error": err.Error(), "stage": uploadErr.Stage}
		if uploadErr.OrphanedPath != "" {
			body["orphanedPath"] = uploadErr.OrphanedPath
		}
		respondJSON(ctx, w, status, body)
	case errors.As(err, &deleteErr):
		respondJSON(ctx, w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		logger.Error(op+" failed", "error", err)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
	}
}
