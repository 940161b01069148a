// Package gallery keeps the signed-in user's image list synchronized with
// the remote stores and runs uploads and deletes against them.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/napworks/gallery/internal/gateway"
	"github.com/napworks/gallery/internal/logging"
	"github.com/napworks/gallery/internal/mailbox"
	"github.com/napworks/gallery/internal/models"
)

// Remote is the subset of the gateway used by the manager.
type Remote interface {
	PutImage(ctx context.Context, owner string, data []byte) (url, path string, err error)
	InsertImage(ctx context.Context, rec models.ImageRecord) (models.ImageRecord, error)
	QueryImages(ctx context.Context, owner string) ([]models.ImageRecord, error)
	DeleteBlob(ctx context.Context, path string) error
	DeleteImage(ctx context.Context, id string) error
	ResolveURL(ctx context.Context, path string) (string, error)
	ListBlobs(ctx context.Context, owner string) ([]string, error)
	SubscribeImages(ctx context.Context, owner string) (gateway.Feed, error)
}

// Config tunes a Manager.
type Config struct {
	JPEGQuality int
	Workers     int
	QueueSize   int
	OpTimeout   time.Duration
	// Encoder defaults to EncodeJPEG.
	Encoder Encoder
}

// Manager owns the image collection of one owner at a time.
//
// Collection state changes happen under a single mutex. Every subscription
// is tagged with a generation; stopping bumps the generation so snapshots and
// rollbacks from an earlier subscription are dropped.
type Manager struct {
	remote Remote
	cfg    Config
	logger *slog.Logger
	pool   *pool

	ctx    context.Context
	cancel context.CancelFunc

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu       sync.Mutex
	state    CollectionState
	gen      uint64
	feed     gateway.Feed
	watchers map[int]*mailbox.Mailbox[CollectionState]
	nextID   int
	closed   bool
}

// NewManager constructs an idle manager and starts its worker pool.
func NewManager(remote Remote, cfg Config, logger *slog.Logger) *Manager {
	if remote == nil {
		panic("gallery: remote must not be nil")
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.Encoder == nil {
		cfg.Encoder = EncodeJPEG
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		remote:   remote,
		cfg:      cfg,
		logger:   logger,
		pool:     newPool(cfg.Workers, cfg.QueueSize),
		ctx:      logging.WithLogger(ctx, logger),
		cancel:   cancel,
		watchers: make(map[int]*mailbox.Mailbox[CollectionState]),
	}
}

// Start opens a subscription for owner. Starting the current owner again is
// a no-op; starting a different owner stops the current one first.
func (m *Manager) Start(ctx context.Context, owner string) error {
	if owner == "" {
		return errors.New("gallery: owner is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state.Phase != Idle && m.state.OwnerID == owner {
		m.mu.Unlock()
		return nil
	}
	previous := m.resetLocked()
	m.gen++
	gen := m.gen
	m.state = CollectionState{
		OwnerID:            owner,
		Phase:              Loading,
		IsLoading:          true,
		SubscriptionActive: true,
	}
	m.broadcastLocked()
	m.mu.Unlock()

	if previous != nil {
		previous.Cancel()
	}

	logger := logging.FromContext(ctx).With("owner", owner)
	feed, err := m.remote.SubscribeImages(m.ctx, owner)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		syncErr := &SyncError{Err: err}
		m.gen++
		m.state = CollectionState{Phase: Idle, Err: syncErr}
		m.broadcastLocked()
		logger.WarnContext(ctx, "image subscription failed to open", "error", err)
		return syncErr
	}
	if gen != m.gen {
		feed.Cancel()
		return nil
	}

	m.feed = feed
	go m.consume(gen, feed)
	logger.InfoContext(ctx, "image subscription opened")
	return nil
}

// Stop cancels the subscription and clears the collection. It is safe to
// call in any state. No snapshot is applied after Stop returns.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	previous := m.resetLocked()
	m.mu.Unlock()

	if previous != nil {
		previous.Cancel()
	}
}

// resetLocked moves to Idle and returns the feed to cancel, if any.
func (m *Manager) resetLocked() gateway.Feed {
	idle := m.state.Phase == Idle && m.feed == nil && len(m.state.Records) == 0 && m.state.Err == nil
	if idle {
		return nil
	}
	m.gen++
	feed := m.feed
	m.feed = nil
	m.state = CollectionState{Phase: Idle}
	m.broadcastLocked()
	return feed
}

func (m *Manager) consume(gen uint64, feed gateway.Feed) {
	for snap := range feed.Snapshots() {
		if !m.apply(gen, feed, snap) {
			return
		}
	}
}

// apply replaces the collection with snap. It reports false when the
// subscription is no longer current or has failed.
func (m *Manager) apply(gen uint64, feed gateway.Feed, snap gateway.ImageSnapshot) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}

	if snap.Err != nil {
		owner := m.state.OwnerID
		m.gen++
		m.feed = nil
		m.state = CollectionState{Phase: Idle, Err: &SyncError{Err: snap.Err}}
		m.broadcastLocked()
		m.mu.Unlock()

		feed.Cancel()
		m.logger.Warn("image subscription failed", "owner", owner, "error", snap.Err)
		return false
	}

	records := append([]models.ImageRecord(nil), snap.Records...)
	gateway.SortRecords(records)
	m.state.Records = records
	m.state.IsLoading = false
	m.state.Phase = Live
	m.state.Err = nil
	m.broadcastLocked()
	m.mu.Unlock()
	return true
}

// State returns a copy of the collection.
func (m *Manager) State() CollectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Watch returns a channel carrying the latest state after every change,
// starting with the current one. Intermediate states may be skipped.
func (m *Manager) Watch() (<-chan CollectionState, func()) {
	box := mailbox.New[CollectionState]()

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.closed {
		m.mu.Unlock()
		box.Close()
		return box.C(), func() {}
	}
	m.watchers[id] = box
	box.Publish(m.state.clone())
	m.mu.Unlock()

	return box.C(), func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
		box.Close()
	}
}

func (m *Manager) broadcastLocked() {
	for _, box := range m.watchers {
		box.Publish(m.state.clone())
	}
}

// Upload encodes data, stores it and inserts its record. The collection is
// not touched; the new record arrives with the next snapshot.
func (m *Manager) Upload(ctx context.Context, data []byte, name string) *Op {
	owner, err := m.activeOwner()
	if err != nil {
		return failedOp(err)
	}

	op := newOp()
	err = m.pool.submit(ctx, func(poolCtx context.Context) {
		opCtx, done := m.opContext(ctx, poolCtx)
		defer done()
		rec, err := m.upload(opCtx, owner, data, name)
		op.finish(rec, err)
	})
	if err != nil {
		op.finish(models.ImageRecord{}, err)
	}
	return op
}

func (m *Manager) upload(ctx context.Context, owner string, data []byte, name string) (rec models.ImageRecord, err error) {
	ctx, span := logging.StartSpan(ctx, "gallery.upload", "owner", owner, "name", name)
	defer func() { span.End(err) }()

	encoded, err := m.cfg.Encoder(data, m.cfg.JPEGQuality)
	if err != nil {
		return models.ImageRecord{}, &UploadError{Stage: StageEncode, Err: err}
	}

	url, path, err := m.remote.PutImage(ctx, owner, encoded)
	if err != nil {
		return models.ImageRecord{}, &UploadError{Stage: StageBlob, Err: err}
	}

	rec, err = m.remote.InsertImage(ctx, models.ImageRecord{
		OwnerID:     owner,
		Name:        name,
		URL:         url,
		StoragePath: path,
	})
	if err != nil {
		return models.ImageRecord{}, &UploadError{Stage: StageMetadata, Err: err, OrphanedPath: path}
	}

	span.Logger().InfoContext(ctx, "image uploaded", "id", rec.ID, "path", path, "bytes", len(encoded))
	return rec, nil
}

// RetryMetadata inserts the record for a blob left behind by a failed
// metadata stage.
func (m *Manager) RetryMetadata(ctx context.Context, orphanedPath, name string) *Op {
	owner, err := m.activeOwner()
	if err != nil {
		return failedOp(err)
	}
	if !strings.HasPrefix(orphanedPath, gateway.OwnerPrefix(owner)) {
		return failedOp(ErrForeignRecord)
	}

	op := newOp()
	err = m.pool.submit(ctx, func(poolCtx context.Context) {
		opCtx, done := m.opContext(ctx, poolCtx)
		defer done()

		opCtx, span := logging.StartSpan(opCtx, "gallery.retry_metadata", "owner", owner, "path", orphanedPath)
		url, err := m.remote.ResolveURL(opCtx, orphanedPath)
		if err != nil {
			err = &UploadError{Stage: StageBlob, Err: err}
			span.End(err)
			op.finish(models.ImageRecord{}, err)
			return
		}
		rec, err := m.remote.InsertImage(opCtx, models.ImageRecord{
			OwnerID:     owner,
			Name:        name,
			URL:         url,
			StoragePath: orphanedPath,
		})
		if err != nil {
			err = &UploadError{Stage: StageMetadata, Err: err, OrphanedPath: orphanedPath}
		}
		span.End(err)
		op.finish(rec, err)
	})
	if err != nil {
		op.finish(models.ImageRecord{}, err)
	}
	return op
}

// DiscardOrphan deletes a blob left behind by a failed metadata stage.
func (m *Manager) DiscardOrphan(ctx context.Context, orphanedPath string) error {
	owner, err := m.activeOwner()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(orphanedPath, gateway.OwnerPrefix(owner)) {
		return ErrForeignRecord
	}
	if err := m.remote.DeleteBlob(ctx, orphanedPath); err != nil {
		return fmt.Errorf("discard orphan: %w", err)
	}
	logging.FromContext(ctx).InfoContext(ctx, "orphaned blob discarded", "owner", owner, "path", orphanedPath)
	return nil
}

// Delete removes rec from the collection immediately, then deletes its blob
// and its record. When the record deletion fails, rec is restored.
func (m *Manager) Delete(ctx context.Context, rec models.ImageRecord) *Op {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return failedOp(ErrClosed)
	}
	if m.state.Phase == Idle || m.state.OwnerID == "" {
		m.mu.Unlock()
		return failedOp(ErrNotSyncing)
	}
	if rec.OwnerID != "" && rec.OwnerID != m.state.OwnerID {
		m.mu.Unlock()
		return failedOp(ErrForeignRecord)
	}

	gen := m.gen
	removed := false
	for i, r := range m.state.Records {
		if r.ID == rec.ID {
			rec = r
			m.state.Records = append(m.state.Records[:i:i], m.state.Records[i+1:]...)
			removed = true
			break
		}
	}
	if removed {
		m.broadcastLocked()
	}
	m.mu.Unlock()

	op := newOp()
	err := m.pool.submit(ctx, func(poolCtx context.Context) {
		opCtx, done := m.opContext(ctx, poolCtx)
		defer done()
		err := m.delete(opCtx, rec)
		var deleteErr *DeleteError
		if errors.As(err, &deleteErr) && removed {
			m.restore(gen, rec)
		}
		op.finish(rec, err)
	})
	if err != nil {
		if removed {
			m.restore(gen, rec)
		}
		op.finish(rec, err)
	}
	return op
}

func (m *Manager) delete(ctx context.Context, rec models.ImageRecord) (err error) {
	ctx, span := logging.StartSpan(ctx, "gallery.delete", "id", rec.ID, "path", rec.StoragePath)
	defer func() { span.End(err) }()

	var blobErr error
	if rec.StoragePath != "" {
		if blobErr = m.remote.DeleteBlob(ctx, rec.StoragePath); blobErr != nil {
			span.Logger().WarnContext(ctx, "blob delete failed", "error", blobErr)
		}
	}

	if err := m.remote.DeleteImage(ctx, rec.ID); err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return &DeleteError{Err: err}
	}

	if blobErr != nil {
		return &PartialDeleteError{OrphanedPath: rec.StoragePath, Err: blobErr}
	}
	return nil
}

// restore re-inserts rec at its sorted position unless the subscription has
// changed or a snapshot already brought it back.
func (m *Manager) restore(gen uint64, rec models.ImageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return
	}
	for _, r := range m.state.Records {
		if r.ID == rec.ID {
			return
		}
	}

	records := m.state.Records
	i := sort.Search(len(records), func(i int) bool {
		if records[i].Name != rec.Name {
			return records[i].Name > rec.Name
		}
		return records[i].ID > rec.ID
	})
	restored := make([]models.ImageRecord, 0, len(records)+1)
	restored = append(restored, records[:i]...)
	restored = append(restored, rec)
	restored = append(restored, records[i:]...)
	m.state.Records = restored
	m.broadcastLocked()
}

func (m *Manager) activeOwner() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if m.state.Phase == Idle || m.state.OwnerID == "" {
		return "", ErrNotSyncing
	}
	return m.state.OwnerID, nil
}

// opContext detaches an operation from the caller's cancellation, keeping
// its values, and bounds it by the configured timeout and the pool lifetime.
func (m *Manager) opContext(parent, poolCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.cfg.OpTimeout)
	stop := context.AfterFunc(poolCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Shutdown stops syncing, waits for queued operations and closes watchers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.Stop()

	m.mu.Lock()
	watchers := m.watchers
	m.watchers = make(map[int]*mailbox.Mailbox[CollectionState])
	m.mu.Unlock()

	err := m.pool.shutdown(ctx)
	m.cancel()
	for _, box := range watchers {
		box.Close()
	}
	return err
}
