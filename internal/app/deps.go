package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/napworks/gallery/internal/auth"
	"github.com/napworks/gallery/internal/config"
	"github.com/napworks/gallery/internal/db"
	"github.com/napworks/gallery/internal/docstore"
	"github.com/napworks/gallery/internal/gallery"
	"github.com/napworks/gallery/internal/gateway"
	"github.com/napworks/gallery/internal/handlers"
	"github.com/napworks/gallery/internal/middleware"
	"github.com/napworks/gallery/internal/repositories"
	"github.com/napworks/gallery/internal/storage"
)

// backends groups the stores selected by configuration.
type backends struct {
	docs    gateway.DocumentStore
	users   auth.UserStore
	refresh auth.RefreshStore
	blobs   storage.Store
	// blobHandler serves in-memory blobs; nil for remote buckets.
	blobHandler http.Handler
	closers     []func() error
}

func (b *backends) close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// dependencies is the wired service.
type dependencies struct {
	router   http.Handler
	sessions *auth.SessionStore
	manager  *gallery.Manager
	gateway  *gateway.Gateway
	cleanup  func(context.Context) error
}

// openBackends connects the document, account and blob stores.
func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL, poolOptions(cfg))
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error { pool.Close(); return nil })
		b.docs = docstore.NewPostgres(pool, logger)
		b.users = repositories.NewPostgresUserStore(pool)
		b.refresh = repositories.NewPostgresRefreshStore(pool)
	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("create firestore client: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.docs = docstore.NewFirestore(client)
		b.users = repositories.NewFirestoreUserStore(client)
		b.refresh = repositories.NewFirestoreRefreshStore(client)
	default:
		b.docs = docstore.NewMemory()
		b.users = repositories.NewMemoryUserStore()
		b.refresh = auth.NewInMemoryRefreshStore()
	}

	switch cfg.BlobBackend {
	case config.BlobS3:
		store, err := storage.NewS3Storage(ctx, cfg.ObjectStore, cfg.URLTTL)
		if err != nil {
			_ = b.close()
			return nil, err
		}
		b.blobs = store
	case config.BlobGCS:
		store, err := storage.NewGCSStorage(ctx, cfg.GCS, cfg.URLTTL)
		if err != nil {
			_ = b.close()
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		b.blobs = store
	default:
		store := storage.NewMemoryStorage(fmt.Sprintf("http://localhost:%d/blobs", cfg.AppPort))
		b.blobs = store
		b.blobHandler = store
	}

	return b, nil
}

func poolOptions(cfg config.Config) db.Options {
	return db.Options{MaxConns: int32(cfg.DBMaxConns), PingTimeout: cfg.DBPingTimeout}
}

// buildDependencies wires together concrete implementations used by the HTTP handlers.
func buildDependencies(ctx context.Context, cfg config.Config, logger *slog.Logger) (*dependencies, error) {
	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Signed URLs are cached for half their lifetime so a redirect never
	// hands out one about to expire.
	blobs := storage.NewURLCache(b.blobs, cfg.URLTTL/2)
	gw := gateway.New(blobs, b.docs, cfg.Collection, logger)

	var mailer auth.Mailer = auth.LogMailer{Logger: logger}
	if cfg.Auth.SendGridAPIKey != "" {
		mailer = auth.NewSendGridMailer(cfg.Auth.SendGridAPIKey, cfg.Auth.MailFrom)
	}

	provider := auth.NewLocalProvider(auth.LocalProviderConfig{
		Users:       b.users,
		Tokens:      auth.NewManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL, b.refresh),
		Credentials: auth.NewFileCredentialCache(cfg.Auth.CredentialsFile),
		Mailer:      mailer,
		ResetURL:    cfg.Auth.ResetURL,
		ResetTTL:    cfg.Auth.ResetTTL,
		Logger:      logger,
	})
	sessions := auth.NewSessionStore(ctx, provider, logger)

	manager := gallery.NewManager(gw, gallery.Config{
		JPEGQuality: cfg.Sync.JPEGQuality,
		Workers:     cfg.Sync.Workers,
		QueueSize:   cfg.Sync.QueueSize,
		OpTimeout:   cfg.Sync.OpTimeout,
	}, logger)
	detach := manager.FollowSession(ctx, sessions)

	limiter := middleware.NewIPRateLimiter(cfg.Auth.RateLimit, cfg.Auth.RateWindow, cfg.Auth.RateLimit, 10*time.Minute)
	router := handlers.NewRouter(handlers.Dependencies{
		Sessions: sessions,
		Resets:   provider,
		Images:   manager,
		URLs:     gw,
		Reconcile: func(ctx context.Context, owner string, remove bool) (gallery.ReconcileReport, error) {
			return gallery.Reconcile(ctx, gw, owner, remove, cfg.Sync.Workers)
		},
		AuthLimiter:    limiter,
		AuthRetryAfter: cfg.Auth.RateWindow,
		MaxUploadBytes: cfg.Sync.MaxUploadBytes,
		Blobs:          b.blobHandler,
	}, logger)

	return &dependencies{
		router:   router,
		sessions: sessions,
		manager:  manager,
		gateway:  gw,
		cleanup: func(ctx context.Context) error {
			detach()
			err := manager.Shutdown(ctx)
			return errors.Join(err, b.close())
		},
	}, nil
}
