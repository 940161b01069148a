package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/napworks/gallery/internal/middleware"
)

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Sessions       SessionService
	Resets         PasswordResetter
	Images         ImageManager
	URLs           URLResolver
	Reconcile      ReconcileFunc
	AuthLimiter    RateLimiter
	// AuthRetryAfter is advertised on rate limited auth responses.
	AuthRetryAfter time.Duration
	MaxUploadBytes int64
	// Blobs serves locally stored objects under /blobs when set.
	Blobs http.Handler
	// Heartbeat is the comment interval on event streams.
	Heartbeat time.Duration
}

// NewRouter wires HTTP handlers into a chi router.
func NewRouter(deps Dependencies, logger *slog.Logger) http.Handler {
	health := HealthHandler{Images: deps.Images}
	authH := AuthHandler{Sessions: deps.Sessions, Resets: deps.Resets}
	images := ImageHandler{
		Images:         deps.Images,
		URLs:           deps.URLs,
		Reconcile:      deps.Reconcile,
		MaxUploadBytes: deps.MaxUploadBytes,
		Heartbeat:      deps.Heartbeat,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(logger))

	r.Get("/healthz", health.Handle)

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Get("/session", authH.Session)
		r.Group(func(r chi.Router) {
			r.Use(rateLimit(deps.AuthLimiter, "auth", deps.AuthRetryAfter))
			r.Post("/signup", authH.SignUp)
			r.Post("/login", authH.Login)
			r.Post("/logout", authH.Logout)
			r.Post("/password-reset", authH.RequestPasswordReset)
			r.Post("/password-reset/confirm", authH.ConfirmPasswordReset)
		})
	})

	r.Route("/api/v1/images", func(r chi.Router) {
		r.Get("/", images.List)
		r.Post("/", images.Upload)
		r.Get("/events", images.Events)
		r.Post("/orphans/retry", images.RetryOrphan)
		r.Post("/orphans/discard", images.DiscardOrphan)
		r.Post("/reconcile", images.Reconcile)
		r.Delete("/{id}", images.Delete)
		r.Get("/{id}/content", images.Content)
	})

	if deps.Blobs != nil {
		r.Mount("/blobs", http.StripPrefix("/blobs", deps.Blobs))
	}

	return r
}
