package handlers

import (
	"context"

	"github.com/napworks/gallery/internal/auth"
	"github.com/napworks/gallery/internal/gallery"
	"github.com/napworks/gallery/internal/models"
)

// SessionService is the process session driven by the auth endpoints.
type SessionService interface {
	SignUp(ctx context.Context, email, password string) (auth.Session, error)
	SignIn(ctx context.Context, email, password string) (auth.Session, error)
	SignOut(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
	Current() auth.Session
}

// PasswordResetter completes a password reset started by ResetPassword.
type PasswordResetter interface {
	ConfirmPasswordReset(ctx context.Context, token, password string) error
}

// ImageManager captures the sync manager operations exposed over HTTP.
type ImageManager interface {
	State() gallery.CollectionState
	Watch() (<-chan gallery.CollectionState, func())
	Upload(ctx context.Context, data []byte, name string) *gallery.Op
	Delete(ctx context.Context, rec models.ImageRecord) *gallery.Op
	RetryMetadata(ctx context.Context, orphanedPath, name string) *gallery.Op
	DiscardOrphan(ctx context.Context, orphanedPath string) error
}

// URLResolver returns a fresh download URL for a stored blob.
type URLResolver interface {
	ResolveURL(ctx context.Context, path string) (string, error)
}

// ReconcileFunc scans owner's blobs for orphans, removing them when remove is set.
type ReconcileFunc func(ctx context.Context, owner string, remove bool) (gallery.ReconcileReport, error)
