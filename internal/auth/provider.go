package auth

import "context"

// Identity is the authenticated user as reported by a Provider.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// Provider is the authentication backend a SessionStore delegates to.
type Provider interface {
	CreateUser(ctx context.Context, email, password string) (Identity, error)
	SignIn(ctx context.Context, email, password string) (Identity, error)
	SignOut(ctx context.Context) error
	SendPasswordReset(ctx context.Context, email string) error
	// CurrentIdentity reports the identity of a previously persisted
	// credential, if one is still valid.
	CurrentIdentity(ctx context.Context) (Identity, bool)
}
