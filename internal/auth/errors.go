package auth

import (
	"errors"
	"fmt"
)

// Reasons reported by AuthError.
const (
	ReasonBusy               = "busy"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonInvalidEmail       = "invalid_email"
	ReasonWeakPassword       = "weak_password"
	ReasonEmailInUse         = "email_in_use"
	ReasonUserNotFound       = "user_not_found"
	ReasonInvalidToken       = "invalid_token"
	ReasonUnavailable        = "unavailable"
	ReasonCredentialStore    = "credential_store"
)

var (
	// ErrRefreshNotFound indicates the provided refresh token does not map to an active session.
	ErrRefreshNotFound = errors.New("refresh token not found")
	// ErrRefreshTokenExpired indicates the refresh token has expired and cannot be used.
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	// ErrInvalidToken indicates a signed token failed validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoCredentials indicates no credential has been cached locally.
	ErrNoCredentials = errors.New("no cached credentials")
)

// AuthError is returned by every failed authentication operation.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth: " + e.Reason
	}
	return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func authErr(reason string, err error) *AuthError {
	return &AuthError{Reason: reason, Err: err}
}

// asAuthError returns err as an *AuthError, wrapping foreign errors as
// ReasonUnavailable.
func asAuthError(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return authErr(ReasonUnavailable, err)
}
