package repositories

import (
	"errors"

	"github.com/napworks/gallery/internal/auth"
)

var (
	// ErrNotFound indicates the requested account does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrConflict indicates the write would reuse an id or email.
	ErrConflict = errors.New("account conflict")

	// Both wrap the auth sentinel so LocalProvider can map them to reasons.
	errEmailTaken   = errors.Join(ErrConflict, auth.ErrEmailTaken)
	errUserNotFound = errors.Join(ErrNotFound, auth.ErrUserNotFound)
)
