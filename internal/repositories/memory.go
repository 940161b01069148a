package repositories

import (
	"context"
	"sync"

	"github.com/napworks/gallery/internal/auth"
	"github.com/napworks/gallery/internal/models"
)

// MemoryUserStore keeps users in process memory.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]models.User
}

// NewMemoryUserStore returns an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]models.User)}
}

// Add stores a user unless the id or email is taken.
func (r *MemoryUserStore) Add(_ context.Context, user models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, existing := range r.users {
		if id == user.ID || existing.Email == user.Email {
			return errEmailTaken
		}
	}
	r.users[user.ID] = user
	return nil
}

// FindByEmail returns the user with the given email.
func (r *MemoryUserStore) FindByEmail(_ context.Context, email string) (models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, user := range r.users {
		if user.Email == email {
			return user, nil
		}
	}
	return models.User{}, errUserNotFound
}

// Save replaces an existing user.
func (r *MemoryUserStore) Save(_ context.Context, user models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.ID]; !ok {
		return errUserNotFound
	}
	for id, existing := range r.users {
		if id != user.ID && existing.Email == user.Email {
			return errEmailTaken
		}
	}
	r.users[user.ID] = user
	return nil
}

var _ auth.UserStore = (*MemoryUserStore)(nil)
