package auth

import (
	"context"
	"sync"
)

// NewInMemoryRefreshStore returns a RefreshStore backed by an in-memory map.
func NewInMemoryRefreshStore() *InMemoryRefreshStore {
	return &InMemoryRefreshStore{sessions: make(map[string]RefreshSession)}
}

// InMemoryRefreshStore implements RefreshStore for tests and the memory backend.
type InMemoryRefreshStore struct {
	mu       sync.RWMutex
	sessions map[string]RefreshSession
}

// Save persists the provided session record.
func (s *InMemoryRefreshStore) Save(_ context.Context, session RefreshSession) error {
	s.mu.Lock()
	s.sessions[session.RefreshToken] = session
	s.mu.Unlock()
	return nil
}

// Find retrieves a session by refresh token.
func (s *InMemoryRefreshStore) Find(_ context.Context, refreshToken string) (RefreshSession, error) {
	s.mu.RLock()
	session, ok := s.sessions[refreshToken]
	s.mu.RUnlock()
	if !ok {
		return RefreshSession{}, ErrRefreshNotFound
	}
	return session, nil
}

// Delete removes the session associated with the refresh token.
func (s *InMemoryRefreshStore) Delete(_ context.Context, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[refreshToken]; !ok {
		return ErrRefreshNotFound
	}
	delete(s.sessions, refreshToken)
	return nil
}

// Has reports whether a refresh token exists. Useful for tests.
func (s *InMemoryRefreshStore) Has(refreshToken string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[refreshToken]
	return ok
}
