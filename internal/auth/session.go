package auth

import (
	"context"
	"log/slog"
	"sync"
)

// Session is the process-wide authentication state.
type Session struct {
	UserID          string `json:"userId,omitempty"`
	Email           string `json:"email,omitempty"`
	IsAuthenticated bool   `json:"isAuthenticated"`
	IsBusy          bool   `json:"isBusy"`
	LastError       string `json:"lastError,omitempty"`
}

// SessionStore holds the single authenticated identity of the process and
// serializes authentication operations against a Provider. A call made while
// another is in flight fails with ReasonBusy instead of interleaving.
type SessionStore struct {
	provider Provider
	logger   *slog.Logger

	// deliver is held from a state change until its observers return, so
	// observers see changes in commit order. It is taken before mu.
	deliver sync.Mutex

	mu        sync.Mutex
	state     Session
	observers map[int]func(Session)
	nextID    int
}

// NewSessionStore builds the store and probes the provider for a persisted
// credential so a previous sign-in survives restarts.
func NewSessionStore(ctx context.Context, provider Provider, logger *slog.Logger) *SessionStore {
	if provider == nil {
		panic("auth: provider must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &SessionStore{
		provider:  provider,
		logger:    logger,
		observers: make(map[int]func(Session)),
	}
	if id, ok := provider.CurrentIdentity(ctx); ok {
		s.state = Session{UserID: id.UserID, Email: id.Email, IsAuthenticated: true}
		logger.InfoContext(ctx, "restored persisted session", "userId", id.UserID)
	}
	return s
}

// SignUp creates an account and signs it in.
func (s *SessionStore) SignUp(ctx context.Context, email, password string) (Session, error) {
	return s.authenticate(ctx, "sign-up", func() (Identity, error) {
		return s.provider.CreateUser(ctx, email, password)
	})
}

// SignIn authenticates with an email and password.
func (s *SessionStore) SignIn(ctx context.Context, email, password string) (Session, error) {
	return s.authenticate(ctx, "sign-in", func() (Identity, error) {
		return s.provider.SignIn(ctx, email, password)
	})
}

// SignOut clears the identity. Observers are notified so dependent state,
// such as an image subscription, is torn down.
func (s *SessionStore) SignOut(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}

	if err := s.provider.SignOut(ctx); err != nil {
		ae := asAuthError(err)
		s.logger.WarnContext(ctx, "sign-out failed", "error", ae)
		s.finish(func(st *Session) { st.LastError = ae.Error() })
		return ae
	}

	s.logger.InfoContext(ctx, "signed out")
	s.finish(func(st *Session) { *st = Session{} })
	return nil
}

// ResetPassword requests a password reset mail. Authentication state is not
// changed.
func (s *SessionStore) ResetPassword(ctx context.Context, email string) error {
	if err := s.begin(); err != nil {
		return err
	}

	if err := s.provider.SendPasswordReset(ctx, email); err != nil {
		ae := asAuthError(err)
		s.finish(func(st *Session) { st.LastError = ae.Error() })
		return ae
	}

	s.finish(func(st *Session) { st.LastError = "" })
	return nil
}

// Current returns a copy of the session state.
func (s *SessionStore) Current() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn to be called with the new state after every change.
// Calls happen outside the state lock and in commit order; the next change
// waits until every observer has returned. fn may call Current but must not
// start another store operation. The returned function removes the observer.
func (s *SessionStore) Subscribe(fn func(Session)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *SessionStore) authenticate(ctx context.Context, op string, call func() (Identity, error)) (Session, error) {
	if err := s.begin(); err != nil {
		return s.Current(), err
	}

	id, err := call()
	if err != nil {
		ae := asAuthError(err)
		s.logger.WarnContext(ctx, op+" failed", "reason", ae.Reason, "error", ae.Err)
		return s.finish(func(st *Session) { st.LastError = ae.Error() }), ae
	}

	s.logger.InfoContext(ctx, op+" succeeded", "userId", id.UserID)
	return s.finish(func(st *Session) {
		*st = Session{UserID: id.UserID, Email: id.Email, IsAuthenticated: true}
	}), nil
}

func (s *SessionStore) begin() error {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.state.IsBusy {
		s.mu.Unlock()
		return authErr(ReasonBusy, nil)
	}
	s.state.IsBusy = true
	snapshot, observers := s.state, s.observerList()
	s.mu.Unlock()

	notify(observers, snapshot)
	return nil
}

func (s *SessionStore) finish(mutate func(*Session)) Session {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	mutate(&s.state)
	s.state.IsBusy = false
	snapshot, observers := s.state, s.observerList()
	s.mu.Unlock()

	notify(observers, snapshot)
	return snapshot
}

func (s *SessionStore) observerList() []func(Session) {
	list := make([]func(Session), 0, len(s.observers))
	for _, fn := range s.observers {
		list = append(list, fn)
	}
	return list
}

func notify(observers []func(Session), st Session) {
	for _, fn := range observers {
		fn(st)
	}
}
