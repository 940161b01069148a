package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/napworks/gallery/internal/models"
)

// MinPasswordLength is the shortest password accepted at sign-up or reset.
const MinPasswordLength = 8

var (
	// ErrUserNotFound is returned by a UserStore when no user matches.
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailTaken is returned by a UserStore when the email is already registered.
	ErrEmailTaken = errors.New("email already registered")
)

// UserStore captures the persistence operations required by LocalProvider.
type UserStore interface {
	Add(ctx context.Context, user models.User) error
	FindByEmail(ctx context.Context, email string) (models.User, error)
	Save(ctx context.Context, user models.User) error
}

// LocalProviderConfig holds the collaborators of a LocalProvider.
type LocalProviderConfig struct {
	Users       UserStore
	Tokens      *Manager
	Credentials CredentialCache
	Mailer      Mailer
	ResetURL    string
	ResetTTL    time.Duration
	Logger      *slog.Logger
}

// LocalProvider authenticates against a user store with bcrypt password
// hashes and keeps the signed-in user's tokens in a CredentialCache.
type LocalProvider struct {
	users    UserStore
	tokens   *Manager
	creds    CredentialCache
	mailer   Mailer
	resetURL string
	resetTTL time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	current *Identity
	refresh string
}

// NewLocalProvider constructs a LocalProvider.
func NewLocalProvider(cfg LocalProviderConfig) *LocalProvider {
	if cfg.Users == nil || cfg.Tokens == nil || cfg.Credentials == nil {
		panic("auth: local provider requires users, tokens and credentials")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mailer == nil {
		cfg.Mailer = LogMailer{Logger: cfg.Logger}
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = time.Hour
	}
	return &LocalProvider{
		users:    cfg.Users,
		tokens:   cfg.Tokens,
		creds:    cfg.Credentials,
		mailer:   cfg.Mailer,
		resetURL: cfg.ResetURL,
		resetTTL: cfg.ResetTTL,
		logger:   cfg.Logger,
	}
}

// CreateUser registers a new account and signs it in.
func (p *LocalProvider) CreateUser(ctx context.Context, email, password string) (Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Identity{}, err
	}
	if len(password) < MinPasswordLength {
		return Identity{}, authErr(ReasonWeakPassword, fmt.Errorf("password must be at least %d characters", MinPasswordLength))
	}

	if _, err := p.users.FindByEmail(ctx, email); err == nil {
		return Identity{}, authErr(ReasonEmailInUse, ErrEmailTaken)
	} else if !errors.Is(err, ErrUserNotFound) {
		return Identity{}, authErr(ReasonUnavailable, fmt.Errorf("look up existing account: %w", err))
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, authErr(ReasonUnavailable, fmt.Errorf("hash password: %w", err))
	}

	now := time.Now().UTC()
	user := models.User{
		ID:        uuid.NewString(),
		Email:     email,
		Password:  string(hashed),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.users.Add(ctx, user); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return Identity{}, authErr(ReasonEmailInUse, err)
		}
		return Identity{}, authErr(ReasonUnavailable, fmt.Errorf("create account: %w", err))
	}

	p.logger.InfoContext(ctx, "account created", "userId", user.ID)
	return p.establish(ctx, user)
}

// SignIn verifies the password and starts a session.
func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Identity{}, err
	}
	if password == "" {
		return Identity{}, authErr(ReasonInvalidCredentials, errors.New("password is required"))
	}

	user, err := p.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Identity{}, authErr(ReasonInvalidCredentials, nil)
		}
		return Identity{}, authErr(ReasonUnavailable, fmt.Errorf("look up account: %w", err))
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		p.logger.WarnContext(ctx, "sign-in password mismatch", "userId", user.ID)
		return Identity{}, authErr(ReasonInvalidCredentials, nil)
	}

	return p.establish(ctx, user)
}

// SignOut revokes the refresh token and clears the credential cache. Only a
// failure to clear the cache is reported.
func (p *LocalProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	refresh := p.refresh
	p.mu.Unlock()

	if refresh == "" {
		if tokens, err := p.creds.Load(); err == nil {
			refresh = tokens.RefreshToken
		}
	}
	if err := p.tokens.Revoke(ctx, refresh); err != nil {
		p.logger.WarnContext(ctx, "revoke refresh token", "error", err)
	}

	if err := p.creds.Clear(); err != nil {
		return authErr(ReasonCredentialStore, err)
	}

	p.mu.Lock()
	p.current = nil
	p.refresh = ""
	p.mu.Unlock()
	return nil
}

// SendPasswordReset mails a reset link to a registered address.
func (p *LocalProvider) SendPasswordReset(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	user, err := p.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return authErr(ReasonUserNotFound, err)
		}
		return authErr(ReasonUnavailable, fmt.Errorf("look up account: %w", err))
	}

	token, err := p.tokens.IssueReset(user, p.resetTTL)
	if err != nil {
		return authErr(ReasonUnavailable, err)
	}

	if err := p.mailer.SendPasswordReset(ctx, user.Email, ResetLink(p.resetURL, token)); err != nil {
		return authErr(ReasonUnavailable, err)
	}
	return nil
}

// ConfirmPasswordReset sets a new password using a token from
// SendPasswordReset. A token stops working once the password has changed.
func (p *LocalProvider) ConfirmPasswordReset(ctx context.Context, token, password string) error {
	if len(password) < MinPasswordLength {
		return authErr(ReasonWeakPassword, fmt.Errorf("password must be at least %d characters", MinPasswordLength))
	}

	claims, err := p.tokens.ParseReset(token)
	if err != nil {
		return authErr(ReasonInvalidToken, err)
	}

	user, err := p.users.FindByEmail(ctx, claims.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return authErr(ReasonInvalidToken, err)
		}
		return authErr(ReasonUnavailable, err)
	}
	if user.ID != claims.UserID || passwordFingerprint(user.Password) != claims.Password {
		return authErr(ReasonInvalidToken, ErrInvalidToken)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return authErr(ReasonUnavailable, fmt.Errorf("hash password: %w", err))
	}
	user.Password = string(hashed)
	user.UpdatedAt = time.Now().UTC()
	if err := p.users.Save(ctx, user); err != nil {
		return authErr(ReasonUnavailable, fmt.Errorf("update password: %w", err))
	}

	p.logger.InfoContext(ctx, "password reset completed", "userId", user.ID)
	return nil
}

// CurrentIdentity returns the signed-in identity. On first use it probes the
// credential cache, refreshing an expired access token when possible.
func (p *LocalProvider) CurrentIdentity(ctx context.Context) (Identity, bool) {
	p.mu.Lock()
	if p.current != nil {
		id := *p.current
		p.mu.Unlock()
		return id, true
	}
	p.mu.Unlock()

	tokens, err := p.creds.Load()
	if err != nil {
		if !errors.Is(err, ErrNoCredentials) {
			p.logger.WarnContext(ctx, "load cached credentials", "error", err)
		}
		return Identity{}, false
	}

	if id, err := p.tokens.ParseAccess(tokens.AccessToken); err == nil {
		p.remember(id, tokens.RefreshToken)
		return id, true
	}

	refreshed, err := p.tokens.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		p.logger.InfoContext(ctx, "cached session could not be refreshed", "error", err)
		_ = p.creds.Clear()
		return Identity{}, false
	}
	id, err := p.tokens.ParseAccess(refreshed.AccessToken)
	if err != nil {
		return Identity{}, false
	}
	if err := p.creds.Save(refreshed); err != nil {
		p.logger.WarnContext(ctx, "persist refreshed credentials", "error", err)
	}
	p.remember(id, refreshed.RefreshToken)
	return id, true
}

func (p *LocalProvider) establish(ctx context.Context, user models.User) (Identity, error) {
	tokens, err := p.tokens.Issue(ctx, user.ID, user.Email)
	if err != nil {
		return Identity{}, authErr(ReasonUnavailable, fmt.Errorf("issue session: %w", err))
	}
	if err := p.creds.Save(tokens); err != nil {
		return Identity{}, authErr(ReasonCredentialStore, err)
	}

	id := Identity{UserID: user.ID, Email: user.Email}
	p.remember(id, tokens.RefreshToken)
	return id, nil
}

func (p *LocalProvider) remember(id Identity, refresh string) {
	p.mu.Lock()
	p.current = &id
	p.refresh = refresh
	p.mu.Unlock()
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return "", authErr(ReasonInvalidEmail, errors.New("email is required"))
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", authErr(ReasonInvalidEmail, err)
	}
	return email, nil
}
