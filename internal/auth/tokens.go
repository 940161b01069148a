package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/napworks/gallery/internal/models"
)

const (
	purposeAccess = "access"
	purposeReset  = "reset"
)

// RefreshStore persists issued refresh tokens so they can survive process restarts.
type RefreshStore interface {
	Save(ctx context.Context, session RefreshSession) error
	Find(ctx context.Context, refreshToken string) (RefreshSession, error)
	Delete(ctx context.Context, refreshToken string) error
}

// RefreshSession represents a refresh token issued to a user.
type RefreshSession struct {
	RefreshToken string
	UserID       string
	Email        string
	ExpiresAt    time.Time
}

// Claims is the payload of access and password-reset tokens.
type Claims struct {
	UserID   string `json:"uid"`
	Email    string `json:"email"`
	Purpose  string `json:"purpose"`
	Password string `json:"pwd,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues signed access tokens and rotating refresh tokens backed by a
// persistent store.
type Manager struct {
	accessTTL  time.Duration
	refreshTTL time.Duration
	secret     []byte

	store RefreshStore
	now   func() time.Time
}

// NewManager constructs a Manager. An empty secret is replaced with a random
// one, which invalidates access tokens across restarts but leaves refresh
// tokens usable.
func NewManager(secret []byte, accessTTL, refreshTTL time.Duration, store RefreshStore) *Manager {
	if store == nil {
		panic("auth: refresh store must not be nil")
	}
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("auth: generate signing secret: %v", err))
		}
	}
	return &Manager{
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		secret:     secret,
		store:      store,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a new pair of access and refresh tokens for the provided user.
func (m *Manager) Issue(ctx context.Context, userID, email string) (models.SessionTokens, error) {
	if userID == "" {
		return models.SessionTokens{}, errors.New("user id must be provided")
	}

	now := m.now()
	accessExpires := now.Add(m.accessTTL)
	accessToken, err := m.sign(Claims{
		UserID:  userID,
		Email:   email,
		Purpose: purposeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExpires),
		},
	})
	if err != nil {
		return models.SessionTokens{}, err
	}

	refreshToken, err := randomToken()
	if err != nil {
		return models.SessionTokens{}, err
	}

	tokens := models.SessionTokens{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpires,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: now.Add(m.refreshTTL),
	}

	if err := m.store.Save(ctx, RefreshSession{
		RefreshToken: refreshToken,
		UserID:       userID,
		Email:        email,
		ExpiresAt:    tokens.RefreshExpiresAt,
	}); err != nil {
		return models.SessionTokens{}, err
	}

	return tokens, nil
}

// Refresh exchanges a refresh token for a new session token pair.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (models.SessionTokens, error) {
	if refreshToken == "" {
		return models.SessionTokens{}, ErrRefreshNotFound
	}

	session, err := m.store.Find(ctx, refreshToken)
	if err != nil {
		return models.SessionTokens{}, err
	}

	if m.now().After(session.ExpiresAt) {
		_ = m.store.Delete(ctx, refreshToken)
		return models.SessionTokens{}, ErrRefreshTokenExpired
	}

	if err := m.store.Delete(ctx, refreshToken); err != nil {
		return models.SessionTokens{}, err
	}

	return m.Issue(ctx, session.UserID, session.Email)
}

// Revoke removes the provided refresh token from the active session store.
func (m *Manager) Revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if err := m.store.Delete(ctx, refreshToken); err != nil && !errors.Is(err, ErrRefreshNotFound) {
		return err
	}
	return nil
}

// ParseAccess validates an access token and returns the identity it carries.
func (m *Manager) ParseAccess(token string) (Identity, error) {
	claims, err := m.parse(token, purposeAccess)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

// IssueReset signs a password-reset token bound to the user's current
// password hash, so it stops validating once the password changes.
func (m *Manager) IssueReset(user models.User, ttl time.Duration) (string, error) {
	now := m.now()
	return m.sign(Claims{
		UserID:   user.ID,
		Email:    user.Email,
		Purpose:  purposeReset,
		Password: passwordFingerprint(user.Password),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

// ParseReset validates a password-reset token.
func (m *Manager) ParseReset(token string) (Claims, error) {
	return m.parse(token, purposeReset)
}

func (m *Manager) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (m *Manager) parse(token, purpose string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Purpose != purpose || claims.UserID == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func randomToken() (string, error) {
	const size = 32
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func passwordFingerprint(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:8])
}
