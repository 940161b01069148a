package repositories

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/napworks/gallery/internal/auth"
	"github.com/napworks/gallery/internal/models"
)

// Firestore collection names.
const (
	UsersCollection         = "Users"
	RefreshTokensCollection = "RefreshTokens"
)

type firestoreUser struct {
	Email        string    `firestore:"email"`
	PasswordHash string    `firestore:"passwordHash"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

type firestoreRefresh struct {
	UserID    string    `firestore:"userId"`
	Email     string    `firestore:"email"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// FirestoreUserStore stores users in the Users collection keyed by id.
type FirestoreUserStore struct {
	client *firestore.Client
}

// NewFirestoreUserStore wraps a Firestore client.
func NewFirestoreUserStore(client *firestore.Client) *FirestoreUserStore {
	return &FirestoreUserStore{client: client}
}

// Add stores the user if no other user has the same email.
func (r *FirestoreUserStore) Add(ctx context.Context, user models.User) error {
	users := r.client.Collection(UsersCollection)
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := tx.Documents(users.Where("email", "==", user.Email).Limit(1)).GetAll()
		if err != nil {
			return fmt.Errorf("while checking email %q: %w", user.Email, err)
		}
		if len(existing) > 0 {
			return errEmailTaken
		}
		return tx.Create(users.Doc(user.ID), firestoreUser{
			Email:        user.Email,
			PasswordHash: user.Password,
			CreatedAt:    user.CreatedAt,
			UpdatedAt:    user.UpdatedAt,
		})
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return errEmailTaken
		}
		return err
	}
	return nil
}

// FindByEmail returns the first user with the given email.
func (r *FirestoreUserStore) FindByEmail(ctx context.Context, email string) (models.User, error) {
	var userSnapshot *firestore.DocumentSnapshot
	userIter := r.client.Collection(UsersCollection).Where("email", "==", email).Documents(ctx)
	defer userIter.Stop()
	for {
		var err error
		userSnapshot, err = userIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return models.User{}, fmt.Errorf("while looking up user with email %q: %w", email, err)
		}

		// Emails are unique; the first match is the user.
		break
	}

	if userSnapshot == nil {
		return models.User{}, errUserNotFound
	}

	stored := &firestoreUser{}
	if err := userSnapshot.DataTo(stored); err != nil {
		return models.User{}, fmt.Errorf("while unmarshaling user %q: %w", email, err)
	}

	return models.User{
		ID:        userSnapshot.Ref.ID,
		Email:     stored.Email,
		Password:  stored.PasswordHash,
		CreatedAt: stored.CreatedAt.UTC(),
		UpdatedAt: stored.UpdatedAt.UTC(),
	}, nil
}

// Save overwrites the mutable fields of an existing user.
func (r *FirestoreUserStore) Save(ctx context.Context, user models.User) error {
	_, err := r.client.Collection(UsersCollection).Doc(user.ID).Update(ctx, []firestore.Update{
		{Path: "email", Value: user.Email},
		{Path: "passwordHash", Value: user.Password},
		{Path: "updatedAt", Value: user.UpdatedAt},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return errUserNotFound
		}
		return fmt.Errorf("while updating user %q: %w", user.ID, err)
	}
	return nil
}

// FirestoreRefreshStore keeps refresh sessions in the RefreshTokens
// collection keyed by token.
type FirestoreRefreshStore struct {
	client *firestore.Client
}

// NewFirestoreRefreshStore wraps a Firestore client.
func NewFirestoreRefreshStore(client *firestore.Client) *FirestoreRefreshStore {
	return &FirestoreRefreshStore{client: client}
}

// Save stores or replaces a refresh session.
func (s *FirestoreRefreshStore) Save(ctx context.Context, session auth.RefreshSession) error {
	_, err := s.client.Collection(RefreshTokensCollection).Doc(session.RefreshToken).Set(ctx, firestoreRefresh{
		UserID:    session.UserID,
		Email:     session.Email,
		ExpiresAt: session.ExpiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("while storing refresh token: %w", err)
	}
	return nil
}

// Find loads a refresh session.
func (s *FirestoreRefreshStore) Find(ctx context.Context, refreshToken string) (auth.RefreshSession, error) {
	if refreshToken == "" {
		return auth.RefreshSession{}, auth.ErrRefreshNotFound
	}
	snap, err := s.client.Collection(RefreshTokensCollection).Doc(refreshToken).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return auth.RefreshSession{}, auth.ErrRefreshNotFound
		}
		return auth.RefreshSession{}, fmt.Errorf("while reading refresh token: %w", err)
	}

	stored := &firestoreRefresh{}
	if err := snap.DataTo(stored); err != nil {
		return auth.RefreshSession{}, fmt.Errorf("while unmarshaling refresh token: %w", err)
	}
	return auth.RefreshSession{
		RefreshToken: refreshToken,
		UserID:       stored.UserID,
		Email:        stored.Email,
		ExpiresAt:    stored.ExpiresAt.UTC(),
	}, nil
}

// Delete removes a refresh session that must exist.
func (s *FirestoreRefreshStore) Delete(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return auth.ErrRefreshNotFound
	}
	_, err := s.client.Collection(RefreshTokensCollection).Doc(refreshToken).Delete(ctx, firestore.Exists)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return auth.ErrRefreshNotFound
		}
		return fmt.Errorf("while deleting refresh token: %w", err)
	}
	return nil
}

var _ auth.UserStore = (*FirestoreUserStore)(nil)
var _ auth.RefreshStore = (*FirestoreRefreshStore)(nil)
