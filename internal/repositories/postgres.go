package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/napworks/gallery/internal/auth"
	"github.com/napworks/gallery/internal/db"
	"github.com/napworks/gallery/internal/models"
)

// uniqueViolation is the SQLSTATE for a duplicate key; users.email is the
// only unique column besides the primary key.
const uniqueViolation = "23505"

const userColumns = "id, email, password_hash, created_at, updated_at"

// PostgresUserStore keeps accounts in the users table.
type PostgresUserStore struct {
	pool db.Pool
}

// NewPostgresUserStore returns a user store over pool.
func NewPostgresUserStore(pool db.Pool) *PostgresUserStore {
	return &PostgresUserStore{pool: pool}
}

// Add inserts a new account. A taken email or id is reported as a conflict.
func (s *PostgresUserStore) Add(ctx context.Context, user models.User) error {
	return s.exec(ctx, "add account", func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5)`,
			user.ID, user.Email, user.Password, user.CreatedAt.UTC(), user.UpdatedAt.UTC())
		return err
	})
}

// FindByEmail loads the account registered under email.
func (s *PostgresUserStore) FindByEmail(ctx context.Context, email string) (models.User, error) {
	var user models.User
	err := s.exec(ctx, "find account", func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
		return row.Scan(&user.ID, &user.Email, &user.Password, &user.CreatedAt, &user.UpdatedAt)
	})
	if err != nil {
		return models.User{}, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}

// Save overwrites the email, password hash and update time of an existing
// account.
func (s *PostgresUserStore) Save(ctx context.Context, user models.User) error {
	return s.exec(ctx, "save account", func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx,
			`UPDATE users SET email = $2, password_hash = $3, updated_at = $4 WHERE id = $1`,
			user.ID, user.Email, user.Password, user.UpdatedAt.UTC())
		if err == nil && tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return err
	})
}

// exec runs fn on a pooled connection and maps driver errors onto the
// account sentinels.
func (s *PostgresUserStore) exec(ctx context.Context, op string, fn func(*pgxpool.Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%s: acquire connection: %w", op, err)
	}
	defer conn.Release()

	err = fn(conn)
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return errUserNotFound
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return errEmailTaken
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// PostgresRefreshStore persists refresh tokens to PostgreSQL.
type PostgresRefreshStore struct {
	pool db.Pool
}

// NewPostgresRefreshStore constructs a refresh token store backed by PostgreSQL.
func NewPostgresRefreshStore(pool db.Pool) *PostgresRefreshStore {
	return &PostgresRefreshStore{pool: pool}
}

// Save stores or updates a refresh session.
func (s *PostgresRefreshStore) Save(ctx context.Context, session auth.RefreshSession) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO refresh_tokens (refresh_token, user_id, email, expires_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (refresh_token)
        DO UPDATE SET user_id = EXCLUDED.user_id, email = EXCLUDED.email, expires_at = EXCLUDED.expires_at
    `, session.RefreshToken, session.UserID, session.Email, session.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert refresh token: %w", err)
	}

	return nil
}

// Find loads a refresh session by its token.
func (s *PostgresRefreshStore) Find(ctx context.Context, refreshToken string) (auth.RefreshSession, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return auth.RefreshSession{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT refresh_token, user_id, email, expires_at
        FROM refresh_tokens
        WHERE refresh_token = $1
    `, refreshToken)

	var session auth.RefreshSession
	if err := row.Scan(&session.RefreshToken, &session.UserID, &session.Email, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.RefreshSession{}, auth.ErrRefreshNotFound
		}
		return auth.RefreshSession{}, fmt.Errorf("select refresh token: %w", err)
	}

	session.ExpiresAt = session.ExpiresAt.UTC()
	return session, nil
}

// Delete removes a refresh session.
func (s *PostgresRefreshStore) Delete(ctx context.Context, refreshToken string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        DELETE FROM refresh_tokens
        WHERE refresh_token = $1
    `, refreshToken)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return auth.ErrRefreshNotFound
	}

	return nil
}

var _ auth.UserStore = (*PostgresUserStore)(nil)
var _ auth.RefreshStore = (*PostgresRefreshStore)(nil)
