package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/napworks/gallery/internal/db"
)

// ChangeChannel is the NOTIFY channel written by the documents trigger. The
// payload is the collection name.
const ChangeChannel = "document_changes"

// Postgres stores documents as JSONB rows in the documents table.
// Subscriptions LISTEN on ChangeChannel and re-run their query on every
// notification for their collection.
type Postgres struct {
	pool   db.Pool
	logger *slog.Logger
}

// NewPostgres constructs a Postgres document store.
func NewPostgres(pool db.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Insert stores fields under a new id. created_at is assigned by the server.
func (p *Postgres) Insert(ctx context.Context, collection string, fields map[string]any) (string, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if fields == nil {
		fields = map[string]any{}
	}

	id := uuid.NewString()
	_, err = conn.Exec(ctx, `
        INSERT INTO documents (collection, id, fields)
        VALUES ($1, $2, $3)
    `, collection, id, fields)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", fmt.Errorf("insert document %s/%s: duplicate id", collection, id)
		}
		return "", fmt.Errorf("insert document: %w", err)
	}
	return id, nil
}

// QueryByField returns documents whose field equals value compared as text.
func (p *Postgres) QueryByField(ctx context.Context, collection, field string, value any, orderBy string) ([]Document, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	return queryDocuments(ctx, conn, collection, field, value, orderBy)
}

// DeleteByID removes a document.
func (p *Postgres) DeleteByID(ctx context.Context, collection, id string) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        DELETE FROM documents
        WHERE collection = $1 AND id = $2
    `, collection, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Subscribe holds a dedicated connection for the lifetime of the
// subscription. It starts listening before the initial query so no change
// between the two is missed.
func (p *Postgres) Subscribe(ctx context.Context, collection, field string, value any) (Subscription, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	f := newFeed(cancel)

	go func() {
		defer func() {
			unlistenCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if _, err := conn.Exec(unlistenCtx, "UNLISTEN *"); err != nil {
				// The connection may hold a pending notification state; drop it.
				_ = conn.Conn().Close(unlistenCtx)
			}
			conn.Release()
			if listenCtx.Err() != nil {
				f.Cancel()
			}
		}()

		push := func() bool {
			docs, err := queryDocuments(listenCtx, conn, collection, field, value, "")
			if err != nil {
				if listenCtx.Err() == nil {
					f.publish(Snapshot{Err: err})
				}
				return false
			}
			return f.publish(Snapshot{Documents: docs})
		}

		if !push() {
			return
		}
		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					p.logger.Warn("document subscription ended", "collection", collection, "error", err)
					f.publish(Snapshot{Err: fmt.Errorf("wait for notification: %w", err)})
				}
				return
			}
			if n.Channel != ChangeChannel || n.Payload != collection {
				continue
			}
			if !push() {
				return
			}
		}
	}()

	return f, nil
}

func queryDocuments(ctx context.Context, q querier, collection, field string, value any, orderBy string) ([]Document, error) {
	sql := `
        SELECT id, fields, created_at
        FROM documents
        WHERE collection = $1 AND fields->>$2 = $3
        ORDER BY created_at, id
    `
	args := []any{collection, field, fmt.Sprint(value)}
	if orderBy != "" {
		sql = `
        SELECT id, fields, created_at
        FROM documents
        WHERE collection = $1 AND fields->>$2 = $3
        ORDER BY fields->>$4, id
    `
		args = append(args, orderBy)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Fields, &doc.CreateTime); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.CreateTime = doc.CreateTime.UTC()
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

var _ Store = (*Postgres)(nil)
