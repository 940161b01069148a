//go:build integration

package docstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/jackc/pgx/v5/pgxpool"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if _, err := pool.Exec(ctx, `
        CREATE TABLE documents (
            collection TEXT NOT NULL,
            id TEXT NOT NULL,
            fields JSONB NOT NULL DEFAULT '{}'::JSONB,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (collection, id)
        )
    `); err != nil {
		fmt.Fprintf(os.Stderr, "create documents table: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool

	code := m.Run()

	pool.Close()
	server.Stop()

	os.Exit(code)
}

func TestPostgresInsertQueryDelete(t *testing.T) {
	ctx := context.Background()
	store := NewPostgres(testPool, nil)

	for _, name := range []string{"b.jpg", "a.jpg"} {
		if _, err := store.Insert(ctx, "images", map[string]any{"ownerId": "u1", "name": name}); err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
	}
	otherID, err := store.Insert(ctx, "images", map[string]any{"ownerId": "u2", "name": "c.jpg"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	docs, err := store.QueryByField(ctx, "images", "ownerId", "u1", "name")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 2 || docs[0].String("name") != "a.jpg" || docs[1].String("name") != "b.jpg" {
		t.Fatalf("unexpected documents: %+v", docs)
	}
	if docs[0].CreateTime.IsZero() {
		t.Fatal("expected server-assigned creation time")
	}

	if err := store.DeleteByID(ctx, "images", otherID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteByID(ctx, "images", otherID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}

	docs, err = store.QueryByField(ctx, "images", "ownerId", "u2", "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no documents for u2, got %d", len(docs))
	}
}
