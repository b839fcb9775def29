package storage

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/hazyhaar/vqm/dbopen"
)

// Store is the engine's single persistence handle. All methods are safe for
// concurrent use; SQLite's own locking plus dbopen's busy-retry wrapper
// (dbopen.RunTx / dbopen.Exec) serialize writers instead of hand-rolled
// in-process locking, matching vtq and horos47/core/jobs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures the schema
// exists.
func Open(ctx context.Context, path string, opts ...dbopen.Option) (*Store, error) {
	opts = append(opts, dbopen.WithSchema(schemaSQL))
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory Store with the schema applied, for use in
// other packages' tests.
func OpenMemory(t testing.TB, opts ...dbopen.Option) *Store {
	opts = append(opts, dbopen.WithSchema(schemaSQL))
	return &Store{db: dbopen.OpenMemory(t, opts...)}
}

// DB exposes the underlying *sql.DB for callers that need raw access (e.g.
// admin diagnostics).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
