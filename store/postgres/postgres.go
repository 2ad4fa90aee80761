// Package postgres is the store.Store implementation selected by
// WORKFLOW_TARGET_WORLD=postgres and WORKFLOW_POSTGRES_URL: the
// production multi-writer backend. It opens pgx's database/sql-compatible
// stdlib adapter and delegates schema/queries to store/sqlstore, mirroring
// the teacher's SQLiteStore construction (graph/store/sqlite.go) but with
// connection pooling left to pgx instead of pinned to a single connection.
package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/store/sqlstore"
)

// Store is a Postgres-backed store.Store.
type Store struct {
	*sqlstore.Store
	db *sql.DB
}

// Open connects to the Postgres instance at dsn and migrates the schema.
// Unlike store/sqlite, Postgres is a real multi-writer server, so the pool
// is left at database/sql's defaults rather than pinned to one connection.
func Open(dsn string, clock store.Clock) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s, err := sqlstore.Open(db, sqlstore.Postgres, clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: s, db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

var _ store.Store = (*Store)(nil)
