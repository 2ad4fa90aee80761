// Package sqlite is the file-backed store.Store implementation selected by
// WORKFLOW_TARGET_WORLD=sqlite and WORKFLOW_LOCAL_DATA_DIR: the zero-setup
// local backend, grounded on the teacher's SQLiteStore (graph/store/sqlite.go)
// — same modernc.org/sqlite driver, WAL mode, single writer connection, and
// busy_timeout, adapted to the workflow engine's schema via store/sqlstore.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/store/sqlstore"
)

// Store is a SQLite-backed store.Store.
type Store struct {
	*sqlstore.Store
	db *sql.DB
}

// Open creates (if needed) and migrates a SQLite database at path, matching
// the teacher's NewSQLiteStore semantics: WAL journal mode for concurrent
// readers, a single writer connection (SQLite's native limit), foreign keys
// on, and a 5s busy timeout so readers/writers don't immediately fail under
// contention.
func Open(path string, clock store.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	s, err := sqlstore.Open(db, sqlstore.SQLite, clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: s, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

var _ store.Store = (*Store)(nil)
