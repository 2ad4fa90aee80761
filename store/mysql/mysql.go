// Package mysql is the store.Store implementation selected by
// WORKFLOW_TARGET_WORLD=mysql, connecting with WORKFLOW_MYSQL_DSN. It opens go-sql-driver/mysql and delegates schema/queries to
// store/sqlstore, the same pattern as store/postgres and store/sqlite.
package mysql

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/store/sqlstore"
)

// Store is a MySQL-backed store.Store.
type Store struct {
	*sqlstore.Store
	db *sql.DB
}

// Open connects to the MySQL instance described by dsn (go-sql-driver/mysql
// DSN format, e.g. "user:pass@tcp(host:3306)/dbname?parseTime=true") and
// migrates the schema.
func Open(dsn string, clock store.Clock) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}

	s, err := sqlstore.Open(db, sqlstore.MySQL, clock)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: s, db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

var _ store.Store = (*Store)(nil)
