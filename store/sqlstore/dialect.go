// Package sqlstore is the shared database/sql implementation of store.Store:
// one set of schema/queries, parameterized by Dialect, driving the three
// relational backends (store/sqlite, store/postgres, store/mysql) so the
// §4.1 validation/derivation invariants are never reimplemented per engine —
// only store.Engine's Txn plumbing differs, and that difference is just
// placeholder syntax and upsert-on-conflict spelling.
package sqlstore

import (
	"fmt"
	"strings"
)

// Dialect distinguishes the three supported relational engines where their
// SQL syntax actually diverges: bind-parameter style and conditional-insert
// spelling. Schema and query shape are otherwise identical.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
	MySQL
)

// rebind rewrites a query written with "?" placeholders into the dialect's
// native placeholder style. SQLite and MySQL both accept "?" natively;
// Postgres requires "$1", "$2", ...
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// onConflictUpdate returns the upsert tail for an INSERT targeting
// conflictCols, setting setCols to the incoming row's values on conflict.
// MySQL has no ON CONFLICT clause at all (VALUES()-style ON DUPLICATE KEY
// UPDATE instead, and it infers the conflicting key from the table's own
// unique constraints rather than naming it), so it is the one dialect that
// needs genuinely different SQL text here rather than just different
// placeholders.
func (d Dialect) onConflictUpdate(conflictCols, setCols []string) string {
	if d == MySQL {
		parts := make([]string, len(setCols))
		for i, c := range setCols {
			parts[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		return "ON DUPLICATE KEY UPDATE " + strings.Join(parts, ", ")
	}
	parts := make([]string, len(setCols))
	for i, c := range setCols {
		parts[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflictCols, ", "), strings.Join(parts, ", "))
}

// schema returns the DDL statements to run once per database, in order.
// Column types are the lowest common denominator across all three engines
// (TEXT for JSON-encoded blobs and RFC3339Nano timestamps, INTEGER for
// counters) so the same strings run unmodified everywhere.
func (d Dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			deployment_id TEXT,
			workflow_name TEXT NOT NULL,
			spec_version INTEGER NOT NULL,
			input TEXT,
			execution_context TEXT,
			status TEXT NOT NULL,
			output TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			expired_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			retry_after TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS hooks (
			run_id TEXT NOT NULL,
			hook_id TEXT NOT NULL,
			token TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, hook_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_hooks_token ON hooks(token)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			correlation_id TEXT,
			event_type TEXT NOT NULL,
			event_data TEXT,
			created_at TEXT NOT NULL,
			spec_version INTEGER NOT NULL,
			PRIMARY KEY (run_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(run_id, correlation_id)`,
	}
}
