package mysql_test

import (
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/ids"
	"github.com/runflow-dev/workflow/store/sqlstore"
)

func newMockStore(t *testing.T) (*sqlstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS steps`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS hooks`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_hooks_token`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_events_correlation`).WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := sqlstore.Open(db, sqlstore.MySQL, ids.SystemClock{})
	require.NoError(t, err)
	return s, mock
}

func TestOpenMigratesSchema(t *testing.T) {
	_, mock := newMockStore(t)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStepNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT run_id, step_id, step_name`).
		WithArgs("run-1", "step-1").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetStep("run-1", "step-1", event.ResolveAll)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
