package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/ids"
	"github.com/runflow-dev/workflow/store"
)

// Store is a store.Store backed by any database/sql driver, parameterized by
// Dialect for the handful of places SQL syntax actually diverges.
type Store struct {
	db      *sql.DB
	dialect Dialect
	engine  *store.Engine
	gen     *ids.Generator
}

// Open wraps an already-configured *sql.DB (connection pooling, driver
// registration, and DSN parsing are the caller's — store/sqlite,
// store/postgres, and store/mysql each do that in their own idiom) and
// migrates the schema if it is not already present.
func Open(db *sql.DB, dialect Dialect, clock store.Clock) (*Store, error) {
	gen := ids.NewGenerator()
	s := &Store{db: db, dialect: dialect, engine: store.NewEngine(clock, gen), gen: gen}
	for _, stmt := range dialect.schema() {
		if _, err := db.Exec(dialect.rebind(stmt)); err != nil {
			return nil, fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return s, nil
}

// Close closes the underlying *sql.DB.
func (s *Store) Close() error { return s.db.Close() }

// CreateEvent opens one SQL transaction, delegates to store.Engine within
// it, and commits (or rolls back on error) — the relational analogue of
// memstore's single-mutex critical section.
func (s *Store) CreateEvent(in store.CreateEventInput) (*store.CreateEventResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	res, err := s.engine.CreateEvent(&sqlTxn{tx: tx, dialect: s.dialect, gen: s.gen}, in)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlstore: commit: %w", err)
	}
	return res, nil
}

// sqlTxn implements store.Txn over a single *sql.Tx.
type sqlTxn struct {
	tx      *sql.Tx
	dialect Dialect
	gen     *ids.Generator
}

func (t *sqlTxn) q(query string) string { return t.dialect.rebind(query) }

func (t *sqlTxn) GetRun(runID string) (*store.Run, bool, error) {
	row := t.tx.QueryRow(t.q(`SELECT run_id, deployment_id, workflow_name, spec_version, input,
		execution_context, status, output, error, created_at, started_at, completed_at, expired_at, updated_at
		FROM runs WHERE run_id = ?`), runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return run, true, nil
}

func (t *sqlTxn) PutRun(run *store.Run) error {
	input, err := marshal(run.Input)
	if err != nil {
		return err
	}
	execCtx, err := marshal(run.ExecutionContext)
	if err != nil {
		return err
	}
	output, err := marshal(run.Output)
	if err != nil {
		return err
	}
	errDetail, err := marshal(run.Error)
	if err != nil {
		return err
	}
	upsert := t.dialect.onConflictUpdate([]string{"run_id"},
		[]string{"status", "output", "error", "started_at", "completed_at", "expired_at", "updated_at"})
	_, err = t.tx.Exec(t.q(fmt.Sprintf(`INSERT INTO runs (run_id, deployment_id, workflow_name, spec_version, input,
			execution_context, status, output, error, created_at, started_at, completed_at, expired_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		%s`, upsert)),
		run.RunID, run.DeploymentID, run.WorkflowName, run.SpecVersion, input, execCtx,
		string(run.Status), output, errDetail, formatTime(run.CreatedAt), formatTimePtr(run.StartedAt),
		formatTimePtr(run.CompletedAt), formatTimePtr(run.ExpiredAt), formatTime(run.UpdatedAt))
	return err
}

func (t *sqlTxn) GetStep(runID, stepID string) (*store.Step, bool, error) {
	row := t.tx.QueryRow(t.q(`SELECT run_id, step_id, step_name, status, input, output, error, attempt,
		started_at, completed_at, retry_after, created_at, updated_at
		FROM steps WHERE run_id = ? AND step_id = ?`), runID, stepID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return step, true, nil
}

func (t *sqlTxn) PutStep(step *store.Step) error {
	input, err := marshal(step.Input)
	if err != nil {
		return err
	}
	output, err := marshal(step.Output)
	if err != nil {
		return err
	}
	errDetail, err := marshal(step.Error)
	if err != nil {
		return err
	}
	upsert := t.dialect.onConflictUpdate([]string{"run_id", "step_id"},
		[]string{"status", "output", "error", "attempt", "started_at", "completed_at", "retry_after", "updated_at"})
	_, err = t.tx.Exec(t.q(fmt.Sprintf(`INSERT INTO steps (run_id, step_id, step_name, status, input, output, error,
			attempt, started_at, completed_at, retry_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		%s`, upsert)),
		step.RunID, step.StepID, step.StepName, string(step.Status), input, output, errDetail,
		step.Attempt, formatTimePtr(step.StartedAt), formatTimePtr(step.CompletedAt),
		formatTimePtr(step.RetryAfter), formatTime(step.CreatedAt), formatTime(step.UpdatedAt))
	return err
}

// TryUpdateStep implements the conditional `UPDATE ... WHERE status IN (...)`
// atomicity §4.1 step 5 and §5 call for: load the row, check the allowed
// set in Go (portable across dialects without a dialect-specific IN-clause
// placeholder count), then issue the UPDATE re-guarded by the same
// condition so a concurrent writer within another transaction cannot race
// between the SELECT and the UPDATE — the database's row lock on UPDATE
// (held until this transaction commits) is what makes it safe, not the Go
// check alone.
func (t *sqlTxn) TryUpdateStep(runID, stepID string, allowed []store.StepStatus, mutate func(*store.Step)) (ok bool, found bool, err error) {
	step, found, err := t.GetStep(runID, stepID)
	if err != nil || !found {
		return false, found, err
	}
	allowedSet := make(map[store.StepStatus]bool, len(allowed))
	for _, st := range allowed {
		allowedSet[st] = true
	}
	if !allowedSet[step.Status] {
		return false, true, nil
	}
	mutate(step)

	placeholders := ""
	args := []any{}
	for i, st := range allowed {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	input, err := marshal(step.Input)
	if err != nil {
		return false, true, err
	}
	output, err := marshal(step.Output)
	if err != nil {
		return false, true, err
	}
	errDetail, err := marshal(step.Error)
	if err != nil {
		return false, true, err
	}
	query := fmt.Sprintf(`UPDATE steps SET status = ?, output = ?, error = ?, attempt = ?,
		started_at = ?, completed_at = ?, retry_after = ?, updated_at = ?, input = ?
		WHERE run_id = ? AND step_id = ? AND status IN (%s)`, placeholders)
	args = append([]any{string(step.Status), output, errDetail, step.Attempt,
		formatTimePtr(step.StartedAt), formatTimePtr(step.CompletedAt), formatTimePtr(step.RetryAfter),
		formatTime(step.UpdatedAt), input, runID, stepID}, args...)

	res, err := t.tx.Exec(t.q(query), args...)
	if err != nil {
		return false, true, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, true, err
	}
	return n > 0, true, nil
}

func (t *sqlTxn) GetHookByToken(token string) (*store.Hook, bool, error) {
	row := t.tx.QueryRow(t.q(`SELECT run_id, hook_id, token, metadata, created_at FROM hooks WHERE token = ?`), token)
	hook, err := scanHook(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return hook, true, nil
}

func (t *sqlTxn) PutHook(hook *store.Hook) error {
	metadata, err := marshal(hook.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.q(`INSERT INTO hooks (run_id, hook_id, token, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`), hook.RunID, hook.HookID, hook.Token, metadata, formatTime(hook.CreatedAt))
	return err
}

func (t *sqlTxn) DeleteHook(runID, hookID string) error {
	_, err := t.tx.Exec(t.q(`DELETE FROM hooks WHERE run_id = ? AND hook_id = ?`), runID, hookID)
	return err
}

func (t *sqlTxn) ListHooksByRun(runID string) ([]*store.Hook, error) {
	rows, err := t.tx.Query(t.q(`SELECT run_id, hook_id, token, metadata, created_at FROM hooks
		WHERE run_id = ? ORDER BY hook_id`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Hook
	for rows.Next() {
		hook, err := scanHook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, hook)
	}
	return out, rows.Err()
}

func (t *sqlTxn) DeleteHooksByRun(runID string) error {
	_, err := t.tx.Exec(t.q(`DELETE FROM hooks WHERE run_id = ?`), runID)
	return err
}

func (t *sqlTxn) NextEventID() string { return t.gen.New() }

func (t *sqlTxn) AppendEvent(evt *event.Event) error {
	data, err := marshal(evt.Data)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.q(`INSERT INTO events (run_id, event_id, correlation_id, event_type, event_data,
		created_at, spec_version) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		evt.RunID, evt.EventID, evt.CorrelationID, string(evt.Type), data, formatTime(evt.CreatedAt), evt.SpecVersion)
	return err
}

// row is satisfied by both *sql.Row and *sql.Rows, letting scanRun/scanStep/
// scanHook serve both GetX (single row) and ListX (iterated rows).
type row interface {
	Scan(dest ...any) error
}

func scanRun(r row) (*store.Run, error) {
	var (
		run                                       store.Run
		input, execCtx, output, errDetail          sql.NullString
		createdAt, updatedAt                       string
		startedAt, completedAt, expiredAt          sql.NullString
		status                                     string
	)
	if err := r.Scan(&run.RunID, &run.DeploymentID, &run.WorkflowName, &run.SpecVersion, &input,
		&execCtx, &status, &output, &errDetail, &createdAt, &startedAt, &completedAt, &expiredAt, &updatedAt); err != nil {
		return nil, err
	}
	run.Status = store.RunStatus(status)
	if err := unmarshal(input, &run.Input); err != nil {
		return nil, err
	}
	if err := unmarshal(execCtx, &run.ExecutionContext); err != nil {
		return nil, err
	}
	if err := unmarshal(output, &run.Output); err != nil {
		return nil, err
	}
	var errPtr *store.ErrorDetail
	if err := unmarshal(errDetail, &errPtr); err != nil {
		return nil, err
	}
	run.Error = errPtr
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	run.StartedAt = parseTimePtr(startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	run.ExpiredAt = parseTimePtr(expiredAt)
	return &run, nil
}

func scanStep(r row) (*store.Step, error) {
	var (
		step                               store.Step
		input, output, errDetail           sql.NullString
		createdAt, updatedAt               string
		startedAt, completedAt, retryAfter sql.NullString
		status                             string
	)
	if err := r.Scan(&step.RunID, &step.StepID, &step.StepName, &status, &input, &output, &errDetail,
		&step.Attempt, &startedAt, &completedAt, &retryAfter, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	step.Status = store.StepStatus(status)
	var inputPtr *store.StepInput
	if err := unmarshal(input, &inputPtr); err != nil {
		return nil, err
	}
	step.Input = inputPtr
	if err := unmarshal(output, &step.Output); err != nil {
		return nil, err
	}
	var errPtr *store.ErrorDetail
	if err := unmarshal(errDetail, &errPtr); err != nil {
		return nil, err
	}
	step.Error = errPtr
	step.CreatedAt = parseTime(createdAt)
	step.UpdatedAt = parseTime(updatedAt)
	step.StartedAt = parseTimePtr(startedAt)
	step.CompletedAt = parseTimePtr(completedAt)
	step.RetryAfter = parseTimePtr(retryAfter)
	return &step, nil
}

func scanHook(r row) (*store.Hook, error) {
	var (
		hook      store.Hook
		metadata  sql.NullString
		createdAt string
	)
	if err := r.Scan(&hook.RunID, &hook.HookID, &hook.Token, &metadata, &createdAt); err != nil {
		return nil, err
	}
	if err := unmarshal(metadata, &hook.Metadata); err != nil {
		return nil, err
	}
	hook.CreatedAt = parseTime(createdAt)
	return &hook, nil
}

func marshal(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("sqlstore: marshal: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshal(s sql.NullString, dest any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), dest); err != nil {
		return fmt.Errorf("sqlstore: unmarshal: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
