package sqlstore

import (
	"database/sql"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/workflowerr"
)

// GetRun implements store.Reader, applying mode's field-elision the same
// way memstore.Reader does so callers paying for a list view over many runs
// can skip the bulky input/output columns.
func (s *Store) GetRun(runID string, mode event.ResolveMode) (*store.Run, error) {
	row := s.db.QueryRow(s.dialect.rebind(`SELECT run_id, deployment_id, workflow_name, spec_version, input,
		execution_context, status, output, error, created_at, started_at, completed_at, expired_at, updated_at
		FROM runs WHERE run_id = ?`), runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, workflowerr.NewNotFound("run " + runID + " not found")
	}
	if err != nil {
		return nil, err
	}
	applyRunResolveMode(run, mode)
	return run, nil
}

func (s *Store) ListRuns(filter store.RunFilter) ([]*store.Run, error) {
	query := `SELECT run_id, deployment_id, workflow_name, spec_version, input,
		execution_context, status, output, error, created_at, started_at, completed_at, expired_at, updated_at
		FROM runs WHERE 1=1`
	var args []any
	if filter.WorkflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.DeploymentID != "" {
		query += " AND deployment_id = ?"
		args = append(args, filter.DeploymentID)
	}
	query += " ORDER BY created_at, run_id"

	rows, err := s.db.Query(s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) GetStep(runID, stepID string, mode event.ResolveMode) (*store.Step, error) {
	row := s.db.QueryRow(s.dialect.rebind(`SELECT run_id, step_id, step_name, status, input, output, error, attempt,
		started_at, completed_at, retry_after, created_at, updated_at
		FROM steps WHERE run_id = ? AND step_id = ?`), runID, stepID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, workflowerr.NewNotFound("step " + stepID + " not found")
	}
	if err != nil {
		return nil, err
	}
	applyStepResolveMode(step, mode)
	return step, nil
}

func (s *Store) ListSteps(runID string, mode event.ResolveMode) ([]*store.Step, error) {
	rows, err := s.db.Query(s.dialect.rebind(`SELECT run_id, step_id, step_name, status, input, output, error, attempt,
		started_at, completed_at, retry_after, created_at, updated_at
		FROM steps WHERE run_id = ? ORDER BY created_at, step_id`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		applyStepResolveMode(step, mode)
		out = append(out, step)
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(runID string, page store.Page) (store.EventPage, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT run_id, event_id, correlation_id, event_type, event_data, created_at, spec_version
		FROM events WHERE run_id = ?`
	args := []any{runID}
	if page.After != "" {
		query += " AND event_id > ?"
		args = append(args, page.After)
	}
	query += " ORDER BY event_id LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.Query(s.dialect.rebind(query), args...)
	if err != nil {
		return store.EventPage{}, err
	}
	defer rows.Close()
	var events []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return store.EventPage{}, err
		}
		if page.Mode == event.ResolveNone {
			evt.Data = nil
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return store.EventPage{}, err
	}
	var next string
	if len(events) > limit {
		next = events[limit].EventID
		events = events[:limit]
	}
	return store.EventPage{Events: events, NextCursor: next}, nil
}

func (s *Store) ListEventsByCorrelationID(runID, correlationID string) ([]*event.Event, error) {
	rows, err := s.db.Query(s.dialect.rebind(`SELECT run_id, event_id, correlation_id, event_type, event_data, created_at, spec_version
		FROM events WHERE run_id = ? AND correlation_id = ? ORDER BY event_id`), runID, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *Store) GetHook(runID, hookID string) (*store.Hook, error) {
	row := s.db.QueryRow(s.dialect.rebind(`SELECT run_id, hook_id, token, metadata, created_at
		FROM hooks WHERE run_id = ? AND hook_id = ?`), runID, hookID)
	hook, err := scanHook(row)
	if err == sql.ErrNoRows {
		return nil, workflowerr.NewNotFound("hook " + hookID + " not found")
	}
	return hook, err
}

func (s *Store) GetHookByToken(token string) (*store.Hook, error) {
	row := s.db.QueryRow(s.dialect.rebind(`SELECT run_id, hook_id, token, metadata, created_at
		FROM hooks WHERE token = ?`), token)
	hook, err := scanHook(row)
	if err == sql.ErrNoRows {
		return nil, workflowerr.NewNotFound("hook with token not found")
	}
	return hook, err
}

func (s *Store) ListHooks(runID string) ([]*store.Hook, error) {
	rows, err := s.db.Query(s.dialect.rebind(`SELECT run_id, hook_id, token, metadata, created_at
		FROM hooks WHERE run_id = ? ORDER BY hook_id`), runID)
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

func scanEvent(r row) (*event.Event, error) {
	var (
		evt           event.Event
		correlationID sql.NullString
		data          sql.NullString
		createdAt     string
		typ           string
	)
	if err := r.Scan(&evt.RunID, &evt.EventID, &correlationID, &typ, &data, &createdAt, &evt.SpecVersion); err != nil {
		return nil, err
	}
	evt.Type = event.Type(typ)
	evt.CorrelationID = correlationID.String
	if err := unmarshal(data, &evt.Data); err != nil {
		return nil, err
	}
	evt.CreatedAt = parseTime(createdAt)
	return &evt, nil
}

func applyRunResolveMode(run *store.Run, mode event.ResolveMode) {
	if mode != event.ResolveNone {
		return
	}
	run.Input = nil
	run.ExecutionContext = nil
	run.Output = nil
}

func applyStepResolveMode(step *store.Step, mode event.ResolveMode) {
	if mode != event.ResolveNone {
		return
	}
	step.Input = nil
	step.Output = nil
}

var _ store.Reader = (*Store)(nil)
