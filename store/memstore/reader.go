package memstore

import (
	"sort"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/workflowerr"
)

// GetRun implements store.Reader.
func (m *MemStore) GetRun(runID string, mode event.ResolveMode) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, workflowerr.NewNotFound("run " + runID + " not found")
	}
	cp := *r
	applyRunResolveMode(&cp, mode)
	return &cp, nil
}

func applyRunResolveMode(r *store.Run, mode event.ResolveMode) {
	if mode != event.ResolveNone {
		return
	}
	r.Input = nil
	r.Output = nil
	r.ExecutionContext = nil
}

// ListRuns implements store.Reader.
func (m *MemStore) ListRuns(filter store.RunFilter) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if filter.WorkflowName != "" && r.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.DeploymentID != "" && r.DeploymentID != filter.DeploymentID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// GetStep implements store.Reader.
func (m *MemStore) GetStep(runID, stepID string, mode event.ResolveMode) (*store.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.steps[runID]
	if !ok {
		return nil, workflowerr.NewNotFound("step " + stepID + " not found")
	}
	s, ok := steps[stepID]
	if !ok {
		return nil, workflowerr.NewNotFound("step " + stepID + " not found")
	}
	cp := *s
	applyStepResolveMode(&cp, mode)
	return &cp, nil
}

func applyStepResolveMode(s *store.Step, mode event.ResolveMode) {
	if mode != event.ResolveNone {
		return
	}
	s.Input = nil
	s.Output = nil
}

// ListSteps implements store.Reader.
func (m *MemStore) ListSteps(runID string, mode event.ResolveMode) ([]*store.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[runID]
	out := make([]*store.Step, 0, len(steps))
	for _, s := range steps {
		cp := *s
		applyStepResolveMode(&cp, mode)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

// ListEvents implements store.Reader, paginating a run's event log by a
// stable event_id cursor.
func (m *MemStore) ListEvents(runID string, page store.Page) (store.EventPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.events[runID]
	start := 0
	if page.After != "" {
		for i, e := range all {
			if e.EventID > page.After {
				start = i
				break
			}
			start = i + 1
		}
	}
	limit := page.Limit
	if limit <= 0 {
		limit = len(all) - start
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	if start > len(all) {
		start = len(all)
	}
	out := make([]*event.Event, 0, end-start)
	for _, e := range all[start:end] {
		cp := *e
		if page.Mode == event.ResolveNone {
			cp.Data = nil
		}
		out = append(out, &cp)
	}
	var cursor string
	if len(out) > 0 {
		cursor = out[len(out)-1].EventID
	}
	return store.EventPage{Events: out, NextCursor: cursor}, nil
}

// ListEventsByCorrelationID implements store.Reader.
func (m *MemStore) ListEventsByCorrelationID(runID, correlationID string) ([]*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*event.Event
	for _, e := range m.events[runID] {
		if e.CorrelationID == correlationID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetHook implements store.Reader.
func (m *MemStore) GetHook(runID, hookID string) (*store.Hook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hooksByID[runID][hookID]
	if !ok {
		return nil, workflowerr.NewNotFound("hook " + hookID + " not found")
	}
	cp := *h
	return &cp, nil
}

// GetHookByToken implements store.Reader.
func (m *MemStore) GetHookByToken(token string) (*store.Hook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hooksByToken[token]
	if !ok {
		return nil, workflowerr.NewNotFound("hook with token not found")
	}
	cp := *h
	return &cp, nil
}

// ListHooks implements store.Reader.
func (m *MemStore) ListHooks(runID string) ([]*store.Hook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hooks := m.hooksByID[runID]
	out := make([]*store.Hook, 0, len(hooks))
	for _, h := range hooks {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HookID < out[j].HookID })
	return out, nil
}
