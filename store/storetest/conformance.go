// Package storetest holds the shared conformance suite for store.Store
// backends, so the invariants of spec §8 are defined once instead of per
// backend. The memstore and sqlite tests run it; the postgres and mysql
// tests do not.
package storetest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/store"
)

// RunConformance exercises the invariants of spec §8 (properties 1-4, 7)
// against any store.Store constructor, so every backend that calls it is
// held to the same bar.
func RunConformance(t *testing.T, newStore func(clock store.Clock) store.Store) {
	t.Helper()

	t.Run("event order monotonicity", func(t *testing.T) {
		clk := newSteppingClock()
		s := newStore(clk)
		res, err := s.CreateEvent(store.CreateEventInput{
			Type:      event.RunCreated,
			RunFields: &store.RunCreateFields{WorkflowName: "w", SpecVersion: store.CurrentSpecVersion},
		})
		require.NoError(t, err)
		runID := res.Run.RunID

		_, err = s.CreateEvent(store.CreateEventInput{RunID: runID, Type: event.RunStarted})
		require.NoError(t, err)
		_, err = s.CreateEvent(store.CreateEventInput{
			RunID: runID, Type: event.StepCreated, CorrelationID: "step1",
			StepFields: &store.StepCreateFields{StepName: "add"},
		})
		require.NoError(t, err)

		page, err := s.ListEvents(runID, store.Page{})
		require.NoError(t, err)
		require.Len(t, page.Events, 3)
		for i := 1; i < len(page.Events); i++ {
			require.Less(t, page.Events[i-1].EventID, page.Events[i].EventID)
			require.True(t, !page.Events[i].CreatedAt.Before(page.Events[i-1].CreatedAt))
		}
	})

	t.Run("terminal stickiness and idempotent cancel", func(t *testing.T) {
		s := newStore(newSteppingClock())
		res, err := s.CreateEvent(store.CreateEventInput{
			Type: event.RunCreated, RunFields: &store.RunCreateFields{WorkflowName: "w"},
		})
		require.NoError(t, err)
		runID := res.Run.RunID

		_, err = s.CreateEvent(store.CreateEventInput{RunID: runID, Type: event.RunCancelled})
		require.NoError(t, err)

		// Idempotent: cancelling again succeeds and returns current state.
		res2, err := s.CreateEvent(store.CreateEventInput{RunID: runID, Type: event.RunCancelled})
		require.NoError(t, err)
		require.Equal(t, store.RunCancelled, res2.Run.Status)

		// Any other transition fails with TerminalConflictError.
		_, err = s.CreateEvent(store.CreateEventInput{RunID: runID, Type: event.RunStarted})
		require.Error(t, err)
		c, ok := workflowerrClassified(err)
		require.True(t, ok)
		require.Equal(t, 410, c.Status())

		_, err = s.CreateEvent(store.CreateEventInput{
			RunID: runID, Type: event.StepCreated, CorrelationID: "s1",
			StepFields: &store.StepCreateFields{StepName: "x"},
		})
		require.Error(t, err)
	})

	t.Run("hook garbage collection on terminal", func(t *testing.T) {
		s := newStore(newSteppingClock())
		res, err := s.CreateEvent(store.CreateEventInput{Type: event.RunCreated, RunFields: &store.RunCreateFields{WorkflowName: "w"}})
		require.NoError(t, err)
		runID := res.Run.RunID
		_, err = s.CreateEvent(store.CreateEventInput{RunID: runID, Type: event.RunStarted})
		require.NoError(t, err)

		_, err = s.CreateEvent(store.CreateEventInput{
			RunID: runID, Type: event.HookCreated, CorrelationID: "h1",
			HookFields: &store.HookCreateFields{Token: "tok-1"},
		})
		require.NoError(t, err)

		hooks, err := s.ListHooks(runID)
		require.NoError(t, err)
		require.Len(t, hooks, 1)

		_, err = s.CreateEvent(store.CreateEventInput{RunID: runID, Type: event.RunCompleted})
		require.NoError(t, err)

		hooks, err = s.ListHooks(runID)
		require.NoError(t, err)
		require.Empty(t, hooks)
	})

	t.Run("step attempt monotonicity and started_at immutability", func(t *testing.T) {
		s := newStore(newSteppingClock())
		res, err := s.CreateEvent(store.CreateEventInput{Type: event.RunCreated, RunFields: &store.RunCreateFields{WorkflowName: "w"}})
		require.NoError(t, err)
		runID := res.Run.RunID
		_, err = s.CreateEvent(store.CreateEventInput{RunID: runID, Type: event.RunStarted})
		require.NoError(t, err)
		_, err = s.CreateEvent(store.CreateEventInput{
			RunID: runID, Type: event.StepCreated, CorrelationID: "s1",
			StepFields: &store.StepCreateFields{StepName: "add"},
		})
		require.NoError(t, err)

		_, err = s.CreateEvent(store.CreateEventInput{RunID: runID, Type: event.StepStarted, CorrelationID: "s1"})
		require.NoError(t, err)
		step, err := s.GetStep(runID, "s1", event.ResolveAll)
		require.NoError(t, err)
		require.Equal(t, 1, step.Attempt)
		firstStarted := *step.StartedAt

		_, err = s.CreateEvent(store.CreateEventInput{
			RunID: runID, Type: event.StepRetrying, CorrelationID: "s1",
			StepResult: &store.StepResultFields{},
		})
		require.NoError(t, err)
		_, err = s.CreateEvent(store.CreateEventInput{RunID: runID, Type: event.StepStarted, CorrelationID: "s1"})
		require.NoError(t, err)

		step, err = s.GetStep(runID, "s1", event.ResolveAll)
		require.NoError(t, err)
		require.Equal(t, 2, step.Attempt)
		require.Equal(t, firstStarted, *step.StartedAt)
	})

	t.Run("hook token uniqueness", func(t *testing.T) {
		s := newStore(newSteppingClock())
		res, err := s.CreateEvent(store.CreateEventInput{Type: event.RunCreated, RunFields: &store.RunCreateFields{WorkflowName: "w"}})
		require.NoError(t, err)
		runID := res.Run.RunID
		_, err = s.CreateEvent(store.CreateEventInput{RunID: runID, Type: event.RunStarted})
		require.NoError(t, err)

		r1, err := s.CreateEvent(store.CreateEventInput{
			RunID: runID, Type: event.HookCreated, CorrelationID: "h1",
			HookFields: &store.HookCreateFields{Token: "dup"},
		})
		require.NoError(t, err)
		require.False(t, r1.Conflict)

		r2, err := s.CreateEvent(store.CreateEventInput{
			RunID: runID, Type: event.HookCreated, CorrelationID: "h2",
			HookFields: &store.HookCreateFields{Token: "dup"},
		})
		require.NoError(t, err)
		require.True(t, r2.Conflict)

		hooks, err := s.ListHooks(runID)
		require.NoError(t, err)
		require.Len(t, hooks, 1)
		require.Equal(t, "dup", hooks[0].Token)
	})

	t.Run("step_created existence guard on duplicate call site", func(t *testing.T) {
		s := newStore(newSteppingClock())
		res, err := s.CreateEvent(store.CreateEventInput{Type: event.RunCreated, RunFields: &store.RunCreateFields{WorkflowName: "w"}})
		require.NoError(t, err)
		runID := res.Run.RunID
		_, err = s.CreateEvent(store.CreateEventInput{RunID: runID, Type: event.RunStarted})
		require.NoError(t, err)

		r1, err := s.CreateEvent(store.CreateEventInput{
			RunID: runID, Type: event.StepCreated, CorrelationID: "call-1",
			StepFields: &store.StepCreateFields{StepName: "add"},
		})
		require.NoError(t, err)
		require.False(t, r1.Conflict)
		require.NotNil(t, r1.Event)

		// A second step_created for the same call site (simulating two
		// racing deliveries both finding no prior step_created) must not
		// create a second step or append a second event.
		r2, err := s.CreateEvent(store.CreateEventInput{
			RunID: runID, Type: event.StepCreated, CorrelationID: "call-1",
			StepFields: &store.StepCreateFields{StepName: "add"},
		})
		require.NoError(t, err)
		require.True(t, r2.Conflict)
		require.Nil(t, r2.Event)
		require.Equal(t, r1.Step.StepID, r2.Step.StepID)

		steps, err := s.ListSteps(runID, event.ResolveNone)
		require.NoError(t, err)
		require.Len(t, steps, 1)

		page, err := s.ListEvents(runID, store.Page{})
		require.NoError(t, err)
		require.Equal(t, 1, countEventType(page.Events, event.StepCreated))
	})
}

func countEventType(events []*event.Event, want event.Type) int {
	n := 0
	for _, e := range events {
		if e.Type == want {
			n++
		}
	}
	return n
}

func workflowerrClassified(err error) (interface{ Status() int }, bool) {
	type classified interface {
		Status() int
	}
	c, ok := err.(classified)
	if ok {
		return c, true
	}
	// unwrap chain
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if c, ok := err.(classified); ok {
			return c, true
		}
	}
	return nil, false
}

// steppingClock is a tiny local Clock so store tests don't need to import
// ids directly, keeping the conformance suite backend-agnostic.
type steppingClock struct {
	cur time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{cur: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	t := c.cur
	c.cur = c.cur.Add(time.Millisecond)
	return t
}
