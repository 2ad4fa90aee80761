package orchestrator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/ids"
	"github.com/runflow-dev/workflow/orchestrator"
	"github.com/runflow-dev/workflow/queue"
	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/store/memstore"
	"github.com/runflow-dev/workflow/world"
	"github.com/runflow-dev/workflow/workflowerr"
)

func newTestWorld() world.World {
	ms := memstore.New(ids.SystemClock{})
	disp := queue.New(nil)
	streams := world.NewMemStream()
	return world.New(ms, disp, streams, "dep-1", nil)
}

func createRun(t *testing.T, w world.World, workflowName string, input []any) string {
	t.Helper()
	res, err := w.EventsCreate(context.Background(), store.CreateEventInput{
		Type: event.RunCreated,
		RunFields: &store.RunCreateFields{
			DeploymentID: "dep-1",
			WorkflowName: workflowName,
			Input:        input,
		},
	})
	require.NoError(t, err)
	return res.Run.RunID
}

func TestOrchestratorSuspendsOnUnresolvedStep(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld()
	o := orchestrator.New(w)
	o.Register("addTen", func(ctx context.Context, rc *orchestrator.ReplayContext, input []any) (any, error) {
		return rc.Step(ctx, "call-1", "addTen", input, nil)
	})

	runID := createRun(t, w, "addTen", []any{5})
	_, err := o.Run(ctx, runID)
	require.NoError(t, err)

	run, err := w.RunsGet(ctx, runID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)
	require.Nil(t, run.Output)

	steps, err := w.StepsList(ctx, runID, event.ResolveAll)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, store.StepPending, steps[0].Status)
}

func TestOrchestratorResumesAfterStepCompletes(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld()
	o := orchestrator.New(w)
	o.Register("addTen", func(ctx context.Context, rc *orchestrator.ReplayContext, input []any) (any, error) {
		out, err := rc.Step(ctx, "call-1", "addTen", input, nil)
		if err != nil {
			return nil, err
		}
		return out, nil
	})

	runID := createRun(t, w, "addTen", []any{5})
	_, err := o.Run(ctx, runID)
	require.NoError(t, err)

	_, err = w.EventsCreate(ctx, store.CreateEventInput{
		RunID: runID, Type: event.StepCompleted, CorrelationID: "call-1",
		StepResult: &store.StepResultFields{Output: float64(15)},
	})
	require.NoError(t, err)

	_, err = o.Run(ctx, runID)
	require.NoError(t, err)

	run, err := w.RunsGet(ctx, runID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, run.Status)
	require.Equal(t, float64(15), run.Output)
}

func TestOrchestratorFailsRunOnFatalStep(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld()
	o := orchestrator.New(w)
	o.Register("risky", func(ctx context.Context, rc *orchestrator.ReplayContext, input []any) (any, error) {
		return rc.Step(ctx, "call-1", "risky", input, nil)
	})

	runID := createRun(t, w, "risky", nil)
	_, err := o.Run(ctx, runID)
	require.NoError(t, err)

	_, err = w.EventsCreate(ctx, store.CreateEventInput{
		RunID: runID, Type: event.StepFailed, CorrelationID: "call-1",
		StepResult: &store.StepResultFields{Error: &store.ErrorDetail{Message: "boom", Code: string(workflowerr.CodeFatal)}},
	})
	require.NoError(t, err)

	_, err = o.Run(ctx, runID)
	require.NoError(t, err)

	run, err := w.RunsGet(ctx, runID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	require.Equal(t, "boom", run.Error.Message)
}

func TestOrchestratorTerminalRunShortCircuits(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld()
	o := orchestrator.New(w)
	o.Register("noop", func(ctx context.Context, rc *orchestrator.ReplayContext, input []any) (any, error) {
		return nil, nil
	})

	runID := createRun(t, w, "noop", nil)
	_, err := o.Run(ctx, runID)
	require.NoError(t, err)

	run, err := w.RunsGet(ctx, runID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, run.Status)

	page, err := w.EventsList(ctx, runID, store.Page{})
	require.NoError(t, err)
	before := len(page.Events)

	_, err = o.Run(ctx, runID)
	require.NoError(t, err)

	page, err = w.EventsList(ctx, runID, store.Page{})
	require.NoError(t, err)
	require.Len(t, page.Events, before)
}

func TestOrchestratorHookConflictFailsRun(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld()
	o := orchestrator.New(w)
	o.Register("awaitApproval", func(ctx context.Context, rc *orchestrator.ReplayContext, input []any) (any, error) {
		return rc.Hook(ctx, "call-1", "shared-token", nil)
	})

	runA := createRun(t, w, "awaitApproval", nil)
	_, err := o.Run(ctx, runA)
	require.NoError(t, err)
	runAState, err := w.RunsGet(ctx, runA, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, runAState.Status)

	runB := createRun(t, w, "awaitApproval", nil)
	_, err = o.Run(ctx, runB)
	require.NoError(t, err)

	runBState, err := w.RunsGet(ctx, runB, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, runBState.Status)
	require.NotNil(t, runBState.Error)
}

func TestOrchestratorSleepSuspendsThenCompletes(t *testing.T) {
	ctx := context.Background()
	w := newTestWorld()
	o := orchestrator.New(w)
	o.Register("waiter", func(ctx context.Context, rc *orchestrator.ReplayContext, input []any) (any, error) {
		if err := rc.Sleep(ctx, "call-1", 0); err != nil {
			return nil, err
		}
		return "done", nil
	})

	runID := createRun(t, w, "waiter", nil)
	_, err := o.Run(ctx, runID)
	require.NoError(t, err)

	run, err := w.RunsGet(ctx, runID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)

	_, err = o.Run(ctx, runID)
	require.NoError(t, err)

	run, err = w.RunsGet(ctx, runID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, run.Status)
	require.Equal(t, "done", run.Output)
}
