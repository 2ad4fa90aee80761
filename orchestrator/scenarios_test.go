package orchestrator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/ids"
	"github.com/runflow-dev/workflow/orchestrator"
	"github.com/runflow-dev/workflow/queue"
	"github.com/runflow-dev/workflow/serialize"
	"github.com/runflow-dev/workflow/stepexec"
	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/store/memstore"
	"github.com/runflow-dev/workflow/workflowerr"
	"github.com/runflow-dev/workflow/world"
)

// newScenarioWorld builds a world shared by an Orchestrator and a
// stepexec.Executor, the combination the scenarios below drive end to end
// rather than through the dispatcher, matching orchestrator_test.go and
// executor_test.go's existing conventions.
func newScenarioWorld(t *testing.T) (world.World, *orchestrator.Orchestrator, *stepexec.Executor) {
	t.Helper()
	ms := memstore.New(ids.SystemClock{})
	disp := queue.New(nil)
	streams := world.NewMemStream()
	w := world.New(ms, disp, streams, "dep-1", nil)
	o := orchestrator.New(w)
	codec := serialize.NewCodec(w, nil)
	ex := stepexec.New(w, codec, nil)
	return w, o, ex
}

func eventTypes(t *testing.T, w world.World, runID string) []event.Type {
	t.Helper()
	page, err := w.EventsList(context.Background(), runID, store.Page{})
	require.NoError(t, err)
	types := make([]event.Type, len(page.Events))
	for i, e := range page.Events {
		types[i] = e.Type
	}
	return types
}

func countType(types []event.Type, want event.Type) int {
	n := 0
	for _, ty := range types {
		if ty == want {
			n++
		}
	}
	return n
}

// S1 — addTen: the workflow calls a single step and the run completes with
// the step's output, emitting exactly one step_created/step_started/
// step_completed.
func TestScenarioAddTenHappyPath(t *testing.T) {
	ctx := context.Background()
	w, o, ex := newScenarioWorld(t)

	o.Register("addTenWorkflow", func(ctx context.Context, rc *orchestrator.ReplayContext, input []any) (any, error) {
		return rc.Step(ctx, "call-1", "add", input, nil)
	})
	ex.Register("add", func(ctx context.Context, sc *stepexec.StepContext, args []any, closure map[string]any) (any, error) {
		a := args[0].(float64)
		b := args[1].(float64)
		return a + b, nil
	}, stepexec.Policy{})

	runID := createRun(t, w, "addTenWorkflow", []any{float64(5), float64(10)})
	_, err := o.Run(ctx, runID)
	require.NoError(t, err)

	step := onlyStep(t, w, runID)
	_, err = ex.Handle(ctx, queue.Message{Topic: queue.StepTopic("add"), RunID: runID, StepID: step.StepID})
	require.NoError(t, err)

	_, err = o.Run(ctx, runID)
	require.NoError(t, err)

	run, err := w.RunsGet(ctx, runID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, run.Status)
	require.Equal(t, float64(15), run.Output)

	step, err = w.StepsGet(ctx, runID, step.StepID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, float64(15), step.Output)

	types := eventTypes(t, w, runID)
	require.Equal(t, 1, countType(types, event.StepCreated))
	require.Equal(t, 1, countType(types, event.StepStarted))
	require.Equal(t, 1, countType(types, event.StepCompleted))
}

// S2 — transient 500: a step with max_retries=3 fails twice with a plain
// (non-fatal, non-FatalError) error and succeeds on the third attempt.
func TestScenarioTransientFailureThenSucceeds(t *testing.T) {
	ctx := context.Background()
	w, o, ex := newScenarioWorld(t)

	o.Register("sendWorkflow", func(ctx context.Context, rc *orchestrator.ReplayContext, input []any) (any, error) {
		return rc.Step(ctx, "call-1", "send", input, nil)
	})
	calls := 0
	ex.Register("send", func(ctx context.Context, sc *stepexec.StepContext, args []any, closure map[string]any) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("HTTP 500")
		}
		return "ok", nil
	}, stepexec.Policy{MaxRetries: 3})

	runID := createRun(t, w, "sendWorkflow", nil)
	_, err := o.Run(ctx, runID)
	require.NoError(t, err)

	step := onlyStep(t, w, runID)
	msg := queue.Message{Topic: queue.StepTopic("send"), RunID: runID, StepID: step.StepID}

	_, err = ex.Handle(ctx, msg)
	require.NoError(t, err)
	clearRetryAfter(t, w, runID, step.StepID)

	_, err = ex.Handle(ctx, msg)
	require.NoError(t, err)
	clearRetryAfter(t, w, runID, step.StepID)

	_, err = ex.Handle(ctx, msg)
	require.NoError(t, err)

	step, err = w.StepsGet(ctx, runID, step.StepID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.StepCompleted, step.Status)
	require.Equal(t, 3, step.Attempt)

	types := eventTypes(t, w, runID)
	require.Equal(t, 2, countType(types, event.StepFailed))
	// Two step_retrying from the executor plus two written by clearRetryAfter.
	require.Equal(t, 4, countType(types, event.StepRetrying))
	require.Equal(t, 1, countType(types, event.StepCompleted))
}

// S3 — fatal on first attempt: the step raises a FatalError, failing both
// the step and the run on the first attempt.
func TestScenarioFatalOnFirstAttempt(t *testing.T) {
	ctx := context.Background()
	w, o, ex := newScenarioWorld(t)

	o.Register("riskyWorkflow", func(ctx context.Context, rc *orchestrator.ReplayContext, input []any) (any, error) {
		return rc.Step(ctx, "call-1", "risky", input, nil)
	})
	ex.Register("risky", func(ctx context.Context, sc *stepexec.StepContext, args []any, closure map[string]any) (any, error) {
		return nil, workflowerr.NewFatal("unrecoverable")
	}, stepexec.Policy{})

	runID := createRun(t, w, "riskyWorkflow", nil)
	_, err := o.Run(ctx, runID)
	require.NoError(t, err)

	step := onlyStep(t, w, runID)
	_, err = ex.Handle(ctx, queue.Message{Topic: queue.StepTopic("risky"), RunID: runID, StepID: step.StepID})
	require.NoError(t, err)

	step, err = w.StepsGet(ctx, runID, step.StepID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.StepFailed, step.Status)

	_, err = o.Run(ctx, runID)
	require.NoError(t, err)

	run, err := w.RunsGet(ctx, runID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, run.Status)

	types := eventTypes(t, w, runID)
	require.Equal(t, 1, countType(types, event.StepFailed))
}

// S4 — retry exhaustion: a step with max_retries=1 fails twice with a
// plain error, exhausting its retry budget on the second attempt.
func TestScenarioRetryExhaustion(t *testing.T) {
	ctx := context.Background()
	w, o, ex := newScenarioWorld(t)

	o.Register("flakyWorkflow", func(ctx context.Context, rc *orchestrator.ReplayContext, input []any) (any, error) {
		return rc.Step(ctx, "call-1", "alwaysFails", input, nil)
	})
	ex.Register("alwaysFails", func(ctx context.Context, sc *stepexec.StepContext, args []any, closure map[string]any) (any, error) {
		return nil, errors.New("boom")
	}, stepexec.Policy{MaxRetries: 1})

	runID := createRun(t, w, "flakyWorkflow", nil)
	_, err := o.Run(ctx, runID)
	require.NoError(t, err)

	step := onlyStep(t, w, runID)
	msg := queue.Message{Topic: queue.StepTopic("alwaysFails"), RunID: runID, StepID: step.StepID}

	_, err = ex.Handle(ctx, msg)
	require.NoError(t, err)
	clearRetryAfter(t, w, runID, step.StepID)

	_, err = ex.Handle(ctx, msg)
	require.NoError(t, err)

	step, err = w.StepsGet(ctx, runID, step.StepID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.StepFailed, step.Status)
	require.Equal(t, 2, step.Attempt)
	require.Equal(t, "exceeded max retries", step.Error.Message)

	types := eventTypes(t, w, runID)
	// A non-fatal step_failed, then the fatal "exceeded max retries" one.
	require.Equal(t, 2, countType(types, event.StepFailed))
	// One step_retrying from the executor plus one written by clearRetryAfter.
	require.Equal(t, 2, countType(types, event.StepRetrying))

	_, err = o.Run(ctx, runID)
	require.NoError(t, err)
	run, err := w.RunsGet(ctx, runID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, run.Status)
}

// S5 — cancel mid-run: the run is cancelled while a step is in flight; the
// step is still allowed to complete afterward, but the run stays cancelled.
func TestScenarioCancelMidRun(t *testing.T) {
	ctx := context.Background()
	w, o, ex := newScenarioWorld(t)

	o.Register("longRunningWorkflow", func(ctx context.Context, rc *orchestrator.ReplayContext, input []any) (any, error) {
		return rc.Step(ctx, "call-1", "slow", input, nil)
	})
	ex.Register("slow", func(ctx context.Context, sc *stepexec.StepContext, args []any, closure map[string]any) (any, error) {
		return "done", nil
	}, stepexec.Policy{})

	runID := createRun(t, w, "longRunningWorkflow", nil)
	_, err := o.Run(ctx, runID)
	require.NoError(t, err)

	step := onlyStep(t, w, runID)
	// Mark the step running without completing it, simulating work in
	// flight at the moment of cancellation.
	_, err = w.EventsCreate(ctx, store.CreateEventInput{
		RunID: runID, Type: event.StepStarted, CorrelationID: step.StepID,
	})
	require.NoError(t, err)

	_, err = w.EventsCreate(ctx, store.CreateEventInput{RunID: runID, Type: event.RunCancelled})
	require.NoError(t, err)

	run, err := w.RunsGet(ctx, runID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunCancelled, run.Status)

	// The orchestrator acknowledges a terminal run without further work.
	_, err = o.Run(ctx, runID)
	require.NoError(t, err)

	// The in-flight step is still allowed to complete.
	_, err = w.EventsCreate(ctx, store.CreateEventInput{
		RunID: runID, Type: event.StepCompleted, CorrelationID: step.StepID,
		StepResult: &store.StepResultFields{Output: "done"},
	})
	require.NoError(t, err)

	step, err = w.StepsGet(ctx, runID, step.StepID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.StepCompleted, step.Status)

	run, err = w.RunsGet(ctx, runID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.RunCancelled, run.Status)
}

// S6 — duplicate hook token: creating two hooks with the same token within
// one run yields a hook_conflict on the second, and exactly one hook with
// that token survives.
func TestScenarioDuplicateHookToken(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newScenarioWorld(t)

	runID := createRun(t, w, "awaitApproval", nil)

	res, err := w.EventsCreate(ctx, store.CreateEventInput{
		RunID: runID, Type: event.HookCreated, CorrelationID: "call-1",
		HookFields: &store.HookCreateFields{Token: "t"},
	})
	require.NoError(t, err)
	require.False(t, res.Conflict)

	res, err = w.EventsCreate(ctx, store.CreateEventInput{
		RunID: runID, Type: event.HookCreated, CorrelationID: "call-2",
		HookFields: &store.HookCreateFields{Token: "t"},
	})
	require.NoError(t, err)
	require.True(t, res.Conflict)
	require.Equal(t, event.HookConflict, res.Event.Type)

	hooks, err := w.HooksList(ctx, runID)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	require.Equal(t, "t", hooks[0].Token)
}

func onlyStep(t *testing.T, w world.World, runID string) *store.Step {
	t.Helper()
	steps, err := w.StepsList(context.Background(), runID, event.ResolveAll)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	return steps[0]
}

// clearRetryAfter drives the retry_after gate open without sleeping in the
// test, by directly rewriting the deferred step's retry_after to the past
// through another step_retrying event. Each call appends one extra
// step_retrying to the run's event log.
func clearRetryAfter(t *testing.T, w world.World, runID, stepID string) {
	t.Helper()
	ctx := context.Background()
	step, err := w.StepsGet(ctx, runID, stepID, event.ResolveAll)
	require.NoError(t, err)
	past := step.UpdatedAt
	_, err = w.EventsCreate(ctx, store.CreateEventInput{
		RunID: runID, Type: event.StepRetrying, CorrelationID: stepID,
		StepResult: &store.StepResultFields{RetryAfter: &past},
	})
	require.NoError(t, err)
}
