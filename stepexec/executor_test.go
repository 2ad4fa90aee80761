package stepexec_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/ids"
	"github.com/runflow-dev/workflow/queue"
	"github.com/runflow-dev/workflow/serialize"
	"github.com/runflow-dev/workflow/stepexec"
	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/store/memstore"
	"github.com/runflow-dev/workflow/workflowerr"
	"github.com/runflow-dev/workflow/world"
)

func newHarness(t *testing.T) (world.World, *stepexec.Executor) {
	t.Helper()
	ms := memstore.New(ids.SystemClock{})
	disp := queue.New(nil)
	streams := world.NewMemStream()
	w := world.New(ms, disp, streams, "dep-1", nil)
	codec := serialize.NewCodec(w, nil)
	ex := stepexec.New(w, codec, nil)
	disp.RegisterHandler(queue.WorkflowTopic("noop"), func(ctx context.Context, msg queue.Message) (queue.Outcome, error) {
		return queue.Outcome{}, nil
	})
	return w, ex
}

func createRunAndStep(t *testing.T, w world.World, stepName string, args []any) (runID, stepID string) {
	t.Helper()
	ctx := context.Background()
	res, err := w.EventsCreate(ctx, store.CreateEventInput{
		Type:      event.RunCreated,
		RunFields: &store.RunCreateFields{WorkflowName: "noop", Input: args},
	})
	require.NoError(t, err)
	runID = res.Run.RunID

	stepRes, err := w.EventsCreate(ctx, store.CreateEventInput{
		RunID: runID, Type: event.StepCreated, CorrelationID: "call-1",
		StepFields: &store.StepCreateFields{StepName: stepName, Input: store.StepInput{Args: args}},
	})
	require.NoError(t, err)
	return runID, stepRes.Step.StepID
}

func TestExecutorRunsStepToCompletion(t *testing.T) {
	ctx := context.Background()
	w, ex := newHarness(t)
	ex.Register("addTen", func(ctx context.Context, sc *stepexec.StepContext, args []any, closure map[string]any) (any, error) {
		n := args[0].(float64)
		return n + 10, nil
	}, stepexec.Policy{})

	runID, stepID := createRunAndStep(t, w, "addTen", []any{float64(5)})
	outcome, err := ex.Handle(ctx, queue.Message{Topic: queue.StepTopic("addTen"), RunID: runID, StepID: stepID})
	require.NoError(t, err)
	require.Zero(t, outcome.TimeoutSeconds)

	step, err := w.StepsGet(ctx, runID, stepID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.StepCompleted, step.Status)
	require.Equal(t, float64(15), step.Output)
	require.Equal(t, 1, step.Attempt)
}

func TestExecutorFatalErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	w, ex := newHarness(t)
	ex.Register("risky", func(ctx context.Context, sc *stepexec.StepContext, args []any, closure map[string]any) (any, error) {
		return nil, workflowerr.NewFatal("unrecoverable")
	}, stepexec.Policy{})

	runID, stepID := createRunAndStep(t, w, "risky", nil)
	_, err := ex.Handle(ctx, queue.Message{Topic: queue.StepTopic("risky"), RunID: runID, StepID: stepID})
	require.NoError(t, err)

	step, err := w.StepsGet(ctx, runID, stepID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.StepFailed, step.Status)
	require.Equal(t, "unrecoverable", step.Error.Message)
	require.Equal(t, 1, step.Attempt)
}

func TestExecutorTransientFailureThenSucceeds(t *testing.T) {
	ctx := context.Background()
	w, ex := newHarness(t)
	calls := 0
	ex.Register("flaky", func(ctx context.Context, sc *stepexec.StepContext, args []any, closure map[string]any) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("HTTP 500")
		}
		return "ok", nil
	}, stepexec.Policy{MaxRetries: 3})

	runID, stepID := createRunAndStep(t, w, "flaky", nil)
	msg := queue.Message{Topic: queue.StepTopic("flaky"), RunID: runID, StepID: stepID}

	outcome, err := ex.Handle(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, float64(1), outcome.TimeoutSeconds)
	step, err := w.StepsGet(ctx, runID, stepID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.StepPending, step.Status)
	require.NotNil(t, step.RetryAfter)

	// Force the retry gate open and redeliver twice more.
	clearRetryAfter(t, w, runID, stepID)
	outcome, err = ex.Handle(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, float64(1), outcome.TimeoutSeconds)

	clearRetryAfter(t, w, runID, stepID)
	outcome, err = ex.Handle(ctx, msg)
	require.NoError(t, err)
	require.Zero(t, outcome.TimeoutSeconds)

	step, err = w.StepsGet(ctx, runID, stepID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.StepCompleted, step.Status)
	require.Equal(t, "ok", step.Output)
	require.Equal(t, 3, calls)
}

func TestExecutorExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	w, ex := newHarness(t)
	ex.Register("alwaysFails", func(ctx context.Context, sc *stepexec.StepContext, args []any, closure map[string]any) (any, error) {
		return nil, errors.New("boom")
	}, stepexec.Policy{MaxRetries: 1})

	runID, stepID := createRunAndStep(t, w, "alwaysFails", nil)
	msg := queue.Message{Topic: queue.StepTopic("alwaysFails"), RunID: runID, StepID: stepID}

	_, err := ex.Handle(ctx, msg)
	require.NoError(t, err)
	clearRetryAfter(t, w, runID, stepID)

	_, err = ex.Handle(ctx, msg)
	require.NoError(t, err)

	step, err := w.StepsGet(ctx, runID, stepID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.StepFailed, step.Status)
	require.Equal(t, "exceeded max retries", step.Error.Message)
	require.Equal(t, 2, step.Attempt)
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
