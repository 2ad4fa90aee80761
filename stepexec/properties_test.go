package stepexec_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/queue"
	"github.com/runflow-dev/workflow/stepexec"
	"github.com/runflow-dev/workflow/store"
)

// Property 9 — exactly-once step completion under crash: a redelivery
// arriving after step_completed has already landed (modeling a crash
// between the user function returning and the caller acknowledging the
// queue message) must not invoke the user function again, and the step's
// output must still match the attempt that actually completed it.
func TestPropertyRedeliveryAfterCompletionIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	w, ex := newHarness(t)
	calls := 0
	ex.Register("addTen", func(ctx context.Context, sc *stepexec.StepContext, args []any, closure map[string]any) (any, error) {
		calls++
		n := args[0].(float64)
		return n + 10, nil
	}, stepexec.Policy{})

	runID, stepID := createRunAndStep(t, w, "addTen", []any{float64(5)})
	msg := queue.Message{Topic: queue.StepTopic("addTen"), RunID: runID, StepID: stepID}

	_, err := ex.Handle(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Redeliver the same message, simulating a crash after the first
	// delivery's step_completed write landed but before the queue
	// acknowledged it.
	_, err = ex.Handle(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, 1, calls, "user function must not run again once the step is terminal")

	step, err := w.StepsGet(ctx, runID, stepID, event.ResolveAll)
	require.NoError(t, err)
	require.Equal(t, store.StepCompleted, step.Status)
	require.Equal(t, float64(15), step.Output)
	require.Equal(t, 1, step.Attempt)
}
