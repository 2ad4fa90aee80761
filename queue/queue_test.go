package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runflow-dev/workflow/queue"
)

func TestDispatcherFIFOAndHandler(t *testing.T) {
	d := queue.New(nil)
	topicName := queue.WorkflowTopic("addTenWorkflow")

	var delivered []string
	d.RegisterHandler(topicName, func(_ context.Context, msg queue.Message) (queue.Outcome, error) {
		delivered = append(delivered, msg.RunID)
		return queue.Outcome{}, nil
	})

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, queue.Message{Topic: topicName, RunID: "run-1"}))
	require.NoError(t, d.Enqueue(ctx, queue.Message{Topic: topicName, RunID: "run-2"}))

	ok, err := d.Deliver(ctx, topicName)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = d.Deliver(ctx, topicName)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, []string{"run-1", "run-2"}, delivered)

	ok, err = d.Deliver(ctx, topicName)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDispatcherDeferral(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := queue.New(func() time.Time { return now })
	topicName := queue.StepTopic("send")

	calls := 0
	d.RegisterHandler(topicName, func(_ context.Context, msg queue.Message) (queue.Outcome, error) {
		calls++
		if calls == 1 {
			return queue.Outcome{TimeoutSeconds: 5}, nil
		}
		return queue.Outcome{}, nil
	})

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, queue.Message{Topic: topicName, RunID: "run-1"}))

	ok, err := d.Deliver(ctx, topicName)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, calls)

	// Not yet visible again: immediate redelivery attempt finds nothing.
	ok, _ = d.Deliver(ctx, topicName)
	require.False(t, ok)

	now = now.Add(6 * time.Second)
	ok, err = d.Deliver(ctx, topicName)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, calls)
}

func TestDispatcherHealthCheck(t *testing.T) {
	d := queue.New(nil)
	topicName := queue.WorkflowTopic("any")
	called := false
	d.RegisterHandler(topicName, func(_ context.Context, msg queue.Message) (queue.Outcome, error) {
		called = true
		return queue.Outcome{}, nil
	})

	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, queue.Message{Topic: topicName, RunID: queue.HealthCheckMarker}))
	ok, err := d.Deliver(ctx, topicName)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, called)
}

func TestDispatcherNoHandler(t *testing.T) {
	d := queue.New(nil)
	topicName := queue.WorkflowTopic("unregistered")
	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, queue.Message{Topic: topicName, RunID: "run-1"}))
	_, err := d.Deliver(ctx, topicName)
	require.ErrorIs(t, err, queue.ErrNoHandler)
}
