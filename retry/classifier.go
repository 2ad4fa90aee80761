package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/queue"
	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/world"
)

// Classifier decorates a world.World, retrying exactly the operations spec
// §4.7 lists as idempotent and leaving every other method a direct,
// unretried passthrough.
type Classifier struct {
	inner  world.World
	policy Policy
	rng    *rand.Rand
	sleep  func(context.Context, time.Duration)
}

// New wraps inner with the default retry policy.
func New(inner world.World) *Classifier {
	return NewWithPolicy(inner, DefaultPolicy)
}

// NewWithPolicy wraps inner with an explicit Policy, for tests that want a
// faster schedule.
func NewWithPolicy(inner world.World, policy Policy) *Classifier {
	return &Classifier{
		inner:  inner,
		policy: policy,
		rng:    rand.New(rand.NewSource(1)),
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

func retryOp[T any](c *Classifier, ctx context.Context, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxRetries+1; attempt++ {
		v, err := op()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt > c.policy.MaxRetries || !IsRetryable(err) {
			return zero, err
		}
		c.sleep(ctx, c.policy.delay(attempt, c.rng))
	}
	return zero, lastErr
}

// --- idempotent reads: retried ---

func (c *Classifier) GetDeploymentID(ctx context.Context) (string, error) {
	return retryOp(c, ctx, func() (string, error) { return c.inner.GetDeploymentID(ctx) })
}

func (c *Classifier) ReadFromStream(ctx context.Context, streamID string) ([]byte, error) {
	return retryOp(c, ctx, func() ([]byte, error) { return c.inner.ReadFromStream(ctx, streamID) })
}

func (c *Classifier) ListStreamsByRunID(ctx context.Context, runID string) ([]string, error) {
	return retryOp(c, ctx, func() ([]string, error) { return c.inner.ListStreamsByRunID(ctx, runID) })
}

func (c *Classifier) RunsGet(ctx context.Context, runID string, mode event.ResolveMode) (*store.Run, error) {
	return retryOp(c, ctx, func() (*store.Run, error) { return c.inner.RunsGet(ctx, runID, mode) })
}

func (c *Classifier) RunsList(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return retryOp(c, ctx, func() ([]*store.Run, error) { return c.inner.RunsList(ctx, filter) })
}

func (c *Classifier) StepsGet(ctx context.Context, runID, stepID string, mode event.ResolveMode) (*store.Step, error) {
	return retryOp(c, ctx, func() (*store.Step, error) { return c.inner.StepsGet(ctx, runID, stepID, mode) })
}

func (c *Classifier) StepsList(ctx context.Context, runID string, mode event.ResolveMode) ([]*store.Step, error) {
	return retryOp(c, ctx, func() ([]*store.Step, error) { return c.inner.StepsList(ctx, runID, mode) })
}

func (c *Classifier) EventsList(ctx context.Context, runID string, page store.Page) (store.EventPage, error) {
	return retryOp(c, ctx, func() (store.EventPage, error) { return c.inner.EventsList(ctx, runID, page) })
}

func (c *Classifier) EventsListByCorrelationID(ctx context.Context, runID, correlationID string) ([]*event.Event, error) {
	return retryOp(c, ctx, func() ([]*event.Event, error) {
		return c.inner.EventsListByCorrelationID(ctx, runID, correlationID)
	})
}

func (c *Classifier) HooksGet(ctx context.Context, runID, hookID string) (*store.Hook, error) {
	return retryOp(c, ctx, func() (*store.Hook, error) { return c.inner.HooksGet(ctx, runID, hookID) })
}

func (c *Classifier) HooksGetByToken(ctx context.Context, token string) (*store.Hook, error) {
	return retryOp(c, ctx, func() (*store.Hook, error) { return c.inner.HooksGetByToken(ctx, token) })
}

func (c *Classifier) HooksList(ctx context.Context, runID string) ([]*store.Hook, error) {
	return retryOp(c, ctx, func() ([]*store.Hook, error) { return c.inner.HooksList(ctx, runID) })
}

// --- non-idempotent: unretried passthrough ---

func (c *Classifier) WriteToStream(ctx context.Context, streamID string, data []byte) error {
	return c.inner.WriteToStream(ctx, streamID, data)
}

func (c *Classifier) CloseStream(ctx context.Context, streamID string) error {
	return c.inner.CloseStream(ctx, streamID)
}

func (c *Classifier) RunsCancel(ctx context.Context, runID string) (*store.CreateEventResult, error) {
	return c.inner.RunsCancel(ctx, runID)
}

func (c *Classifier) EventsCreate(ctx context.Context, in store.CreateEventInput) (*store.CreateEventResult, error) {
	return c.inner.EventsCreate(ctx, in)
}

func (c *Classifier) HooksDispose(ctx context.Context, runID, hookID string) (*store.CreateEventResult, error) {
	return c.inner.HooksDispose(ctx, runID, hookID)
}

func (c *Classifier) Enqueue(ctx context.Context, msg queue.Message) error {
	return c.inner.Enqueue(ctx, msg)
}

var _ world.World = (*Classifier)(nil)
