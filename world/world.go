// Package world defines the abstract storage + queue + stream facade the
// rest of the engine depends on, per spec §2's "World interface" component.
// It is intentionally flat (no nested sub-interfaces) so that retry.Classifier
// can decorate exactly the operations named in spec §4.7's table by method
// name, and so that a single backend selector (filesystem, relational DB, or
// a hosted service) can implement the whole surface.
package world

import (
	"context"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/metrics"
	"github.com/runflow-dev/workflow/queue"
	"github.com/runflow-dev/workflow/store"
)

// World is the single dependency the orchestrator, step executor, and hook
// manager take. Every method here corresponds to a row of spec §4.7's
// retry-classification table.
type World interface {
	// GetDeploymentID, ReadFromStream, and ListStreamsByRunID are
	// idempotent reads (retried by the classifier).
	GetDeploymentID(ctx context.Context) (string, error)
	ReadFromStream(ctx context.Context, streamID string) ([]byte, error)
	ListStreamsByRunID(ctx context.Context, runID string) ([]string, error)

	// WriteToStream and CloseStream are non-idempotent (not retried).
	WriteToStream(ctx context.Context, streamID string, data []byte) error
	CloseStream(ctx context.Context, streamID string) error

	// RunsGet/RunsList are idempotent reads.
	RunsGet(ctx context.Context, runID string, mode event.ResolveMode) (*store.Run, error)
	RunsList(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	// RunsCancel is non-idempotent.
	RunsCancel(ctx context.Context, runID string) (*store.CreateEventResult, error)

	// StepsGet/StepsList are idempotent reads.
	StepsGet(ctx context.Context, runID, stepID string, mode event.ResolveMode) (*store.Step, error)
	StepsList(ctx context.Context, runID string, mode event.ResolveMode) ([]*store.Step, error)

	// EventsList/EventsListByCorrelationID are idempotent reads.
	EventsList(ctx context.Context, runID string, page store.Page) (store.EventPage, error)
	EventsListByCorrelationID(ctx context.Context, runID, correlationID string) ([]*event.Event, error)
	// EventsCreate is the single write path (non-idempotent): it is not in
	// spec §4.7's retried set.
	EventsCreate(ctx context.Context, in store.CreateEventInput) (*store.CreateEventResult, error)

	// HooksGet/HooksGetByToken/HooksList are idempotent reads.
	HooksGet(ctx context.Context, runID, hookID string) (*store.Hook, error)
	HooksGetByToken(ctx context.Context, token string) (*store.Hook, error)
	HooksList(ctx context.Context, runID string) ([]*store.Hook, error)
	// HooksDispose is non-idempotent.
	HooksDispose(ctx context.Context, runID, hookID string) (*store.CreateEventResult, error)

	// Enqueue is non-idempotent ("queue" in the retry table).
	Enqueue(ctx context.Context, msg queue.Message) error
}

// Stream is the minimal stream facade a backend must provide for
// hydrate/dehydrate of stream-valued step arguments, per §4.6.
type Stream interface {
	Read(ctx context.Context, streamID string) ([]byte, error)
	Write(ctx context.Context, streamID string, data []byte) error
	Close(ctx context.Context, streamID string) error
	ListByRunID(ctx context.Context, runID string) ([]string, error)
}

// Default is the straightforward World implementation gluing a store.Store,
// a queue.Dispatcher, and a Stream together — what every real deployment
// uses (with backend-specific Store and Stream implementations swapped in
// by config.Load's WORKFLOW_TARGET_WORLD selection).
type Default struct {
	Store        store.Store
	Dispatcher   *queue.Dispatcher
	Streams      Stream
	DeploymentID string
	// Metrics is optional; a nil Metrics leaves EventsCreate's hook-GC
	// recording a no-op.
	Metrics *metrics.Metrics
}

// New returns a Default World over the given components. m may be nil.
func New(s store.Store, d *queue.Dispatcher, streams Stream, deploymentID string, m *metrics.Metrics) *Default {
	return &Default{Store: s, Dispatcher: d, Streams: streams, DeploymentID: deploymentID, Metrics: m}
}

func (w *Default) GetDeploymentID(ctx context.Context) (string, error) { return w.DeploymentID, nil }

func (w *Default) ReadFromStream(ctx context.Context, streamID string) ([]byte, error) {
	return w.Streams.Read(ctx, streamID)
}

func (w *Default) ListStreamsByRunID(ctx context.Context, runID string) ([]string, error) {
	return w.Streams.ListByRunID(ctx, runID)
}

func (w *Default) WriteToStream(ctx context.Context, streamID string, data []byte) error {
	return w.Streams.Write(ctx, streamID, data)
}

func (w *Default) CloseStream(ctx context.Context, streamID string) error {
	return w.Streams.Close(ctx, streamID)
}

func (w *Default) RunsGet(ctx context.Context, runID string, mode event.ResolveMode) (*store.Run, error) {
	return w.Store.GetRun(runID, mode)
}

func (w *Default) RunsList(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return w.Store.ListRuns(filter)
}

func (w *Default) RunsCancel(ctx context.Context, runID string) (*store.CreateEventResult, error) {
	return w.EventsCreate(ctx, store.CreateEventInput{RunID: runID, Type: event.RunCancelled})
}

func (w *Default) StepsGet(ctx context.Context, runID, stepID string, mode event.ResolveMode) (*store.Step, error) {
	return w.Store.GetStep(runID, stepID, mode)
}

func (w *Default) StepsList(ctx context.Context, runID string, mode event.ResolveMode) ([]*store.Step, error) {
	return w.Store.ListSteps(runID, mode)
}

func (w *Default) EventsList(ctx context.Context, runID string, page store.Page) (store.EventPage, error) {
	return w.Store.ListEvents(runID, page)
}

func (w *Default) EventsListByCorrelationID(ctx context.Context, runID, correlationID string) ([]*event.Event, error) {
	return w.Store.ListEventsByCorrelationID(runID, correlationID)
}

func (w *Default) EventsCreate(ctx context.Context, in store.CreateEventInput) (*store.CreateEventResult, error) {
	res, err := w.Store.CreateEvent(in)
	if err == nil && w.Metrics != nil && res != nil && res.HooksDeleted > 0 {
		w.Metrics.RecordHooksGC(res.HooksDeleted)
	}
	return res, err
}

func (w *Default) HooksGet(ctx context.Context, runID, hookID string) (*store.Hook, error) {
	return w.Store.GetHook(runID, hookID)
}

func (w *Default) HooksGetByToken(ctx context.Context, token string) (*store.Hook, error) {
	return w.Store.GetHookByToken(token)
}

func (w *Default) HooksList(ctx context.Context, runID string) ([]*store.Hook, error) {
	return w.Store.ListHooks(runID)
}

func (w *Default) HooksDispose(ctx context.Context, runID, hookID string) (*store.CreateEventResult, error) {
	return w.Store.CreateEvent(store.CreateEventInput{RunID: runID, Type: event.HookDisposed, CorrelationID: hookID})
}

func (w *Default) Enqueue(ctx context.Context, msg queue.Message) error {
	return w.Dispatcher.Enqueue(ctx, msg)
}

var _ World = (*Default)(nil)
