// Package hook implements the hook manager and webhook delivery of spec
// §4.5: token generation, token→hook lookup, resume, and disposal. A Hook
// is a durable suspension point a run is waiting on; its lifetime is
// bounded by the owning run's (hooks are deleted on the run's terminal
// event, enforced by store.Engine, not by this package).
package hook

import (
	"context"

	"github.com/google/uuid"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/metrics"
	"github.com/runflow-dev/workflow/queue"
	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/world"
)

// Manager creates, looks up, resumes, and disposes hooks through a
// world.World.
type Manager struct {
	world   world.World
	metrics *metrics.Metrics
}

// New returns a Manager bound to w. m may be nil.
func New(w world.World, m *metrics.Metrics) *Manager {
	return &Manager{world: w, metrics: m}
}

// NewToken generates an opaque hook token using google/uuid (v4), giving
// collision-negligible uniqueness ahead of the store's own token-uniqueness
// check, per §4.5.
func NewToken() string {
	return uuid.NewString()
}

// Create emits a hook_created event for runID at the call-site-derived
// correlationID (the hook_id), with the given opaque token. If a live hook
// already holds that token, the store rewrites this into a hook_conflict
// event instead of creating the hook; Create reports that via the returned
// result's Conflict flag rather than an error, matching §4.1 step 7.
func (m *Manager) Create(ctx context.Context, runID, correlationID, token string, metadata map[string]any) (*store.CreateEventResult, error) {
	res, err := m.world.EventsCreate(ctx, store.CreateEventInput{
		RunID:         runID,
		Type:          event.HookCreated,
		CorrelationID: correlationID,
		HookFields:    &store.HookCreateFields{Token: token, Metadata: metadata},
	})
	if err == nil && m.metrics != nil && res != nil && !res.Conflict {
		m.metrics.RecordHookCreated()
	}
	return res, err
}

// LookupByToken resolves a live hook by its token. Returns a NotFoundError
// (HTTP 404 via workflowerr.NotFoundError.Status) when no live hook holds
// the token, which the webhook handler surfaces directly.
func (m *Manager) LookupByToken(ctx context.Context, token string) (*store.Hook, error) {
	return m.world.HooksGetByToken(ctx, token)
}

// Resume delivers payload to the hook addressed by token: it looks the
// hook up, emits hook_received for its run, and re-enqueues that run's
// orchestrator, per §4.5's webhook procedure. Returns the hook's run ID on
// success; httpapi's webhook handler does not use it.
func (m *Manager) Resume(ctx context.Context, token string, payload any) (runID string, err error) {
	h, err := m.LookupByToken(ctx, token)
	if err != nil {
		return "", err
	}
	if _, err := m.world.EventsCreate(ctx, store.CreateEventInput{
		RunID:         h.RunID,
		Type:          event.HookReceived,
		CorrelationID: h.HookID,
		Data:          map[string]any{"payload": payload},
	}); err != nil {
		return "", err
	}
	run, err := m.world.RunsGet(ctx, h.RunID, event.ResolveNone)
	if err != nil {
		return "", err
	}
	if err := m.world.Enqueue(ctx, queue.Message{Topic: queue.WorkflowTopic(run.WorkflowName), RunID: h.RunID}); err != nil {
		return "", err
	}
	return h.RunID, nil
}

// Dispose emits a hook_disposed event, deleting the hook.
func (m *Manager) Dispose(ctx context.Context, runID, hookID string) error {
	_, err := m.world.HooksDispose(ctx, runID, hookID)
	return err
}

// List returns every live hook for runID.
func (m *Manager) List(ctx context.Context, runID string) ([]*store.Hook, error) {
	return m.world.HooksList(ctx, runID)
}

// IsConflict reports whether res (a hook_conflict CreateEventResult, as
// observed by the orchestrator replaying a prior hook_created) should
// surface to workflow code as a FatalError, matching §4.5's "the
// orchestrator surfaces this as a workflow-visible failure".
func IsConflict(res *store.CreateEventResult) bool {
	return res != nil && res.Conflict
}
