package orchestrator

import (
	"context"
	"time"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/queue"
	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/workflowerr"
)

// ReplayContext is the handle a Workflow function uses to call declared
// step functions, sleep, and create hooks. Every method is a synchronous
// lookup against the run's event log; an unresolved call suspends the
// entire orchestrator tick via panic(suspendSignal{...}), recovered in
// Orchestrator.runWorkflow.
type ReplayContext struct {
	world interface {
		EventsListByCorrelationID(ctx context.Context, runID, correlationID string) ([]*event.Event, error)
		EventsCreate(ctx context.Context, in store.CreateEventInput) (*store.CreateEventResult, error)
		Enqueue(ctx context.Context, msg queue.Message) error
	}
	runID string
}

// suspendSignal unwinds the Workflow call stack without returning to any
// caller frame, leaving whatever events Step/Sleep/Hook already emitted as
// the only observable effect of this tick.
type suspendSignal struct {
	outcome queue.Outcome
}

func suspend(outcome queue.Outcome) {
	panic(suspendSignal{outcome: outcome})
}

// errSignal unwinds the Workflow call stack the same way suspendSignal
// does, but for a genuine World error (a storage failure reading/writing
// the event log) rather than an unresolved step/sleep/hook. runWorkflow's
// recover distinguishes the two and returns err normally instead of
// swallowing it as a suspend.
type errSignal struct{ err error }

func panicErr(err error) {
	panic(errSignal{err: err})
}

// decodeFireAt accepts either a live time.Time (memstore, which never
// round-trips event data through JSON) or an RFC3339 string (relational
// backends, which persist event_data as JSON).
func decodeFireAt(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// Step resolves a declared step call at callSiteID (the manifest-supplied,
// call-site-stable identifier — see the package doc and the "Call-site step
// identity" design note). stepName is the step's registered queue topic
// name. args are the positional arguments recorded on first call; closure
// captures named free variables alongside them, preserving the key set
// across replay per §4.6.
//
// Step never invokes the step body itself — that happens in stepexec. It
// either resolves immediately from a completed/failed event already in the
// log, or emits step_created and suspends.
func (rc *ReplayContext) Step(ctx context.Context, callSiteID, stepName string, args []any, closure map[string]any) (any, error) {
	events, err := rc.world.EventsListByCorrelationID(ctx, rc.runID, callSiteID)
	if err != nil {
		panicErr(err)
	}

	var created, completed, failed *event.Event
	for _, e := range events {
		switch e.Type {
		case event.StepCreated:
			created = e
		case event.StepCompleted:
			completed = e
		case event.StepFailed:
			// Only a FATAL step_failed ends the call; a plain one is
			// informational and is followed by step_retrying.
			if d := store.CoerceErrorDetail(e.Data["error"]); d != nil && d.Code == string(workflowerr.CodeFatal) {
				failed = e
			}
		}
	}

	if completed != nil {
		return completed.Data["output"], nil
	}
	if failed != nil {
		detail := store.CoerceErrorDetail(failed.Data["error"])
		msg := "step failed"
		if detail != nil {
			msg = detail.Message
		}
		return nil, workflowerr.NewFatal(msg)
	}
	if created == nil {
		res, err := rc.world.EventsCreate(ctx, store.CreateEventInput{
			RunID: rc.runID, Type: event.StepCreated, CorrelationID: callSiteID,
			StepFields: &store.StepCreateFields{StepName: stepName, Input: store.StepInput{Args: args, Closure: closure}},
		})
		if err != nil {
			panicErr(err)
		}
		// res.Conflict means a concurrent delivery for this run already
		// created the step between our EventsListByCorrelationID read above
		// and this write — store.Engine.createStep's existence guard turned
		// this call into a no-op rather than appending a second
		// step_created. That earlier delivery already enqueued the step
		// topic, so skip enqueueing again here.
		if !res.Conflict {
			if err := rc.world.Enqueue(ctx, queue.Message{Topic: queue.StepTopic(stepName), RunID: rc.runID, StepID: callSiteID}); err != nil {
				panicErr(err)
			}
		}
	}
	suspend(queue.Outcome{})
	panic("unreachable")
}

// Sleep suspends the workflow for d, modeled via wait_created/wait_completed
// events per §4.3 step 3. Re-entry after the deferral re-runs the workflow
// from the top; Sleep observes its own wait_created, finds the deadline has
// passed, emits wait_completed, and returns without suspending again.
func (rc *ReplayContext) Sleep(ctx context.Context, callSiteID string, d time.Duration) error {
	events, err := rc.world.EventsListByCorrelationID(ctx, rc.runID, callSiteID)
	if err != nil {
		panicErr(err)
	}

	var created, completed *event.Event
	for _, e := range events {
		switch e.Type {
		case event.WaitCreated:
			created = e
		case event.WaitCompleted:
			completed = e
		}
	}
	if completed != nil {
		return nil
	}
	if created == nil {
		fireAt := time.Now().UTC().Add(d)
		if _, err := rc.world.EventsCreate(ctx, store.CreateEventInput{
			RunID: rc.runID, Type: event.WaitCreated, CorrelationID: callSiteID,
			Data: map[string]any{"fire_at": fireAt},
		}); err != nil {
			panicErr(err)
		}
		suspend(queue.Outcome{TimeoutSeconds: d.Seconds()})
	}

	remaining := time.Until(decodeFireAt(created.Data["fire_at"]))
	if remaining > 0 {
		suspend(queue.Outcome{TimeoutSeconds: remaining.Seconds()})
	}
	if _, err := rc.world.EventsCreate(ctx, store.CreateEventInput{
		RunID: rc.runID, Type: event.WaitCompleted, CorrelationID: callSiteID,
	}); err != nil {
		panicErr(err)
	}
	return nil
}

// Hook creates (or resolves) a durable suspension point keyed by token, per
// §4.3 step 3 and §4.5. It returns the payload delivered by the matching
// webhook POST once received, or a FatalError carrying the message of a
// hookConflictError if the token collided with an existing live hook.
func (rc *ReplayContext) Hook(ctx context.Context, callSiteID, token string, metadata map[string]any) (any, error) {
	events, err := rc.world.EventsListByCorrelationID(ctx, rc.runID, callSiteID)
	if err != nil {
		panicErr(err)
	}

	var created, received, conflict *event.Event
	for _, e := range events {
		switch e.Type {
		case event.HookCreated:
			created = e
		case event.HookReceived:
			received = e
		case event.HookConflict:
			conflict = e
		}
	}
	if received != nil {
		return received.Data["payload"], nil
	}
	if conflict != nil {
		return nil, workflowerr.NewFatal((&hookConflictError{token: token}).Error())
	}
	if created == nil {
		res, err := rc.world.EventsCreate(ctx, store.CreateEventInput{
			RunID: rc.runID, Type: event.HookCreated, CorrelationID: callSiteID,
			HookFields: &store.HookCreateFields{Token: token, Metadata: metadata},
		})
		if err != nil {
			panicErr(err)
		}
		if res.Conflict {
			return nil, workflowerr.NewFatal((&hookConflictError{token: token}).Error())
		}
	}
	suspend(queue.Outcome{})
	panic("unreachable")
}
