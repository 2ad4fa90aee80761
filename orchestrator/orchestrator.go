// Package orchestrator implements the per-run reducer of spec §4.3: on
// every workflow-queue delivery it loads the run, replays the registered
// Workflow function against the event log, and either suspends (leaving
// pending events for a future delivery to resolve) or emits a terminal run
// event.
//
// Replay strategy: rather than modeling suspension with goroutines or an
// explicit continuation store, the Workflow function is re-run from its
// first line on every delivery (the "pure reducer" option named in the
// design notes). Each call to ReplayContext.Step/Sleep/Hook is a synchronous
// lookup against the already-persisted event log; if the call is not yet
// resolved, it unwinds the call stack via a typed panic/recover pair
// (suspendSignal) instead of returning to the caller, so no code after an
// unresolved call ever executes. Because the event log is immutable and the
// lookups are deterministic, re-running the function from scratch always
// reaches the same point and produces the same side-effecting emissions
// (none, since steps themselves never run here — only their enqueue).
package orchestrator

import (
	"context"
	"fmt"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/queue"
	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/workflowerr"
	"github.com/runflow-dev/workflow/world"
)

// Workflow is user code whose calls to ReplayContext.Step/Sleep/Hook are
// intercepted, persisted, and replayed. input is the run's recorded
// argument list; the return value becomes the run's output, and a non-nil
// error fails the run (run_failed) unless it is itself a suspend signal,
// which Orchestrator handles internally and never exposes to callers.
type Workflow func(ctx context.Context, rc *ReplayContext, input []any) (any, error)

// Orchestrator holds the registry of Workflow functions and drives them
// against a world.World.
type Orchestrator struct {
	world     world.World
	workflows map[string]Workflow
}

// New returns an empty Orchestrator bound to w.
func New(w world.World) *Orchestrator {
	return &Orchestrator{world: w, workflows: make(map[string]Workflow)}
}

// Register binds a Workflow function to a workflow name (the stable
// "workflow//<file>//<function>" identifier from the manifest, or any
// caller-chosen name when the manifest is not in play).
func (o *Orchestrator) Register(workflowName string, fn Workflow) {
	o.workflows[workflowName] = fn
}

// Handle is the queue.Handler for workflow.<name> topics: it implements the
// four-step algorithm of spec §4.3.
func (o *Orchestrator) Handle(ctx context.Context, msg queue.Message) (queue.Outcome, error) {
	return o.Run(ctx, msg.RunID)
}

// Run executes one orchestrator tick for runID. It is exposed directly
// (distinct from Handle) so callers driving the dispatcher in-process — or
// webhook/step-completion paths that re-enqueue the orchestrator — can
// invoke it without constructing a queue.Message.
func (o *Orchestrator) Run(ctx context.Context, runID string) (queue.Outcome, error) {
	run, err := o.world.RunsGet(ctx, runID, event.ResolveAll)
	if err != nil {
		return queue.Outcome{}, err
	}

	// Step 1: terminal runs are acknowledged without further work.
	if run.Status.Terminal() {
		return queue.Outcome{}, nil
	}

	if run.Status == store.RunPending {
		if _, err := o.world.EventsCreate(ctx, store.CreateEventInput{RunID: runID, Type: event.RunStarted}); err != nil {
			return queue.Outcome{}, err
		}
		run, err = o.world.RunsGet(ctx, runID, event.ResolveAll)
		if err != nil {
			return queue.Outcome{}, err
		}
	}

	fn, ok := o.workflows[run.WorkflowName]
	if !ok {
		return queue.Outcome{}, fmt.Errorf("orchestrator: no workflow registered for %q", run.WorkflowName)
	}

	rc := &ReplayContext{world: o.world, runID: runID}
	return o.runWorkflow(ctx, fn, rc, run)
}

func (o *Orchestrator) runWorkflow(ctx context.Context, fn Workflow, rc *ReplayContext, run *store.Run) (outcome queue.Outcome, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch sig := r.(type) {
		case suspendSignal:
			outcome, err = sig.outcome, nil
		case errSignal:
			outcome, err = queue.Outcome{}, sig.err
		default:
			panic(r)
		}
	}()

	output, werr := fn(ctx, rc, run.Input)
	if werr != nil {
		detail := &store.ErrorDetail{Message: werr.Error()}
		if classified, ok := workflowerr.AsClassified(werr); ok {
			d := classified.Detail()
			detail = &store.ErrorDetail{Message: d.Message, Stack: d.Stack, Code: d.Code}
		}
		if _, cErr := o.world.EventsCreate(ctx, store.CreateEventInput{
			RunID: run.RunID, Type: event.RunFailed,
			StepResult: &store.StepResultFields{Error: detail},
		}); cErr != nil {
			return queue.Outcome{}, cErr
		}
		return queue.Outcome{}, nil
	}

	if _, cErr := o.world.EventsCreate(ctx, store.CreateEventInput{
		RunID: run.RunID, Type: event.RunCompleted,
		StepResult: &store.StepResultFields{Output: output},
	}); cErr != nil {
		return queue.Outcome{}, cErr
	}
	return queue.Outcome{}, nil
}

// hookConflictError is raised by ReplayContext.Hook when the store reports
// the hook's token collided with an existing live hook. It is translated
// into a FatalError before reaching run_failed, per §4.5's "the
// orchestrator surfaces this as a workflow-visible failure."
type hookConflictError struct{ token string }

func (e *hookConflictError) Error() string {
	return fmt.Sprintf("hook token %q is already in use by a live hook", e.token)
}
