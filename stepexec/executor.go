// Package stepexec implements the step state machine and execution
// procedure of spec §4.4: hydrate arguments, invoke the registered user
// step function, persist the result, and classify any error into the
// fatal/retryable/exhausted branches the procedure names.
package stepexec

import (
	"context"
	"math"
	"time"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/metrics"
	"github.com/runflow-dev/workflow/queue"
	"github.com/runflow-dev/workflow/serialize"
	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/workflowerr"
	"github.com/runflow-dev/workflow/world"
)

// DefaultMaxRetries is spec §4.4's default of 3 retries (4 total attempts)
// for a step with no declared policy.
const DefaultMaxRetries = 3

// DefaultRetryDeferral is the deferral applied to a generic (unclassified)
// step failure per §4.4 step 5's last bullet.
const DefaultRetryDeferral = 1 * time.Second

// StepContext is the per-invocation context passed to a user step
// function, carrying the fields §4.4 step 3 names.
type StepContext struct {
	RunID       string
	StepID      string
	StartedAt   time.Time
	Attempt     int
	WorkflowURL string
}

// Func is a registered step function. args and closure are already
// hydrated (live handles bound to this run) by the time Func is called;
// its return value is dehydrated before being persisted.
type Func func(ctx context.Context, sc *StepContext, args []any, closure map[string]any) (any, error)

// Policy configures a step's retry budget. The zero value (MaxRetries: 0)
// is NOT the default — registrations without an explicit Policy get
// DefaultMaxRetries via Executor.Register.
type Policy struct {
	MaxRetries int
}

// Executor drives the step state machine of spec §4.4.
type Executor struct {
	world        world.World
	codec        *serialize.Codec
	funcs        map[string]Func
	policies     map[string]Policy
	workflowURLs map[string]string
	metrics      *metrics.Metrics
}

// New returns an Executor bound to w, hydrating/dehydrating step
// input/output through codec. m may be nil.
func New(w world.World, codec *serialize.Codec, m *metrics.Metrics) *Executor {
	return &Executor{
		world:        w,
		codec:        codec,
		funcs:        make(map[string]Func),
		policies:     make(map[string]Policy),
		workflowURLs: make(map[string]string),
		metrics:      m,
	}
}

// Register binds fn to stepName with the given policy. A zero Policy (or
// Register never called for this step) falls back to DefaultMaxRetries.
func (ex *Executor) Register(stepName string, fn Func, policy Policy) {
	if policy.MaxRetries == 0 {
		policy.MaxRetries = DefaultMaxRetries
	}
	ex.funcs[stepName] = fn
	ex.policies[stepName] = policy
}

func (ex *Executor) maxRetries(stepName string) int {
	if p, ok := ex.policies[stepName]; ok {
		return p.MaxRetries
	}
	return DefaultMaxRetries
}

// Handle is the queue.Handler for step.<name> topics.
func (ex *Executor) Handle(ctx context.Context, msg queue.Message) (queue.Outcome, error) {
	step, err := ex.world.StepsGet(ctx, msg.RunID, msg.StepID, event.ResolveAll)
	if err != nil {
		return queue.Outcome{}, err
	}
	maxRetries := ex.maxRetries(step.StepName)

	// Pre-check 1: this delivery would exceed the attempt budget outright
	// (recovery from a crash that left attempt incremented without the
	// corresponding terminal write landing).
	if step.Attempt+1 > maxRetries+1 {
		return ex.failExceeded(ctx, step)
	}

	// Pre-check 2: erroneous re-delivery.
	if step.Status != store.StepPending && step.Status != store.StepRunning {
		if step.Status.Terminal() {
			return ex.reenqueueOrchestrator(ctx, msg.RunID, step.StepName)
		}
		return queue.Outcome{}, nil
	}

	// Pre-check 3: retry_after gating.
	if step.RetryAfter != nil {
		now := time.Now().UTC()
		if now.Before(*step.RetryAfter) {
			remaining := step.RetryAfter.Sub(now).Seconds()
			return queue.Outcome{TimeoutSeconds: math.Ceil(remaining)}, nil
		}
	}

	startedRes, err := ex.world.EventsCreate(ctx, store.CreateEventInput{
		RunID: msg.RunID, Type: event.StepStarted, CorrelationID: msg.StepID,
	})
	if isTerminalConflict(err) {
		return queue.Outcome{}, nil
	}
	if err != nil {
		return queue.Outcome{}, err
	}
	step = startedRes.Step

	fn, ok := ex.funcs[step.StepName]
	if !ok {
		return ex.failFatal(ctx, msg.RunID, step, "no step function registered for "+step.StepName)
	}

	args, closure, err := ex.codec.HydrateInput(ctx, msg.RunID, step.Input)
	if err != nil {
		return queue.Outcome{}, err
	}

	sc := &StepContext{
		RunID:       msg.RunID,
		StepID:      msg.StepID,
		StartedAt:   *step.StartedAt,
		Attempt:     step.Attempt,
		WorkflowURL: ex.workflowURLs[step.StepName],
	}

	invokeStart := time.Now()
	output, runErr := fn(ctx, sc, args, closure)
	if ex.metrics != nil {
		status := "success"
		if runErr != nil {
			status = "error"
		}
		ex.metrics.RecordStepLatency(step.StepName, status, time.Since(invokeStart))
	}
	if runErr == nil {
		dehydrated := ex.codec.DehydrateValue(ctx, output)
		ex.codec.Flush()
		_, err := ex.world.EventsCreate(ctx, store.CreateEventInput{
			RunID: msg.RunID, Type: event.StepCompleted, CorrelationID: msg.StepID,
			StepResult: &store.StepResultFields{Output: dehydrated},
		})
		if isTerminalConflict(err) {
			return queue.Outcome{}, nil
		}
		if err != nil {
			return queue.Outcome{}, err
		}
		return ex.reenqueueOrchestrator(ctx, msg.RunID, step.StepName)
	}

	return ex.handleFailure(ctx, msg.RunID, step, maxRetries, runErr)
}

func (ex *Executor) handleFailure(ctx context.Context, runID string, step *store.Step, maxRetries int, runErr error) (queue.Outcome, error) {
	classified, ok := workflowerr.AsClassified(runErr)
	if ok {
		switch classified.Code() {
		case workflowerr.CodeFatal:
			return ex.failFatal(ctx, runID, step, classified.Detail().Message)
		case workflowerr.CodeTerminalConflict:
			return queue.Outcome{}, nil
		case workflowerr.CodeRetryable:
			re, _ := classified.(*workflowerr.RetryableError)
			delay := re.RetryAfterSeconds
			if delay <= 0 {
				delay = DefaultRetryDeferral.Seconds()
			}
			retryAfter := time.Now().UTC().Add(time.Duration(delay * float64(time.Second)))
			_, err := ex.world.EventsCreate(ctx, store.CreateEventInput{
				RunID: runID, Type: event.StepRetrying, CorrelationID: step.StepID,
				StepResult: &store.StepResultFields{Error: &store.ErrorDetail{Message: re.Error()}, RetryAfter: &retryAfter},
			})
			if isTerminalConflict(err) {
				return queue.Outcome{}, nil
			}
			if err != nil {
				return queue.Outcome{}, err
			}
			if ex.metrics != nil {
				ex.metrics.IncrementRetries(step.StepName, "retryable")
			}
			return queue.Outcome{TimeoutSeconds: delay}, nil
		}
	}

	// Unclassified/generic error.
	if step.Attempt >= maxRetries+1 {
		return ex.failExceeded(ctx, step)
	}

	_, err := ex.world.EventsCreate(ctx, store.CreateEventInput{
		RunID: runID, Type: event.StepFailed, CorrelationID: step.StepID,
		StepResult: &store.StepResultFields{Error: &store.ErrorDetail{Message: runErr.Error()}},
	})
	if isTerminalConflict(err) {
		return queue.Outcome{}, nil
	}
	if err != nil {
		return queue.Outcome{}, err
	}

	retryAfter := time.Now().UTC().Add(DefaultRetryDeferral)
	_, err = ex.world.EventsCreate(ctx, store.CreateEventInput{
		RunID: runID, Type: event.StepRetrying, CorrelationID: step.StepID,
		StepResult: &store.StepResultFields{RetryAfter: &retryAfter},
	})
	if isTerminalConflict(err) {
		return queue.Outcome{}, nil
	}
	if err != nil {
		return queue.Outcome{}, err
	}
	if ex.metrics != nil {
		ex.metrics.IncrementRetries(step.StepName, "error")
	}
	return queue.Outcome{TimeoutSeconds: DefaultRetryDeferral.Seconds()}, nil
}

func (ex *Executor) failFatal(ctx context.Context, runID string, step *store.Step, message string) (queue.Outcome, error) {
	_, err := ex.world.EventsCreate(ctx, store.CreateEventInput{
		RunID: runID, Type: event.StepFailed, CorrelationID: step.StepID,
		StepResult: &store.StepResultFields{Error: &store.ErrorDetail{Message: message, Code: string(workflowerr.CodeFatal)}},
	})
	if isTerminalConflict(err) {
		return queue.Outcome{}, nil
	}
	if err != nil {
		return queue.Outcome{}, err
	}
	return ex.reenqueueOrchestrator(ctx, runID, step.StepName)
}

func (ex *Executor) failExceeded(ctx context.Context, step *store.Step) (queue.Outcome, error) {
	_, err := ex.world.EventsCreate(ctx, store.CreateEventInput{
		RunID: step.RunID, Type: event.StepFailed, CorrelationID: step.StepID,
		StepResult: &store.StepResultFields{Error: &store.ErrorDetail{Message: "exceeded max retries", Code: string(workflowerr.CodeFatal)}},
	})
	if isTerminalConflict(err) {
		return queue.Outcome{}, nil
	}
	if err != nil {
		return queue.Outcome{}, err
	}
	return ex.reenqueueOrchestrator(ctx, step.RunID, step.StepName)
}

func (ex *Executor) reenqueueOrchestrator(ctx context.Context, runID, stepName string) (queue.Outcome, error) {
	run, err := ex.world.RunsGet(ctx, runID, event.ResolveNone)
	if err != nil {
		return queue.Outcome{}, err
	}
	if err := ex.world.Enqueue(ctx, queue.Message{Topic: queue.WorkflowTopic(run.WorkflowName), RunID: runID}); err != nil {
		return queue.Outcome{}, err
	}
	return queue.Outcome{}, nil
}

func isTerminalConflict(err error) bool {
	c, ok := workflowerr.AsClassified(err)
	return ok && c.Code() == workflowerr.CodeTerminalConflict
}
