package store

import (
	"fmt"
	"time"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/ids"
	"github.com/runflow-dev/workflow/workflowerr"
)

// terminalRunEvents is the set of event types that attempt a run-state
// transition; per §4.1 step 4, any of these other than an idempotent
// run_cancelled-on-cancelled hits a run already in a terminal status and
// fails with TerminalConflictError.
var terminalRunEvents = map[event.Type]bool{
	event.RunStarted:   true,
	event.RunCompleted: true,
	event.RunFailed:    true,
	event.RunCancelled: true,
}

// stepMutationEvents is the set of event types that modify an existing
// step; while the owning run is terminal these are permitted only if the
// step itself is currently running, per §4.1 step 4's last bullet.
var stepMutationEvents = map[event.Type]bool{
	event.StepStarted:   true,
	event.StepCompleted: true,
	event.StepFailed:    true,
	event.StepRetrying:  true,
}

// Engine applies the validation pipeline and entity derivations of spec
// §4.1 against any backend's Txn. Every concrete Store (memstore, sqlite,
// postgres, mysql) delegates CreateEvent to Engine.CreateEvent inside its
// own transaction scope, so the invariants are defined exactly once.
type Engine struct {
	Clock Clock
	Gen   *ids.Generator
}

// NewEngine returns an Engine using the given clock and ID generator. A nil
// clock defaults to the system clock at call time.
func NewEngine(clock Clock, gen *ids.Generator) *Engine {
	if gen == nil {
		gen = ids.NewGenerator()
	}
	return &Engine{Clock: clock, Gen: gen}
}

// CreateEvent runs the full validation pipeline and, on success, the
// matching entity derivation, against txn. It is the single place spec
// §4.1's numbered steps are implemented.
func (e *Engine) CreateEvent(txn Txn, in CreateEventInput) (*CreateEventResult, error) {
	now := nowOrZero(e.Clock)

	// Step 1: synthesize run_id for run_created with none supplied.
	runID := in.RunID
	if in.Type == event.RunCreated && runID == "" {
		runID = e.Gen.New()
	}
	if runID == "" {
		return nil, workflowerr.NewValidation("run_id is required")
	}
	if !event.Valid(in.Type) {
		return nil, workflowerr.NewValidation(fmt.Sprintf("unknown event type %q", in.Type))
	}

	// Step 2: fetch the run unless this is run_created, or the event is one
	// of the two that validate status inside the conditional UPDATE.
	var run *Run
	skipRunFetch := in.Type == event.RunCreated || in.Type == event.StepCompleted || in.Type == event.StepRetrying
	if !skipRunFetch {
		r, found, err := txn.GetRun(runID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, workflowerr.NewNotFound(fmt.Sprintf("run %s not found", runID))
		}
		run = r

		// Step 3: version gate.
		if err := e.checkVersion(run); err != nil {
			return nil, err
		}
		if run.SpecVersion < LegacyVersionThreshold {
			return e.legacyCreateEvent(txn, run, in, now)
		}

		// Step 4: terminal guard.
		if run.Status.Terminal() {
			if res, handled, err := e.applyTerminalGuard(txn, run, in, now); handled {
				return res, err
			}
		}
	}

	switch in.Type {
	case event.RunCreated:
		return e.createRun(txn, runID, in, now)
	case event.RunStarted:
		return e.startRun(txn, run, now)
	case event.RunCompleted, event.RunFailed, event.RunCancelled:
		return e.terminateRun(txn, run, in, now)
	case event.StepCreated:
		return e.createStep(txn, run, in, now)
	case event.StepStarted:
		return e.startStep(txn, run, in, now)
	case event.StepCompleted:
		return e.completeStep(txn, runID, in, now, true)
	case event.StepFailed:
		return e.completeStep(txn, runID, in, now, false)
	case event.StepRetrying:
		return e.retryStep(txn, runID, in, now)
	case event.HookCreated:
		return e.createHook(txn, run, in, now)
	case event.HookDisposed:
		return e.disposeHook(txn, run, in, now)
	case event.HookReceived:
		return e.hookReceived(txn, run, in, now)
	case event.HookConflict:
		return e.logOnly(txn, run, in, now, "")
	case event.WaitCreated, event.WaitCompleted:
		return e.logOnly(txn, run, in, now, "")
	default:
		return nil, workflowerr.NewValidation(fmt.Sprintf("unhandled event type %q", in.Type))
	}
}

func (e *Engine) checkVersion(run *Run) error {
	if run.SpecVersion > CurrentSpecVersion {
		return workflowerr.NewUnsupportedVersion(
			fmt.Sprintf("run %s has spec_version %d, runtime supports up to %d", run.RunID, run.SpecVersion, CurrentSpecVersion))
	}
	return nil
}

// legacyCreateEvent implements the restricted handler for runs whose
// spec_version predates LegacyVersionThreshold: only run_cancelled (direct
// mutation) and wait_completed (log only) are accepted.
func (e *Engine) legacyCreateEvent(txn Txn, run *Run, in CreateEventInput, now time.Time) (*CreateEventResult, error) {
	switch in.Type {
	case event.RunCancelled:
		return e.terminateRun(txn, run, in, now)
	case event.WaitCompleted:
		return e.logOnly(txn, run, in, now, "")
	default:
		return nil, workflowerr.NewUnsupportedVersion(
			fmt.Sprintf("run %s is on legacy spec_version %d; only run_cancelled and wait_completed are accepted", run.RunID, run.SpecVersion))
	}
}

// applyTerminalGuard enforces §4.1 step 4. handled=true means the caller
// should return (res, err) immediately; handled=false means validation
// continues into the normal derivation switch (only reachable for
// non-run-state, non-step-mutation event types operating on a terminal
// run, e.g. hook_received against an already-GC'd hook, which will simply
// fail the hook existence guard downstream).
func (e *Engine) applyTerminalGuard(txn Txn, run *Run, in CreateEventInput, now time.Time) (*CreateEventResult, bool, error) {
	if in.Type == event.RunCancelled && run.Status == RunCancelled {
		evt, err := e.appendEvent(txn, run.RunID, in, now)
		return &CreateEventResult{Event: evt, Run: run}, true, err
	}
	if terminalRunEvents[in.Type] {
		return nil, true, workflowerr.NewTerminalConflict(
			fmt.Sprintf("run %s is terminal (%s)", run.RunID, run.Status))
	}
	if in.Type == event.StepCreated || in.Type == event.HookCreated {
		return nil, true, workflowerr.NewTerminalConflict(
			fmt.Sprintf("run %s is terminal (%s)", run.RunID, run.Status))
	}
	if stepMutationEvents[in.Type] {
		step, found, err := txn.GetStep(run.RunID, in.CorrelationID)
		if err != nil {
			return nil, true, err
		}
		if !found {
			return nil, true, workflowerr.NewNotFound(fmt.Sprintf("step %s not found", in.CorrelationID))
		}
		if step.Status != StepRunning {
			return nil, true, workflowerr.NewTerminalConflict(
				fmt.Sprintf("run %s is terminal and step %s is not running", run.RunID, step.StepID))
		}
	}
	return nil, false, nil
}

func (e *Engine) appendEvent(txn Txn, runID string, in CreateEventInput, now time.Time) (*event.Event, error) {
	evt := &event.Event{
		RunID:         runID,
		EventID:       txn.NextEventID(),
		CorrelationID: in.CorrelationID,
		Type:          in.Type,
		Data:          in.Data,
		CreatedAt:     now,
		SpecVersion:   CurrentSpecVersion,
	}
	if err := txn.AppendEvent(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

func (e *Engine) logOnly(txn Txn, run *Run, in CreateEventInput, now time.Time, _ string) (*CreateEventResult, error) {
	evt, err := e.appendEvent(txn, in.RunID, in, now)
	if err != nil {
		return nil, err
	}
	return &CreateEventResult{Event: evt, Run: run}, nil
}

func (e *Engine) createRun(txn Txn, runID string, in CreateEventInput, now time.Time) (*CreateEventResult, error) {
	if in.RunFields == nil {
		return nil, workflowerr.NewValidation("run_created requires RunFields")
	}
	f := in.RunFields
	specVersion := f.SpecVersion
	if specVersion == 0 {
		specVersion = CurrentSpecVersion
	}
	run := &Run{
		RunID:            runID,
		DeploymentID:     f.DeploymentID,
		WorkflowName:     f.WorkflowName,
		SpecVersion:      specVersion,
		Input:            f.Input,
		ExecutionContext: f.ExecutionContext,
		Status:           RunPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := txn.PutRun(run); err != nil {
		return nil, err
	}
	evt, err := e.appendEvent(txn, runID, in, now)
	if err != nil {
		return nil, err
	}
	return &CreateEventResult{Event: evt, Run: run}, nil
}

func (e *Engine) startRun(txn Txn, run *Run, now time.Time) (*CreateEventResult, error) {
	run.Status = RunRunning
	if run.StartedAt == nil {
		t := now
		run.StartedAt = &t
	}
	run.UpdatedAt = now
	if err := txn.PutRun(run); err != nil {
		return nil, err
	}
	evt, err := e.appendEvent(txn, run.RunID, CreateEventInput{RunID: run.RunID, Type: event.RunStarted}, now)
	if err != nil {
		return nil, err
	}
	return &CreateEventResult{Event: evt, Run: run}, nil
}

func (e *Engine) terminateRun(txn Txn, run *Run, in CreateEventInput, now time.Time) (*CreateEventResult, error) {
	switch in.Type {
	case event.RunCompleted:
		run.Status = RunCompleted
		if in.StepResult != nil {
			run.Output = in.StepResult.Output
		} else if in.Data != nil {
			run.Output = in.Data["output"]
		}
	case event.RunFailed:
		run.Status = RunFailed
		run.Error = errorFromInput(in)
	case event.RunCancelled:
		run.Status = RunCancelled
	}
	t := now
	run.CompletedAt = &t
	run.UpdatedAt = now
	if err := txn.PutRun(run); err != nil {
		return nil, err
	}
	liveHooks, err := txn.ListHooksByRun(run.RunID)
	if err != nil {
		return nil, err
	}
	if err := txn.DeleteHooksByRun(run.RunID); err != nil {
		return nil, err
	}
	evt, err := e.appendEvent(txn, run.RunID, in, now)
	if err != nil {
		return nil, err
	}
	return &CreateEventResult{Event: evt, Run: run, HooksDeleted: len(liveHooks)}, nil
}

func errorFromInput(in CreateEventInput) *ErrorDetail {
	if in.StepResult != nil && in.StepResult.Error != nil {
		return in.StepResult.Error
	}
	if in.Data != nil {
		return CoerceErrorDetail(in.Data["error"])
	}
	return nil
}

// CoerceErrorDetail normalizes legacy error encodings (a bare string, a
// {message,stack} object without code, or nil) into *ErrorDetail.
func CoerceErrorDetail(raw any) *ErrorDetail {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return &ErrorDetail{Message: v}
	case *ErrorDetail:
		return v
	case ErrorDetail:
		return &v
	case map[string]any:
		d := &ErrorDetail{}
		if m, ok := v["message"].(string); ok {
			d.Message = m
		}
		if s, ok := v["stack"].(string); ok {
			d.Stack = s
		}
		if c, ok := v["code"].(string); ok {
			d.Code = c
		}
		return d
	default:
		return nil
	}
}

func (e *Engine) createStep(txn Txn, run *Run, in CreateEventInput, now time.Time) (*CreateEventResult, error) {
	if in.StepFields == nil || in.CorrelationID == "" {
		return nil, workflowerr.NewValidation("step_created requires StepFields and CorrelationID (step_id)")
	}
	// Existence guard, mirroring createHook's token-uniqueness check: two
	// racing EventsCreate(StepCreated) calls for the same call-site
	// CorrelationID must not both create a step and both append a
	// step_created event (the caller would then enqueue the step topic
	// twice, risking the user's step function running twice). Unlike a
	// duplicate hook token, a duplicate step_created has no dedicated event
	// type to log, so this is a plain no-op: return the existing step
	// without mutating anything further.
	if existing, found, err := txn.GetStep(run.RunID, in.CorrelationID); err != nil {
		return nil, err
	} else if found {
		return &CreateEventResult{Run: run, Step: existing, Conflict: true}, nil
	}
	step := &Step{
		RunID:     run.RunID,
		StepID:    in.CorrelationID,
		StepName:  in.StepFields.StepName,
		Status:    StepPending,
		Input:     &in.StepFields.Input,
		Attempt:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := txn.PutStep(step); err != nil {
		return nil, err
	}
	evt, err := e.appendEvent(txn, run.RunID, in, now)
	if err != nil {
		return nil, err
	}
	return &CreateEventResult{Event: evt, Run: run, Step: step}, nil
}

func (e *Engine) startStep(txn Txn, run *Run, in CreateEventInput, now time.Time) (*CreateEventResult, error) {
	// Step existence guard (§4.1 step 5): step_started requires the step
	// to already exist.
	step, found, err := txn.GetStep(run.RunID, in.CorrelationID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, workflowerr.NewNotFound(fmt.Sprintf("step %s not found", in.CorrelationID))
	}
	step.Status = StepRunning
	step.Attempt++
	if step.StartedAt == nil {
		t := now
		step.StartedAt = &t
	}
	step.UpdatedAt = now
	if err := txn.PutStep(step); err != nil {
		return nil, err
	}
	evt, err := e.appendEvent(txn, run.RunID, in, now)
	if err != nil {
		return nil, err
	}
	return &CreateEventResult{Event: evt, Run: run, Step: step}, nil
}

// completeStep handles both step_completed and step_failed. step_completed
// skips the run fetch; both validate via a conditional update whose
// predicate excludes already-terminal steps, per §4.1 step 5. A step_failed
// whose error is not coded FATAL is informational: it records the error but
// leaves the step's status unchanged for the step_retrying that follows.
// The appended event's data carries the output ("output") or the error
// ("error"), so replay can resolve the call from the log.
func (e *Engine) completeStep(txn Txn, runID string, in CreateEventInput, now time.Time, success bool) (*CreateEventResult, error) {
	var result *Step
	var failure *ErrorDetail
	ok, found, err := txn.TryUpdateStep(runID, in.CorrelationID, []StepStatus{StepPending, StepRunning}, func(s *Step) {
		if success {
			s.Status = StepCompleted
			if in.StepResult != nil {
				s.Output = in.StepResult.Output
			}
		} else {
			failure = errorFromInput(in)
			s.Error = failure
			if failure == nil || failure.Code != string(workflowerr.CodeFatal) {
				s.UpdatedAt = now
				result = s
				return
			}
			s.Status = StepFailed
		}
		t := now
		s.CompletedAt = &t
		s.UpdatedAt = now
		result = s
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Secondary lookup to distinguish NotFound from TerminalConflict.
		s, found2, err := txn.GetStep(runID, in.CorrelationID)
		if err != nil {
			return nil, err
		}
		if !found || !found2 {
			return nil, workflowerr.NewNotFound(fmt.Sprintf("step %s not found", in.CorrelationID))
		}
		return nil, workflowerr.NewTerminalConflict(fmt.Sprintf("step %s already %s", s.StepID, s.Status))
	}
	data := make(map[string]any, len(in.Data)+1)
	for k, v := range in.Data {
		data[k] = v
	}
	if success && in.StepResult != nil {
		data["output"] = in.StepResult.Output
	} else if failure != nil {
		data["error"] = failure
	}
	in.Data = data
	evt, err := e.appendEvent(txn, runID, in, now)
	if err != nil {
		return nil, err
	}
	return &CreateEventResult{Event: evt, Step: result}, nil
}

func (e *Engine) retryStep(txn Txn, runID string, in CreateEventInput, now time.Time) (*CreateEventResult, error) {
	// step_retrying also skips the run fetch per §4.1 step 2 but, unlike
	// step_completed/failed, the step must already exist per step 5 — it
	// is always issued against a step the executor just loaded.
	step, found, err := txn.GetStep(runID, in.CorrelationID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, workflowerr.NewNotFound(fmt.Sprintf("step %s not found", in.CorrelationID))
	}
	if step.Status.Terminal() {
		return nil, workflowerr.NewTerminalConflict(fmt.Sprintf("step %s already %s", step.StepID, step.Status))
	}
	step.Status = StepPending
	if in.StepResult != nil {
		step.Error = errorFromInput(in)
		step.RetryAfter = in.StepResult.RetryAfter
	}
	step.UpdatedAt = now
	if err := txn.PutStep(step); err != nil {
		return nil, err
	}
	evt, err := e.appendEvent(txn, runID, in, now)
	if err != nil {
		return nil, err
	}
	return &CreateEventResult{Event: evt, Step: step}, nil
}

func (e *Engine) createHook(txn Txn, run *Run, in CreateEventInput, now time.Time) (*CreateEventResult, error) {
	if in.HookFields == nil || in.HookFields.Token == "" {
		return nil, workflowerr.NewValidation("hook_created requires HookFields.Token")
	}
	// Step 7: token uniqueness across live hooks.
	if existing, found, err := txn.GetHookByToken(in.HookFields.Token); err != nil {
		return nil, err
	} else if found {
		conflictIn := CreateEventInput{
			RunID:         run.RunID,
			Type:          event.HookConflict,
			CorrelationID: in.CorrelationID,
			Data:          map[string]any{"token": in.HookFields.Token, "existing_hook_id": existing.HookID},
		}
		evt, err := e.appendEvent(txn, run.RunID, conflictIn, now)
		if err != nil {
			return nil, err
		}
		return &CreateEventResult{Event: evt, Run: run, Hook: existing, Conflict: true}, nil
	}
	hookID := in.CorrelationID
	if hookID == "" {
		hookID = e.Gen.New()
	}
	hook := &Hook{
		RunID:     run.RunID,
		HookID:    hookID,
		Token:     in.HookFields.Token,
		Metadata:  in.HookFields.Metadata,
		CreatedAt: now,
	}
	if err := txn.PutHook(hook); err != nil {
		return nil, err
	}
	evt, err := e.appendEvent(txn, run.RunID, CreateEventInput{RunID: run.RunID, Type: event.HookCreated, CorrelationID: hookID, Data: in.Data}, now)
	if err != nil {
		return nil, err
	}
	return &CreateEventResult{Event: evt, Run: run, Hook: hook}, nil
}

// hookReceived implements §4.1 step 6's existence guard for hook_received:
// the hook must exist before its resume payload is logged.
func (e *Engine) hookReceived(txn Txn, run *Run, in CreateEventInput, now time.Time) (*CreateEventResult, error) {
	hook, err := e.findHookInRun(txn, run.RunID, in.CorrelationID)
	if err != nil {
		return nil, err
	}
	if hook == nil {
		return nil, workflowerr.NewNotFound(fmt.Sprintf("hook %s not found", in.CorrelationID))
	}
	evt, err := e.appendEvent(txn, run.RunID, in, now)
	if err != nil {
		return nil, err
	}
	return &CreateEventResult{Event: evt, Run: run, Hook: hook}, nil
}

func (e *Engine) findHookInRun(txn Txn, runID, hookID string) (*Hook, error) {
	hooks, err := txn.ListHooksByRun(runID)
	if err != nil {
		return nil, err
	}
	for _, h := range hooks {
		if h.HookID == hookID {
			return h, nil
		}
	}
	return nil, nil
}

func (e *Engine) disposeHook(txn Txn, run *Run, in CreateEventInput, now time.Time) (*CreateEventResult, error) {
	found, err := e.findHookInRun(txn, run.RunID, in.CorrelationID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, workflowerr.NewNotFound(fmt.Sprintf("hook %s not found", in.CorrelationID))
	}
	if err := txn.DeleteHook(run.RunID, found.HookID); err != nil {
		return nil, err
	}
	evt, err := e.appendEvent(txn, run.RunID, in, now)
	if err != nil {
		return nil, err
	}
	return &CreateEventResult{Event: evt, Run: run, Hook: found}, nil
}
