// Package store implements the event-sourced entity store of spec §4.1: the
// single write path events.create, its validation pipeline, and the
// resulting Run/Step/Hook derivations. The validation/derivation logic
// itself lives in engine.go as pure functions over the Txn interface, so
// every backend (memstore, sqlite, postgres, mysql) shares one
// implementation of the invariants instead of reimplementing them four
// times with the risk of drift.
package store

import (
	"time"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/ids"
)

// CurrentSpecVersion is the spec_version this runtime understands. Runs
// created by this runtime are stamped with it; runs from a newer runtime
// fail with UnsupportedVersionError per §4.1 step 3.
const CurrentSpecVersion = 1

// LegacyVersionThreshold is the spec_version floor below which a run is
// routed to the restricted legacy handler (run_cancelled and
// wait_completed only) instead of the full event-sourcing pipeline, per
// §4.1 step 3 and the "Version gating" design note.
const LegacyVersionThreshold = 1

// CreateEventInput is the single argument to Store.CreateEvent. Exactly one
// of the typed *Fields pointers is populated, matching Type; Data carries
// the free-form payload for log-only event types (hook_received's delivered
// payload, wait_created/wait_completed bookkeeping).
type CreateEventInput struct {
	RunID         string
	Type          event.Type
	CorrelationID string
	Data          map[string]any

	RunFields    *RunCreateFields
	StepFields   *StepCreateFields
	StepResult   *StepResultFields
	HookFields   *HookCreateFields
}

// RunCreateFields is the subset of Run populated from a run_created event.
type RunCreateFields struct {
	DeploymentID     string
	WorkflowName     string
	SpecVersion      int
	Input            []any
	ExecutionContext map[string]any
}

// StepCreateFields is the payload of a step_created event.
type StepCreateFields struct {
	StepName string
	Input    StepInput
}

// StepResultFields is the payload of step_completed/step_failed/
// step_retrying events; only the fields relevant to the event type are read.
type StepResultFields struct {
	Output     any
	Error      *ErrorDetail
	RetryAfter *time.Time
}

// HookCreateFields is the payload of a hook_created event.
type HookCreateFields struct {
	Token    string
	Metadata map[string]any
}

// CreateEventResult is returned by Store.CreateEvent: the event actually
// persisted (which may differ from the request, e.g. a hook_conflict event
// in place of the requested hook_created) plus the entities it mutated.
type CreateEventResult struct {
	Event *event.Event
	Run   *Run
	Step  *Step
	Hook  *Hook
	// Conflict is true when the requested create was suppressed because the
	// entity already exists: hook_created was rewritten to hook_conflict
	// (Hook is the pre-existing hook), or a duplicate step_created for a
	// call site that already has a step was turned into a no-op (Step is
	// the pre-existing step and Event is nil, since no event was appended).
	Conflict bool
	// HooksDeleted counts the hooks garbage-collected by this event, set
	// only on a terminal run event (run_completed/run_failed/run_cancelled),
	// per §3's "all Hooks with that run_id MUST be deleted atomically with
	// the terminal event."
	HooksDeleted int
}

// Store is the exclusive owner of Run/Step/Hook/Event rows. The single
// write path is CreateEvent; everything else is a read.
type Store interface {
	Reader
	CreateEvent(in CreateEventInput) (*CreateEventResult, error)
}

// Clock is re-exported for backend constructors that need to thread a
// fixed/stepping clock through without importing ids directly.
type Clock = ids.Clock

// nowOrZero returns t.Now() or, for a nil clock, the real wall clock — used
// defensively by backends that embed engine logic without always wiring a
// clock in tests.
func nowOrZero(c Clock) time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c.Now()
}
