package store

import "github.com/runflow-dev/workflow/event"

// Txn is the minimal transactional surface a backend must provide so that
// engine.go can apply the validation pipeline and entity derivations of
// spec §4.1 uniformly across memstore, sqlite, postgres, and mysql. A
// backend's Store.CreateEvent opens one Txn per call and commits it (or
// rolls back on error) around a single invocation of Engine.CreateEvent.
//
// Implementations MUST make the event append and its derived entity
// mutation appear atomic to other readers, per §5's shared-resource policy
// — a single SQL transaction for the relational backends, a single mutex
// critical section for memstore.
type Txn interface {
	// GetRun returns the run, or found=false if it does not exist.
	GetRun(runID string) (run *Run, found bool, err error)
	PutRun(run *Run) error

	// GetStep returns the step, or found=false if it does not exist.
	GetStep(runID, stepID string) (step *Step, found bool, err error)
	PutStep(step *Step) error

	// TryUpdateStep atomically applies mutate to the step if its current
	// status is one of allowed, returning ok=false without mutation
	// otherwise. found reports whether the step exists at all. This models
	// the conditional `UPDATE ... WHERE status NOT IN (...)` §4.1 step 5
	// calls for on step_completed/step_failed, letting those two event
	// types skip a separate run-status fetch.
	TryUpdateStep(runID, stepID string, allowed []StepStatus, mutate func(*Step)) (ok bool, found bool, err error)

	GetHookByToken(token string) (hook *Hook, found bool, err error)
	PutHook(hook *Hook) error
	DeleteHook(runID, hookID string) error
	ListHooksByRun(runID string) ([]*Hook, error)
	DeleteHooksByRun(runID string) error

	// NextEventID returns a fresh, monotonically sortable event ID.
	NextEventID() string
	AppendEvent(evt *event.Event) error
}

// Reader is the read-only surface consumed by orchestrator, hook manager,
// and the retry classifier's idempotent-read table. Store embeds it
// alongside the single CreateEvent write path.
type Reader interface {
	GetRun(runID string, mode event.ResolveMode) (*Run, error)
	ListRuns(filter RunFilter) ([]*Run, error)

	GetStep(runID, stepID string, mode event.ResolveMode) (*Step, error)
	ListSteps(runID string, mode event.ResolveMode) ([]*Step, error)

	ListEvents(runID string, page Page) (EventPage, error)
	ListEventsByCorrelationID(runID, correlationID string) ([]*event.Event, error)

	GetHook(runID, hookID string) (*Hook, error)
	GetHookByToken(token string) (*Hook, error)
	ListHooks(runID string) ([]*Hook, error)
}

// RunFilter narrows ListRuns; zero value lists everything.
type RunFilter struct {
	WorkflowName string
	Status       RunStatus
	DeploymentID string
}

// Page requests a slice of a run's event log by stable event_id cursor.
type Page struct {
	After string
	Limit int
	Mode  event.ResolveMode
}

// EventPage is one page of a run's event log plus the cursor to resume from.
type EventPage struct {
	Events     []*event.Event
	NextCursor string
}
