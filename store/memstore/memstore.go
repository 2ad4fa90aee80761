// Package memstore is the in-memory reference implementation of
// store.Store, used by fast unit tests of the orchestrator and step
// executor, mirroring the corpus's convention of an in-memory store
// alongside real backends for quick iteration.
package memstore

import (
	"sort"
	"sync"

	"github.com/runflow-dev/workflow/event"
	"github.com/runflow-dev/workflow/ids"
	"github.com/runflow-dev/workflow/store"
)

// MemStore is a thread-safe, in-memory store.Store. All reads and writes
// are serialized by a single mutex, which also gives CreateEvent the
// atomicity §5 requires: the event append and its entity derivation happen
// inside one critical section.
type MemStore struct {
	mu sync.Mutex

	engine *store.Engine
	gen    *ids.Generator

	runs         map[string]*store.Run
	steps        map[string]map[string]*store.Step // runID -> stepID -> Step
	hooksByID    map[string]map[string]*store.Hook  // runID -> hookID -> Hook
	hooksByToken map[string]*store.Hook             // token -> Hook (live hooks only)
	events       map[string][]*event.Event          // runID -> ordered events
}

// New returns an empty MemStore using clock for timestamps (nil uses the
// system clock).
func New(clock store.Clock) *MemStore {
	gen := ids.NewGenerator()
	return &MemStore{
		engine:       store.NewEngine(clock, gen),
		gen:          gen,
		runs:         make(map[string]*store.Run),
		steps:        make(map[string]map[string]*store.Step),
		hooksByID:    make(map[string]map[string]*store.Hook),
		hooksByToken: make(map[string]*store.Hook),
		events:       make(map[string][]*event.Event),
	}
}

// CreateEvent is the single write path, delegating validation and
// derivation to store.Engine while holding the store's one mutex for the
// duration — memstore's stand-in for a backend transaction.
func (m *MemStore) CreateEvent(in store.CreateEventInput) (*store.CreateEventResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.CreateEvent(txn{m}, in)
}

// txn adapts MemStore's maps to store.Txn. It is only ever constructed
// while MemStore.mu is held, so its methods take no further locks; keeping
// it a distinct type (rather than implementing Txn directly on MemStore)
// avoids a name clash with the Reader methods of the same entity names.
type txn struct{ m *MemStore }

func (t txn) GetRun(runID string) (*store.Run, bool, error) {
	r, ok := t.m.runs[runID]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (t txn) PutRun(run *store.Run) error {
	cp := *run
	t.m.runs[run.RunID] = &cp
	return nil
}

func (t txn) GetStep(runID, stepID string) (*store.Step, bool, error) {
	steps, ok := t.m.steps[runID]
	if !ok {
		return nil, false, nil
	}
	s, ok := steps[stepID]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (t txn) PutStep(step *store.Step) error {
	if t.m.steps[step.RunID] == nil {
		t.m.steps[step.RunID] = make(map[string]*store.Step)
	}
	cp := *step
	t.m.steps[step.RunID][step.StepID] = &cp
	return nil
}

func (t txn) TryUpdateStep(runID, stepID string, allowed []store.StepStatus, mutate func(*store.Step)) (bool, bool, error) {
	steps, ok := t.m.steps[runID]
	if !ok {
		return false, false, nil
	}
	s, ok := steps[stepID]
	if !ok {
		return false, false, nil
	}
	allowedSet := make(map[store.StepStatus]bool, len(allowed))
	for _, st := range allowed {
		allowedSet[st] = true
	}
	if !allowedSet[s.Status] {
		return false, true, nil
	}
	cp := *s
	mutate(&cp)
	steps[stepID] = &cp
	return true, true, nil
}

func (t txn) GetHookByToken(token string) (*store.Hook, bool, error) {
	h, ok := t.m.hooksByToken[token]
	if !ok {
		return nil, false, nil
	}
	cp := *h
	return &cp, true, nil
}

func (t txn) PutHook(hook *store.Hook) error {
	cp := *hook
	if t.m.hooksByID[hook.RunID] == nil {
		t.m.hooksByID[hook.RunID] = make(map[string]*store.Hook)
	}
	t.m.hooksByID[hook.RunID][hook.HookID] = &cp
	t.m.hooksByToken[hook.Token] = &cp
	return nil
}

func (t txn) DeleteHook(runID, hookID string) error {
	hooks, ok := t.m.hooksByID[runID]
	if !ok {
		return nil
	}
	if h, ok := hooks[hookID]; ok {
		delete(t.m.hooksByToken, h.Token)
		delete(hooks, hookID)
	}
	return nil
}

func (t txn) ListHooksByRun(runID string) ([]*store.Hook, error) {
	hooks := t.m.hooksByID[runID]
	out := make([]*store.Hook, 0, len(hooks))
	for _, h := range hooks {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HookID < out[j].HookID })
	return out, nil
}

func (t txn) DeleteHooksByRun(runID string) error {
	hooks, ok := t.m.hooksByID[runID]
	if !ok {
		return nil
	}
	for _, h := range hooks {
		delete(t.m.hooksByToken, h.Token)
	}
	delete(t.m.hooksByID, runID)
	return nil
}

func (t txn) NextEventID() string { return t.m.gen.New() }

func (t txn) AppendEvent(evt *event.Event) error {
	t.m.events[evt.RunID] = append(t.m.events[evt.RunID], evt)
	return nil
}

var _ store.Txn = txn{}
var _ store.Store = (*MemStore)(nil)
