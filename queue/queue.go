// Package queue implements the two named queues of spec §4.2: one topic
// per workflow name (workflow.<name>) and one per step name (step.<name>),
// each with at-least-once delivery, a per-message lease timeout, and a
// plain Go function as handler. httpapi exposes delivery over HTTP for
// parity with the spec's "HTTP-callable" contract; the Dispatcher itself
// never imports net/http, so it can be driven in-process by tests.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HealthCheckMarker, when used as a Message's RunID, tells
// the dispatcher to invoke the health probe path: return success without
// delivering to any handler or touching storage, per spec §4.2/§6.
const HealthCheckMarker = "__health__"

// Message is one delivery on a named queue.
type Message struct {
	Topic        string
	RunID        string
	StepID       string // empty for workflow-queue messages
	TraceCarrier map[string]string
	RequestedAt  time.Time
	Attempt      int
}

// IsHealthCheck reports whether m is the reserved health-check marker.
func (m Message) IsHealthCheck() bool { return m.RunID == HealthCheckMarker }

// Outcome is what a Handler returns after processing a Message.
type Outcome struct {
	// TimeoutSeconds, when > 0, defers redelivery: the message becomes
	// visible again after this many seconds instead of immediately.
	TimeoutSeconds float64
}

// Handler processes one queue delivery.
type Handler func(ctx context.Context, msg Message) (Outcome, error)

// ErrNoHandler is returned by Deliver and InvokeHandler when no handler is
// registered for the message's topic.
var ErrNoHandler = errors.New("queue: no handler registered for topic")

// Dispatcher owns the workflow and step topics and routes deliveries to
// registered handlers. One Dispatcher is shared process-wide; callers
// enqueue by topic name built from WorkflowTopic/StepTopic.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]Handler
	topics   map[string]*topic
	clock    func() time.Time
}

// New returns an empty Dispatcher. clock defaults to time.Now when nil.
func New(clock func() time.Time) *Dispatcher {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		topics:   make(map[string]*topic),
		clock:    clock,
	}
}

// WorkflowTopic returns the conventional topic name for a workflow.
func WorkflowTopic(workflowName string) string { return "workflow." + workflowName }

// StepTopic returns the conventional topic name for a step.
func StepTopic(stepName string) string { return "step." + stepName }

// RegisterHandler binds a Handler to a topic name. Re-registering replaces
// the previous handler.
func (d *Dispatcher) RegisterHandler(topicName string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[topicName] = h
}

// Enqueue appends msg to its topic, injecting the current trace context
// into msg.TraceCarrier if not already set.
func (d *Dispatcher) Enqueue(ctx context.Context, msg Message) error {
	if msg.TraceCarrier == nil {
		msg.TraceCarrier = make(map[string]string)
		otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.TraceCarrier))
	}
	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = d.clock()
	}
	msg.Attempt++

	d.mu.Lock()
	t, ok := d.topics[msg.Topic]
	if !ok {
		t = newTopic(msg.Topic)
		d.topics[msg.Topic] = t
	}
	d.mu.Unlock()

	t.push(msg)
	return nil
}

// Deliver pops the next visible message for topicName and invokes its
// handler, honoring lease-timeout deferral. The Dispatcher itself does not
// serialize deliveries for the same run — at-most-one-in-flight-per-run
// (spec §5) instead falls out of store.Engine.createStep's existence
// guard: of two concurrent deliveries that both try to create the same
// step, the second observes the first's already-persisted step and
// no-ops instead of enqueuing a duplicate. Deliver serves exactly the named
// topic: an empty or unknown topicName delivers nothing and returns false.
//
// Deliver treats msg.RunID == HealthCheckMarker as the reserved health
// probe: the popped message is consumed and Deliver returns true without
// invoking the handler.
func (d *Dispatcher) Deliver(ctx context.Context, topicName string) (bool, error) {
	d.mu.Lock()
	t, ok := d.topics[topicName]
	h, hasHandler := d.handlers[topicName]
	d.mu.Unlock()
	if !ok {
		return false, nil
	}
	if !hasHandler {
		return false, fmt.Errorf("%w: %s", ErrNoHandler, topicName)
	}

	msg, ok := t.pop(d.clock())
	if !ok {
		return false, nil
	}

	carrier := propagation.MapCarrier(msg.TraceCarrier)
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	if msg.IsHealthCheck() {
		return true, nil
	}

	outcome, err := h(ctx, msg)
	if err != nil {
		// Handlers signal non-fatal, retryable failures through their own
		// event writes (step_retrying, etc); a returned error here means
		// the delivery itself could not be processed and should be
		// redelivered after a short lease, mirroring at-least-once queue
		// semantics.
		t.pushDeferred(msg, d.clock().Add(1*time.Second))
		return true, err
	}
	if outcome.TimeoutSeconds > 0 {
		t.pushDeferred(msg, d.clock().Add(time.Duration(outcome.TimeoutSeconds*float64(time.Second))))
	}
	return true, nil
}

// InvokeHandler runs msg's registered handler directly, without pushing it
// onto or popping it from topic storage. This is the path httpapi uses for
// push-delivery transports (the queue broker itself holds the message and
// POSTs it once; there is nothing for Deliver to pop), as opposed to Deliver,
// which models a pull-based in-process queue for tests. Health-check
// messages and trace-context extraction are handled identically to Deliver.
func (d *Dispatcher) InvokeHandler(ctx context.Context, msg Message) (Outcome, error) {
	d.mu.Lock()
	h, ok := d.handlers[msg.Topic]
	d.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoHandler, msg.Topic)
	}

	carrier := propagation.MapCarrier(msg.TraceCarrier)
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	if msg.IsHealthCheck() {
		return Outcome{}, nil
	}
	return h(ctx, msg)
}

// Depth returns the number of currently visible (non-deferred) messages on
// topicName, for queue-depth metrics.
func (d *Dispatcher) Depth(topicName string) int {
	d.mu.Lock()
	t, ok := d.topics[topicName]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return t.depth()
}

// topic is a single named queue: a priority-ordered frontier of ready
// messages plus a deferred set gated by a visible-after timestamp.
type topic struct {
	mu       sync.Mutex
	name     string
	ready    *messageHeap
	deferred []deferredMessage
	seq      int
}

type deferredMessage struct {
	msg       Message
	visibleAt time.Time
}

func newTopic(name string) *topic {
	h := &messageHeap{}
	heap.Init(h)
	return &topic{name: name, ready: h}
}

func (t *topic) push(msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	heap.Push(t.ready, heapItem{msg: msg, seq: t.seq})
}

func (t *topic) pushDeferred(msg Message, visibleAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deferred = append(t.deferred, deferredMessage{msg: msg, visibleAt: visibleAt})
}

// pop promotes any now-visible deferred messages then returns the next
// ready message by enqueue order (the heap is keyed by monotonic sequence
// number, giving FIFO-within-topic delivery).
func (t *topic) pop(now time.Time) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var remaining []deferredMessage
	for _, d := range t.deferred {
		if !now.Before(d.visibleAt) {
			t.seq++
			heap.Push(t.ready, heapItem{msg: d.msg, seq: t.seq})
		} else {
			remaining = append(remaining, d)
		}
	}
	t.deferred = remaining

	if t.ready.Len() == 0 {
		return Message{}, false
	}
	item := heap.Pop(t.ready).(heapItem)
	return item.msg, true
}

func (t *topic) depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready.Len()
}

type heapItem struct {
	msg Message
	seq int
}

// messageHeap is a min-heap ordered by enqueue sequence, giving FIFO pop
// order while still letting pop() interleave newly-promoted deferred
// messages by their original enqueue position.
type messageHeap []heapItem

func (h messageHeap) Len() int            { return len(h) }
func (h messageHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h messageHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
