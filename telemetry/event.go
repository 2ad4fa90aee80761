// Package telemetry provides structured event emission for the workflow
// engine, grounded on the teacher's emit package (graph/emit): the same
// pluggable Emitter interface and dual text/JSON LogEmitter, re-targeted at
// OpenTelemetry's logs API (go.opentelemetry.io/otel/log) instead of the
// teacher's trace-span-per-event OTelEmitter, since run/step lifecycle
// events here are log records correlated to an existing trace, not spans of
// their own.
package telemetry

// Event is one observability event emitted during run or step execution.
type Event struct {
	RunID  string
	StepID string
	Msg    string
	Meta   map[string]any
}

// Emitter receives observability events. Implementations must not block
// orchestration or step execution and must not panic.
type Emitter interface {
	Emit(event Event)
}
