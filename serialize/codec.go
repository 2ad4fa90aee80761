// Package serialize implements the hydrate/dehydrate transform pair of
// spec §4.6: converting persisted scalar references back into live handles
// before a step runs, and replacing live handles with persistable
// references after it returns.
package serialize

import (
	"context"

	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/world"
)

// Codec hydrates step input and dehydrates step output/closure values. One
// Codec is shared process-wide; it is stateless beyond its background
// write scheduler.
type Codec struct {
	world world.World
	bg    *BackgroundScheduler
}

// NewCodec returns a Codec bound to world, using bg for best-effort
// background writes queued during dehydration. A nil bg gets a default
// 4-worker scheduler.
func NewCodec(w world.World, bg *BackgroundScheduler) *Codec {
	if bg == nil {
		bg = NewBackgroundScheduler(4)
	}
	return &Codec{world: w, bg: bg}
}

// HydrateInput converts a persisted StepInput into live call arguments and
// closure variables, preserving positional order of Args and the key set
// of Closure exactly as recorded at the call site, per §4.6.
func (c *Codec) HydrateInput(ctx context.Context, runID string, in *store.StepInput) ([]any, map[string]any, error) {
	if in == nil {
		return nil, nil, nil
	}
	args := make([]any, len(in.Args))
	for i, a := range in.Args {
		v, err := c.hydrateValue(runID, a)
		if err != nil {
			return nil, nil, err
		}
		args[i] = v
	}
	var closure map[string]any
	if in.Closure != nil {
		closure = make(map[string]any, len(in.Closure))
		for k, v := range in.Closure {
			hv, err := c.hydrateValue(runID, v)
			if err != nil {
				return nil, nil, err
			}
			closure[k] = hv
		}
	}
	return args, closure, nil
}

func (c *Codec) hydrateValue(runID string, v any) (any, error) {
	switch ref := v.(type) {
	case StreamRef:
		return &LiveStream{ref: ref, world: c.world}, nil
	case map[string]any:
		if ref, ok := decodeStreamRef(ref); ok {
			return &LiveStream{ref: ref, world: c.world}, nil
		}
		return v, nil
	default:
		return v, nil
	}
}

func decodeStreamRef(m map[string]any) (StreamRef, bool) {
	kind, _ := m["__type"].(string)
	if kind != "stream_ref" {
		return StreamRef{}, false
	}
	runID, _ := m["run_id"].(string)
	streamID, _ := m["stream_id"].(string)
	return StreamRef{RunID: runID, StreamID: streamID}, true
}

// DehydrateValue replaces a live handle in v with its persistable
// reference. Non-handle values pass through unchanged. DehydrateValue does
// not wait on background writes; Flush does that.
func (c *Codec) DehydrateValue(ctx context.Context, v any) any {
	switch handle := v.(type) {
	case *LiveStream:
		ref := handle.ref
		return map[string]any{"__type": "stream_ref", "run_id": ref.RunID, "stream_id": ref.StreamID}
	default:
		return v
	}
}

// DehydrateClosure dehydrates every value of a closure map, preserving its
// key set.
func (c *Codec) DehydrateClosure(ctx context.Context, closure map[string]any) map[string]any {
	if closure == nil {
		return nil
	}
	out := make(map[string]any, len(closure))
	for k, v := range closure {
		out[k] = c.DehydrateValue(ctx, v)
	}
	return out
}

// Flush waits for all background writes queued so far to complete,
// suppressing abort errors. Callers needing deterministic test assertions
// on background writes should call this; production code does not need to.
func (c *Codec) Flush() {
	c.bg.Wait()
}
