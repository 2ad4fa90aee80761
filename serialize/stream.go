package serialize

import (
	"context"
	"fmt"

	"github.com/runflow-dev/workflow/world"
)

// StreamRef is the persistable reference to a stream: what Dehydrate writes
// in place of a live LiveStream handle, and what Hydrate reads back to
// reconstruct one.
type StreamRef struct {
	RunID    string `json:"run_id"`
	StreamID string `json:"stream_id"`
}

// LiveStream is the live handle a hydrated step argument becomes: a
// readable/writable stream bound to this run, per §4.6's "a stream
// reference becomes a readable stream object bound to this run."
type LiveStream struct {
	ref   StreamRef
	world world.World
}

// Ref returns the persistable reference this handle was hydrated from (or
// will dehydrate back to).
func (s *LiveStream) Ref() StreamRef { return s.ref }

// Read returns the stream's current contents.
func (s *LiveStream) Read(ctx context.Context) ([]byte, error) {
	return s.world.ReadFromStream(ctx, streamKey(s.ref))
}

// Write appends data to the stream.
func (s *LiveStream) Write(ctx context.Context, data []byte) error {
	return s.world.WriteToStream(ctx, streamKey(s.ref), data)
}

// Close finalizes the stream; no further writes are expected afterward.
func (s *LiveStream) Close(ctx context.Context) error {
	return s.world.CloseStream(ctx, streamKey(s.ref))
}

func streamKey(ref StreamRef) string {
	return fmt.Sprintf("%s/%s", ref.RunID, ref.StreamID)
}
