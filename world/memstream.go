package world

import (
	"context"
	"sort"
	"sync"

	"github.com/runflow-dev/workflow/workflowerr"
)

// MemStream is an in-memory Stream, used by cmd/workflowd for every backend
// and by tests. Stream IDs are namespaced "<runID>/<name>" by convention;
// MemStream itself treats the whole string as an opaque key.
type MemStream struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStream returns an empty MemStream.
func NewMemStream() *MemStream {
	return &MemStream{data: make(map[string][]byte)}
}

func (s *MemStream) Read(_ context.Context, streamID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[streamID]
	if !ok {
		return nil, workflowerr.NewNotFound("stream " + streamID + " not found")
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *MemStream) Write(_ context.Context, streamID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[streamID] = append(s.data[streamID], cp...)
	return nil
}

func (s *MemStream) Close(_ context.Context, streamID string) error {
	return nil
}

func (s *MemStream) ListByRunID(_ context.Context, runID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := runID + "/"
	var out []string
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

var _ Stream = (*MemStream)(nil)
