package loom

import (
	"context"
	"sync"
	"testing"
)

// stubProvider is a test Provider that returns pre-configured results in
// order. Chat and ChatStream share the same result queue.
type stubProvider struct {
	name string

	mu    sync.Mutex
	calls int

	results []stubResult
}

type stubResult struct {
	resp   ChatResponse
	chunks []string // chunks written to ch in ChatStream
	err    error
}

func (s *stubProvider) Name() string {
	if s.name == "" {
		return "stub"
	}
	return s.name
}

func (s *stubProvider) next() stubResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i]
	}
	return stubResult{}
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubProvider) Chat(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	r := s.next()
	return r.resp, r.err
}

func (s *stubProvider) ChatStream(_ context.Context, _ ChatRequest, ch chan<- string) (ChatResponse, error) {
	r := s.next()
	for _, chunk := range r.chunks {
		ch <- chunk
	}
	return r.resp, r.err
}

var _ Provider = (*stubProvider)(nil)

// fakeEmbedder is a deterministic EmbeddingProvider. Texts listed in vecs
// embed to the given vectors; everything else embeds to a unit vector.
type fakeEmbedder struct {
	dims int
	vecs map[string][]float32
	err  error
}

func (f *fakeEmbedder) Name() string { return "fake-embedder" }

func (f *fakeEmbedder) Dimensions() int {
	if f.dims == 0 {
		return 3
	}
	return f.dims
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vecs[t]; ok {
			out[i] = v
			continue
		}
		v := make([]float32, f.Dimensions())
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

var _ EmbeddingProvider = (*fakeEmbedder)(nil)

// scheduledExecution creates an execution walked to the scheduled state.
func scheduledExecution(t *testing.T, agentID string, priority int) *Execution {
	t.Helper()
	exec := NewExecution(agentID, "graph", priority, nil)
	for _, next := range []LifecycleState{StateValidated, StatePlanned, StateScheduled} {
		if err := exec.Transition(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	return exec
}
