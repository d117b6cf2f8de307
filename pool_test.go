package loom

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// parallelGraph fans start out over two tool branches that meet at END.
func parallelGraph(id, leftTool, rightTool string) *Graph {
	return &Graph{
		ID: id,
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "fan", Type: NodeParallel, Config: map[string]any{"join": "join"}},
			{ID: "left", Type: NodeTool, Config: map[string]any{"tool": leftTool, "output": "l"}},
			{ID: "right", Type: NodeTool, Config: map[string]any{"tool": rightTool, "output": "r"}},
			{ID: "join", Type: NodeEnd},
		},
		Edges: []Edge{
			{From: "start", To: "fan"},
			{From: "fan", To: "left"},
			{From: "fan", To: "right"},
			{From: "left", To: "join"},
			{From: "right", To: "join"},
		},
	}
}

func TestParallelBranchesShareToolPhase(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})

	// Both handlers rendezvous inside the tool phase, so the test only
	// passes when two branches can hold the phase at the same time.
	var barrier sync.WaitGroup
	barrier.Add(2)
	meet := func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		barrier.Done()
		barrier.Wait()
		return json.RawMessage(`"done"`), nil
	}
	if err := rt.Tools().Register(ToolDefinition{Name: "meet-left"}, meet); err != nil {
		t.Fatal(err)
	}
	if err := rt.Tools().Register(ToolDefinition{Name: "meet-right"}, meet); err != nil {
		t.Fatal(err)
	}
	if err := rt.Graphs().Register(parallelGraph("g-par", "meet-left", "meet-right")); err != nil {
		t.Fatal(err)
	}
	rt.Agents().Register(AgentDefinition{ID: "par", GraphID: "g-par"})
	rt.Verifier().Grant(Grant{AgentID: "par", AllowedTools: []string{"meet-left", "meet-right"}})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	exec, err := rt.Execute(context.Background(), "par", nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-exec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("parallel execution did not finish")
	}
	if exec.Failure() != "" {
		t.Fatalf("parallel execution failed: %s", exec.Failure())
	}
	if exec.State() != StateCompleted && exec.State() != StateSnapshotPersisted {
		t.Errorf("got state %s, want completed", exec.State())
	}
	for _, out := range []string{"l", "r"} {
		if v, ok := exec.Var(out); !ok || v != `"done"` {
			t.Errorf("branch output %q = %v, want recorded", out, v)
		}
	}
}

func TestParallelFirstErrorCancelsSiblings(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})

	// The failing branch waits for the blocking one to enter its tool so
	// the cancellation is observable.
	blocked := make(chan struct{})
	cancelled := make(chan struct{})
	block := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		close(blocked)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}
	boom := func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-blocked
		return nil, errors.New("boom")
	}
	if err := rt.Tools().Register(ToolDefinition{Name: "block"}, block); err != nil {
		t.Fatal(err)
	}
	if err := rt.Tools().Register(ToolDefinition{Name: "boom"}, boom); err != nil {
		t.Fatal(err)
	}
	if err := rt.Graphs().Register(parallelGraph("g-par-fail", "block", "boom")); err != nil {
		t.Fatal(err)
	}
	rt.Agents().Register(AgentDefinition{ID: "par", GraphID: "g-par-fail"})
	rt.Verifier().Grant(Grant{AgentID: "par", AllowedTools: []string{"block", "boom"}})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	exec, err := rt.Execute(context.Background(), "par", nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("sibling branch was not cancelled after the first error")
	}
	select {
	case <-exec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("failed parallel execution did not settle")
	}
	if !strings.Contains(exec.Failure(), "boom") {
		t.Errorf("got failure %q, want the first branch error", exec.Failure())
	}
}

// spanRecorder captures span names opened by the pool.
type spanRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *spanRecorder) Start(ctx context.Context, name string, _ ...SpanAttr) (context.Context, Span) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	return ctx, nopSpan{}
}

func (r *spanRecorder) seen(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

func TestPoolOpensSpans(t *testing.T) {
	rec := &spanRecorder{}
	provider := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "hi"}}}}
	rt, err := New(&fakeEmbedder{},
		WithProviders(RouterEntry{Provider: provider}),
		WithRuntimeWorkers(1),
		WithTracer(rec),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Close() })

	g := &Graph{
		ID: "g-trace",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "llm-1", Type: NodeLLM, Config: map[string]any{"prompt": "hello"}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{From: "start", To: "llm-1"},
			{From: "llm-1", To: "end"},
		},
	}
	if err := rt.Graphs().Register(g); err != nil {
		t.Fatal(err)
	}
	rt.Agents().Register(AgentDefinition{ID: "traced", GraphID: "g-trace"})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	exec, err := rt.Execute(context.Background(), "traced", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-exec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
	}

	for _, name := range []string{"execution.run", "graph.node", "provider.route"} {
		if !rec.seen(name) {
			t.Errorf("span %q was never opened", name)
		}
	}
}

func TestPoolOpensToolSpan(t *testing.T) {
	rec := &spanRecorder{}
	rt, err := New(&fakeEmbedder{},
		WithProviders(RouterEntry{Provider: &stubProvider{}}),
		WithRuntimeWorkers(1),
		WithTracer(rec),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Close() })

	if err := rt.Tools().Register(ToolDefinition{Name: "echo"}, echoHandler); err != nil {
		t.Fatal(err)
	}
	g := &Graph{
		ID: "g-trace-tool",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "tool-1", Type: NodeTool, Config: map[string]any{"tool": "echo"}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{From: "start", To: "tool-1"},
			{From: "tool-1", To: "end"},
		},
	}
	if err := rt.Graphs().Register(g); err != nil {
		t.Fatal(err)
	}
	rt.Agents().Register(AgentDefinition{ID: "traced", GraphID: "g-trace-tool"})
	rt.Verifier().Grant(Grant{AgentID: "traced", AllowedTools: []string{"echo"}})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	exec, err := rt.Execute(context.Background(), "traced", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-exec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
	}
	if exec.Failure() != "" {
		t.Fatalf("execution failed: %s", exec.Failure())
	}
	if !rec.seen("tool.execute") {
		t.Error(`span "tool.execute" was never opened`)
	}
}
