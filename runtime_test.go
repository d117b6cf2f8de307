package loom

import (
	"context"
	"errors"
	"testing"
	"time"
)

// newTestRuntime builds a runtime over the stub provider and fake
// embedder with a linear start -> llm -> end graph registered.
func newTestRuntime(t *testing.T, provider Provider) *Runtime {
	t.Helper()
	rt, err := New(&fakeEmbedder{},
		WithProviders(RouterEntry{Provider: provider}),
		WithRuntimeWorkers(2),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Close() })

	g := &Graph{
		ID: "g1",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "llm-1", Type: NodeLLM, Config: map[string]any{"prompt": "say hi to {{name}}", "output": "answer"}},
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
	if err := rt.Agents().Register(AgentDefinition{ID: "a1", GraphID: "g1"}); err != nil {
		t.Fatal(err)
	}
	return rt
}

// eventChan subscribes before work starts so no event is missed.
func eventChan(bus *Bus, typ EventType) chan Event {
	ch := make(chan Event, 16)
	bus.On(typ, func(ev Event) { ch <- ev })
	return ch
}

func waitFor(t *testing.T, ch chan Event, what string) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return Event{}
	}
}

func TestNewRuntimeValidation(t *testing.T) {
	if _, err := New(nil, WithProviders(RouterEntry{Provider: &stubProvider{}})); err == nil {
		t.Error("nil embedder should fail")
	}
	if _, err := New(&fakeEmbedder{}); err == nil {
		t.Error("zero providers should fail")
	}
	if _, err := New(&fakeEmbedder{}, WithProviders(RouterEntry{})); err == nil {
		t.Error("nil provider entry should fail")
	}
}

func TestRuntimeRunsLinearGraph(t *testing.T) {
	provider := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "hi bob", Usage: Usage{PromptTokens: 5, CompletionTokens: 2}}},
	}}
	rt := newTestRuntime(t, provider)
	rt.Verifier().Grant(Grant{AgentID: "a1", TokenBudget: 1000})

	persisted := eventChan(rt.Bus(), EventExecutionSnapshot)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	exec, err := rt.Execute(context.Background(), "a1", map[string]any{"name": "bob"}, 1)
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
	if v, _ := exec.Var("answer"); v != "hi bob" {
		t.Errorf("got answer %v", v)
	}
	if exec.Usage().Total() != 7 {
		t.Errorf("got usage %+v", exec.Usage())
	}

	waitFor(t, persisted, "terminal snapshot")
	rec, err := rt.Snapshots().Latest(context.Background(), exec.ID())
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != StateCompleted {
		t.Errorf("got snapshot state %s, want completed", rec.State)
	}
}

func TestRuntimeExecuteRequiresRegistration(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})

	if _, err := rt.Execute(context.Background(), "ghost", nil, 0); err == nil {
		t.Error("unknown agent should fail")
	}

	rt.Agents().Register(AgentDefinition{ID: "a2", GraphID: "missing"})
	if _, err := rt.Execute(context.Background(), "a2", nil, 0); err == nil {
		t.Error("unregistered graph should fail")
	}
}

func TestRuntimeExecuteChecksRequiredCapabilities(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})
	rt.Agents().Register(AgentDefinition{ID: "a2", GraphID: "g1", RequiredCapabilities: []string{"web"}})

	_, err := rt.Execute(context.Background(), "a2", nil, 0)
	var perr *PermissionDeniedError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want PermissionDeniedError", err)
	}

	rt.Capabilities().Declare(Capability{Name: "web", Scope: ScopeNetwork})
	rt.Verifier().Grant(Grant{AgentID: "a2", Capabilities: []string{"web"}})
	if _, err := rt.Execute(context.Background(), "a2", nil, 0); err != nil {
		t.Fatalf("granted capability still rejected: %v", err)
	}
}

func TestRuntimeExecuteAppliesAgentBudget(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})
	rt.Agents().Register(AgentDefinition{ID: "a2", GraphID: "g1", MaxTokenBudget: 250})

	if _, err := rt.Execute(context.Background(), "a2", nil, 0); err != nil {
		t.Fatal(err)
	}
	if rem := rt.Budget().Remaining(BudgetAgent, "a2"); rem != 250 {
		t.Errorf("got remaining %d, want the declared 250", rem)
	}
}

func TestRuntimeAbortQueuedIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})
	// Pool not started, so the execution stays queued.
	exec, err := rt.Execute(context.Background(), "a1", nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := rt.Abort(exec.ID()); err != nil {
		t.Fatal(err)
	}
	if exec.State() != StateAborted {
		t.Errorf("got state %s, want aborted", exec.State())
	}
	if err := rt.Abort(exec.ID()); err != nil {
		t.Errorf("second abort should be a no-op: %v", err)
	}
	if err := rt.Abort("never-existed"); err != nil {
		t.Errorf("aborting an unknown execution should be a no-op: %v", err)
	}
}

func TestRuntimeApproveRequiresRunningExecution(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})
	if err := rt.Approve("ghost", true); err == nil {
		t.Error("approve without a running execution should fail")
	}
}

func TestRuntimeHumanApproval(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})
	g := &Graph{
		ID: "g-approval",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "gate", Type: NodeHumanApproval},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{From: "start", To: "gate"},
			{From: "gate", To: "end"},
		},
	}
	if err := rt.Graphs().Register(g); err != nil {
		t.Fatal(err)
	}
	rt.Agents().Register(AgentDefinition{ID: "approver", GraphID: "g-approval"})

	requests := eventChan(rt.Bus(), EventApprovalRequested)
	releases := eventChan(rt.Bus(), EventApproveCheckpoint)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	exec, err := rt.Execute(context.Background(), "approver", nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	ev := waitFor(t, requests, "approval request")
	if ev.ExecutionID != exec.ID() {
		t.Fatalf("approval request for %s, want %s", ev.ExecutionID, exec.ID())
	}
	if err := rt.Approve(exec.ID(), true); err != nil {
		t.Fatal(err)
	}
	rel := waitFor(t, releases, "checkpoint release")
	if approved, _ := rel.Data["approved"].(bool); !approved {
		t.Errorf("release event data %v, want approved true", rel.Data)
	}

	select {
	case <-exec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("approved execution did not finish")
	}
	if exec.Failure() != "" {
		t.Errorf("approved execution failed: %s", exec.Failure())
	}
}

func TestRuntimeHumanRejection(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})
	g := &Graph{
		ID: "g-approval",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "gate", Type: NodeHumanApproval},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{From: "start", To: "gate"},
			{From: "gate", To: "end"},
		},
	}
	if err := rt.Graphs().Register(g); err != nil {
		t.Fatal(err)
	}
	rt.Agents().Register(AgentDefinition{ID: "approver", GraphID: "g-approval"})

	requests := eventChan(rt.Bus(), EventApprovalRequested)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	exec, err := rt.Execute(context.Background(), "approver", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, requests, "approval request")
	if err := rt.Approve(exec.ID(), false); err != nil {
		t.Fatal(err)
	}

	select {
	case <-exec.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("rejected execution did not settle")
	}
	if exec.Failure() == "" {
		t.Error("rejected execution reported success")
	}
}

func TestRuntimeToolNode(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})
	if err := rt.Tools().Register(ToolDefinition{Name: "echo"}, echoHandler); err != nil {
		t.Fatal(err)
	}
	g := &Graph{
		ID: "g-tool",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "tool-1", Type: NodeTool, Config: map[string]any{
				"tool":   "echo",
				"args":   map[string]any{"msg": "{{greeting}}"},
				"output": "echoed",
			}},
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
	rt.Agents().Register(AgentDefinition{ID: "tooler", GraphID: "g-tool"})
	rt.Verifier().Grant(Grant{AgentID: "tooler", AllowedTools: []string{"echo"}})

	if err := rt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	exec, err := rt.Execute(context.Background(), "tooler", map[string]any{"greeting": "hello"}, 0)
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
	v, _ := exec.Var("echoed")
	if s, _ := v.(string); s != `{"msg":"hello"}` {
		t.Errorf("got echoed %v", v)
	}
}

func TestRuntimeResume(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})
	rec := SnapshotRecord{
		ExecutionID: "old-exec",
		AgentID:     "a1",
		GraphID:     "g1",
		NodePointer: "llm-1",
		State:       StateRunning,
		Version:     "v0000000000000001",
		Variables:   map[string]any{"name": "carol"},
		TokenUsage:  Usage{PromptTokens: 40},
	}
	if err := rt.Snapshots().Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	exec, err := rt.Resume(context.Background(), "old-exec")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := exec.Var("name"); v != "carol" {
		t.Errorf("restored variable lost: %v", v)
	}
	if exec.Node() != "llm-1" {
		t.Errorf("got node pointer %q", exec.Node())
	}
	if exec.State() != StateScheduled {
		t.Errorf("got state %s, want scheduled", exec.State())
	}

	if _, err := rt.Resume(context.Background(), "no-such-exec"); err == nil {
		t.Error("resume without snapshots should fail")
	}
}

func TestRuntimeReset(t *testing.T) {
	rt := newTestRuntime(t, &stubProvider{})
	rt.Verifier().Grant(Grant{AgentID: "a1", TokenBudget: 10})
	rt.Permissions().Grant("m1", []Permission{PermStorageRead})

	rt.Reset()

	if _, ok := rt.Verifier().GrantFor("a1"); ok {
		t.Error("grant survived Reset")
	}
	if rt.Permissions().HasPermission("m1", PermStorageRead) {
		t.Error("permission survived Reset")
	}
	if _, ok := rt.Graphs().Get("g1"); ok {
		t.Error("graph survived Reset")
	}
	if rt.Agents().Has("a1") {
		t.Error("agent survived Reset")
	}
}
