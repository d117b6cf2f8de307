package loom

import (
	"encoding/json"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to LifecycleState
		legal    bool
	}{
		{StateCreated, StateValidated, true},
		{StateCreated, StateRunning, false},
		{StateValidated, StatePlanned, true},
		{StatePlanned, StateScheduled, true},
		{StateScheduled, StateRunning, true},
		{StateScheduled, StateFailed, false},
		{StateRunning, StateToolExecution, true},
		{StateToolExecution, StateRunning, true},
		{StateRunning, StateCompleted, true},
		{StateCompleted, StateSnapshotPersisted, true},
		{StateCompleted, StateRunning, false},
		{StateSnapshotPersisted, StateRunning, false},
		{StateAborted, StateSnapshotPersisted, true},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.legal {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.legal)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []LifecycleState{StateCompleted, StateFailed, StateAborted, StateSnapshotPersisted} {
		if !Terminal(s) {
			t.Errorf("Terminal(%s) = false, want true", s)
		}
	}
	for _, s := range []LifecycleState{StateCreated, StateRunning, StateWaitingApproval} {
		if Terminal(s) {
			t.Errorf("Terminal(%s) = true, want false", s)
		}
	}
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	exec := NewExecution("a1", "g1", 0, nil)
	err := exec.Transition(StateRunning)
	if err == nil {
		t.Fatal("expected error for created -> running")
	}
	if exec.State() != StateCreated {
		t.Errorf("state changed to %s after illegal transition", exec.State())
	}
}

func TestTransitionEmitsLifecycleEvents(t *testing.T) {
	bus := NewBus()
	var types []EventType
	bus.OnAny(func(ev Event) { types = append(types, ev.Type) })

	exec := NewExecution("a1", "g1", 0, bus)
	for _, next := range []LifecycleState{StateValidated, StatePlanned, StateScheduled, StateRunning, StateCompleted} {
		if err := exec.Transition(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}

	want := []EventType{
		EventExecutionCreated,
		EventExecutionValidated,
		EventExecutionPlanned,
		EventExecutionScheduled,
		EventExecutionStarted,
		EventExecutionCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(types), len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, types[i], want[i])
		}
	}
}

func TestDoneClosesOnTerminalOutcome(t *testing.T) {
	exec := scheduledExecution(t, "a1", 0)
	select {
	case <-exec.Done():
		t.Fatal("done closed before a terminal outcome")
	default:
	}

	if err := exec.Transition(StateRunning); err != nil {
		t.Fatal(err)
	}
	if err := exec.Transition(StateCompleted); err != nil {
		t.Fatal(err)
	}

	select {
	case <-exec.Done():
	default:
		t.Error("done not closed after completion")
	}
}

func TestAbortClosesAbortChannel(t *testing.T) {
	exec := scheduledExecution(t, "a1", 0)
	if err := exec.Transition(StateAborted); err != nil {
		t.Fatal(err)
	}
	select {
	case <-exec.Aborted():
	default:
		t.Error("abort channel not closed")
	}
	select {
	case <-exec.Done():
	default:
		t.Error("done channel not closed on abort")
	}
}

func TestApprove(t *testing.T) {
	exec := NewExecution("a1", "g1", 0, nil)
	if !exec.Approve(true) {
		t.Fatal("first approval should be accepted")
	}
	// Channel capacity is one pending decision.
	if exec.Approve(false) {
		t.Error("second approval with one already pending should be rejected")
	}
	if got := <-exec.approvals(); !got {
		t.Error("expected the first decision (true)")
	}
}

func TestEnterNodeCountsPerNode(t *testing.T) {
	exec := NewExecution("a1", "g1", 0, nil)
	if n := exec.EnterNode("loop"); n != 1 {
		t.Errorf("got %d, want 1", n)
	}
	if n := exec.EnterNode("loop"); n != 2 {
		t.Errorf("got %d, want 2", n)
	}
	if n := exec.EnterNode("other"); n != 1 {
		t.Errorf("got %d, want 1 for a different node", n)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	exec := NewExecution("a1", "g1", 3, nil)
	exec.SetVar("answer", "42")
	exec.SetResponse("n1", json.RawMessage(`{"ok":true}`))
	exec.SetNode("n1")

	rec := exec.Snapshot()
	exec.SetVar("answer", "mutated")
	exec.SetResponse("n1", json.RawMessage(`{"ok":false}`))

	if rec.Variables["answer"] != "42" {
		t.Errorf("snapshot variable mutated: %v", rec.Variables["answer"])
	}
	if string(rec.Responses["n1"]) != `{"ok":true}` {
		t.Errorf("snapshot response mutated: %s", rec.Responses["n1"])
	}
	if rec.NodePointer != "n1" {
		t.Errorf("got pointer %q, want n1", rec.NodePointer)
	}
	if rec.Version == "" {
		t.Error("snapshot must carry a version")
	}
}

func TestRestoreRehydratesState(t *testing.T) {
	src := NewExecution("a1", "g1", 0, nil)
	src.SetNode("step2")
	src.SetVar("k", "v")
	src.AddUsage(Usage{PromptTokens: 10, CompletionTokens: 5})
	src.PushFrame(StackFrame{ExecutionID: "parent", AgentID: "p"})
	rec := src.Snapshot()

	dst := NewExecution("a1", "g1", 0, nil)
	dst.Restore(rec)

	if dst.Node() != "step2" {
		t.Errorf("got node %q, want step2", dst.Node())
	}
	if v, _ := dst.Var("k"); v != "v" {
		t.Errorf("got var %v, want v", v)
	}
	if dst.Usage().Total() != 15 {
		t.Errorf("got usage %d, want 15", dst.Usage().Total())
	}
	if stack := dst.CallStack(); len(stack) != 1 || stack[0].AgentID != "p" {
		t.Errorf("call stack not restored: %v", stack)
	}
}

func TestBeginPhaseIsReentrant(t *testing.T) {
	exec := scheduledExecution(t, "a1", 0)
	if err := exec.Transition(StateRunning); err != nil {
		t.Fatal(err)
	}

	if err := exec.BeginPhase(StateToolExecution); err != nil {
		t.Fatal(err)
	}
	if err := exec.BeginPhase(StateToolExecution); err != nil {
		t.Fatalf("second holder rejected: %v", err)
	}
	if exec.State() != StateToolExecution {
		t.Fatalf("got state %s, want tool_execution", exec.State())
	}

	if err := exec.EndPhase(); err != nil {
		t.Fatal(err)
	}
	if exec.State() != StateToolExecution {
		t.Errorf("phase released while a holder remains: %s", exec.State())
	}
	if err := exec.EndPhase(); err != nil {
		t.Fatal(err)
	}
	if exec.State() != StateRunning {
		t.Errorf("got %s after the last holder left, want running", exec.State())
	}
	if err := exec.EndPhase(); err == nil {
		t.Error("EndPhase with no phase held should fail")
	}
}

func TestSnapshotCarriesNodeIterations(t *testing.T) {
	src := NewExecution("a1", "g1", 0, nil)
	src.EnterNode("loop")
	src.EnterNode("loop")

	rec := src.Snapshot()
	if rec.NodeIterations["loop"] != 2 {
		t.Fatalf("got iterations %v, want loop=2", rec.NodeIterations)
	}

	dst := NewExecution("a1", "g1", 0, nil)
	dst.Restore(rec)
	if n := dst.EnterNode("loop"); n != 3 {
		t.Errorf("got %d after restore, want the counter to continue at 3", n)
	}
}
