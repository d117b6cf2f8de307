package loom

import (
	"context"
	"encoding/json"
	"testing"
)

func controlRuntime(t *testing.T) *Runtime {
	t.Helper()
	return newTestRuntime(t, &stubProvider{})
}

func TestHandleHeartbeat(t *testing.T) {
	h := NewControlHandler(controlRuntime(t), nil)
	resp := h.Handle(context.Background(), Envelope{Action: ActionHeartbeat})
	if !resp.Success {
		t.Fatalf("heartbeat failed: %+v", resp.Error)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok || data["time"] == "" {
		t.Errorf("got data %v", resp.Data)
	}
}

func TestHandleUnknownAction(t *testing.T) {
	h := NewControlHandler(controlRuntime(t), nil)
	resp := h.Handle(context.Background(), Envelope{Action: ControlAction("dance")})
	if resp.Success {
		t.Fatal("unknown action accepted")
	}
	if resp.Error.Code != CodeValidation {
		t.Errorf("got code %q, want %q", resp.Error.Code, CodeValidation)
	}
}

func TestHandleStartExecution(t *testing.T) {
	rt := controlRuntime(t)
	h := NewControlHandler(rt, nil)

	resp := h.Handle(context.Background(), Envelope{
		Action:  ActionStartExecution,
		Payload: json.RawMessage(`{"agentId":"a1","priority":2,"input":{"name":"dana"}}`),
	})
	if !resp.Success {
		t.Fatalf("start failed: %+v", resp.Error)
	}
	data := resp.Data.(map[string]any)
	execID, _ := data["executionId"].(string)
	if execID == "" {
		t.Fatal("no execution id returned")
	}

	// Still queued since the pool never started; abort it over the wire.
	abort := h.Handle(context.Background(), Envelope{Action: ActionAbortExecution, ExecutionID: execID})
	if !abort.Success {
		t.Fatalf("abort failed: %+v", abort.Error)
	}
}

func TestHandleStartExecutionErrors(t *testing.T) {
	h := NewControlHandler(controlRuntime(t), nil)

	resp := h.Handle(context.Background(), Envelope{
		Action:  ActionStartExecution,
		Payload: json.RawMessage(`not json`),
	})
	if resp.Success || resp.Error.Code != CodeValidation {
		t.Errorf("malformed payload: got %+v", resp)
	}

	resp = h.Handle(context.Background(), Envelope{
		Action:  ActionStartExecution,
		Payload: json.RawMessage(`{"agentId":"ghost"}`),
	})
	if resp.Success || resp.Error.Code != CodeValidation {
		t.Errorf("unknown agent: got %+v", resp)
	}
}

func TestHandleSubscribeEvents(t *testing.T) {
	rt := controlRuntime(t)

	noSink := NewControlHandler(rt, nil)
	resp := noSink.Handle(context.Background(), Envelope{Action: ActionSubscribeEvents})
	if resp.Success {
		t.Fatal("subscribe without a sink accepted")
	}
	if resp.Error.Code != CodeTransport {
		t.Errorf("got code %q, want %q", resp.Error.Code, CodeTransport)
	}

	var got []Event
	h := NewControlHandler(rt, func(ev Event) { got = append(got, ev) })
	defer h.Close()
	resp = h.Handle(context.Background(), Envelope{Action: ActionSubscribeEvents})
	if !resp.Success {
		t.Fatalf("subscribe failed: %+v", resp.Error)
	}
	// Idempotent: a second subscribe does not double-deliver.
	h.Handle(context.Background(), Envelope{Action: ActionSubscribeEvents})

	rt.Bus().Emit(Event{Type: EventNetworkWarning, AgentID: "a1"})
	if len(got) != 1 {
		t.Errorf("got %d events, want 1", len(got))
	}

	h.Close()
	rt.Bus().Emit(Event{Type: EventNetworkWarning, AgentID: "a1"})
	if len(got) != 1 {
		t.Errorf("events delivered after Close: %d", len(got))
	}
}

func TestHandleInjectMemory(t *testing.T) {
	rt := controlRuntime(t)
	rt.Verifier().Grant(Grant{AgentID: "a1", AllowedMemoryScopes: []string{"bot:a1"}})
	h := NewControlHandler(rt, nil)

	resp := h.Handle(context.Background(), Envelope{
		Action:  ActionInjectMemory,
		Payload: json.RawMessage(`{"agentId":"a1","content":"the user prefers brevity","importance":0.7}`),
	})
	if !resp.Success {
		t.Fatalf("inject failed: %+v", resp.Error)
	}
	data := resp.Data.(map[string]any)
	memID, _ := data["memoryId"].(string)
	if memID == "" {
		t.Fatal("no memory id returned")
	}

	scored, err := rt.Memory().Recall(context.Background(), "a1", "private", "brevity", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(scored) != 1 || scored[0].Item.Type != MemorySemantic {
		t.Errorf("got %+v, want one semantic item (the default type)", scored)
	}

	resp = h.Handle(context.Background(), Envelope{
		Action:  ActionInjectMemory,
		Payload: json.RawMessage(`{"agentId":"a1","content":""}`),
	})
	if resp.Success || resp.Error.Code != CodeValidation {
		t.Errorf("empty content: got %+v", resp)
	}
}

func TestHandleApproveCheckpointNotRunning(t *testing.T) {
	h := NewControlHandler(controlRuntime(t), nil)
	resp := h.Handle(context.Background(), Envelope{
		Action:      ActionApproveCheckpoint,
		ExecutionID: "ghost",
		Payload:     json.RawMessage(`{"approved":true}`),
	})
	if resp.Success {
		t.Fatal("approve without a running execution accepted")
	}
	if resp.Error.Code != CodeValidation {
		t.Errorf("got code %q", resp.Error.Code)
	}
}
