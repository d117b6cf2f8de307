package loom

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// ControlAction is the closed set of control envelope actions.
type ControlAction string

const (
	ActionStartExecution    ControlAction = "start_execution"
	ActionSubscribeEvents   ControlAction = "subscribe_events"
	ActionInjectMemory      ControlAction = "inject_memory"
	ActionApproveCheckpoint ControlAction = "approve_checkpoint"
	ActionAbortExecution    ControlAction = "abort_execution"
	ActionHeartbeat         ControlAction = "heartbeat"
)

// Envelope is one control request. Timestamp marshals as RFC 3339.
type Envelope struct {
	Action      ControlAction   `json:"action"`
	ExecutionID string          `json:"executionId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ControlError is the wire form of a failed control request.
type ControlError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ControlResponse is the wire form of a control reply.
type ControlResponse struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *ControlError `json:"error,omitempty"`
}

func controlOK(data any) ControlResponse {
	return ControlResponse{Success: true, Data: data}
}

func controlErr(err error) ControlResponse {
	return ControlResponse{Success: false, Error: &ControlError{
		Code:    ErrorCode(err),
		Message: err.Error(),
	}}
}

// startPayload is the payload of start_execution.
type startPayload struct {
	AgentID  string         `json:"agentId"`
	Priority int            `json:"priority,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

// injectPayload is the payload of inject_memory.
type injectPayload struct {
	AgentID    string  `json:"agentId"`
	Scope      string  `json:"scope,omitempty"`
	Type       string  `json:"type,omitempty"`
	Content    string  `json:"content"`
	Importance float64 `json:"importance,omitempty"`
}

// approvePayload is the payload of approve_checkpoint.
type approvePayload struct {
	Approved bool `json:"approved"`
}

// ControlHandler dispatches control envelopes against a runtime. The
// transport owning the connection decides framing; the handler only
// sees decoded envelopes. Event subscriptions deliver through sink.
type ControlHandler struct {
	runtime *Runtime
	sink    func(Event)

	mu    sync.Mutex
	unsub Unsubscribe
}

// Close drops the handler's event subscription, if any. Transports call
// it on disconnect.
func (h *ControlHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unsub != nil {
		h.unsub()
		h.unsub = nil
	}
}

// NewControlHandler creates a handler. sink receives events for
// subscribe_events requests and may be nil when the transport does not
// support server push.
func NewControlHandler(runtime *Runtime, sink func(Event)) *ControlHandler {
	return &ControlHandler{runtime: runtime, sink: sink}
}

// Handle dispatches one envelope and returns the wire response.
func (h *ControlHandler) Handle(ctx context.Context, env Envelope) ControlResponse {
	switch env.Action {
	case ActionHeartbeat:
		return controlOK(map[string]any{"time": time.Now().UTC().Format(time.RFC3339)})

	case ActionStartExecution:
		var p startPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return controlErr(&ValidationError{Field: "payload", Message: err.Error()})
		}
		exec, err := h.runtime.Execute(ctx, p.AgentID, p.Input, p.Priority)
		if err != nil {
			return controlErr(err)
		}
		return controlOK(map[string]any{"executionId": exec.ID()})

	case ActionSubscribeEvents:
		if h.sink == nil {
			return controlErr(&TransportError{Op: "subscribe_events", Err: errNoSink})
		}
		h.mu.Lock()
		if h.unsub == nil {
			h.unsub = h.runtime.Bus().OnAny(h.sink)
		}
		h.mu.Unlock()
		return controlOK(map[string]any{"subscribed": true})

	case ActionInjectMemory:
		var p injectPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return controlErr(&ValidationError{Field: "payload", Message: err.Error()})
		}
		typ := MemoryType(p.Type)
		if typ == "" {
			typ = MemorySemantic
		}
		item, err := h.runtime.Memory().Remember(ctx, p.AgentID, p.Scope, typ, p.Content, p.Importance)
		if err != nil {
			return controlErr(err)
		}
		return controlOK(map[string]any{"memoryId": item.ID})

	case ActionApproveCheckpoint:
		var p approvePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return controlErr(&ValidationError{Field: "payload", Message: err.Error()})
		}
		if err := h.runtime.Approve(env.ExecutionID, p.Approved); err != nil {
			return controlErr(err)
		}
		return controlOK(nil)

	case ActionAbortExecution:
		if err := h.runtime.Abort(env.ExecutionID); err != nil {
			return controlErr(err)
		}
		return controlOK(nil)

	default:
		return controlErr(&ValidationError{Field: "action", Message: "unknown action " + string(env.Action)})
	}
}

var errNoSink = &ValidationError{Field: "sink", Message: "transport does not support event push"}
