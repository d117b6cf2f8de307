package loom

import (
	"encoding/json"
	"fmt"
	"sync"
)

// LifecycleState is the closed execution state enum.
type LifecycleState string

const (
	StateCreated           LifecycleState = "created"
	StateValidated         LifecycleState = "validated"
	StatePlanned           LifecycleState = "planned"
	StateScheduled         LifecycleState = "scheduled"
	StateRunning           LifecycleState = "running"
	StateToolExecution     LifecycleState = "tool_execution"
	StateMemoryInjection   LifecycleState = "memory_injection"
	StateWaitingApproval   LifecycleState = "waiting_approval"
	StateCompleted         LifecycleState = "completed"
	StateFailed            LifecycleState = "failed"
	StateAborted           LifecycleState = "aborted"
	StateSnapshotPersisted LifecycleState = "snapshot_persisted"
)

// legalTransitions is the closed transition table. Any transition not
// listed is illegal and rejected.
var legalTransitions = map[LifecycleState][]LifecycleState{
	StateCreated:         {StateValidated, StateFailed, StateAborted},
	StateValidated:       {StatePlanned, StateFailed, StateAborted},
	StatePlanned:         {StateScheduled, StateFailed, StateAborted},
	StateScheduled:       {StateRunning, StateAborted},
	StateRunning:         {StateToolExecution, StateMemoryInjection, StateWaitingApproval, StateCompleted, StateFailed, StateAborted},
	StateToolExecution:   {StateRunning, StateFailed, StateAborted},
	StateMemoryInjection: {StateRunning, StateFailed, StateAborted},
	StateWaitingApproval: {StateRunning, StateFailed, StateAborted},
	StateCompleted:       {StateSnapshotPersisted},
	StateFailed:          {StateSnapshotPersisted},
	StateAborted:         {StateSnapshotPersisted},
}

// Terminal reports whether s admits no further work. snapshot_persisted
// is the final resting state; the three before it are terminal outcomes.
func Terminal(s LifecycleState) bool {
	switch s {
	case StateCompleted, StateFailed, StateAborted, StateSnapshotPersisted:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to LifecycleState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateEvents maps entered states to their lifecycle events.
var stateEvents = map[LifecycleState]EventType{
	StateValidated:         EventExecutionValidated,
	StatePlanned:           EventExecutionPlanned,
	StateScheduled:         EventExecutionScheduled,
	StateRunning:           EventExecutionStarted,
	StateToolExecution:     EventExecutionToolPhase,
	StateMemoryInjection:   EventExecutionMemPhase,
	StateCompleted:         EventExecutionCompleted,
	StateFailed:            EventExecutionFailed,
	StateAborted:           EventExecutionAborted,
	StateSnapshotPersisted: EventExecutionSnapshot,
}

// Execution is the mutable runtime record of one agent run. All access
// goes through methods; the struct's lock keeps worker, orchestrator,
// and control-plane views consistent.
type Execution struct {
	mu sync.Mutex

	id       string
	agentID  string
	graphID  string
	priority int

	state       LifecycleState
	phaseDepth  int
	nodePointer string
	variables   map[string]any
	responses   map[string]json.RawMessage
	callStack   []StackFrame
	usage       Usage
	failure     string
	iterations  map[string]int

	createdAt int64
	updatedAt int64

	bus *Bus

	// abort is closed when the execution is aborted, waking any node in
	// flight. done is closed on reaching a terminal outcome. approval
	// carries checkpoint approvals to a waiting worker.
	abort    chan struct{}
	done     chan struct{}
	approval chan bool
}

// NewExecution creates an execution in the created state and emits
// execution.created. bus may be nil.
func NewExecution(agentID, graphID string, priority int, bus *Bus) *Execution {
	now := NowUnix()
	e := &Execution{
		id:          NewID(),
		agentID:     agentID,
		graphID:     graphID,
		priority:    priority,
		state:       StateCreated,
		variables:   make(map[string]any),
		responses:   make(map[string]json.RawMessage),
		iterations:  make(map[string]int),
		createdAt:   now,
		updatedAt:   now,
		bus:         bus,
		abort:       make(chan struct{}),
		done:        make(chan struct{}),
		approval:    make(chan bool, 1),
		nodePointer: "",
	}
	if bus != nil {
		bus.Emit(Event{
			Type:        EventExecutionCreated,
			ExecutionID: e.id,
			AgentID:     agentID,
			Data:        map[string]any{"graphId": graphID, "priority": priority},
		})
	}
	return e
}

func (e *Execution) ID() string      { return e.id }
func (e *Execution) AgentID() string { return e.agentID }
func (e *Execution) GraphID() string { return e.graphID }
func (e *Execution) Priority() int   { return e.priority }
func (e *Execution) CreatedAt() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createdAt
}

// State returns the current lifecycle state.
func (e *Execution) State() LifecycleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Transition moves the execution to the next state, emitting the
// state's lifecycle event. Illegal transitions return a ValidationError
// and leave the state unchanged.
func (e *Execution) Transition(to LifecycleState) error {
	e.mu.Lock()
	if !CanTransition(e.state, to) {
		from := e.state
		e.mu.Unlock()
		return &ValidationError{
			Field:   "state",
			Message: fmt.Sprintf("illegal transition %s -> %s", from, to),
		}
	}
	e.state = to
	e.updatedAt = NowUnix()
	if to == StateAborted {
		select {
		case <-e.abort:
		default:
			close(e.abort)
		}
	}
	switch to {
	case StateCompleted, StateFailed, StateAborted:
		select {
		case <-e.done:
		default:
			close(e.done)
		}
	}
	bus := e.bus
	node := e.nodePointer
	e.mu.Unlock()

	if bus != nil {
		if evt, ok := stateEvents[to]; ok {
			bus.Emit(Event{
				Type:        evt,
				ExecutionID: e.id,
				AgentID:     e.agentID,
				Data:        map[string]any{"node": node},
			})
		}
	}
	return nil
}

// BeginPhase enters a privileged phase (tool_execution, memory_injection,
// waiting_approval). Concurrent branches of one execution may occupy the
// same phase at once; the first entrant performs the state transition and
// later entrants only bump the reference count. Entering a different
// phase while another is held, or entering from a state that does not
// admit the phase, is rejected.
func (e *Execution) BeginPhase(phase LifecycleState) error {
	e.mu.Lock()
	if e.phaseDepth > 0 && e.state == phase {
		e.phaseDepth++
		e.mu.Unlock()
		return nil
	}
	if !CanTransition(e.state, phase) {
		from := e.state
		e.mu.Unlock()
		return &ValidationError{
			Field:   "state",
			Message: fmt.Sprintf("illegal transition %s -> %s", from, phase),
		}
	}
	e.state = phase
	e.phaseDepth = 1
	e.updatedAt = NowUnix()
	bus := e.bus
	node := e.nodePointer
	e.mu.Unlock()

	if bus != nil {
		if evt, ok := stateEvents[phase]; ok {
			bus.Emit(Event{
				Type:        evt,
				ExecutionID: e.id,
				AgentID:     e.agentID,
				Data:        map[string]any{"node": node},
			})
		}
	}
	return nil
}

// EndPhase leaves a privileged phase entered with BeginPhase. The last
// holder transitions back to running; if the execution was failed or
// aborted while the phase was held, the state is left alone.
func (e *Execution) EndPhase() error {
	e.mu.Lock()
	if e.phaseDepth > 0 {
		e.phaseDepth--
		if e.phaseDepth > 0 || !CanTransition(e.state, StateRunning) {
			e.mu.Unlock()
			return nil
		}
		e.state = StateRunning
		e.updatedAt = NowUnix()
		bus := e.bus
		node := e.nodePointer
		e.mu.Unlock()

		if bus != nil {
			bus.Emit(Event{
				Type:        EventExecutionStarted,
				ExecutionID: e.id,
				AgentID:     e.agentID,
				Data:        map[string]any{"node": node},
			})
		}
		return nil
	}
	e.mu.Unlock()
	return &ValidationError{Field: "state", Message: "no phase held"}
}

// Aborted returns a channel closed when the execution is aborted.
func (e *Execution) Aborted() <-chan struct{} { return e.abort }

// Done returns a channel closed when the execution reaches a terminal
// outcome (completed, failed, or aborted).
func (e *Execution) Done() <-chan struct{} { return e.done }

// Approve delivers a human checkpoint decision to a waiting worker.
// Returns false when no approval is pending.
func (e *Execution) Approve(approved bool) bool {
	select {
	case e.approval <- approved:
		return true
	default:
		return false
	}
}

// approvals returns the checkpoint decision channel.
func (e *Execution) approvals() <-chan bool { return e.approval }

// SetNode moves the node pointer and emits node.entered.
func (e *Execution) SetNode(nodeID string) {
	e.mu.Lock()
	e.nodePointer = nodeID
	e.updatedAt = NowUnix()
	bus := e.bus
	e.mu.Unlock()
	if bus != nil {
		bus.Emit(Event{
			Type:        EventNodeEntered,
			ExecutionID: e.id,
			AgentID:     e.agentID,
			Data:        map[string]any{"node": nodeID},
		})
	}
}

// Node returns the current node pointer.
func (e *Execution) Node() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodePointer
}

// EnterNode bumps and returns the node's iteration count. The worker
// compares it against the node's MaxIterations.
func (e *Execution) EnterNode(nodeID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.iterations[nodeID]++
	return e.iterations[nodeID]
}

// SetVar writes one execution variable.
func (e *Execution) SetVar(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.variables[key] = value
	e.updatedAt = NowUnix()
}

// Var reads one execution variable.
func (e *Execution) Var(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.variables[key]
	return v, ok
}

// Vars returns a shallow copy of the variables map.
func (e *Execution) Vars() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.variables))
	for k, v := range e.variables {
		out[k] = v
	}
	return out
}

// SetResponse records a node's raw output.
func (e *Execution) SetResponse(nodeID string, raw json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses[nodeID] = append(json.RawMessage{}, raw...)
}

// Response returns a node's recorded raw output.
func (e *Execution) Response(nodeID string) (json.RawMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	raw, ok := e.responses[nodeID]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage{}, raw...), true
}

// AddUsage accumulates token usage onto the execution.
func (e *Execution) AddUsage(u Usage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.usage.Add(u)
}

// Usage returns the accumulated token usage.
func (e *Execution) Usage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// Fail records the failure reason. The state transition is separate so
// callers control ordering of events.
func (e *Execution) Fail(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failure = reason
}

// Failure returns the recorded failure reason, empty when none.
func (e *Execution) Failure() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

// PushFrame appends a call stack frame (sub-agent dispatch).
func (e *Execution) PushFrame(f StackFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callStack = append(e.callStack, f)
}

// CallStack returns a copy of the call stack.
func (e *Execution) CallStack() []StackFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]StackFrame{}, e.callStack...)
}

// SetCallStack replaces the call stack (used on resume).
func (e *Execution) SetCallStack(frames []StackFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callStack = append([]StackFrame{}, frames...)
}

// Snapshot captures the execution into a durable record. Variables and
// responses are deep-copied through JSON so later mutation of the live
// execution never alters the record.
func (e *Execution) Snapshot() SnapshotRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	vars := make(map[string]any, len(e.variables))
	if raw, err := json.Marshal(e.variables); err == nil {
		_ = json.Unmarshal(raw, &vars)
	}
	responses := make(map[string]json.RawMessage, len(e.responses))
	for k, v := range e.responses {
		responses[k] = append(json.RawMessage{}, v...)
	}
	iterations := make(map[string]int, len(e.iterations))
	for k, v := range e.iterations {
		iterations[k] = v
	}

	return SnapshotRecord{
		ExecutionID: e.id,
		AgentID:     e.agentID,
		GraphID:     e.graphID,
		NodePointer: e.nodePointer,
		Timestamp:   NowUnix(),
		Variables:   vars,
		CallStack:   append([]StackFrame{}, e.callStack...),
		State:       e.state,
		TokenUsage:  e.usage,
		Version:        NextVersion(),
		Responses:      responses,
		NodeIterations: iterations,
	}
}

// Restore rehydrates execution state from a snapshot. The id, agent,
// and graph stay as constructed; pointer, variables, responses, stack,
// usage, and per-node iteration counts come from the record.
func (e *Execution) Restore(rec SnapshotRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodePointer = rec.NodePointer
	e.usage = rec.TokenUsage
	e.callStack = append([]StackFrame{}, rec.CallStack...)
	e.variables = make(map[string]any, len(rec.Variables))
	for k, v := range rec.Variables {
		e.variables[k] = v
	}
	e.responses = make(map[string]json.RawMessage, len(rec.Responses))
	for k, v := range rec.Responses {
		e.responses[k] = append(json.RawMessage{}, v...)
	}
	e.iterations = make(map[string]int, len(rec.NodeIterations))
	for k, v := range rec.NodeIterations {
		e.iterations[k] = v
	}
}
