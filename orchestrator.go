package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Orchestrator dispatches sub-agent calls: it enforces the cross-agent
// capability boundary, rejects call cycles and over-deep stacks before
// dispatch, applies the parent's propagation mode to the child's grant,
// and routes child usage back to the parent unless the child's budget
// is isolated.
type Orchestrator struct {
	agents    *AgentRegistry
	verifier  *CapabilityVerifier
	budget    *BudgetManager
	scheduler *Scheduler
	bus       *Bus
	logger    *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(agents *AgentRegistry, verifier *CapabilityVerifier, budget *BudgetManager, scheduler *Scheduler, bus *Bus, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		agents:    agents,
		verifier:  verifier,
		budget:    budget,
		scheduler: scheduler,
		bus:       bus,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = nopLogger
	}
	return o
}

// CallAgent runs target as a sub-agent of parent and blocks until the
// child reaches a terminal outcome. The child's final variables are the
// result. All admission checks run before the child is scheduled, so a
// rejected call never consumes queue capacity.
func (o *Orchestrator) CallAgent(ctx context.Context, parent *Execution, target string, input map[string]any) (json.RawMessage, error) {
	childDef, ok := o.agents.Get(target)
	if !ok {
		return nil, &ValidationError{Field: "agent", Message: fmt.Sprintf("agent %q not registered", target)}
	}
	parentDef, ok := o.agents.Get(parent.AgentID())
	if !ok {
		return nil, &ValidationError{Field: "agent", Message: fmt.Sprintf("agent %q not registered", parent.AgentID())}
	}

	if o.verifier != nil {
		if err := o.verifier.VerifyCrossAgentMessage(parent.AgentID(), target); err != nil {
			return nil, err
		}
	}

	// Cycle and depth checks over the parent's call stack.
	stack := parent.CallStack()
	if len(stack)+1 > MaxCallDepth {
		return nil, &ValidationError{
			Field:   "callStack",
			Message: fmt.Sprintf("call depth %d exceeds limit %d", len(stack)+1, MaxCallDepth),
		}
	}
	if target == parent.AgentID() {
		return nil, &ValidationError{Field: "agent", Message: "agent cannot call itself"}
	}
	for i, frame := range stack {
		if frame.AgentID == target {
			chain := make([]string, 0, len(stack)-i+2)
			for _, f := range stack[i:] {
				chain = append(chain, f.AgentID)
			}
			chain = append(chain, parent.AgentID(), target)
			return nil, &GraphValidationError{
				GraphID:  parentDef.GraphID,
				Problems: []string{"circular agent call: " + strings.Join(chain, " -> ")},
			}
		}
	}

	restore, err := o.propagateGrant(parentDef, parent.AgentID(), target)
	if err != nil {
		return nil, err
	}
	defer restore()

	if childDef.BudgetIsolated && o.budget != nil && childDef.MaxTokenBudget > 0 {
		o.budget.SetLimit(BudgetAgent, target, BudgetLimit{MaxTokens: childDef.MaxTokenBudget})
	}

	child := NewExecution(target, childDef.GraphID, parent.Priority(), o.bus)
	child.SetCallStack(append(stack, StackFrame{ExecutionID: parent.ID(), AgentID: parent.AgentID()}))
	for k, v := range input {
		child.SetVar(k, v)
	}

	if o.bus != nil {
		o.bus.Emit(Event{
			Type:        EventAgentMessageSent,
			ExecutionID: parent.ID(),
			AgentID:     parent.AgentID(),
			Data:        map[string]any{"target": target, "childExecution": child.ID()},
		})
	}

	for _, next := range []LifecycleState{StateValidated, StatePlanned, StateScheduled} {
		if err := child.Transition(next); err != nil {
			return nil, err
		}
	}
	if err := o.scheduler.Enqueue(child); err != nil {
		return nil, err
	}

	select {
	case <-child.Done():
	case <-ctx.Done():
		o.scheduler.Cancel(child.ID())
		_ = child.Transition(StateAborted)
		return nil, ctx.Err()
	case <-parent.Aborted():
		o.scheduler.Cancel(child.ID())
		_ = child.Transition(StateAborted)
		return nil, &ValidationError{Field: "state", Message: "parent execution aborted"}
	}

	// Child usage flows up unless the child holds its own budget.
	parent.AddUsage(child.Usage())
	if !childDef.BudgetIsolated && o.budget != nil {
		if err := o.budget.Record(BudgetAgent, parent.AgentID(), child.Usage()); err != nil {
			return nil, err
		}
	}

	// The terminal snapshot may already have landed, so inspect the
	// recorded failure rather than the raw state.
	if reason := child.Failure(); reason != "" {
		return nil, fmt.Errorf("sub-agent %s failed: %s", target, reason)
	}
	select {
	case <-child.Aborted():
		return nil, fmt.Errorf("sub-agent %s aborted", target)
	default:
	}

	result, err := json.Marshal(child.Vars())
	if err != nil {
		return nil, err
	}
	return result, nil
}

// propagateGrant applies the parent's propagation mode to the child's
// grant for the duration of the call. The returned restore function
// reinstates the child's original grant.
func (o *Orchestrator) propagateGrant(parentDef AgentDefinition, parentID, target string) (func(), error) {
	if o.verifier == nil {
		return func() {}, nil
	}

	mode := parentDef.Propagation
	if mode == "" || mode == PropagateNone {
		return func() {}, nil
	}

	parentGrant, ok := o.verifier.GrantFor(parentID)
	if !ok {
		return nil, &PermissionDeniedError{Subject: parentID, Action: "agent:" + target, Message: "no capability grant to propagate"}
	}
	childGrant, hadGrant := o.verifier.GrantFor(target)

	var effective Grant
	switch mode {
	case PropagateFull:
		effective = parentGrant
		effective.AgentID = target
	case PropagateSubset:
		if !hadGrant {
			return nil, &PermissionDeniedError{Subject: target, Action: "grant", Message: "child has no grant to intersect"}
		}
		effective = IntersectGrants(parentGrant, childGrant)
	}

	if err := o.verifier.Grant(effective); err != nil {
		return nil, err
	}
	return func() {
		if hadGrant {
			_ = o.verifier.Grant(childGrant)
		} else {
			o.verifier.Revoke(target)
		}
	}, nil
}

var _ AgentCaller = (*Orchestrator)(nil)
