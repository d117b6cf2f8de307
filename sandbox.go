package loom

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sandbox runs untrusted tool source under resource limits. Implementations
// live in sandbox/subprocess and sandbox/docker.
type Sandbox interface {
	// Run executes source with args as input and returns the raw output.
	Run(ctx context.Context, source string, args json.RawMessage, limits SandboxLimits) (json.RawMessage, error)
	// Name identifies the sandbox backend in logs and errors.
	Name() string
}

// DefaultToolTimeout bounds tool runs whose definition carries no limit.
const DefaultToolTimeout = 30 * time.Second

// ToolExecutor runs registered tools behind the permission, capability,
// and input validation gates. Native tools run in-process; tools that
// carry source run in the sandbox. Output passes through untransformed.
type ToolExecutor struct {
	registry    *ToolRegistry
	permissions *PermissionEngine
	verifier    *CapabilityVerifier
	sandbox     Sandbox
}

// NewToolExecutor wires an executor. permissions, verifier, and sandbox
// may each be nil, which disables the corresponding gate or backend.
func NewToolExecutor(registry *ToolRegistry, permissions *PermissionEngine, verifier *CapabilityVerifier, sandbox Sandbox) *ToolExecutor {
	return &ToolExecutor{
		registry:    registry,
		permissions: permissions,
		verifier:    verifier,
		sandbox:     sandbox,
	}
}

// Execute runs toolName for agentID. The returned ToolExecution reports
// failure in-band; the error return is reserved for authorization and
// validation failures, which the caller must treat as execution faults
// rather than tool faults.
func (e *ToolExecutor) Execute(ctx context.Context, agentID, toolName string, args json.RawMessage) (ToolExecution, error) {
	def, ok := e.registry.Get(toolName)
	if !ok {
		return ToolExecution{}, &ValidationError{Field: "tool", Message: "tool " + toolName + " not registered"}
	}

	if err := e.registry.ValidateInput(toolName, args); err != nil {
		return ToolExecution{}, err
	}
	if e.permissions != nil && def.Permission != "" && def.ModuleID != "" {
		if err := e.permissions.Check(def.ModuleID, def.Permission); err != nil {
			return ToolExecution{}, err
		}
	}
	if e.verifier != nil {
		if err := e.verifier.VerifyToolCall(agentID, toolName); err != nil {
			return ToolExecution{}, err
		}
	}

	timeout := DefaultToolTimeout
	if def.Limits.TimeoutMs > 0 {
		timeout = time.Duration(def.Limits.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, err := e.run(runCtx, def, args)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		// A timeout reports the full limit, not the measured elapsed
		// time, so results are stable across schedulers.
		if errors.Is(err, context.DeadlineExceeded) {
			return ToolExecution{
				Success:    false,
				Error:      "timeout",
				DurationMs: timeout.Milliseconds(),
			}, nil
		}
		var sberr *SandboxError
		if errors.As(err, &sberr) {
			return ToolExecution{Success: false, Error: sberr.Error(), DurationMs: elapsed}, nil
		}
		return ToolExecution{Success: false, Error: err.Error(), DurationMs: elapsed}, nil
	}
	return ToolExecution{Success: true, Output: output, DurationMs: elapsed}, nil
}

func (e *ToolExecutor) run(ctx context.Context, def ToolDefinition, args json.RawMessage) (json.RawMessage, error) {
	if handler, ok := e.registry.handlerFor(def.Name); ok {
		type result struct {
			out json.RawMessage
			err error
		}
		done := make(chan result, 1)
		go func() {
			out, err := handler(ctx, args)
			done <- result{out, err}
		}()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-done:
			return res.out, res.err
		}
	}

	if e.sandbox == nil {
		return nil, &SandboxError{Message: "no sandbox configured for tool " + def.Name}
	}
	return e.sandbox.Run(ctx, def.Source, args, def.Limits)
}
