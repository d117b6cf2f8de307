package loom

import (
	"errors"
	"fmt"
	"time"
)

// Error codes form a closed set. Every kernel error carries one so that
// terminal failure events and wire responses can report a stable,
// machine-readable code alongside the human-readable message.
const (
	CodePermissionDenied    = "permission_denied"
	CodeValidation          = "validation_error"
	CodeModuleNotFound      = "module_not_found"
	CodeModuleInstallFailed = "module_install_failed"
	CodeModuleIncompatible  = "module_version_incompatible"
	CodeSignatureInvalid    = "signature_verification_failed"
	CodeGraphValidation     = "graph_validation_error"
	CodeGraphIterationLimit = "graph_iteration_limit"
	CodeProvider            = "provider_error"
	CodeRateLimit           = "rate_limit"
	CodeTimeout             = "timeout"
	CodeToolExecution       = "tool_execution_error"
	CodeBudgetExceeded      = "budget_exceeded"
	CodeSandbox             = "sandbox_error"
	CodeTransport           = "transport_error"
)

// PermissionDeniedError signals a missing module permission or agent
// capability. Subject is the module or agent the check ran against.
type PermissionDeniedError struct {
	Subject string
	Action  string
	Message string
}

func (e *PermissionDeniedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("permission denied: %s: %s: %s", e.Subject, e.Action, e.Message)
	}
	return fmt.Sprintf("permission denied: %s: %s", e.Subject, e.Action)
}

// ValidationError signals input that failed a schema or precondition check.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
	}
	return "validation: " + e.Message
}

// ModuleNotFoundError signals a reference to an unknown module.
type ModuleNotFoundError struct {
	ModuleID string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module %q not found", e.ModuleID)
}

// ModuleInstallFailedError signals that a module passed validation but
// could not be admitted (permission grant or tool registration failed).
type ModuleInstallFailedError struct {
	ModuleID string
	Reason   string
}

func (e *ModuleInstallFailedError) Error() string {
	return fmt.Sprintf("module %q install failed: %s", e.ModuleID, e.Reason)
}

// ModuleVersionIncompatibleError signals a manifest whose declared core
// version range does not admit the running kernel version.
type ModuleVersionIncompatibleError struct {
	ModuleID    string
	CoreVersion string
	MinVersion  string
	MaxVersion  string
}

func (e *ModuleVersionIncompatibleError) Error() string {
	return fmt.Sprintf("module %q requires core %s..%s, running %s",
		e.ModuleID, e.MinVersion, e.MaxVersion, e.CoreVersion)
}

// SignatureVerificationFailedError signals a manifest whose signature
// could not be verified.
type SignatureVerificationFailedError struct {
	ModuleID string
	Reason   string
}

func (e *SignatureVerificationFailedError) Error() string {
	return fmt.Sprintf("module %q: signature verification failed: %s", e.ModuleID, e.Reason)
}

// GraphValidationError carries all problems found while validating a graph.
type GraphValidationError struct {
	GraphID  string
	Problems []string
}

func (e *GraphValidationError) Error() string {
	return fmt.Sprintf("graph %q invalid: %v", e.GraphID, e.Problems)
}

// GraphIterationLimitError signals re-entry into a node whose iteration
// counter already reached its declared MaxIterations.
type GraphIterationLimitError struct {
	NodeID string
	Limit  int
}

func (e *GraphIterationLimitError) Error() string {
	return fmt.Sprintf("node %q exceeded max iterations (%d)", e.NodeID, e.Limit)
}

// BudgetExceededError aborts an execution whose token, cost, or request
// budget ran out. Remaining is negative when usage overshot the budget.
type BudgetExceededError struct {
	Scope     BudgetScope
	AgentID   string
	Dimension string // "tokens", "usd", or "requests"
	Remaining float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s/%s %s (remaining %.2f)",
		e.Scope, e.AgentID, e.Dimension, e.Remaining)
}

// ProviderError wraps a provider-side failure. Status carries the HTTP
// status when the provider spoke HTTP; zero otherwise. Transient errors
// participate in the router's fallback chain.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Transient bool
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// RateLimitError signals a provider or budget rate limit. RetryAfter is
// the server-suggested wait, zero when unknown.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return e.Provider + ": rate limited"
}

// TimeoutError reports an exceeded deadline. Op identifies which deadline
// fired: "execution", "node", "tool", or "approval".
type TimeoutError struct {
	Op    string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s deadline exceeded (%s)", e.Op, e.Limit)
}

// Tool failure reasons, carried by ToolExecutionError.
const (
	ToolTimeout          = "timeout"
	ToolResourceExceeded = "resource_exceeded"
	ToolRuntimeFailure   = "runtime_failure"
)

// ToolExecutionError signals a failed tool call. Reason is one of the
// Tool* constants above.
type ToolExecutionError struct {
	Tool   string
	Reason string
	Detail string
}

func (e *ToolExecutionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("tool %q: %s: %s", e.Tool, e.Reason, e.Detail)
	}
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Reason)
}

// SandboxError signals a sandbox-level failure (worker died, protocol
// violation) as opposed to the tool code itself failing.
type SandboxError struct {
	Message string
}

func (e *SandboxError) Error() string { return "sandbox: " + e.Message }

// TransportError wraps a failure on the optional control transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// ErrorCode maps any kernel error to its closed-set code. Unknown errors
// map to the provider code since they can only originate from a port.
func ErrorCode(err error) string {
	var (
		perm      *PermissionDeniedError
		val       *ValidationError
		notFound  *ModuleNotFoundError
		install   *ModuleInstallFailedError
		incompat  *ModuleVersionIncompatibleError
		sig       *SignatureVerificationFailedError
		graphVal  *GraphValidationError
		iterLimit *GraphIterationLimitError
		budget    *BudgetExceededError
		provider  *ProviderError
		rate      *RateLimitError
		timeout   *TimeoutError
		tool      *ToolExecutionError
		sandbox   *SandboxError
		transport *TransportError
	)
	switch {
	case errors.As(err, &perm):
		return CodePermissionDenied
	case errors.As(err, &val):
		return CodeValidation
	case errors.As(err, &notFound):
		return CodeModuleNotFound
	case errors.As(err, &install):
		return CodeModuleInstallFailed
	case errors.As(err, &incompat):
		return CodeModuleIncompatible
	case errors.As(err, &sig):
		return CodeSignatureInvalid
	case errors.As(err, &graphVal):
		return CodeGraphValidation
	case errors.As(err, &iterLimit):
		return CodeGraphIterationLimit
	case errors.As(err, &budget):
		return CodeBudgetExceeded
	case errors.As(err, &rate):
		return CodeRateLimit
	case errors.As(err, &timeout):
		return CodeTimeout
	case errors.As(err, &tool):
		return CodeToolExecution
	case errors.As(err, &sandbox):
		return CodeSandbox
	case errors.As(err, &transport):
		return CodeTransport
	case errors.As(err, &provider):
		return CodeProvider
	default:
		return CodeProvider
	}
}

// Recoverable reports whether an error may be retried via the provider
// fallback chain. Rate limits, transient provider failures, and transport
// hiccups qualify; everything else is fatal at the node boundary.
func Recoverable(err error) bool {
	var rate *RateLimitError
	if errors.As(err, &rate) {
		return true
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var provider *ProviderError
	if errors.As(err, &provider) {
		return provider.Transient
	}
	return false
}
