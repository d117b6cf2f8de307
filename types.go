package loom

import "encoding/json"

// --- Agent definitions ---

// PropagationMode controls how a parent's capability grant reaches a
// sub-agent spawned through the orchestrator.
type PropagationMode string

const (
	// PropagateNone gives the child only its own grant.
	PropagateNone PropagationMode = "none"
	// PropagateSubset intersects the parent's grant with the child's.
	PropagateSubset PropagationMode = "subset"
	// PropagateFull passes the parent's grant through unchanged.
	PropagateFull PropagationMode = "full"
)

// AgentDefinition is the immutable description of an agent: which graph
// it runs, what it may spend, and which capabilities it needs granted
// before it can be scheduled.
type AgentDefinition struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	GraphID              string   `json:"graph_id"`
	MaxTokenBudget       int      `json:"max_token_budget"`
	RequiredCapabilities []string `json:"required_capabilities"`

	// Propagation selects the capability propagation rule for sub-agent
	// calls made by this agent. Empty means PropagateNone.
	Propagation PropagationMode `json:"propagation,omitempty"`
	// BudgetIsolated gives each child its own budget counters. When
	// false, child usage decrements the parent's remaining budget.
	BudgetIsolated bool `json:"budget_isolated"`
	// MaxDurationMs is the global per-execution deadline. Zero uses the
	// runtime default.
	MaxDurationMs int64 `json:"max_duration_ms,omitempty"`
	// NodeDeadlineMs bounds each node's execution. Zero disables it.
	NodeDeadlineMs int64 `json:"node_deadline_ms,omitempty"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ChatRequest is the closed option set sent through the provider port.
// Unknown options are rejected at validation, not silently carried.
type ChatRequest struct {
	Model        string           `json:"model"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	Messages     []ChatMessage    `json:"messages"`
	Temperature  float64          `json:"temperature,omitempty"`
	MaxTokens    int              `json:"max_tokens,omitempty"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage tracks token counts and accumulated cost for one or more LLM calls.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.CostUSD += u2.CostUSD
}

// Total returns prompt + completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// --- Tools ---

// SandboxLimits bounds one sandboxed tool invocation.
type SandboxLimits struct {
	TimeoutMs      int64    `json:"timeout_ms"`
	MaxMemoryBytes int64    `json:"max_memory_bytes"`
	AllowedAPIs    []string `json:"allowed_apis,omitempty"`
	DeniedAPIs     []string `json:"denied_apis,omitempty"`
	Network        bool     `json:"network"`
	Filesystem     bool     `json:"filesystem"`
}

// ToolDefinition describes a registered tool: the module that owns it,
// the permission its execution requires, the JSON Schema its input must
// satisfy, the source the sandbox runs, and its resource limits.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	ModuleID    string          `json:"module_id,omitempty"`
	Permission  Permission      `json:"permission,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Source      string          `json:"source,omitempty"`
	Limits      SandboxLimits   `json:"limits,omitempty"`
}

// ToolExecution is the raw, untransformed outcome of one tool call. The
// graph observes Output exactly as the sandbox produced it.
type ToolExecution struct {
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// --- Memory ---

// MemoryType classifies a long-term memory item.
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
)

// MemoryItem is one long-term memory record. Scope is a resolved scope
// string (bot:{id}, workspace:shared, task:{runId}, or arbitrary).
type MemoryItem struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	Scope      string     `json:"scope"`
	Type       MemoryType `json:"type"`
	Importance float64    `json:"importance"`
	Embedding  []float32  `json:"-"`
	Content    string     `json:"content"`
	CreatedAt  int64      `json:"created_at"`
	UpdatedAt  int64      `json:"updated_at"`
}

// ScoredMemory pairs a memory item with its cosine similarity to a query.
type ScoredMemory struct {
	Item  MemoryItem `json:"item"`
	Score float32    `json:"score"`
}

// --- Execution call stack ---

// StackFrame records one ancestor in a sub-agent call chain.
type StackFrame struct {
	ExecutionID string `json:"execution_id"`
	AgentID     string `json:"agent_id"`
}

// MaxCallDepth bounds the sub-agent call stack.
const MaxCallDepth = 5

// --- Snapshots ---

// SnapshotRecord is the durable checkpoint of one execution, written at
// every terminal transition and at designated checkpoint nodes.
// Variables and Responses are deep copies: mutating the live execution
// after a snapshot never alters the persisted record.
type SnapshotRecord struct {
	ExecutionID string                     `json:"execution_id"`
	AgentID     string                     `json:"agent_id"`
	GraphID     string                     `json:"graph_id"`
	NodePointer string                     `json:"node_pointer"`
	Timestamp   int64                      `json:"timestamp"`
	Variables   map[string]any             `json:"variables"`
	CallStack   []StackFrame               `json:"call_stack,omitempty"`
	State       LifecycleState             `json:"lifecycle_state"`
	TokenUsage  Usage                      `json:"token_usage"`
	MemoryRef   string                     `json:"memory_ref,omitempty"`
	EventLogRef string                     `json:"event_log_ref,omitempty"`
	Version     string                     `json:"version"`
	Responses   map[string]json.RawMessage `json:"responses,omitempty"`

	// NodeIterations carries the per-node entry counts so a resumed
	// execution keeps honoring MaxIterations on cycle guards.
	NodeIterations map[string]int `json:"node_iterations,omitempty"`
}
