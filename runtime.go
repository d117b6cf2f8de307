package loom

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Runtime is the composition root: it owns every kernel component and
// exposes the operations the control surface needs. Construct with New,
// register graphs, agents, and modules, then Start.
type Runtime struct {
	bus         *Bus
	permissions *PermissionEngine
	capRegistry *CapabilityRegistry
	verifier    *CapabilityVerifier
	policies    *PolicyEngine
	budget      *BudgetManager
	graphs      *GraphRegistry
	agents      *AgentRegistry
	tools       *ToolRegistry
	modules     *ModuleRegistry
	executor    *ToolExecutor
	router      *Router
	memory      *MemoryManager
	scheduler   *Scheduler
	pool        *WorkerPool
	orch        *Orchestrator
	snapshots   SnapshotStore
	fetcher     *Fetcher
	tracer      Tracer
	logger      *slog.Logger

	vectors   VectorStore
	storage   Storage
	sandbox   Sandbox
	providers []RouterEntry
	workers   int
	started   bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithVectorStore sets the long-term memory backend.
func WithVectorStore(s VectorStore) RuntimeOption {
	return func(r *Runtime) { r.vectors = s }
}

// WithSnapshotStore sets the checkpoint backend.
func WithSnapshotStore(s SnapshotStore) RuntimeOption {
	return func(r *Runtime) { r.snapshots = s }
}

// WithStorage sets the keyed JSON storage backend.
func WithStorage(s Storage) RuntimeOption {
	return func(r *Runtime) { r.storage = s }
}

// WithSandbox sets the tool sandbox backend.
func WithSandbox(s Sandbox) RuntimeOption {
	return func(r *Runtime) { r.sandbox = s }
}

// WithProviders registers the LLM providers the router fans out to.
func WithProviders(entries ...RouterEntry) RuntimeOption {
	return func(r *Runtime) { r.providers = append(r.providers, entries...) }
}

// WithRuntimeWorkers sets the worker pool size.
func WithRuntimeWorkers(n int) RuntimeOption {
	return func(r *Runtime) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithTracer sets the tracing backend.
func WithTracer(t Tracer) RuntimeOption {
	return func(r *Runtime) { r.tracer = t }
}

// WithLogger sets the structured logger shared by all components.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// New builds a runtime. An embedding provider is required for memory;
// stores default to their in-memory implementations so a zero-config
// runtime still runs.
func New(embedder EmbeddingProvider, opts ...RuntimeOption) (*Runtime, error) {
	if embedder == nil {
		return nil, &ValidationError{Field: "embedder", Message: "embedding provider is required"}
	}

	r := &Runtime{workers: DefaultWorkers}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	if r.vectors == nil {
		r.vectors = NewMemVectorStore()
	}
	if r.snapshots == nil {
		r.snapshots = NewMemSnapshotStore()
	}
	if r.storage == nil {
		r.storage = NewMemStorage()
	}
	if len(r.providers) == 0 {
		return nil, &ValidationError{Field: "providers", Message: "at least one provider is required"}
	}
	for _, e := range r.providers {
		if e.Provider == nil {
			return nil, &ValidationError{Field: "providers", Message: "nil provider entry"}
		}
	}

	r.bus = NewBus(WithBusLogger(r.logger))
	r.permissions = NewPermissionEngine()
	r.capRegistry = NewCapabilityRegistry()
	r.verifier = NewCapabilityVerifier(r.capRegistry, r.bus)
	r.policies = NewPolicyEngine(r.bus, WithPolicyLogger(r.logger))
	r.policies.Add(NewInjectionPolicy())
	r.budget = NewBudgetManager(r.bus)
	r.tools = NewToolRegistry()
	r.modules = NewModuleRegistry(r.permissions, r.tools)
	r.agents = NewAgentRegistry()
	r.graphs = NewGraphRegistry(&runtimeRefs{r})
	r.executor = NewToolExecutor(r.tools, r.permissions, r.verifier, r.sandbox)
	r.router = NewRouter(r.providers,
		WithRouterBudget(r.budget),
		WithRouterVerifier(r.verifier),
		WithRouterBus(r.bus),
		WithRouterLogger(r.logger),
	)
	r.memory = NewMemoryManager(r.vectors, embedder,
		WithMemoryVerifier(r.verifier),
		WithMemoryBus(r.bus),
		WithSessionStore(NewSessionStore(r.storage)),
	)
	r.scheduler = NewScheduler()
	r.orch = NewOrchestrator(r.agents, r.verifier, r.budget, r.scheduler, r.bus,
		WithOrchestratorLogger(r.logger))
	r.pool = NewWorkerPool(r.scheduler, r.graphs, r.agents, r.router, r.executor,
		r.memory, r.policies, r.budget, r.snapshots, r.bus,
		WithWorkers(r.workers),
		WithPoolLogger(r.logger),
		WithAgentCaller(r.orch),
		WithPoolTracer(r.tracer),
	)
	r.fetcher = NewFetcher(WithFetchVerifier(r.verifier), WithFetchBus(r.bus))
	return r, nil
}

// runtimeRefs adapts the runtime's registries to graph validation.
type runtimeRefs struct{ r *Runtime }

func (rr *runtimeRefs) HasTool(name string) bool       { return rr.r.tools.Has(name) }
func (rr *runtimeRefs) HasAgent(id string) bool        { return rr.r.agents.Has(id) }
func (rr *runtimeRefs) HasCapability(name string) bool { return rr.r.capRegistry.Has(name) }

// Component accessors. The control surface and tests reach components
// through these rather than rebuilding wiring.
func (r *Runtime) Bus() *Bus                        { return r.bus }
func (r *Runtime) Permissions() *PermissionEngine   { return r.permissions }
func (r *Runtime) Capabilities() *CapabilityRegistry { return r.capRegistry }
func (r *Runtime) Verifier() *CapabilityVerifier    { return r.verifier }
func (r *Runtime) Policies() *PolicyEngine          { return r.policies }
func (r *Runtime) Budget() *BudgetManager           { return r.budget }
func (r *Runtime) Graphs() *GraphRegistry           { return r.graphs }
func (r *Runtime) Agents() *AgentRegistry           { return r.agents }
func (r *Runtime) Tools() *ToolRegistry             { return r.tools }
func (r *Runtime) Modules() *ModuleRegistry         { return r.modules }
func (r *Runtime) Memory() *MemoryManager           { return r.memory }
func (r *Runtime) Snapshots() SnapshotStore         { return r.snapshots }
func (r *Runtime) Storage() Storage                 { return r.storage }
func (r *Runtime) Fetcher() *Fetcher                { return r.fetcher }
func (r *Runtime) Router() *Router                  { return r.router }

// Start initializes the stores and launches the worker pool.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started {
		return nil
	}
	if err := r.vectors.Init(ctx); err != nil {
		return fmt.Errorf("vector store init: %w", err)
	}
	r.pool.Start(ctx)
	r.started = true
	return nil
}

// Execute admits a new execution for agentID: validates the agent and
// its graph, checks required capabilities, walks the pre-run lifecycle,
// and enqueues it. The returned execution is live; observe it through
// its handle or the event bus.
func (r *Runtime) Execute(ctx context.Context, agentID string, input map[string]any, priority int) (*Execution, error) {
	def, ok := r.agents.Get(agentID)
	if !ok {
		return nil, &ValidationError{Field: "agentId", Message: fmt.Sprintf("agent %q not registered", agentID)}
	}
	if _, ok := r.graphs.Get(def.GraphID); !ok {
		return nil, &ValidationError{Field: "graphId", Message: fmt.Sprintf("graph %q not registered", def.GraphID)}
	}
	for _, capName := range def.RequiredCapabilities {
		if err := r.verifier.Verify(agentID, capName); err != nil {
			return nil, err
		}
	}
	if def.MaxTokenBudget > 0 {
		r.budget.SetLimit(BudgetAgent, agentID, BudgetLimit{MaxTokens: def.MaxTokenBudget})
	}

	exec := NewExecution(agentID, def.GraphID, priority, r.bus)
	for k, v := range input {
		exec.SetVar(k, v)
	}
	for _, next := range []LifecycleState{StateValidated, StatePlanned, StateScheduled} {
		if err := exec.Transition(next); err != nil {
			return nil, err
		}
	}
	if err := r.scheduler.Enqueue(exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// Resume rehydrates an execution from its latest snapshot and
// reschedules it from the persisted node pointer.
func (r *Runtime) Resume(ctx context.Context, executionID string) (*Execution, error) {
	rec, err := r.snapshots.Latest(ctx, executionID)
	if err != nil {
		return nil, err
	}
	def, ok := r.agents.Get(rec.AgentID)
	if !ok {
		return nil, &ValidationError{Field: "agentId", Message: fmt.Sprintf("agent %q not registered", rec.AgentID)}
	}
	if _, ok := r.graphs.Get(rec.GraphID); !ok {
		return nil, &ValidationError{Field: "graphId", Message: fmt.Sprintf("graph %q not registered", rec.GraphID)}
	}
	if def.MaxTokenBudget > 0 {
		r.budget.SetLimit(BudgetAgent, rec.AgentID, BudgetLimit{MaxTokens: def.MaxTokenBudget})
		// Spend from the snapshot counts against the fresh budget.
		_ = r.budget.Record(BudgetAgent, rec.AgentID, rec.TokenUsage)
	}

	exec := NewExecution(rec.AgentID, rec.GraphID, 0, r.bus)
	exec.Restore(rec)
	for _, next := range []LifecycleState{StateValidated, StatePlanned, StateScheduled} {
		if err := exec.Transition(next); err != nil {
			return nil, err
		}
	}
	if err := r.scheduler.Enqueue(exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// Abort stops an execution wherever it is: still queued, in flight, or
// already terminal. Aborting a terminal execution is a no-op, so the
// operation is idempotent.
func (r *Runtime) Abort(executionID string) error {
	if r.scheduler.Cancel(executionID) {
		return nil
	}
	if exec, ok := r.pool.Running(executionID); ok {
		if Terminal(exec.State()) {
			return nil
		}
		return exec.Transition(StateAborted)
	}
	return nil
}

// Approve delivers a human checkpoint decision to a waiting execution.
func (r *Runtime) Approve(executionID string, approved bool) error {
	exec, ok := r.pool.Running(executionID)
	if !ok {
		return &ValidationError{Field: "executionId", Message: "execution not running"}
	}
	if !exec.Approve(approved) {
		return &ValidationError{Field: "executionId", Message: "no checkpoint waiting for approval"}
	}
	r.bus.Emit(Event{
		Type:        EventApproveCheckpoint,
		ExecutionID: executionID,
		AgentID:     exec.AgentID(),
		Data:        map[string]any{"approved": approved},
	})
	return nil
}

// Reset clears all mutable kernel state: grants, policies, budgets,
// registries, and listeners. Stores are left untouched.
func (r *Runtime) Reset() {
	r.permissions.Reset()
	r.capRegistry.Reset()
	r.verifier.Reset()
	r.policies.Reset()
	r.policies.Add(NewInjectionPolicy())
	r.budget.Reset()
	r.graphs.Reset()
	r.agents.Reset()
	r.tools.Reset()
	r.bus.Clear()
}

// Close shuts the pool down and closes the stores.
func (r *Runtime) Close() error {
	r.pool.Shutdown(30 * time.Second)
	var firstErr error
	if err := r.vectors.Close(); err != nil {
		firstErr = err
	}
	if err := r.snapshots.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
