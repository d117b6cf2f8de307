package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 4

// DefaultExecutionTimeout bounds executions whose agent sets no limit.
const DefaultExecutionTimeout = 10 * time.Minute

// DefaultApprovalTimeout bounds how long a HUMAN_APPROVAL node waits.
const DefaultApprovalTimeout = 24 * time.Hour

// AgentCaller dispatches a sub-agent call on behalf of a running
// execution. Implemented by the Orchestrator; an interface here keeps
// the pool free of orchestration concerns.
type AgentCaller interface {
	CallAgent(ctx context.Context, parent *Execution, target string, input map[string]any) (json.RawMessage, error)
}

// WorkerPool pulls scheduled executions off the scheduler and walks
// their graphs node by node, applying the policy, capability, and
// budget gates before each privileged step.
type WorkerPool struct {
	workers   int
	scheduler *Scheduler
	graphs    *GraphRegistry
	agents    *AgentRegistry
	router    *Router
	executor  *ToolExecutor
	memory    *MemoryManager
	policies  *PolicyEngine
	budget    *BudgetManager
	snapshots SnapshotStore
	bus       *Bus
	logger    *slog.Logger
	caller    AgentCaller
	tracer    Tracer

	mu      sync.Mutex
	running map[string]*Execution
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithWorkers sets the pool size.
func WithWorkers(n int) PoolOption {
	return func(p *WorkerPool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPoolLogger sets the structured logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *WorkerPool) { p.logger = l }
}

// WithAgentCaller wires sub-agent dispatch for AGENT_CALL nodes.
func WithAgentCaller(c AgentCaller) PoolOption {
	return func(p *WorkerPool) { p.caller = c }
}

// WithPoolTracer wires span creation around execution, node, provider,
// and tool operations. Nil disables tracing.
func WithPoolTracer(t Tracer) PoolOption {
	return func(p *WorkerPool) { p.tracer = t }
}

// NewWorkerPool wires a pool. Every collaborator except caller is
// required; a nil caller fails AGENT_CALL nodes at runtime.
func NewWorkerPool(
	scheduler *Scheduler,
	graphs *GraphRegistry,
	agents *AgentRegistry,
	router *Router,
	executor *ToolExecutor,
	memory *MemoryManager,
	policies *PolicyEngine,
	budget *BudgetManager,
	snapshots SnapshotStore,
	bus *Bus,
	opts ...PoolOption,
) *WorkerPool {
	p := &WorkerPool{
		workers:   DefaultWorkers,
		scheduler: scheduler,
		graphs:    graphs,
		agents:    agents,
		router:    router,
		executor:  executor,
		memory:    memory,
		policies:  policies,
		budget:    budget,
		snapshots: snapshots,
		bus:       bus,
		running:   make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	return p
}

// SetAgentCaller installs the sub-agent dispatcher after construction.
// The orchestrator needs the pool and the pool needs the orchestrator;
// this breaks the construction cycle.
func (p *WorkerPool) SetAgentCaller(c AgentCaller) { p.caller = c }

// Start launches the workers. Safe to call once.
func (p *WorkerPool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Shutdown stops accepting work and waits up to grace for in-flight
// executions to finish. Executions still running after grace are
// aborted.
func (p *WorkerPool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.mu.Lock()
		for _, exec := range p.running {
			_ = exec.Transition(StateAborted)
		}
		p.mu.Unlock()
		<-done
	}
}

// Running returns the in-flight execution with the given id.
func (p *WorkerPool) Running(executionID string) (*Execution, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	exec, ok := p.running[executionID]
	return exec, ok
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		exec, err := p.scheduler.Dequeue(ctx)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.running[exec.ID()] = exec
		p.mu.Unlock()

		p.runExecution(ctx, exec)

		p.mu.Lock()
		delete(p.running, exec.ID())
		p.mu.Unlock()
	}
}

// runExecution walks one execution's graph to a terminal state and
// persists the final snapshot.
func (p *WorkerPool) runExecution(ctx context.Context, exec *Execution) {
	def, ok := p.agents.Get(exec.AgentID())
	if !ok {
		p.fail(ctx, exec, fmt.Sprintf("agent %q not registered", exec.AgentID()))
		return
	}
	graph, ok := p.graphs.Get(exec.GraphID())
	if !ok {
		p.fail(ctx, exec, fmt.Sprintf("graph %q not registered", exec.GraphID()))
		return
	}

	timeout := DefaultExecutionTimeout
	if def.MaxDurationMs > 0 {
		timeout = time.Duration(def.MaxDurationMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runCtx, sp := p.span(runCtx, "execution.run",
		StringAttr("execution.id", exec.ID()),
		StringAttr("agent.id", exec.AgentID()),
		StringAttr("graph.id", exec.GraphID()))
	defer sp.End()

	if err := exec.Transition(StateRunning); err != nil {
		p.logger.Error("cannot start execution", "execution", exec.ID(), "error", err)
		return
	}

	// Fresh executions start at START; resumed ones at their pointer.
	current := exec.Node()
	if current == "" {
		current = graph.StartNode()
	}

	for {
		if exec.State() == StateAborted {
			p.persist(ctx, exec)
			return
		}
		select {
		case <-exec.Aborted():
			_ = exec.Transition(StateAborted)
			p.persist(ctx, exec)
			return
		case <-runCtx.Done():
			exec.Fail((&TimeoutError{Op: "execution", Limit: timeout}).Error())
			p.fail(ctx, exec, exec.Failure())
			return
		default:
		}

		node, ok := graph.NodeByID(current)
		if !ok {
			p.fail(ctx, exec, fmt.Sprintf("node %q missing from graph %q", current, exec.GraphID()))
			return
		}
		exec.SetNode(current)

		// Re-entry accounting. Zero MaxIterations means single entry.
		limit := node.MaxIterations
		if limit <= 0 {
			limit = 1
		}
		if n := exec.EnterNode(current); n > limit {
			err := &GraphIterationLimitError{NodeID: current, Limit: limit}
			p.fail(ctx, exec, err.Error())
			return
		}

		if err := p.runNode(runCtx, exec, def, graph, node); err != nil {
			if exec.State() == StateAborted {
				p.persist(ctx, exec)
				return
			}
			sp.Error(err)
			p.emitNode(exec, EventNodeFailed, node.ID, err.Error())
			p.fail(ctx, exec, err.Error())
			return
		}
		p.emitNode(exec, EventNodeCompleted, node.ID, "")

		if node.Checkpoint && p.snapshots != nil {
			if err := p.snapshots.Save(ctx, exec.Snapshot()); err != nil {
				p.logger.Error("checkpoint snapshot failed", "execution", exec.ID(), "error", err)
			}
		}

		if node.Type == NodeEnd {
			p.complete(ctx, exec)
			return
		}
		// Branches below a PARALLEL node have already been walked to the
		// join; resume there instead of re-entering a branch edge.
		if node.Type == NodeParallel {
			join := nodeString(node, "join")
			if join == "" {
				p.complete(ctx, exec)
				return
			}
			current = join
			continue
		}
		next, ok := ResolveNext(graph, current, exec.Vars())
		if !ok {
			p.complete(ctx, exec)
			return
		}
		current = next
	}
}

func (p *WorkerPool) emitNode(exec *Execution, evt EventType, nodeID, errMsg string) {
	if p.bus == nil {
		return
	}
	data := map[string]any{"node": nodeID}
	if errMsg != "" {
		data["error"] = errMsg
	}
	p.bus.Emit(Event{Type: evt, ExecutionID: exec.ID(), AgentID: exec.AgentID(), Data: data})
}

func (p *WorkerPool) complete(ctx context.Context, exec *Execution) {
	_ = exec.Transition(StateCompleted)
	p.persist(ctx, exec)
}

func (p *WorkerPool) fail(ctx context.Context, exec *Execution, reason string) {
	exec.Fail(reason)
	_ = exec.Transition(StateFailed)
	p.logger.Error("execution failed", "execution", exec.ID(), "agent", exec.AgentID(), "reason", reason)
	p.persist(ctx, exec)
}

// persist writes the terminal snapshot and settles the execution in
// snapshot_persisted.
func (p *WorkerPool) persist(ctx context.Context, exec *Execution) {
	if p.snapshots != nil {
		// Terminal snapshots must survive caller cancellation.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := p.snapshots.Save(saveCtx, exec.Snapshot()); err != nil {
			p.logger.Error("terminal snapshot failed", "execution", exec.ID(), "error", err)
			return
		}
	}
	_ = exec.Transition(StateSnapshotPersisted)
}

// span opens a tracing span, or a no-op one when no tracer is wired.
func (p *WorkerPool) span(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if p.tracer == nil {
		return ctx, nopSpan{}
	}
	return p.tracer.Start(ctx, name, attrs...)
}

// runNode executes one node. The returned error fails the execution.
func (p *WorkerPool) runNode(ctx context.Context, exec *Execution, def AgentDefinition, graph *Graph, node Node) error {
	if def.NodeDeadlineMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(def.NodeDeadlineMs)*time.Millisecond)
		defer cancel()
	}

	ctx, sp := p.span(ctx, "graph.node",
		StringAttr("node.id", node.ID),
		StringAttr("node.type", string(node.Type)))
	defer sp.End()

	var err error
	switch node.Type {
	case NodeStart, NodeEnd, NodeCondition:
	case NodeLLM:
		err = p.runLLM(ctx, exec, node)
	case NodeTool:
		err = p.runTool(ctx, exec, node)
	case NodeMemoryRead:
		err = p.runMemoryRead(ctx, exec, node)
	case NodeMemoryWrite:
		err = p.runMemoryWrite(ctx, exec, node)
	case NodeAgentCall:
		err = p.runAgentCall(ctx, exec, node)
	case NodeHumanApproval:
		err = p.waitApproval(ctx, exec, node)
	case NodeParallel:
		err = p.runParallel(ctx, exec, def, graph, node)
	default:
		err = &ValidationError{Field: "type", Message: fmt.Sprintf("node %q: unknown type %q", node.ID, node.Type)}
	}
	if err != nil {
		sp.Error(err)
	}
	return err
}

// gate runs the policy engine for one action. Deny fails the step;
// prompt parks the execution at a checkpoint until a human decides.
func (p *WorkerPool) gate(ctx context.Context, exec *Execution, action string, actx ActionContext) error {
	if p.policies == nil {
		return nil
	}
	actx.ExecutionID = exec.ID()
	actx.NodeID = exec.Node()
	switch p.policies.Evaluate(exec.AgentID(), action, actx) {
	case PolicyDeny:
		return &PermissionDeniedError{Subject: exec.AgentID(), Action: action, Message: "denied by policy"}
	case PolicyPrompt:
		return p.waitDecision(ctx, exec, DefaultApprovalTimeout)
	}
	return nil
}

// waitDecision parks the execution in waiting_approval until a human
// decision, an abort, or the timeout.
func (p *WorkerPool) waitDecision(ctx context.Context, exec *Execution, timeout time.Duration) error {
	if err := exec.Transition(StateWaitingApproval); err != nil {
		return err
	}
	if p.bus != nil {
		p.bus.Emit(Event{
			Type:        EventApprovalRequested,
			ExecutionID: exec.ID(),
			AgentID:     exec.AgentID(),
			Data:        map[string]any{"node": exec.Node()},
		})
	}
	select {
	case approved := <-exec.approvals():
		if !approved {
			_ = exec.Transition(StateRunning)
			return &PermissionDeniedError{Subject: exec.AgentID(), Action: "approval", Message: "rejected at checkpoint"}
		}
		return exec.Transition(StateRunning)
	case <-exec.Aborted():
		return &ValidationError{Field: "state", Message: "execution aborted while waiting for approval"}
	case <-ctx.Done():
		_ = exec.Transition(StateRunning)
		return &TimeoutError{Op: "approval", Limit: timeout}
	}
}

func (p *WorkerPool) runLLM(ctx context.Context, exec *Execution, node Node) error {
	prompt := resolveTemplate(nodeString(node, "prompt"), exec.Vars())
	if err := p.gate(ctx, exec, "llm.call", ActionContext{Content: prompt}); err != nil {
		return err
	}

	req := ChatRequest{
		Model:        nodeString(node, "model"),
		SystemPrompt: resolveTemplate(nodeString(node, "system"), exec.Vars()),
		Messages:     []ChatMessage{{Role: "user", Content: prompt}},
	}
	if mt, ok := nodeInt(node, "max_tokens"); ok {
		req.MaxTokens = mt
	}
	if temp, ok := nodeFloat(node, "temperature"); ok {
		req.Temperature = temp
	}

	routeCtx, sp := p.span(ctx, "provider.route", StringAttr("model", req.Model))
	resp, err := p.router.Route(routeCtx, exec.AgentID(), req)
	exec.AddUsage(resp.Usage)
	if err != nil {
		sp.Error(err)
		sp.End()
		return err
	}
	sp.SetAttr(IntAttr("tokens.total", resp.Usage.Total()))
	sp.End()

	out := nodeString(node, "output")
	if out == "" {
		out = node.ID
	}
	exec.SetVar(out, resp.Content)
	raw, _ := json.Marshal(resp.Content)
	exec.SetResponse(node.ID, raw)
	return nil
}

func (p *WorkerPool) runTool(ctx context.Context, exec *Execution, node Node) error {
	toolName := nodeString(node, "tool")
	args := resolveArgs(node.Config["args"], exec.Vars())
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return &ValidationError{Field: "args", Message: err.Error()}
	}

	if err := p.gate(ctx, exec, "tool.call", ActionContext{Tool: toolName, Content: string(rawArgs)}); err != nil {
		return err
	}

	if err := exec.BeginPhase(StateToolExecution); err != nil {
		return err
	}
	execCtx, sp := p.span(ctx, "tool.execute", StringAttr("tool", toolName))
	result, err := p.executor.Execute(execCtx, exec.AgentID(), toolName, rawArgs)
	if err != nil {
		sp.Error(err)
	}
	sp.End()
	if perr := exec.EndPhase(); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if !result.Success {
		return &ToolExecutionError{Tool: toolName, Reason: toolFailureReason(result.Error), Detail: result.Error}
	}

	out := nodeString(node, "output")
	if out == "" {
		out = node.ID
	}
	exec.SetVar(out, string(result.Output))
	exec.SetResponse(node.ID, result.Output)
	return nil
}

func toolFailureReason(msg string) string {
	if msg == "timeout" {
		return ToolTimeout
	}
	return ToolRuntimeFailure
}

func (p *WorkerPool) runMemoryRead(ctx context.Context, exec *Execution, node Node) error {
	query := resolveTemplate(nodeString(node, "query"), exec.Vars())
	scope := nodeString(node, "scope")
	topK, _ := nodeInt(node, "top_k")

	scored, err := p.memory.Recall(ctx, exec.AgentID(), scope, query, topK)
	if err != nil {
		return err
	}

	contents := make([]string, 0, len(scored))
	for _, s := range scored {
		contents = append(contents, s.Item.Content)
	}
	out := nodeString(node, "output")
	if out == "" {
		out = node.ID
	}
	exec.SetVar(out, contents)
	raw, _ := json.Marshal(scored)
	exec.SetResponse(node.ID, raw)
	return nil
}

func (p *WorkerPool) runMemoryWrite(ctx context.Context, exec *Execution, node Node) error {
	content := resolveTemplate(nodeString(node, "content"), exec.Vars())
	if err := p.gate(ctx, exec, "memory.write", ActionContext{Scope: nodeString(node, "scope"), Content: content}); err != nil {
		return err
	}

	if err := exec.BeginPhase(StateMemoryInjection); err != nil {
		return err
	}
	typ := MemoryType(nodeString(node, "type"))
	if typ == "" {
		typ = MemoryEpisodic
	}
	importance, _ := nodeFloat(node, "importance")
	item, err := p.memory.Remember(ctx, exec.AgentID(), nodeString(node, "scope"), typ, content, importance)
	if perr := exec.EndPhase(); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	raw, _ := json.Marshal(item.ID)
	exec.SetResponse(node.ID, raw)
	return nil
}

func (p *WorkerPool) runAgentCall(ctx context.Context, exec *Execution, node Node) error {
	if p.caller == nil {
		return &ValidationError{Field: "caller", Message: "no orchestrator wired for agent calls"}
	}
	target := nodeString(node, "agent")
	input := resolveArgs(node.Config["input"], exec.Vars())

	result, err := p.caller.CallAgent(ctx, exec, target, input)
	if err != nil {
		return err
	}
	out := nodeString(node, "output")
	if out == "" {
		out = node.ID
	}
	exec.SetVar(out, string(result))
	exec.SetResponse(node.ID, result)
	return nil
}

func (p *WorkerPool) waitApproval(ctx context.Context, exec *Execution, node Node) error {
	timeout := DefaultApprovalTimeout
	if ms, ok := nodeInt(node, "timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.waitDecision(waitCtx, exec, timeout)
}

// runParallel walks each outgoing branch concurrently until it reaches
// the node named by config "join" (or runs off the graph). The first
// branch error cancels its siblings.
func (p *WorkerPool) runParallel(ctx context.Context, exec *Execution, def AgentDefinition, graph *Graph, node Node) error {
	join := nodeString(node, "join")
	branches := graph.outgoing(node.ID)
	if len(branches) == 0 {
		return nil
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, edge := range branches {
		wg.Add(1)
		go func(start string) {
			defer wg.Done()
			if err := p.walkBranch(branchCtx, exec, def, graph, start, join); err != nil {
				// First failure wins and cancels the sibling branches.
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(edge.To)
	}
	wg.Wait()
	return firstErr
}

// walkBranch runs nodes from start until join (exclusive) or a dead end.
func (p *WorkerPool) walkBranch(ctx context.Context, exec *Execution, def AgentDefinition, graph *Graph, start, join string) error {
	current := start
	for {
		if current == join {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		node, ok := graph.NodeByID(current)
		if !ok {
			return &ValidationError{Field: "node", Message: fmt.Sprintf("branch node %q missing", current)}
		}
		limit := node.MaxIterations
		if limit <= 0 {
			limit = 1
		}
		if n := exec.EnterNode(current); n > limit {
			return &GraphIterationLimitError{NodeID: current, Limit: limit}
		}
		if err := p.runNode(ctx, exec, def, graph, node); err != nil {
			return err
		}
		next, ok := ResolveNext(graph, current, exec.Vars())
		if !ok {
			return nil
		}
		current = next
	}
}

// --- node config helpers ---

func nodeString(n Node, key string) string {
	s, _ := n.Config[key].(string)
	return s
}

func nodeInt(n Node, key string) (int, bool) {
	switch v := n.Config[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func nodeFloat(n Node, key string) (float64, bool) {
	switch v := n.Config[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// resolveArgs resolves {{placeholders}} inside a config map's string
// values, recursively.
func resolveArgs(cfg any, vars map[string]any) map[string]any {
	m, ok := cfg.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = resolveTemplate(val, vars)
		case map[string]any:
			out[k] = resolveArgs(val, vars)
		default:
			out[k] = v
		}
	}
	return out
}
