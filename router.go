package loom

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RouteStrategy selects how the router orders candidate providers.
type RouteStrategy string

const (
	// RoutePriority tries providers in ascending Priority order.
	RoutePriority RouteStrategy = "priority"
	// RouteRoundRobin rotates the starting provider per call.
	RouteRoundRobin RouteStrategy = "round_robin"
	// RouteCostOptimized tries the cheapest provider first.
	RouteCostOptimized RouteStrategy = "cost_optimized"
	// RouteLatencyOptimized tries the historically fastest provider first.
	RouteLatencyOptimized RouteStrategy = "latency_optimized"
)

// DefaultMaxFallbackAttempts bounds how many providers one call may try.
const DefaultMaxFallbackAttempts = 3

// RouterEntry registers one provider with its routing weights.
type RouterEntry struct {
	Provider Provider
	// Priority orders RoutePriority routing; lower is tried first.
	Priority int
	// CostPerMTokUSD orders RouteCostOptimized routing.
	CostPerMTokUSD float64
	// Models lists the model ids this provider serves. Empty means any
	// model; a request naming a model only routes to entries that list
	// it (or list none).
	Models []string
}

// supports reports whether the entry can serve the requested model.
func (e RouterEntry) supports(model string) bool {
	if model == "" || len(e.Models) == 0 {
		return true
	}
	for _, m := range e.Models {
		if m == model {
			return true
		}
	}
	return false
}

// routerState is the per-provider mutable routing state.
type routerState struct {
	entry RouterEntry
	// ewmaMs is the smoothed observed latency, zero until first success.
	ewmaMs float64
}

// Router fans chat requests out to registered providers with fallback.
// A recoverable failure (rate limit, transient provider fault, transport
// error) moves to the next candidate; anything else surfaces at once.
// Observed usage is recorded into the budget manager under the agent
// scope before the response is returned.
type Router struct {
	mu        sync.Mutex
	providers []*routerState
	strategy  RouteStrategy
	attempts  int
	rrNext    int

	budget   *BudgetManager
	verifier *CapabilityVerifier
	bus      *Bus
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouteStrategy sets the candidate ordering strategy.
func WithRouteStrategy(s RouteStrategy) RouterOption {
	return func(r *Router) { r.strategy = s }
}

// WithMaxFallbackAttempts caps how many providers one call tries.
func WithMaxFallbackAttempts(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithRouterBudget wires usage recording and pre-call budget checks.
func WithRouterBudget(b *BudgetManager) RouterOption {
	return func(r *Router) { r.budget = b }
}

// WithRouterVerifier gates calls on the agent's capability grant.
func WithRouterVerifier(v *CapabilityVerifier) RouterOption {
	return func(r *Router) { r.verifier = v }
}

// WithRouterBus emits stream chunks and routing events.
func WithRouterBus(bus *Bus) RouterOption {
	return func(r *Router) { r.bus = bus }
}

// WithRouterLogger sets the structured logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router over the given providers.
func NewRouter(entries []RouterEntry, opts ...RouterOption) *Router {
	r := &Router{
		strategy: RoutePriority,
		attempts: DefaultMaxFallbackAttempts,
	}
	for _, e := range entries {
		r.providers = append(r.providers, &routerState{entry: e})
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Add registers another provider at runtime.
func (r *Router) Add(e RouterEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, &routerState{entry: e})
}

// candidates returns the providers that can serve the requested model,
// in strategy order, capped at the fallback attempt limit.
func (r *Router) candidates(model string) []*routerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]*routerState, 0, len(r.providers))
	for _, s := range r.providers {
		if s.entry.supports(model) {
			ordered = append(ordered, s)
		}
	}

	switch r.strategy {
	case RouteRoundRobin:
		if len(ordered) > 0 {
			start := r.rrNext % len(ordered)
			r.rrNext++
			rotated := make([]*routerState, 0, len(ordered))
			rotated = append(rotated, ordered[start:]...)
			rotated = append(rotated, ordered[:start]...)
			ordered = rotated
		}
	case RouteCostOptimized:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].entry.CostPerMTokUSD < ordered[j].entry.CostPerMTokUSD
		})
	case RouteLatencyOptimized:
		// Providers without an observed latency sort last so new
		// entries do not jump the queue.
		sort.SliceStable(ordered, func(i, j int) bool {
			li, lj := ordered[i].ewmaMs, ordered[j].ewmaMs
			if li == 0 {
				return false
			}
			if lj == 0 {
				return true
			}
			return li < lj
		})
	default: // RoutePriority
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].entry.Priority < ordered[j].entry.Priority
		})
	}

	if len(ordered) > r.attempts {
		ordered = ordered[:r.attempts]
	}
	return ordered
}

// noCandidates distinguishes an empty router from one with no entry for
// the requested model.
func (r *Router) noCandidates(model string) error {
	r.mu.Lock()
	registered := len(r.providers)
	r.mu.Unlock()
	if registered == 0 {
		return &ProviderError{Provider: "router", Message: "no providers registered"}
	}
	return &ProviderError{Provider: "router", Message: fmt.Sprintf("no provider supports model %q", model)}
}

// observe folds one successful call's latency into the provider's EWMA.
func (r *Router) observe(s *routerState, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms := float64(elapsed.Milliseconds())
	if s.ewmaMs == 0 {
		s.ewmaMs = ms
		return
	}
	s.ewmaMs = 0.8*s.ewmaMs + 0.2*ms
}

func (r *Router) precheck(agentID string, req ChatRequest) error {
	if r.verifier != nil {
		if err := r.verifier.VerifyProviderCall(agentID); err != nil {
			return err
		}
	}
	if r.budget != nil {
		est := estimateTokens(req)
		if r.budget.Check(BudgetAgent, agentID, est) == BudgetExceed {
			return &BudgetExceededError{
				Scope:     BudgetAgent,
				AgentID:   agentID,
				Dimension: "tokens",
				Remaining: float64(r.budget.Remaining(BudgetAgent, agentID)),
			}
		}
	}
	return nil
}

func (r *Router) record(agentID string, usage Usage) error {
	if r.budget == nil {
		return nil
	}
	return r.budget.Record(BudgetAgent, agentID, usage)
}

// Route sends req through the providers in strategy order. Recoverable
// failures fall through to the next candidate; the last error surfaces
// when every candidate fails.
func (r *Router) Route(ctx context.Context, agentID string, req ChatRequest) (ChatResponse, error) {
	if err := r.precheck(agentID, req); err != nil {
		return ChatResponse{}, err
	}

	cands := r.candidates(req.Model)
	if len(cands) == 0 {
		return ChatResponse{}, r.noCandidates(req.Model)
	}

	var lastErr error
	for _, cand := range cands {
		if err := ctx.Err(); err != nil {
			return ChatResponse{}, err
		}
		start := time.Now()
		resp, err := cand.entry.Provider.Chat(ctx, req)
		if err == nil {
			r.observe(cand, time.Since(start))
			if berr := r.record(agentID, resp.Usage); berr != nil {
				return resp, berr
			}
			return resp, nil
		}
		lastErr = err
		if !Recoverable(err) {
			return ChatResponse{}, err
		}
		r.logger.Warn("provider failed, falling back",
			"provider", cand.entry.Provider.Name(), "agent", agentID, "error", err)
	}
	return ChatResponse{}, fmt.Errorf("all providers failed: %w", lastErr)
}

// RouteStream streams through the first viable provider. Failover only
// happens before the first chunk reaches ch; once output has flowed,
// an error aborts the stream rather than restarting it elsewhere.
func (r *Router) RouteStream(ctx context.Context, agentID string, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	if err := r.precheck(agentID, req); err != nil {
		return ChatResponse{}, err
	}

	cands := r.candidates(req.Model)
	if len(cands) == 0 {
		return ChatResponse{}, r.noCandidates(req.Model)
	}

	var lastErr error
	for _, cand := range cands {
		if err := ctx.Err(); err != nil {
			return ChatResponse{}, err
		}

		streamed := false
		tap := make(chan string)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for chunk := range tap {
				streamed = true
				if r.bus != nil {
					r.bus.Emit(Event{
						Type:    EventStreamChunk,
						AgentID: agentID,
						Data:    map[string]any{"chunk": chunk, "provider": cand.entry.Provider.Name()},
					})
				}
				ch <- chunk
			}
		}()

		start := time.Now()
		resp, err := cand.entry.Provider.ChatStream(ctx, req, tap)
		close(tap)
		<-done

		if err == nil {
			r.observe(cand, time.Since(start))
			if berr := r.record(agentID, resp.Usage); berr != nil {
				return resp, berr
			}
			return resp, nil
		}
		lastErr = err
		if streamed || !Recoverable(err) {
			return ChatResponse{}, err
		}
		r.logger.Warn("provider failed before streaming, falling back",
			"provider", cand.entry.Provider.Name(), "agent", agentID, "error", err)
	}
	return ChatResponse{}, fmt.Errorf("all providers failed: %w", lastErr)
}

// estimateTokens is the pre-call budget estimate: a 4-chars-per-token
// heuristic over the request text plus the response ceiling.
func estimateTokens(req ChatRequest) int {
	chars := len(req.SystemPrompt)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	est := chars / 4
	if req.MaxTokens > 0 {
		est += req.MaxTokens
	}
	return est
}
