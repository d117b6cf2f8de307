package loom

import (
	"fmt"
	"sync"
	"time"
)

// BudgetScope selects which counter set a check or record applies to.
type BudgetScope string

const (
	BudgetAgent     BudgetScope = "agent"
	BudgetSession   BudgetScope = "session"
	BudgetWorkspace BudgetScope = "workspace"
)

// BudgetVerdict is the outcome of a budget check.
type BudgetVerdict string

const (
	BudgetAllowed BudgetVerdict = "allowed"
	BudgetWarn    BudgetVerdict = "warn"
	BudgetExceed  BudgetVerdict = "exceed"
)

// warnFraction is the consumed share at which budget.warning fires.
const warnFraction = 0.8

// BudgetLimit declares the ceilings for one (scope, id) pair. Zero
// values disable the corresponding dimension.
type BudgetLimit struct {
	MaxTokens      int
	MaxCostUSD     float64
	MaxRequests    int           // per rate window
	RequestWindow  time.Duration // fixed window size; zero = 1 minute
}

// budgetCounters is the mutable spend state for one (scope, id) pair.
type budgetCounters struct {
	limit       BudgetLimit
	tokens      int
	costUSD     float64
	windowStart time.Time
	requests    int
	warned      bool
	exceeded    bool
}

// BudgetManager tracks token, USD, and request budgets per agent,
// session, and workspace. Checks are read-mostly; records mutate
// atomically under one lock per manager. budget.warning fires once at
// 80% consumption, budget.exceeded exactly once at 100%.
type BudgetManager struct {
	mu       sync.Mutex
	counters map[string]*budgetCounters
	bus      *Bus
	now      func() time.Time
}

// NewBudgetManager creates a budget manager. bus may be nil.
func NewBudgetManager(bus *Bus) *BudgetManager {
	return &BudgetManager{
		counters: make(map[string]*budgetCounters),
		bus:      bus,
		now:      time.Now,
	}
}

func budgetKey(scope BudgetScope, id string) string {
	return string(scope) + "/" + id
}

// SetLimit installs the ceilings for one (scope, id) pair, resetting its
// consumption counters.
func (m *BudgetManager) SetLimit(scope BudgetScope, id string, limit BudgetLimit) {
	if limit.RequestWindow <= 0 {
		limit.RequestWindow = time.Minute
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[budgetKey(scope, id)] = &budgetCounters{limit: limit, windowStart: m.now()}
}

// Remaining returns the unconsumed token budget. Pairs without a limit
// report a negative value meaning "unlimited".
func (m *BudgetManager) Remaining(scope BudgetScope, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[budgetKey(scope, id)]
	if !ok || c.limit.MaxTokens <= 0 {
		return -1
	}
	return c.limit.MaxTokens - c.tokens
}

// Check reports whether a request estimated at estTokens more tokens may
// proceed. It also applies fixed-window rate accounting: a call that
// returns BudgetAllowed or BudgetWarn consumes one request slot.
func (m *BudgetManager) Check(scope BudgetScope, id string, estTokens int) BudgetVerdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[budgetKey(scope, id)]
	if !ok {
		return BudgetAllowed
	}

	// Fixed-window request accounting.
	if c.limit.MaxRequests > 0 {
		now := m.now()
		if now.Sub(c.windowStart) >= c.limit.RequestWindow {
			c.windowStart = now
			c.requests = 0
		}
		if c.requests >= c.limit.MaxRequests {
			return BudgetExceed
		}
	}

	if c.limit.MaxTokens > 0 && c.tokens+estTokens > c.limit.MaxTokens {
		m.markExceeded(scope, id, c, "tokens", float64(c.limit.MaxTokens-c.tokens-estTokens))
		return BudgetExceed
	}
	if c.limit.MaxCostUSD > 0 && c.costUSD >= c.limit.MaxCostUSD {
		m.markExceeded(scope, id, c, "usd", c.limit.MaxCostUSD-c.costUSD)
		return BudgetExceed
	}

	if c.limit.MaxRequests > 0 {
		c.requests++
	}

	if c.limit.MaxTokens > 0 && float64(c.tokens+estTokens) >= warnFraction*float64(c.limit.MaxTokens) {
		m.warn(scope, id, c)
		return BudgetWarn
	}
	return BudgetAllowed
}

// Record adds observed usage to the counters. Crossing the warn or
// exceed threshold emits the corresponding event; exceeding returns a
// BudgetExceededError so the caller can abort the execution.
func (m *BudgetManager) Record(scope BudgetScope, id string, usage Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[budgetKey(scope, id)]
	if !ok {
		return nil
	}
	c.tokens += usage.Total()
	c.costUSD += usage.CostUSD

	if c.limit.MaxTokens > 0 {
		consumed := float64(c.tokens) / float64(c.limit.MaxTokens)
		if consumed >= 1 {
			m.markExceeded(scope, id, c, "tokens", float64(c.limit.MaxTokens-c.tokens))
			return &BudgetExceededError{
				Scope: scope, AgentID: id, Dimension: "tokens",
				Remaining: float64(c.limit.MaxTokens - c.tokens),
			}
		}
		if consumed >= warnFraction {
			m.warn(scope, id, c)
		}
	}
	if c.limit.MaxCostUSD > 0 && c.costUSD >= c.limit.MaxCostUSD {
		m.markExceeded(scope, id, c, "usd", c.limit.MaxCostUSD-c.costUSD)
		return &BudgetExceededError{
			Scope: scope, AgentID: id, Dimension: "usd",
			Remaining: c.limit.MaxCostUSD - c.costUSD,
		}
	}
	return nil
}

// warn emits budget.warning once per budget. Caller holds m.mu.
func (m *BudgetManager) warn(scope BudgetScope, id string, c *budgetCounters) {
	if c.warned {
		return
	}
	c.warned = true
	if m.bus == nil {
		return
	}
	m.bus.Emit(Event{
		Type:    EventBudgetWarning,
		AgentID: id,
		Data: map[string]any{
			"scope":  string(scope),
			"tokens": c.tokens,
			"limit":  c.limit.MaxTokens,
		},
	})
}

// markExceeded emits budget.exceeded once per budget. Caller holds m.mu.
func (m *BudgetManager) markExceeded(scope BudgetScope, id string, c *budgetCounters, dim string, remaining float64) {
	if c.exceeded {
		return
	}
	c.exceeded = true
	if m.bus == nil {
		return
	}
	m.bus.Emit(Event{
		Type:    EventBudgetExceeded,
		AgentID: id,
		Data: map[string]any{
			"scope":     string(scope),
			"dimension": dim,
			"remaining": remaining,
		},
	})
}

// Reset clears all counters and limits. Meant for tests and teardown.
func (m *BudgetManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = make(map[string]*budgetCounters)
}

// Snapshot returns a human-readable summary of one budget, for
// diagnostics and the dashboard port.
func (m *BudgetManager) Snapshot(scope BudgetScope, id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[budgetKey(scope, id)]
	if !ok {
		return fmt.Sprintf("%s/%s: no budget", scope, id)
	}
	return fmt.Sprintf("%s/%s: %d/%d tokens, %.4f/%.4f usd, %d reqs in window",
		scope, id, c.tokens, c.limit.MaxTokens, c.costUSD, c.limit.MaxCostUSD, c.requests)
}
