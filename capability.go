package loom

import (
	"fmt"
	"sync"
)

// CapabilityScope classifies what a capability authorizes.
type CapabilityScope string

const (
	ScopeTool          CapabilityScope = "tool"
	ScopeNetwork       CapabilityScope = "network"
	ScopeMemory        CapabilityScope = "memory"
	ScopeTokenBudget   CapabilityScope = "token_budget"
	ScopeAgentBoundary CapabilityScope = "agent_boundary"
)

// Capability is a declared, agent-scoped authorization.
type Capability struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Scope       CapabilityScope `json:"scope"`
}

// CapabilityRegistry holds the declared capabilities grants may reference.
type CapabilityRegistry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewCapabilityRegistry creates an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{caps: make(map[string]Capability)}
}

// Declare registers a capability. Empty names and duplicates are rejected.
func (r *CapabilityRegistry) Declare(c Capability) error {
	if c.Name == "" {
		return &ValidationError{Field: "name", Message: "capability name must not be empty"}
	}
	switch c.Scope {
	case ScopeTool, ScopeNetwork, ScopeMemory, ScopeTokenBudget, ScopeAgentBoundary:
	default:
		return &ValidationError{Field: "scope", Message: fmt.Sprintf("unknown capability scope %q", c.Scope)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.caps[c.Name]; dup {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("capability %q already declared", c.Name)}
	}
	r.caps[c.Name] = c
	return nil
}

// Get returns a declared capability.
func (r *CapabilityRegistry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Has reports whether name is declared.
func (r *CapabilityRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Reset clears all declarations. Meant for tests and runtime teardown.
func (r *CapabilityRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps = make(map[string]Capability)
}

// Grant binds a capability set, a token budget, and a max USD cost to
// one agent. Granting replaces any previous grant for the same agent.
type Grant struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
	TokenBudget  int      `json:"token_budget"`
	MaxCostUSD   float64  `json:"max_cost_usd"`

	// Allow-lists consumed when deriving the constraint. A nil slice
	// means "nothing allowed" for that dimension.
	AllowedTools        []string `json:"allowed_tools,omitempty"`
	AllowedNetworkHosts []string `json:"allowed_network_hosts,omitempty"`
	AllowedMemoryScopes []string `json:"allowed_memory_scopes,omitempty"`
	AllowedAgentTargets []string `json:"allowed_agent_targets,omitempty"`
}

// Constraint is the allow-list view computed from a grant. Lookups are
// map-backed so per-call verification stays O(1).
type Constraint struct {
	Capabilities        map[string]struct{}
	AllowedTools        map[string]struct{}
	AllowedNetworkHosts map[string]struct{}
	AllowedMemoryScopes map[string]struct{}
	AllowedAgentTargets map[string]struct{}
	MaxTokenBudget      int
	MaxCostUSD          float64
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

func deriveConstraint(g Grant) Constraint {
	return Constraint{
		Capabilities:        toSet(g.Capabilities),
		AllowedTools:        toSet(g.AllowedTools),
		AllowedNetworkHosts: toSet(g.AllowedNetworkHosts),
		AllowedMemoryScopes: toSet(g.AllowedMemoryScopes),
		AllowedAgentTargets: toSet(g.AllowedAgentTargets),
		MaxTokenBudget:      g.TokenBudget,
		MaxCostUSD:          g.MaxCostUSD,
	}
}

// CapabilityVerifier holds per-agent grants and answers the per-step
// authorization questions the worker asks before each privileged
// operation. Every denial emits capability.denied on the bus.
type CapabilityVerifier struct {
	mu       sync.RWMutex
	registry *CapabilityRegistry
	bus      *Bus
	grants   map[string]Grant
	derived  map[string]Constraint
}

// NewCapabilityVerifier creates a verifier over the given registry.
// bus may be nil (no denial events).
func NewCapabilityVerifier(registry *CapabilityRegistry, bus *Bus) *CapabilityVerifier {
	return &CapabilityVerifier{
		registry: registry,
		bus:      bus,
		grants:   make(map[string]Grant),
		derived:  make(map[string]Constraint),
	}
}

// Grant installs g for g.AgentID, replacing any previous grant. Every
// referenced capability must be declared in the registry.
func (v *CapabilityVerifier) Grant(g Grant) error {
	if g.AgentID == "" {
		return &ValidationError{Field: "agentId", Message: "must not be empty"}
	}
	for _, name := range g.Capabilities {
		if !v.registry.Has(name) {
			return &ValidationError{Field: "capabilities", Message: fmt.Sprintf("capability %q not declared", name)}
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.grants[g.AgentID] = g
	v.derived[g.AgentID] = deriveConstraint(g)
	return nil
}

// Revoke removes the agent's grant.
func (v *CapabilityVerifier) Revoke(agentID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.grants, agentID)
	delete(v.derived, agentID)
}

// GrantFor returns the agent's current grant.
func (v *CapabilityVerifier) GrantFor(agentID string) (Grant, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	g, ok := v.grants[agentID]
	return g, ok
}

// ConstraintFor returns the derived allow-list view for an agent.
func (v *CapabilityVerifier) ConstraintFor(agentID string) (Constraint, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.derived[agentID]
	return c, ok
}

// Reset clears all grants. Meant for tests and runtime teardown.
func (v *CapabilityVerifier) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.grants = make(map[string]Grant)
	v.derived = make(map[string]Constraint)
}

func (v *CapabilityVerifier) deny(agentID, action, message string) error {
	if v.bus != nil {
		v.bus.Emit(Event{
			Type:    EventCapabilityDenied,
			AgentID: agentID,
			Data:    map[string]any{"action": action, "message": message},
		})
	}
	return &PermissionDeniedError{Subject: agentID, Action: action, Message: message}
}

// Verify checks that the agent's grant includes the named capability.
func (v *CapabilityVerifier) Verify(agentID, capName string) error {
	c, ok := v.ConstraintFor(agentID)
	if !ok {
		return v.deny(agentID, capName, "no capability grant")
	}
	if _, held := c.Capabilities[capName]; !held {
		return v.deny(agentID, capName, "capability not granted")
	}
	return nil
}

// VerifyToolCall checks that toolName is in the agent's tool allow-list.
func (v *CapabilityVerifier) VerifyToolCall(agentID, toolName string) error {
	c, ok := v.ConstraintFor(agentID)
	if !ok {
		return v.deny(agentID, "tool:"+toolName, "no capability grant")
	}
	if _, allowed := c.AllowedTools[toolName]; !allowed {
		return v.deny(agentID, "tool:"+toolName, "tool not in allow-list")
	}
	return nil
}

// VerifyProviderCall checks that the agent may invoke an LLM provider,
// which requires a grant with a positive token budget.
func (v *CapabilityVerifier) VerifyProviderCall(agentID string) error {
	c, ok := v.ConstraintFor(agentID)
	if !ok {
		return v.deny(agentID, "provider", "no capability grant")
	}
	if c.MaxTokenBudget <= 0 {
		return v.deny(agentID, "provider", "no token budget granted")
	}
	return nil
}

// VerifyMemoryInjection checks that scope is in the agent's memory
// scope allow-list.
func (v *CapabilityVerifier) VerifyMemoryInjection(agentID, scope string) error {
	c, ok := v.ConstraintFor(agentID)
	if !ok {
		return v.deny(agentID, "memory:"+scope, "no capability grant")
	}
	if _, allowed := c.AllowedMemoryScopes[scope]; !allowed {
		return v.deny(agentID, "memory:"+scope, "memory scope not in allow-list")
	}
	return nil
}

// VerifyNetworkHost checks that host is in the agent's network allow-list.
func (v *CapabilityVerifier) VerifyNetworkHost(agentID, host string) error {
	c, ok := v.ConstraintFor(agentID)
	if !ok {
		return v.deny(agentID, "network:"+host, "no capability grant")
	}
	if _, allowed := c.AllowedNetworkHosts[host]; !allowed {
		return v.deny(agentID, "network:"+host, "host not in allow-list")
	}
	return nil
}

// VerifyCrossAgentMessage checks that from may target to.
func (v *CapabilityVerifier) VerifyCrossAgentMessage(from, to string) error {
	c, ok := v.ConstraintFor(from)
	if !ok {
		return v.deny(from, "agent:"+to, "no capability grant")
	}
	if _, allowed := c.AllowedAgentTargets[to]; !allowed {
		return v.deny(from, "agent:"+to, "target agent not in allow-list")
	}
	return nil
}

// IntersectGrants computes the subset-propagation grant for a child:
// the intersection of the parent's and child's grants, with the smaller
// budgets. Used by the orchestrator under PropagateSubset.
func IntersectGrants(parent, child Grant) Grant {
	out := Grant{
		AgentID:     child.AgentID,
		TokenBudget: min(parent.TokenBudget, child.TokenBudget),
		MaxCostUSD:  minFloat(parent.MaxCostUSD, child.MaxCostUSD),
	}
	out.Capabilities = intersect(parent.Capabilities, child.Capabilities)
	out.AllowedTools = intersect(parent.AllowedTools, child.AllowedTools)
	out.AllowedNetworkHosts = intersect(parent.AllowedNetworkHosts, child.AllowedNetworkHosts)
	out.AllowedMemoryScopes = intersect(parent.AllowedMemoryScopes, child.AllowedMemoryScopes)
	out.AllowedAgentTargets = intersect(parent.AllowedAgentTargets, child.AllowedAgentTargets)
	return out
}

func intersect(a, b []string) []string {
	set := toSet(a)
	var out []string
	for _, s := range b {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
