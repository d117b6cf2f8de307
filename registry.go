package loom

import (
	"fmt"
	"strings"
	"sync"
)

// GraphRegistry holds validated agent graphs by id. Register validates
// before admitting, so every graph a worker pulls is structurally sound.
type GraphRegistry struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
	refs   RefResolver
}

// NewGraphRegistry creates an empty registry. refs may be nil to skip
// reference checks during validation.
func NewGraphRegistry(refs RefResolver) *GraphRegistry {
	return &GraphRegistry{graphs: make(map[string]*Graph), refs: refs}
}

// Register validates and admits a graph. Invalid graphs are rejected
// with a GraphValidationError listing every problem found.
func (r *GraphRegistry) Register(g *Graph) error {
	if strings.TrimSpace(g.ID) == "" {
		return &ValidationError{Field: "id", Message: "graph id must not be empty"}
	}
	report := Validate(g, r.refs)
	if !report.Valid {
		return &GraphValidationError{GraphID: g.ID, Problems: report.Errors}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.graphs[g.ID]; dup {
		return &ValidationError{Field: "id", Message: fmt.Sprintf("graph %q already registered", g.ID)}
	}
	r.graphs[g.ID] = g
	return nil
}

// Get returns a registered graph.
func (r *GraphRegistry) Get(id string) (*Graph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[id]
	return g, ok
}

// Reset clears the registry. Meant for tests and runtime teardown.
func (r *GraphRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs = make(map[string]*Graph)
}

// AgentRegistry holds agent definitions by id.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]AgentDefinition
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]AgentDefinition)}
}

// Register admits an agent definition. The graph reference is resolved
// at execution admission, not here, so definitions and graphs can be
// registered in either order.
func (r *AgentRegistry) Register(def AgentDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return &ValidationError{Field: "id", Message: "agent id must not be empty"}
	}
	if strings.TrimSpace(def.GraphID) == "" {
		return &ValidationError{Field: "graphId", Message: "agent must reference a graph"}
	}
	switch def.Propagation {
	case "", PropagateNone, PropagateSubset, PropagateFull:
	default:
		return &ValidationError{Field: "propagation", Message: "unknown propagation mode " + string(def.Propagation)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.agents[def.ID]; dup {
		return &ValidationError{Field: "id", Message: fmt.Sprintf("agent %q already registered", def.ID)}
	}
	r.agents[def.ID] = def
	return nil
}

// Get returns a registered agent definition.
func (r *AgentRegistry) Get(id string) (AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[id]
	return def, ok
}

// Has reports whether id is registered.
func (r *AgentRegistry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Reset clears the registry. Meant for tests and runtime teardown.
func (r *AgentRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]AgentDefinition)
}
