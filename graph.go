package loom

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NodeType identifies what a graph node does when the worker reaches it.
type NodeType string

const (
	NodeStart         NodeType = "START"
	NodeEnd           NodeType = "END"
	NodeLLM           NodeType = "LLM"
	NodeTool          NodeType = "TOOL"
	NodeMemoryRead    NodeType = "MEMORY_READ"
	NodeMemoryWrite   NodeType = "MEMORY_WRITE"
	NodeAgentCall     NodeType = "AGENT_CALL"
	NodeCondition     NodeType = "CONDITION"
	NodeHumanApproval NodeType = "HUMAN_APPROVAL"
	NodeParallel      NodeType = "PARALLEL"
)

var validNodeTypes = map[NodeType]struct{}{
	NodeStart: {}, NodeEnd: {}, NodeLLM: {}, NodeTool: {}, NodeMemoryRead: {},
	NodeMemoryWrite: {}, NodeAgentCall: {}, NodeCondition: {}, NodeHumanApproval: {},
	NodeParallel: {},
}

// Node is one vertex of an agent graph. Config keys depend on the type:
// LLM nodes carry "model"/"prompt", TOOL nodes carry "tool"/"args",
// MEMORY_* nodes carry "scope"/"key", AGENT_CALL nodes carry "agent".
// MaxIterations bounds re-entry for nodes that sit on a cycle; zero
// means the node must not be re-entered.
type Node struct {
	ID            string         `json:"id"`
	Type          NodeType       `json:"type"`
	Config        map[string]any `json:"config,omitempty"`
	MaxIterations int            `json:"max_iterations,omitempty"`
	// Checkpoint marks the node for snapshot persistence after it completes.
	Checkpoint bool `json:"checkpoint,omitempty"`
}

// Edge connects two nodes. Condition is a comparison expression
// evaluated against execution variables; empty means unconditional.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// Graph is the declarative behavior of an agent: a nodes-by-id map plus
// an edge list, acyclic except where MaxIterations guards a cycle.
type Graph struct {
	ID    string `json:"id"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given id.
func (g *Graph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// StartNode returns the graph's START node id, or "" when absent.
func (g *Graph) StartNode() string {
	for _, n := range g.Nodes {
		if n.Type == NodeStart {
			return n.ID
		}
	}
	return ""
}

// outgoing returns g's edges leaving from, in declaration order.
func (g *Graph) outgoing(from string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == from {
			out = append(out, e)
		}
	}
	return out
}

// RefResolver answers whether tools, sub-agents, and capabilities a
// graph references actually exist. A nil resolver skips those checks.
type RefResolver interface {
	HasTool(name string) bool
	HasAgent(id string) bool
	HasCapability(name string) bool
}

// ValidationReport is the outcome of Validate.
type ValidationReport struct {
	Valid  bool
	Errors []string
}

// Validate checks the structural invariants of a graph: referential
// integrity, exactly one START, reachability from START, guarded cycles
// (every cycle contains a node with MaxIterations), conditions on
// branching edges, and, when refs is non-nil, existence of every
// referenced tool, sub-agent, and capability.
func Validate(g *Graph, refs RefResolver) ValidationReport {
	var errs []string

	nodeByID := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			errs = append(errs, "node with empty id")
			continue
		}
		if _, dup := nodeByID[n.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		if _, ok := validNodeTypes[n.Type]; !ok {
			errs = append(errs, fmt.Sprintf("node %q: unknown type %q", n.ID, n.Type))
		}
		nodeByID[n.ID] = n
	}

	// Exactly one START.
	var startID string
	starts := 0
	for _, n := range g.Nodes {
		if n.Type == NodeStart {
			starts++
			startID = n.ID
		}
	}
	if starts != 1 {
		errs = append(errs, fmt.Sprintf("graph must have exactly one START node, found %d", starts))
	}

	// Edge endpoints exist.
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		if _, ok := nodeByID[e.From]; !ok {
			errs = append(errs, fmt.Sprintf("edge references unknown node %q", e.From))
			continue
		}
		if _, ok := nodeByID[e.To]; !ok {
			errs = append(errs, fmt.Sprintf("edge references unknown node %q", e.To))
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	// Reachability from START.
	if starts == 1 {
		reached := map[string]bool{startID: true}
		stack := []string{startID}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, next := range adj[cur] {
				if !reached[next] {
					reached[next] = true
					stack = append(stack, next)
				}
			}
		}
		for _, n := range g.Nodes {
			if !reached[n.ID] {
				errs = append(errs, fmt.Sprintf("node %q unreachable from START", n.ID))
			}
		}
	}

	// Every cycle must contain a node with MaxIterations. Strongly
	// connected components with more than one node, or a self-loop,
	// are cycles.
	for _, comp := range stronglyConnected(g, nodeByID) {
		if !isCycle(comp, adj) {
			continue
		}
		guarded := false
		for _, id := range comp {
			if nodeByID[id].MaxIterations > 0 {
				guarded = true
				break
			}
		}
		if !guarded {
			sorted := append([]string{}, comp...)
			sort.Strings(sorted)
			errs = append(errs, "unbounded cycle at "+strings.Join(sorted, "-"))
		}
	}

	// Branching edges out of CONDITION nodes must carry conditions, and
	// any node with multiple outgoing edges needs at most one
	// unconditional edge (the default branch).
	for id, n := range nodeByID {
		out := g.outgoing(id)
		if n.Type == NodeCondition {
			for _, e := range out {
				if strings.TrimSpace(e.Condition) == "" {
					errs = append(errs, fmt.Sprintf("condition node %q: edge to %q missing condition", id, e.To))
				}
			}
		}
		// PARALLEL nodes fan out over all their unconditional edges.
		if len(out) > 1 && n.Type != NodeParallel {
			unconditional := 0
			for _, e := range out {
				if strings.TrimSpace(e.Condition) == "" {
					unconditional++
				}
			}
			if unconditional > 1 {
				errs = append(errs, fmt.Sprintf("node %q: multiple unconditional outgoing edges", id))
			}
		}
	}

	// Referenced tools, agents, capabilities exist.
	if refs != nil {
		for _, n := range g.Nodes {
			switch n.Type {
			case NodeTool:
				if name, _ := n.Config["tool"].(string); name != "" && !refs.HasTool(name) {
					errs = append(errs, fmt.Sprintf("node %q: tool %q not registered", n.ID, name))
				}
			case NodeAgentCall:
				if id, _ := n.Config["agent"].(string); id != "" && !refs.HasAgent(id) {
					errs = append(errs, fmt.Sprintf("node %q: agent %q not registered", n.ID, id))
				}
			}
			if capName, _ := n.Config["capability"].(string); capName != "" && !refs.HasCapability(capName) {
				errs = append(errs, fmt.Sprintf("node %q: capability %q not declared", n.ID, capName))
			}
		}
	}

	return ValidationReport{Valid: len(errs) == 0, Errors: errs}
}

// isCycle reports whether a strongly connected component is an actual
// cycle: more than one node, or a single node with a self-edge.
func isCycle(comp []string, adj map[string][]string) bool {
	if len(comp) > 1 {
		return true
	}
	id := comp[0]
	for _, next := range adj[id] {
		if next == id {
			return true
		}
	}
	return false
}

// stronglyConnected returns the graph's strongly connected components
// (Tarjan; agent graphs are small, so the recursive form is fine).
func stronglyConnected(g *Graph, nodeByID map[string]Node) [][]string {
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		if _, ok := nodeByID[e.From]; !ok {
			continue
		}
		if _, ok := nodeByID[e.To]; !ok {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var comps [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && indices[w] < lowlink[v] {
				lowlink[v] = indices[w]
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			comps = append(comps, comp)
		}
	}

	for _, n := range g.Nodes {
		if _, seen := indices[n.ID]; !seen && n.ID != "" {
			strongconnect(n.ID)
		}
	}
	return comps
}

// TopologicalOrder returns node ids in dependency order over the acyclic
// skeleton: each strongly connected component is collapsed to a single
// representative (its lexicographically smallest member), so graphs with
// guarded cycles still yield a usable planning order.
func TopologicalOrder(g *Graph) []string {
	nodeByID := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodeByID[n.ID] = n
	}

	comps := stronglyConnected(g, nodeByID)
	rep := make(map[string]string) // node id -> component representative
	for _, comp := range comps {
		sorted := append([]string{}, comp...)
		sort.Strings(sorted)
		for _, id := range comp {
			rep[id] = sorted[0]
		}
	}

	// Condensed adjacency + in-degrees.
	condAdj := make(map[string]map[string]bool)
	indeg := make(map[string]int)
	for _, comp := range comps {
		sorted := append([]string{}, comp...)
		sort.Strings(sorted)
		indeg[sorted[0]] = 0
	}
	for _, e := range g.Edges {
		from, okF := rep[e.From]
		to, okT := rep[e.To]
		if !okF || !okT || from == to {
			continue
		}
		if condAdj[from] == nil {
			condAdj[from] = make(map[string]bool)
		}
		if !condAdj[from][to] {
			condAdj[from][to] = true
			indeg[to]++
		}
	}

	// Kahn's algorithm with deterministic (sorted) tie-breaking.
	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)

		var unlocked []string
		for next := range condAdj[cur] {
			indeg[next]--
			if indeg[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
		sort.Strings(ready)
	}
	return order
}

// ResolveNext evaluates the outgoing edges of currentNodeID against the
// execution variables and returns the next node id. Unconditional edges
// are taken directly; conditional edges are evaluated in declaration
// order and the first truthy one wins; a lone unconditional edge among
// conditional ones acts as the default branch. Returns ("", false) when
// no edge applies, which signals END.
func ResolveNext(g *Graph, currentNodeID string, vars map[string]any) (string, bool) {
	out := g.outgoing(currentNodeID)
	if len(out) == 0 {
		return "", false
	}

	var fallback string
	haveFallback := false
	for _, e := range out {
		cond := strings.TrimSpace(e.Condition)
		if cond == "" {
			if !haveFallback {
				fallback = e.To
				haveFallback = true
			}
			if len(out) == 1 {
				return e.To, true
			}
			continue
		}
		ok, err := EvalCondition(cond, vars)
		if err == nil && ok {
			return e.To, true
		}
	}
	if haveFallback {
		return fallback, true
	}
	return "", false
}

// --- Condition expressions ---

// conditionOperators lists comparison operators in parsing precedence
// order. Longer operators are checked before their prefixes.
var conditionOperators = []string{"!=", "==", ">=", "<=", ">", "<", "contains"}

// EvalCondition evaluates a comparison expression against execution
// variables. Placeholders ({{key}}) resolve to variable values before
// comparison; the operator is located in the raw expression first so
// resolved values cannot inject operators. An expression without an
// operator is treated as a bare reference and evaluated for truthiness
// ("" / "false" / "0" are false).
func EvalCondition(expr string, vars map[string]any) (bool, error) {
	for _, op := range conditionOperators {
		padded := " " + op + " "
		before, after, found := strings.Cut(expr, padded)
		if !found {
			continue
		}
		left := stripQuotes(strings.TrimSpace(resolveTemplate(before, vars)))
		right := stripQuotes(strings.TrimSpace(resolveTemplate(after, vars)))
		return compare(left, right, op)
	}

	// Bare reference.
	v := strings.TrimSpace(resolveTemplate(expr, vars))
	v = stripQuotes(v)
	switch strings.ToLower(v) {
	case "", "false", "0", "<nil>", "null":
		return false, nil
	}
	return true, nil
}

// compare applies op to left and right. Numeric comparison is attempted
// first; string comparison is the fallback. "contains" is string-only.
func compare(left, right, op string) (bool, error) {
	if op == "contains" {
		return strings.Contains(left, right), nil
	}

	lf, lErr := strconv.ParseFloat(left, 64)
	rf, rErr := strconv.ParseFloat(right, 64)
	if lErr == nil && rErr == nil {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	switch op {
	case "==":
		return left == right, nil
	case "!=":
		return left != right, nil
	case ">":
		return left > right, nil
	case "<":
		return left < right, nil
	case ">=":
		return left >= right, nil
	case "<=":
		return left <= right, nil
	default:
		return false, fmt.Errorf("condition: unsupported operator %q", op)
	}
}

// resolveTemplate replaces {{key}} placeholders with variable values.
// Unknown keys resolve to the empty string.
func resolveTemplate(s string, vars map[string]any) string {
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			return s
		}
		end += start
		key := strings.TrimSpace(s[start+2 : end])
		var val string
		if v, ok := vars[key]; ok && v != nil {
			val = fmt.Sprintf("%v", v)
		}
		s = s[:start] + val + s[end+2:]
	}
}

// stripQuotes removes surrounding single or double quotes from a literal.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
