package loom

import (
	"errors"
	"testing"
)

func TestGraphRegistryRegister(t *testing.T) {
	r := NewGraphRegistry(nil)
	g := validLinearGraph("g1")
	if err := r.Register(g); err != nil {
		t.Fatal(err)
	}
	got, ok := r.Get("g1")
	if !ok || got != g {
		t.Error("registered graph not returned")
	}
	if err := r.Register(validLinearGraph("g1")); err == nil {
		t.Error("duplicate id should fail")
	}
	if err := r.Register(validLinearGraph("  ")); err == nil {
		t.Error("blank id should fail")
	}
}

func TestGraphRegistryRejectsInvalidGraph(t *testing.T) {
	r := NewGraphRegistry(nil)
	g := &Graph{
		ID: "broken",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "orphan", Type: NodeEnd},
		},
	}
	err := r.Register(g)
	var gerr *GraphValidationError
	if !errors.As(err, &gerr) {
		t.Fatalf("got %v, want GraphValidationError", err)
	}
	if len(gerr.Problems) == 0 {
		t.Error("problems list is empty")
	}
	if _, ok := r.Get("broken"); ok {
		t.Error("invalid graph was admitted")
	}
}

func TestGraphRegistryChecksReferences(t *testing.T) {
	refs := &stubRefs{tools: map[string]bool{}}
	r := NewGraphRegistry(refs)

	g := &Graph{
		ID: "g1",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "tool-1", Type: NodeTool, Config: map[string]any{"tool": "missing"}},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{From: "start", To: "tool-1"},
			{From: "tool-1", To: "end"},
		},
	}

	if err := r.Register(g); err == nil {
		t.Fatal("unresolvable tool reference should fail")
	}

	refs.tools["missing"] = true
	if err := r.Register(g); err != nil {
		t.Fatalf("resolved reference still rejected: %v", err)
	}
}

func TestGraphRegistryReset(t *testing.T) {
	r := NewGraphRegistry(nil)
	r.Register(validLinearGraph("g1"))
	r.Reset()
	if _, ok := r.Get("g1"); ok {
		t.Error("graph survived Reset")
	}
}

func TestAgentRegistryRegister(t *testing.T) {
	r := NewAgentRegistry()
	def := AgentDefinition{ID: "a1", Name: "Helper", GraphID: "g1"}
	if err := r.Register(def); err != nil {
		t.Fatal(err)
	}
	got, ok := r.Get("a1")
	if !ok || got.Name != "Helper" {
		t.Error("registered agent not returned")
	}
	if !r.Has("a1") || r.Has("a2") {
		t.Error("Has gave the wrong answer")
	}
	if err := r.Register(def); err == nil {
		t.Error("duplicate id should fail")
	}
}

func TestAgentRegistryValidation(t *testing.T) {
	r := NewAgentRegistry()
	if err := r.Register(AgentDefinition{GraphID: "g1"}); err == nil {
		t.Error("blank agent id should fail")
	}
	if err := r.Register(AgentDefinition{ID: "a1"}); err == nil {
		t.Error("missing graph reference should fail")
	}
	if err := r.Register(AgentDefinition{ID: "a1", GraphID: "g1", Propagation: PropagationMode("sideways")}); err == nil {
		t.Error("unknown propagation mode should fail")
	}
	for _, p := range []PropagationMode{"", PropagateNone, PropagateSubset, PropagateFull} {
		r.Reset()
		if err := r.Register(AgentDefinition{ID: "a1", GraphID: "g1", Propagation: p}); err != nil {
			t.Errorf("propagation %q rejected: %v", p, err)
		}
	}
}
