package loom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolHandler executes a native (in-process) tool. Sandboxed tools carry
// Source instead and run through a Sandbox.
type ToolHandler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// registeredTool pairs a definition with its compiled input schema and
// optional native handler.
type registeredTool struct {
	def     ToolDefinition
	schema  *jsonschema.Schema
	handler ToolHandler
}

// ToolRegistry holds registered tool definitions. Definitions are copied
// on the way in and on the way out, so callers can never mutate what the
// registry holds. Input schemas are compiled once at registration.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool definition. Empty and duplicate names are
// rejected, as are definitions whose InputSchema does not compile as
// JSON Schema. handler may be nil for sandboxed tools (those must carry
// Source).
func (r *ToolRegistry) Register(def ToolDefinition, handler ToolHandler) error {
	if strings.TrimSpace(def.Name) == "" {
		return &ValidationError{Field: "name", Message: "tool name must not be empty"}
	}
	if def.Permission != "" && !ValidPermission(def.Permission) {
		return &ValidationError{Field: "permission", Message: "unknown permission " + string(def.Permission)}
	}
	if handler == nil && strings.TrimSpace(def.Source) == "" {
		return &ValidationError{Field: "source", Message: "tool needs a handler or sandbox source"}
	}

	var schema *jsonschema.Schema
	if len(def.InputSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(def.Name+".json", bytes.NewReader(def.InputSchema)); err != nil {
			return &ValidationError{Field: "inputSchema", Message: fmt.Sprintf("invalid schema: %v", err)}
		}
		compiled, err := compiler.Compile(def.Name + ".json")
		if err != nil {
			return &ValidationError{Field: "inputSchema", Message: fmt.Sprintf("schema does not compile: %v", err)}
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[def.Name]; dup {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("tool %q already registered", def.Name)}
	}
	r.tools[def.Name] = &registeredTool{def: copyDefinition(def), schema: schema, handler: handler}
	return nil
}

// Unregister removes a tool.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// UnregisterModule removes every tool owned by moduleID. Called when a
// module is uninstalled.
func (r *ToolRegistry) UnregisterModule(moduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, t := range r.tools {
		if t.def.ModuleID == moduleID {
			delete(r.tools, name)
		}
	}
}

// Get returns a copy of the named tool's definition.
func (r *ToolRegistry) Get(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return ToolDefinition{}, false
	}
	return copyDefinition(t.def), true
}

// Has reports whether name is registered.
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns copies of all registered definitions.
func (r *ToolRegistry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, copyDefinition(t.def))
	}
	return defs
}

// Reset removes all tools. Meant for tests and runtime teardown.
func (r *ToolRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]*registeredTool)
}

// ValidateInput checks args against the tool's compiled input schema.
// Tools without a schema accept any valid JSON.
func (r *ToolRegistry) ValidateInput(name string, args json.RawMessage) error {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ValidationError{Field: "tool", Message: fmt.Sprintf("tool %q not registered", name)}
	}

	var decoded any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return &ValidationError{Field: "args", Message: "arguments are not valid JSON"}
		}
	}
	if t.schema == nil {
		return nil
	}
	if err := t.schema.Validate(decoded); err != nil {
		return &ValidationError{Field: "args", Message: err.Error()}
	}
	return nil
}

// handlerFor returns the native handler for name, if any.
func (r *ToolRegistry) handlerFor(name string) (ToolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok || t.handler == nil {
		return nil, false
	}
	return t.handler, true
}

// copyDefinition deep-copies a definition so registry state is never
// aliased by callers.
func copyDefinition(def ToolDefinition) ToolDefinition {
	out := def
	if def.InputSchema != nil {
		out.InputSchema = append(json.RawMessage{}, def.InputSchema...)
	}
	if def.Limits.AllowedAPIs != nil {
		out.Limits.AllowedAPIs = append([]string{}, def.Limits.AllowedAPIs...)
	}
	if def.Limits.DeniedAPIs != nil {
		out.Limits.DeniedAPIs = append([]string{}, def.Limits.DeniedAPIs...)
	}
	return out
}
