// Package builtin registers the stock native tools: workspace-scoped
// file access, policy-checked URL fetching, and memory recall. They run
// in-process through the registry's handler path, never the sandbox.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomkit/loom"
)

// Deps holds the runtime collaborators the builtin tools use.
type Deps struct {
	Fetcher   *loom.Fetcher
	Memory    *loom.MemoryManager
	Workspace string // file tools refuse to operate outside this directory
}

// Register installs the builtin tools into reg. Tools whose dependency
// is nil are skipped, so a runtime without a fetcher simply has no
// http_fetch.
func Register(reg *loom.ToolRegistry, deps Deps) error {
	if deps.Workspace != "" {
		ft := &fileTool{workspace: deps.Workspace}
		if err := reg.Register(loom.ToolDefinition{
			Name:        "file_read",
			Description: "Read a file from the workspace. Returns the file content (truncated to 8000 chars if large).",
			Permission:  loom.PermFilesystem,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
		}, ft.read); err != nil {
			return err
		}
		if err := reg.Register(loom.ToolDefinition{
			Name:        "file_write",
			Description: "Write content to a file in the workspace. Creates parent directories if needed.",
			Permission:  loom.PermFilesystem,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
		}, ft.write); err != nil {
			return err
		}
	}

	if deps.Fetcher != nil {
		ht := &httpTool{fetcher: deps.Fetcher}
		if err := reg.Register(loom.ToolDefinition{
			Name:        "http_fetch",
			Description: "Fetch a URL and return its body. Use for reading web pages, articles, documentation.",
			Permission:  loom.PermNetworkFetch,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"},"agent_id":{"type":"string"}},"required":["url"]}`),
		}, ht.fetch); err != nil {
			return err
		}
	}

	if deps.Memory != nil {
		mt := &memoryTool{memory: deps.Memory}
		if err := reg.Register(loom.ToolDefinition{
			Name:        "memory_recall",
			Description: "Search long-term memory by semantic similarity. Returns the top matching items.",
			Permission:  loom.PermMemoryRead,
			InputSchema: json.RawMessage(`{"type":"object","properties":{"agent_id":{"type":"string"},"query":{"type":"string"},"scope":{"type":"string","enum":["private","shared"]},"top_k":{"type":"integer"}},"required":["agent_id","query"]}`),
		}, mt.recall); err != nil {
			return err
		}
	}
	return nil
}

// --- file tools ---

type fileTool struct {
	workspace string
}

func (t *fileTool) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspace, path)
	if !strings.HasPrefix(resolved, t.workspace) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *fileTool) read(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	resolved, err := t.resolvePath(params.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	content := string(data)
	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}
	return json.Marshal(map[string]string{"content": content})
}

func (t *fileTool) write(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	resolved, err := t.resolvePath(params.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return nil, fmt.Errorf("mkdir error: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(params.Content), 0644); err != nil {
		return nil, fmt.Errorf("write error: %w", err)
	}
	return json.Marshal(map[string]any{"written": len(params.Content), "path": params.Path})
}

// --- http tool ---

type httpTool struct {
	fetcher *loom.Fetcher
}

func (t *httpTool) fetch(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		URL     string `json:"url"`
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	body, err := t.fetcher.Fetch(ctx, params.AgentID, params.URL)
	if err != nil {
		return nil, err
	}
	content := string(body)
	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}
	return json.Marshal(map[string]string{"content": content})
}

// --- memory tool ---

type memoryTool struct {
	memory *loom.MemoryManager
}

func (t *memoryTool) recall(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		AgentID string `json:"agent_id"`
		Query   string `json:"query"`
		Scope   string `json:"scope"`
		TopK    int    `json:"top_k"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid args: %w", err)
	}
	scope := params.Scope
	if scope == "" {
		scope = loom.MemoryScopePrivate
	}
	items, err := t.memory.Recall(ctx, params.AgentID, scope, params.Query, params.TopK)
	if err != nil {
		return nil, err
	}
	return json.Marshal(items)
}
