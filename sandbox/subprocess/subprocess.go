// Package subprocess implements loom.Sandbox by running tool source in a
// Python subprocess. Input arguments arrive through the environment; the
// result comes back as a JSON protocol line on stdout.
//
// The subprocess backend enforces timeouts and a source blocklist but
// cannot isolate the network or filesystem. Use sandbox/docker when the
// tool's limits demand real isolation.
package subprocess

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/loomkit/loom"
)

//go:embed prelude.py
var preludeSource string

// postludeSource is appended after tool source to flush the final result.
const postludeSource = `
if _final_result is not None:
    _proto_out.write(_json.dumps({"type": "result", "data": _final_result}) + '\n')
    _proto_out.flush()
`

// blockedPatterns are checked before execution to reject obviously
// dangerous source.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`os\.system\s*\(`),
	regexp.MustCompile(`subprocess\.\w+\s*\(`),
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkspace sets the working directory for tool subprocesses.
// Default: the OS temp directory.
func WithWorkspace(dir string) Option {
	return func(r *Runner) { r.workspace = dir }
}

// WithMaxOutput sets the maximum captured output size in bytes.
// Default: 64KB.
func WithMaxOutput(bytes int) Option {
	return func(r *Runner) { r.maxOutput = bytes }
}

// Runner executes Python tool source in a subprocess.
type Runner struct {
	pythonBin string
	workspace string
	maxOutput int
}

var _ loom.Sandbox = (*Runner)(nil)

// New creates a Runner that executes tool source via the given Python
// binary (e.g. "python3").
func New(pythonBin string, opts ...Option) *Runner {
	r := &Runner{pythonBin: pythonBin, maxOutput: 64 * 1024}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Name returns "subprocess".
func (r *Runner) Name() string { return "subprocess" }

// Run executes source with args bound to the tool's input. The caller
// (ToolExecutor) owns the timeout; ctx is expected to carry a deadline.
func (r *Runner) Run(ctx context.Context, source string, args json.RawMessage, limits loom.SandboxLimits) (json.RawMessage, error) {
	for _, pat := range append(blockedPatterns, deniedPatterns(limits.DeniedAPIs)...) {
		if pat.MatchString(source) {
			return nil, &loom.SandboxError{
				Message: "blocked: source contains prohibited pattern: " + pat.String()}
		}
	}

	tmpFile, err := os.CreateTemp("", "loom-tool-*.py")
	if err != nil {
		return nil, &loom.SandboxError{Message: "create temp file: " + err.Error()}
	}
	defer os.Remove(tmpFile.Name())

	script := preludeSource + "\n" + source + "\n" + postludeSource
	if _, err := tmpFile.WriteString(script); err != nil {
		tmpFile.Close()
		return nil, &loom.SandboxError{Message: "write script: " + err.Error()}
	}
	tmpFile.Close()

	cmd := exec.CommandContext(ctx, r.pythonBin, tmpFile.Name())
	cmd.Dir = r.resolveWorkspace()
	cmd.Env = r.buildEnv(args, limits)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &loom.SandboxError{Message: "stdout pipe: " + err.Error()}
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &cappedWriter{w: &stderrBuf, max: r.maxOutput}

	if err := cmd.Start(); err != nil {
		return nil, &loom.SandboxError{Message: "start subprocess: " + err.Error()}
	}

	// Protocol loop: the only message a tool emits is its final result.
	var result json.RawMessage
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, r.maxOutput), r.maxOutput)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue // skip non-protocol output
		}
		if msg.Type == "result" {
			result = msg.Data
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderrBuf.String())
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, &loom.SandboxError{
				Message: fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), tail(detail, 512))}
		}
		return nil, &loom.SandboxError{Message: err.Error()}
	}

	if result == nil {
		result = json.RawMessage(`null`)
	}
	return result, nil
}

// deniedPatterns compiles each denied API name into a call-site pattern.
func deniedPatterns(denied []string) []*regexp.Regexp {
	pats := make([]*regexp.Regexp, 0, len(denied))
	for _, name := range denied {
		pats = append(pats, regexp.MustCompile(regexp.QuoteMeta(name)+`\s*\(`))
	}
	return pats
}

func (r *Runner) resolveWorkspace() string {
	if r.workspace != "" {
		return r.workspace
	}
	return os.TempDir()
}

// buildEnv constructs a minimal environment. Tool arguments and resource
// limits travel as env vars consumed by the prelude.
func (r *Runner) buildEnv(args json.RawMessage, limits loom.SandboxLimits) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=en_US.UTF-8",
		"LOOM_WORKSPACE=" + r.resolveWorkspace(),
	}
	if len(args) > 0 {
		env = append(env, "LOOM_ARGS="+string(args))
	} else {
		env = append(env, "LOOM_ARGS={}")
	}
	if limits.MaxMemoryBytes > 0 {
		env = append(env, fmt.Sprintf("LOOM_MAX_MEMORY=%d", limits.MaxMemoryBytes))
	}
	return env
}

// tail returns the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// cappedWriter limits capture to a maximum size while reporting full
// writes to the producer.
type cappedWriter struct {
	w   *strings.Builder
	max int
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	if cw.w.Len() < cw.max {
		remaining := cw.max - cw.w.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		cw.w.Write(p)
	}
	return len(p), nil
}
