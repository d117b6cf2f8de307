// Package docker implements loom.Sandbox by running tool source in a
// disposable container. Unlike sandbox/subprocess it enforces memory
// limits and network isolation at the container boundary.
package docker

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/tlsconfig"

	"github.com/loomkit/loom"
)

//go:embed prelude.py
var preludeSource string

const postludeSource = `
if _final_result is not None:
    _proto_out.write(_json.dumps({"type": "result", "data": _final_result}) + '\n')
    _proto_out.flush()
`

// DefaultImage is the container image used when none is configured.
const DefaultImage = "python:3.12-slim"

// Option configures a Runner.
type Option func(*Runner) error

// WithImage sets the container image (default DefaultImage). The image
// must already be present on the daemon; Run does not pull.
func WithImage(image string) Option {
	return func(r *Runner) error {
		r.image = image
		return nil
	}
}

// WithClient injects a pre-built Docker client, bypassing environment
// discovery.
func WithClient(c *client.Client) Option {
	return func(r *Runner) error {
		r.client = c
		return nil
	}
}

// WithTLSHost connects to a remote daemon over TLS using certificates
// from the given files, the same layout `docker --tlsverify` expects.
func WithTLSHost(host, caFile, certFile, keyFile string) Option {
	return func(r *Runner) error {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   caFile,
			CertFile: certFile,
			KeyFile:  keyFile,
		})
		if err != nil {
			return fmt.Errorf("docker sandbox: tls config: %w", err)
		}
		httpClient := &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}
		c, err := client.NewClientWithOpts(
			client.WithHost(host),
			client.WithHTTPClient(httpClient),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return fmt.Errorf("docker sandbox: client: %w", err)
		}
		r.client = c
		return nil
	}
}

// Runner executes Python tool source in disposable containers.
type Runner struct {
	client *client.Client
	image  string
}

var _ loom.Sandbox = (*Runner)(nil)

// New creates a Runner. Without WithClient or WithTLSHost the daemon is
// discovered from the environment (DOCKER_HOST et al).
func New(opts ...Option) (*Runner, error) {
	r := &Runner{image: DefaultImage}
	for _, o := range opts {
		if err := o(r); err != nil {
			return nil, err
		}
	}
	if r.client == nil {
		c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker sandbox: client: %w", err)
		}
		r.client = c
	}
	return r, nil
}

// Name returns "docker".
func (r *Runner) Name() string { return "docker" }

// Close releases the underlying Docker client.
func (r *Runner) Close() error { return r.client.Close() }

// Run executes source in a fresh container and returns the protocol
// result. The container always runs with a read-only root filesystem
// and no capabilities beyond the defaults.
func (r *Runner) Run(ctx context.Context, source string, args json.RawMessage, limits loom.SandboxLimits) (json.RawMessage, error) {
	script := preludeSource + "\n" + source + "\n" + postludeSource

	env := []string{"LOOM_ARGS={}"}
	if len(args) > 0 {
		env[0] = "LOOM_ARGS=" + string(args)
	}

	networkMode := "none"
	if limits.Network {
		networkMode = "bridge"
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(networkMode),
		ReadonlyRootfs: true,
		AutoRemove:     false,
	}
	if limits.MaxMemoryBytes > 0 {
		hostCfg.Resources = container.Resources{
			Memory:     limits.MaxMemoryBytes,
			MemorySwap: limits.MaxMemoryBytes,
		}
	}

	created, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:           r.image,
		Cmd:             []string{"python3", "-c", script},
		Env:             env,
		NetworkDisabled: !limits.Network,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return nil, &loom.SandboxError{Message: "create container: " + err.Error()}
	}
	defer r.remove(created.ID)

	if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, &loom.SandboxError{Message: "start container: " + err.Error()}
	}

	statusCh, errCh := r.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		if err != nil {
			return nil, &loom.SandboxError{Message: "wait container: " + err.Error()}
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	stdout, stderr, err := r.logs(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	if exitCode != 0 {
		return nil, &loom.SandboxError{
			Message: fmt.Sprintf("exit code %d: %s", exitCode, tail(stderr, 512))}
	}
	return parseResult(stdout), nil
}

// logs fetches and demuxes the container's stdout and stderr.
func (r *Runner) logs(ctx context.Context, id string) (string, string, error) {
	rc, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", &loom.SandboxError{Message: "container logs: " + err.Error()}
	}
	defer rc.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, rc); err != nil {
		return "", "", &loom.SandboxError{Message: "demux logs: " + err.Error()}
	}
	return outBuf.String(), errBuf.String(), nil
}

// remove deletes the container with a fresh context so cleanup survives
// caller cancellation.
func (r *Runner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// parseResult scans protocol lines for the final result message.
func parseResult(stdout string) json.RawMessage {
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	result := json.RawMessage(`null`)
	for scanner.Scan() {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type == "result" {
			result = msg.Data
		}
	}
	return result
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
