// Package gemini implements loom.Provider and loom.EmbeddingProvider
// for Google Gemini models via the generative language API.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomkit/loom"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements loom.Provider for Google Gemini models.
type Gemini struct {
	apiKey string
	model  string
	client *http.Client

	temperature float64
	topP        float64
}

// Option configures a Gemini provider.
type Option func(*Gemini)

// WithTemperature sets the sampling temperature (default 0.1).
func WithTemperature(t float64) Option {
	return func(g *Gemini) { g.temperature = t }
}

// WithTopP sets the nucleus sampling value (default 0.9).
func WithTopP(t float64) Option {
	return func(g *Gemini) { g.topP = t }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gemini) { g.client = c }
}

// New creates a Gemini chat provider with functional options.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:      apiKey,
		model:       model,
		client:      &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Chat sends a non-streaming request and returns the complete response.
func (g *Gemini) Chat(ctx context.Context, req loom.ChatRequest) (loom.ChatResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, g.model, g.apiKey)
	resp, err := g.post(ctx, url, g.buildBody(req))
	if err != nil {
		return loom.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return loom.ChatResponse{}, httpErr(resp)
	}

	var raw generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return loom.ChatResponse{}, &loom.ProviderError{
			Provider: "gemini", Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parseCandidates(raw), nil
}

// ChatStream streams content deltas into ch, then returns the final
// accumulated response. The channel stays open; the caller owns it.
func (g *Gemini) ChatStream(ctx context.Context, req loom.ChatRequest, ch chan<- string) (loom.ChatResponse, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", baseURL, g.model, g.apiKey)
	resp, err := g.post(ctx, url, g.buildBody(req))
	if err != nil {
		return loom.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return loom.ChatResponse{}, httpErr(resp)
	}

	var fullContent strings.Builder
	var out loom.ChatResponse

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk generateResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		partial := parseCandidates(chunk)
		if partial.Content != "" {
			fullContent.WriteString(partial.Content)
			select {
			case ch <- partial.Content:
			case <-ctx.Done():
				return loom.ChatResponse{}, ctx.Err()
			}
		}
		out.ToolCalls = append(out.ToolCalls, partial.ToolCalls...)
		if partial.Usage.Total() > 0 {
			out.Usage = partial.Usage
		}
	}
	if err := scanner.Err(); err != nil {
		return loom.ChatResponse{}, err
	}
	out.Content = fullContent.String()
	return out, nil
}

func (g *Gemini) post(ctx context.Context, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &loom.ProviderError{
			Provider: "gemini", Message: fmt.Sprintf("marshal request: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &loom.ProviderError{
			Provider: "gemini", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &loom.ProviderError{
			Provider: "gemini", Message: err.Error(), Transient: true}
	}
	return resp, nil
}

// httpErr maps the status to the error taxonomy. Gemini carries its
// retry hint in the error body (RetryInfo) rather than a header.
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode == http.StatusTooManyRequests {
		return &loom.RateLimitError{
			Provider:   "gemini",
			RetryAfter: parseRetryInfo(string(body)),
		}
	}
	return &loom.ProviderError{
		Provider:  "gemini",
		Status:    resp.StatusCode,
		Message:   string(body),
		Transient: resp.StatusCode >= 500,
	}
}

// parseRetryInfo extracts the retryDelay from a google.rpc.RetryInfo
// detail embedded in an error body, e.g. "retryDelay": "7s".
func parseRetryInfo(body string) time.Duration {
	var parsed struct {
		Error struct {
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return 0
	}
	for _, d := range parsed.Error.Details {
		if d.RetryDelay == "" {
			continue
		}
		if dur, err := time.ParseDuration(d.RetryDelay); err == nil {
			return dur
		}
	}
	return 0
}

// Compile-time interface check.
var _ loom.Provider = (*Gemini)(nil)
