package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/loomkit/loom"
)

// Provider implements loom.Provider for any OpenAI-compatible API.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string

	temperature *float64
	topP        *float64
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported by Name (default "openai").
// Useful when the same adapter fronts Groq, DeepSeek, or a local server.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithTemperature sets a default sampling temperature for every request.
// A per-request Temperature still wins.
func WithTemperature(t float64) ProviderOption {
	return func(p *Provider) { p.temperature = &t }
}

// WithTopP sets a default nucleus sampling value for every request.
func WithTopP(t float64) ProviderOption {
	return func(p *Provider) { p.topP = &t }
}

// NewProvider creates an OpenAI-compatible chat provider.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req loom.ChatRequest) (loom.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, p.buildBody(req))
	if err != nil {
		return loom.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return loom.ChatResponse{}, p.httpErr(resp)
	}

	var raw chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return loom.ChatResponse{}, &loom.ProviderError{
			Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parseResponse(raw), nil
}

// ChatStream streams content chunks into ch, then returns the final
// accumulated response. The channel stays open; the caller owns it.
func (p *Provider) ChatStream(ctx context.Context, req loom.ChatRequest, ch chan<- string) (loom.ChatResponse, error) {
	body := p.buildBody(req)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return loom.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return loom.ChatResponse{}, p.httpErr(resp)
	}
	return streamSSE(ctx, resp.Body, ch)
}

// buildBody converts a loom.ChatRequest to the OpenAI wire format.
// The system prompt becomes the leading system message.
func (p *Provider) buildBody(req loom.ChatRequest) chatBody {
	body := chatBody{
		Model:       p.model,
		Temperature: p.temperature,
		TopP:        p.topP,
		MaxTokens:   req.MaxTokens,
	}
	if req.Model != "" {
		body.Model = req.Model
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msg := message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for i, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, toolCallRequest{
				Index: i,
				ID:    tc.ID,
				Type:  "function",
				Function: functionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		body.Messages = append(body.Messages, msg)
	}
	for _, t := range req.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, tool{
			Type: "function",
			Function: function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return body
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body chatBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &loom.ProviderError{
			Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &loom.ProviderError{
			Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &loom.ProviderError{
			Provider: p.name, Message: err.Error(), Transient: true}
	}
	return resp, nil
}

// httpErr reads the response body and maps the status to the error
// taxonomy: 429 to RateLimitError, 5xx to a transient ProviderError,
// everything else to a permanent one.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusTooManyRequests {
		return &loom.RateLimitError{
			Provider:   p.name,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return &loom.ProviderError{
		Provider:  p.name,
		Status:    resp.StatusCode,
		Message:   string(body),
		Transient: resp.StatusCode >= 500,
	}
}

// parseRetryAfter reads a Retry-After header value, either delta-seconds
// or an HTTP date. Returns 0 when absent or unparseable.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// parseResponse converts an OpenAI-format response to a loom.ChatResponse.
// It extracts content, tool calls, and usage from choices[0].
func parseResponse(resp chatResponse) loom.ChatResponse {
	var out loom.ChatResponse
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		msg := resp.Choices[0].Message
		out.Content = msg.Content
		out.ToolCalls = parseToolCalls(msg.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = loom.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

// parseToolCalls converts wire tool calls to loom.ToolCalls. The API
// returns function.arguments as a JSON string; invalid JSON becomes an
// empty object rather than propagating garbage.
func parseToolCalls(tcs []toolCallRequest) []loom.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]loom.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, loom.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return out
}

// Compile-time interface check.
var _ loom.Provider = (*Provider)(nil)
