package loom

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MaxFetchBytes caps fetched response bodies. Enforced both from
// Content-Length and while streaming, since servers lie.
const MaxFetchBytes = 10 << 20

// defaultFetchTimeout bounds one fetch end to end.
const defaultFetchTimeout = 60 * time.Second

// privateHostPrefixes lists hosts and prefixes that trigger a warning
// event. They are not blocked outright; a policy can still deny them.
var privateHostPrefixes = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
	"[::1]",
	"169.254.",
	"10.",
	"192.168.",
}

// ValidateFetchURL rejects URLs outside http and https.
func ValidateFetchURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ValidationError{Field: "url", Message: err.Error()}
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, &ValidationError{Field: "url", Message: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}
	if u.Host == "" {
		return nil, &ValidationError{Field: "url", Message: "missing host"}
	}
	return u, nil
}

// PrivateHost reports whether host points at loopback or a private range.
func PrivateHost(host string) bool {
	h := strings.ToLower(host)
	if i := strings.LastIndex(h, ":"); i > 0 && !strings.HasPrefix(h, "[") {
		h = h[:i]
	}
	for _, p := range privateHostPrefixes {
		if h == p || strings.HasPrefix(h, p) {
			return true
		}
	}
	return false
}

// Fetcher performs policy-checked HTTP fetches on behalf of agents: the
// scheme allow-list, the agent's network host grant, the private-host
// warning, and the body size cap all apply to every request.
type Fetcher struct {
	client   *http.Client
	verifier *CapabilityVerifier
	bus      *Bus
	maxBytes int64
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithFetchClient replaces the HTTP client.
func WithFetchClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithFetchVerifier gates fetches on the agent's network allow-list.
func WithFetchVerifier(v *CapabilityVerifier) FetcherOption {
	return func(f *Fetcher) { f.verifier = v }
}

// WithFetchBus emits network.warning events for private hosts.
func WithFetchBus(bus *Bus) FetcherOption {
	return func(f *Fetcher) { f.bus = bus }
}

// WithMaxFetchBytes overrides the body cap.
func WithMaxFetchBytes(n int64) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// NewFetcher creates a fetcher with the default client and caps.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: defaultFetchTimeout},
		maxBytes: MaxFetchBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch GETs raw on behalf of agentID and returns the body, capped at
// the configured byte limit.
func (f *Fetcher) Fetch(ctx context.Context, agentID, raw string) ([]byte, error) {
	u, err := ValidateFetchURL(raw)
	if err != nil {
		return nil, err
	}
	if f.verifier != nil {
		if err := f.verifier.VerifyNetworkHost(agentID, u.Hostname()); err != nil {
			return nil, err
		}
	}
	if PrivateHost(u.Host) && f.bus != nil {
		f.bus.Emit(Event{
			Type:    EventNetworkWarning,
			AgentID: agentID,
			Data:    map[string]any{"host": u.Host, "url": raw},
		})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &ValidationError{Field: "url", Message: err.Error()}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "fetch", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &ProviderError{
			Provider:  "fetch",
			Status:    resp.StatusCode,
			Message:   "fetch " + u.Host + " failed",
			Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}
	if resp.ContentLength > f.maxBytes {
		return nil, &ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("content length %d exceeds cap %d", resp.ContentLength, f.maxBytes),
		}
	}

	// Read one byte past the cap to distinguish "exactly at the cap"
	// from "over it" when Content-Length was absent or wrong.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &ProviderError{Provider: "fetch", Message: err.Error(), Transient: true}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("response exceeds cap %d", f.maxBytes),
		}
	}
	return body, nil
}
