package loom

import (
	"context"
	"sync"
	"time"
)

// DefaultRateWindow is the sliding window over which RPM and TPM
// budgets are counted.
const DefaultRateWindow = time.Minute

// windowEntry is one weighted admission in a rateWindow: weight 1 for a
// request, the token count for usage.
type windowEntry struct {
	at     time.Time
	weight int
}

// rateWindow counts weighted entries over a sliding duration. A zero
// limit disables the window.
type rateWindow struct {
	limit   int
	span    time.Duration
	entries []windowEntry
}

// prune drops entries that have slid out of the window.
func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	w.entries = w.entries[i:]
}

// total sums the weights currently inside the window.
func (w *rateWindow) total() int {
	sum := 0
	for _, e := range w.entries {
		sum += e.weight
	}
	return sum
}

// open reports whether the window still has budget.
func (w *rateWindow) open() bool {
	return w.limit <= 0 || w.total() < w.limit
}

// add records one weighted entry.
func (w *rateWindow) add(now time.Time, weight int) {
	if w.limit <= 0 || weight <= 0 {
		return
	}
	w.entries = append(w.entries, windowEntry{at: now, weight: weight})
}

// nextExpiry returns how long until the oldest entry leaves the window.
func (w *rateWindow) nextExpiry(now time.Time) (time.Duration, bool) {
	if len(w.entries) == 0 {
		return 0, false
	}
	return w.entries[0].at.Add(w.span).Sub(now), true
}

// rateLimitProvider wraps a Provider and holds requests until the RPM
// and TPM windows have budget. Requests count against the RPM window on
// admission; token usage counts against the TPM window after the
// response lands, so TPM is a soft limit: the overshooting request
// finishes and later requests wait it out.
type rateLimitProvider struct {
	inner Provider

	mu       sync.Mutex
	requests rateWindow
	tokens   rateWindow
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM caps admitted requests per window.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.requests.limit = n }
}

// TPM caps observed tokens (prompt plus completion) per window.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tokens.limit = n }
}

// RateWindow overrides the sliding window duration shared by RPM and
// TPM (default one minute).
func RateWindow(d time.Duration) RateLimitOption {
	return func(r *rateLimitProvider) {
		if d > 0 {
			r.requests.span = d
			r.tokens.span = d
		}
	}
}

// WithRateLimit wraps p with proactive rate limiting. Compose with
// other wrappers:
//
//	llm = loom.WithRateLimit(provider, loom.RPM(60))
//	llm = loom.WithRateLimit(loom.WithRetry(provider), loom.RPM(60), loom.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{
		inner:    p,
		requests: rateWindow{span: DefaultRateWindow},
		tokens:   rateWindow{span: DefaultRateWindow},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.admit(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.settle(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	if err := r.admit(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.settle(resp.Usage)
	}
	return resp, err
}

// admit blocks until both windows have budget, then charges the RPM
// window. Returns ctx.Err() when the context ends first.
func (r *rateLimitProvider) admit(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		r.requests.prune(now)
		r.tokens.prune(now)

		if r.requests.open() && r.tokens.open() {
			r.requests.add(now, 1)
			r.mu.Unlock()
			return nil
		}

		// Sleep until the oldest entry of a blocking window expires.
		var wait time.Duration
		if !r.requests.open() {
			if d, ok := r.requests.nextExpiry(now); ok {
				wait = d
			}
		}
		if !r.tokens.open() {
			if d, ok := r.tokens.nextExpiry(now); ok && (wait <= 0 || d < wait) {
				wait = d
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// settle charges the TPM window with a finished call's usage.
func (r *rateLimitProvider) settle(u Usage) {
	total := u.Total()
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tokens.add(time.Now(), total)
	r.mu.Unlock()
}

var _ Provider = (*rateLimitProvider)(nil)
