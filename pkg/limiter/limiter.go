// Package limiter throttles LLM requests with a per-minute token bucket and a
// cap on concurrent requests.
package limiter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Config bounds LLM traffic. A zero field disables that limit.
type Config struct {
	TokensPerMinute int `yaml:"tokens_per_minute"`
	MaxConcurrent   int `yaml:"max_concurrent"`
}

// ErrRateLimit means the bucket holds too few tokens for a request.
var ErrRateLimit = errors.New("rate limit exceeded")

// Limiter enforces token and concurrency limits for one model.
//
//nolint:govet // Struct layout optimization not critical for this use case
type Limiter struct {
	cfg           Config
	slots         chan struct{}
	mu            sync.Mutex
	currentTokens int
	lastRefill    time.Time
	now           func() time.Time
}

// New creates a limiter with a full token bucket.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:           cfg,
		currentTokens: cfg.TokensPerMinute, // Start with full bucket
		lastRefill:    time.Now(),
		now:           time.Now,
	}
	if cfg.MaxConcurrent > 0 {
		l.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	return l
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool {
	return l.cfg.TokensPerMinute > 0 || l.cfg.MaxConcurrent > 0
}

// Acquire waits for a concurrency slot and then for tokens, or until ctx is
// done. Requests larger than the whole bucket wait for a full bucket. The
// returned release function frees the slot.
func (l *Limiter) Acquire(ctx context.Context, tokens int) (release func(), err error) {
	release = func() {}
	if l.slots != nil {
		select {
		case l.slots <- struct{}{}:
			release = func() { <-l.slots }
		case <-ctx.Done():
			return nil, ctx.Err() //nolint:wrapcheck // caller sees the context error
		}
	}

	for {
		wait, err := l.reserve(tokens)
		if err == nil {
			return release, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			release()
			return nil, ctx.Err() //nolint:wrapcheck // caller sees the context error
		}
	}
}

// reserve takes tokens or returns how long until the next refill.
func (l *Limiter) reserve(tokens int) (time.Duration, error) {
	if l.cfg.TokensPerMinute <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillTokens()

	if tokens > l.cfg.TokensPerMinute {
		tokens = l.cfg.TokensPerMinute
	}
	if l.currentTokens < tokens {
		return l.lastRefill.Add(time.Minute).Sub(l.now()), ErrRateLimit
	}

	l.currentTokens -= tokens
	return 0, nil
}

// Status returns the tokens left in the bucket and the requests in flight.
func (l *Limiter) Status() (tokens, inFlight int) {
	l.mu.Lock()
	l.refillTokens()
	tokens = l.currentTokens
	l.mu.Unlock()

	if l.slots != nil {
		inFlight = len(l.slots)
	}
	return tokens, inFlight
}

func (l *Limiter) refillTokens() {
	elapsed := l.now().Sub(l.lastRefill)

	if elapsed >= time.Minute {
		// Refill tokens for each minute that has passed.
		minutes := int(elapsed / time.Minute)
		l.currentTokens += minutes * l.cfg.TokensPerMinute

		// Cap at maximum.
		if l.currentTokens > l.cfg.TokensPerMinute {
			l.currentTokens = l.cfg.TokensPerMinute
		}

		// Update refill time to the last complete minute.
		l.lastRefill = l.lastRefill.Add(time.Duration(minutes) * time.Minute)
	}
}
