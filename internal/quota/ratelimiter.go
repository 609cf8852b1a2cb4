// Package quota enforces per-identity request limits on download endpoints.
package quota

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Duration // time until the current window ends
}

// Limiter decides whether a request keyed by identity may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Limit() int
	Window() time.Duration
}

// RateLimiter implements fixed-window rate limiting in process memory.
// Each key may make limit requests per window; the window restarts on the
// first request after it has elapsed.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter allowing limit requests per period.
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// Allow records a request for key. limit <= 0 means unlimited.
func (rl *RateLimiter) Allow(_ context.Context, key string) (Decision, error) {
	if rl.limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= rl.period {
		w = &window{start: now}
		rl.windows[key] = w
	}
	w.count++

	return decide(w.count, rl.limit, w.start.Add(rl.period).Sub(now)), nil
}

func decide(count, limit int, reset time.Duration) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	if reset < 0 {
		reset = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}
}

// Limit returns the requests allowed per window.
func (rl *RateLimiter) Limit() int { return rl.limit }

// Window returns the window length.
func (rl *RateLimiter) Window() time.Duration { return rl.period }

// Cleanup removes windows that have already ended.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, w := range rl.windows {
		if now.Sub(w.start) >= rl.period {
			delete(rl.windows, key)
		}
	}
}
