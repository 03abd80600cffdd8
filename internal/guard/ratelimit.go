package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/attaboy/shareguard/internal/domain"
)

const guardRateLimit = "rate_limiter"

// RateLimiter is a per-key sliding window limiter. The API keys it by user ID
// so one account cannot flood validation from many IPs.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the given limit per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Check records a hit for key and reports whether it is within the limit.
// Denied hits are not recorded.
func (rl *RateLimiter) Check(_ context.Context, key string) domain.GuardResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := prune(rl.windows[key], now.Add(-rl.window))
	if len(valid) >= rl.limit {
		rl.windows[key] = valid
		return domain.GuardResult{
			Reason: fmt.Sprintf("rate limit exceeded: %d/%s", rl.limit, rl.window),
			Guard:  guardRateLimit,
		}
	}
	rl.windows[key] = append(valid, now)
	return domain.GuardResult{Allowed: true}
}

// Sweep drops keys with no hits inside the window and returns how many were removed.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	removed := 0
	for key, hits := range rl.windows {
		if valid := prune(hits, cutoff); len(valid) == 0 {
			delete(rl.windows, key)
			removed++
		} else {
			rl.windows[key] = valid
		}
	}
	return removed
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	valid := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
