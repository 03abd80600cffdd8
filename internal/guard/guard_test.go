package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)} }

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result := rl.Check(ctx, "user-1")
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	ctx := context.Background()

	rl.Check(ctx, "user-1")
	rl.Check(ctx, "user-1")
	result := rl.Check(ctx, "user-1")

	assert.False(t, result.Allowed)
	assert.Equal(t, "rate_limiter", result.Guard)
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	ctx := context.Background()

	assert.True(t, rl.Check(ctx, "user-1").Allowed)
	assert.True(t, rl.Check(ctx, "user-2").Allowed)
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	clock := newClock()
	rl := NewRateLimiter(1, time.Minute)
	rl.now = clock.now
	ctx := context.Background()

	assert.True(t, rl.Check(ctx, "user-1").Allowed)
	clock.advance(30 * time.Second)
	assert.False(t, rl.Check(ctx, "user-1").Allowed)
	clock.advance(31 * time.Second)
	assert.True(t, rl.Check(ctx, "user-1").Allowed)
}

func TestRateLimiter_Sweep(t *testing.T) {
	clock := newClock()
	rl := NewRateLimiter(5, time.Minute)
	rl.now = clock.now
	ctx := context.Background()

	rl.Check(ctx, "user-1")
	clock.advance(45 * time.Second)
	rl.Check(ctx, "user-2")
	clock.advance(30 * time.Second)

	assert.Equal(t, 1, rl.Sweep())
	assert.Len(t, rl.windows, 1)
}

func TestCircuitBreaker_ClosedByDefault(t *testing.T) {
	cb := NewCircuitBreaker(3, 5*time.Second)

	assert.True(t, cb.Check(context.Background(), "engine").Allowed)
	assert.Equal(t, CircuitClosed, cb.State("engine"))
}

func TestCircuitBreaker_OpensOnThreshold(t *testing.T) {
	cb := NewCircuitBreaker(2, 5*time.Second)
	ctx := context.Background()

	cb.Check(ctx, "engine")
	cb.RecordFailure("engine")
	cb.RecordFailure("engine")

	result := cb.Check(ctx, "engine")
	assert.False(t, result.Allowed)
	assert.Equal(t, "circuit_breaker", result.Guard)
	assert.Equal(t, CircuitOpen, cb.State("engine"))
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(2, 5*time.Second)
	ctx := context.Background()

	cb.Check(ctx, "engine")
	cb.RecordFailure("engine")
	cb.RecordSuccess("engine")
	cb.RecordFailure("engine")

	assert.True(t, cb.Check(ctx, "engine").Allowed)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	clock := newClock()
	cb := NewCircuitBreaker(1, 5*time.Second)
	cb.now = clock.now
	ctx := context.Background()

	cb.RecordFailure("engine")
	assert.False(t, cb.Check(ctx, "engine").Allowed)

	clock.advance(6 * time.Second)
	assert.True(t, cb.Check(ctx, "engine").Allowed, "first call after the timeout probes")
	assert.Equal(t, CircuitHalfOpen, cb.State("engine"))
	assert.False(t, cb.Check(ctx, "engine").Allowed, "only one probe at a time")

	cb.RecordFailure("engine")
	assert.Equal(t, CircuitOpen, cb.State("engine"))
	assert.False(t, cb.Check(ctx, "engine").Allowed)

	clock.advance(6 * time.Second)
	assert.True(t, cb.Check(ctx, "engine").Allowed)
	cb.RecordSuccess("engine")
	assert.Equal(t, CircuitClosed, cb.State("engine"))
	assert.True(t, cb.Check(ctx, "engine").Allowed)
}
