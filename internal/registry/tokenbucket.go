// Package registry owns the mutable per-provider state that the routing
// engine and middleware pipeline read on every request: admission control
// (token buckets), health (circuit breakers), and performance (latency
// tracking). All three are process-wide singletons, constructed once at
// startup and passed through the pipeline as explicit dependencies — see
// ProviderRegistry.
package registry

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// TokenBucket is a classical fractional token bucket. It starts full and
// refills lazily: the refill amount is computed from the wall-clock delta
// at the moment of access, not on a ticker.
type TokenBucket struct {
	mu sync.Mutex

	max        float64
	refillRate float64 // tokens per second

	tokens     float64
	lastRefill time.Time

	now func() time.Time
}

// NewTokenBucket creates a bucket with max capacity and the given refill
// rate (tokens/sec). Returns an error when either is non-positive.
func NewTokenBucket(max, refillRate float64) (*TokenBucket, error) {
	if max <= 0 {
		return nil, fmt.Errorf("registry: invalid-config: max must be > 0, got %v", max)
	}
	if refillRate <= 0 {
		return nil, fmt.Errorf("registry: invalid-config: refillRate must be > 0, got %v", refillRate)
	}
	return &TokenBucket{
		max:        max,
		refillRate: refillRate,
		tokens:     max,
		lastRefill: time.Now(),
		now:        time.Now,
	}, nil
}

// refill must be called with mu held. It advances tokens by the elapsed
// wall-clock time since the last refill, clamped to max.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.max, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// TryAcquire refills then atomically decrements one token if available.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Max returns the bucket's configured capacity.
func (b *TokenBucket) Max() float64 {
	return b.max
}

// GetRemaining refills and returns the floor of the current token count.
func (b *TokenBucket) GetRemaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return int(math.Floor(b.tokens))
}

// GetRetryAfter returns the number of whole seconds until at least one
// token will be available, minimum 1 when the bucket is currently empty.
func (b *TokenBucket) GetRetryAfter() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	deficit := 1 - b.tokens
	secs := math.Ceil(deficit / b.refillRate)
	if secs < 1 {
		secs = 1
	}
	return int(secs)
}
