// Package ratelimit throttles signaling attempts.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec). Tokens are held as
// fixed-point nano-tokens, so a rate of X tokens/sec adds X nano-tokens per
// elapsed nanosecond.
type TokenBucket struct {
	mu    sync.Mutex
	clock clock.Clock

	capacity int64
	rate     int64

	available int64
	last      time.Time
}

// NewTokenBucket starts full. A nil clock uses the wall clock.
func NewTokenBucket(clk clock.Clock, capacity, rate int64) *TokenBucket {
	if clk == nil {
		clk = clock.New()
	}
	capacity = max(capacity, 0)
	rate = max(rate, 0)
	return &TokenBucket{
		clock:     clk,
		capacity:  capacity,
		rate:      rate,
		available: toNano(capacity),
		last:      clk.Now(),
	}
}

// Allow takes one token if available.
func (b *TokenBucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN takes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

// RetryAfter is how long until one token is available, rounded up to whole
// seconds for the Retry-After header.
func (b *TokenBucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	missing := nanoTokensPerToken - b.available
	if missing <= 0 {
		return 0
	}
	if b.rate <= 0 {
		return time.Hour
	}
	wait := time.Duration(missing / b.rate)
	return (wait + time.Second - 1).Truncate(time.Second)
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate <= 0 {
		return
	}

	full := toNano(b.capacity)
	need := full - b.available
	if need <= 0 {
		b.available = full
		return
	}
	// elapsed*rate >= need exactly when elapsed > (need-1)/rate. Checking
	// first also keeps the multiply below from overflowing.
	if elapsed > (need-1)/b.rate {
		b.available = full
		return
	}
	b.available += elapsed * b.rate
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
