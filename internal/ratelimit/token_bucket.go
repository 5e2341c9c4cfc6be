// Package ratelimit provides the token bucket used to cap inbound signaling
// message rates per WebSocket connection.
package ratelimit

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at rate tokens/sec up to capacity. It uses integer
// nanosecond accounting so refill is deterministic under a fake clock.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	availableNanos int64 // 1 token == 1e9 nanos
	last           time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:          clock,
		capacity:       capacity,
		rate:           rate,
		availableNanos: capacity * int64(time.Second),
		last:           clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := n * int64(time.Second)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.availableNanos < cost {
		return false
	}
	b.availableNanos -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate <= 0 {
		return
	}

	max := b.capacity * int64(time.Second)
	need := max - b.availableNanos
	if need <= 0 {
		b.availableNanos = max
		return
	}
	// rate tokens/sec == rate nanos per elapsed nanosecond.
	if elapsed >= need/b.rate {
		b.availableNanos = max
		return
	}
	b.availableNanos += elapsed * b.rate
}
