// Package ratelimit implements the request-gate token buckets: one global
// bucket shared by all callers and one bucket per token identity, created
// lazily on first use. Buckets are never deleted during a process lifetime.
package ratelimit

import (
	"sync"
	"time"

	verrors "github.com/valetd/valet/internal/errors"
)

type bucket struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second
	tokens   float64
	last     time.Time
}

// take refills by elapsed-time-times-rate, caps at capacity, then attempts
// to deduct one token. The critical section is pure arithmetic.
func (b *bucket) take(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Limiter holds the global bucket and the per-identity bucket map.
type Limiter struct {
	global *bucket

	mu         sync.Mutex
	perToken   map[string]*bucket
	tokenBurst float64
	tokenRate  float64

	nowFn func() time.Time
}

// New creates a limiter. Bursts are bucket capacities; rates are tokens
// refilled per second.
func New(globalBurst, globalPerS, tokenBurst, tokenPerS int) *Limiter {
	now := time.Now()
	return &Limiter{
		global: &bucket{
			capacity: float64(globalBurst),
			rate:     float64(globalPerS),
			tokens:   float64(globalBurst),
			last:     now,
		},
		perToken:   make(map[string]*bucket),
		tokenBurst: float64(tokenBurst),
		tokenRate:  float64(tokenPerS),
		nowFn:      time.Now,
	}
}

// Allow accounts one request against the global bucket and the identity's
// bucket. Either refusal fails RateLimited before any tool logic runs.
func (l *Limiter) Allow(identity string) error {
	const op = "rate_limit"
	now := l.nowFn()

	if !l.global.take(now) {
		return verrors.Ef(verrors.KindRateLimited, op, "global rate limit exceeded")
	}
	if !l.forToken(identity, now).take(now) {
		return verrors.Ef(verrors.KindRateLimited, op, "per-token rate limit exceeded")
	}
	return nil
}

func (l *Limiter) forToken(identity string, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.perToken[identity]
	if !ok {
		b = &bucket{
			capacity: l.tokenBurst,
			rate:     l.tokenRate,
			tokens:   l.tokenBurst,
			last:     now,
		}
		l.perToken[identity] = b
	}
	return b
}
