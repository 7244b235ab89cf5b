// Package ratelimit guards outbound calls with a token bucket. The
// local bucket serves a single process; the Redis bucket shares one
// budget across every engine instance talking to the same upstream.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter answers whether one unit of work against key may proceed
// now. A refusal is not an error; errors report limiter breakage.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// TokenBucket is an in-process limiter keeping one bucket per key.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewTokenBucket creates a local limiter refilling rps tokens per
// second with the given burst capacity per key.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow(), nil
}
