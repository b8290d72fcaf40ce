package main

import (
	"sync"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter keeps one token bucket per key. The dispatcher keys
// buckets by (command class, box) so a chatty control panel on one box
// cannot starve another.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewPerMinuteLimiter creates a limiter allowing perMin events per minute
// with the given burst.
func NewPerMinuteLimiter(perMin int, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(perMin) / 60.0),
		b:        burst,
	}
}

// Allow checks if the key may proceed.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}
