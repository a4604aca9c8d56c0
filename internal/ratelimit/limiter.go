// Package ratelimit paces session dispatch.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter admits at most perSecond events per second with a burst of
// one, so dispatch is spread evenly. A zero rate disables limiting.
type RateLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex
}

func NewRateLimiter(perSecond float64) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(limitFor(perSecond), 1),
	}
}

func limitFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return 0
	}
	return rate.Limit(perSecond)
}

func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.RLock()
	limiter := r.limiter
	limit := limiter.Limit()
	r.mu.RUnlock()

	// If rate limit is 0, don't wait (no rate limiting)
	if limit == 0 {
		return ctx.Err()
	}
	return limiter.Wait(ctx)
}

func (r *RateLimiter) SetRate(perSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetLimit(limitFor(perSecond))
}

// Rate returns the current limit in events per second.
func (r *RateLimiter) Rate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return float64(r.limiter.Limit())
}
