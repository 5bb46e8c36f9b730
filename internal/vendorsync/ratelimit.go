package vendorsync

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces sync attempts against one vendor.
type RateLimiter struct{ l *rate.Limiter }

// NewRateLimiter allows rpm requests per minute with the given burst. It
// returns nil when rpm is not positive.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if rpm <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		l: rate.NewLimiter(rate.Limit(rpm)/60, burst),
	}
}

// Wait blocks until a request is allowed. A nil limiter never blocks.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.l.Wait(ctx)
}
