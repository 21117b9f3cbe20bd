// Package ratelimit paces a Runtime's outbound capability invocations
// to its configured ThrottleDelay, built on golang.org/x/time/rate.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a RateLimiter. Burst is normally 1 for a
// Runtime's throttle: one invocation is allowed to proceed immediately,
// and every following one waits out RequestsPerSecond's interval.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

func DefaultConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 100, Burst: 200}
}

// RateLimiter wraps a token-bucket limiter.
type RateLimiter struct {
	limiter *rate.Limiter
}

func New(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Throttled reports whether the bucket is currently exhausted, without
// consuming a token. Used by health reporting to surface throttle
// pressure without competing with Wait for the next available token.
func (r *RateLimiter) Throttled() bool {
	return r.limiter.Tokens() < 1
}
