package linkedin

import (
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultRateLimits stays well under LinkedIn's member posting throttle.
func DefaultRateLimits() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 1, Burst: 2}
}

// Limiter builds a token bucket for the config. A zero rate means unlimited.
func (c RateLimitConfig) Limiter() *rate.Limiter {
	if c.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := c.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RequestsPerSecond), burst)
}
