package ratelimit

import "context"

// RateLimiter throttles inbound webhook traffic per source.
type RateLimiter interface {
	Allow(ctx context.Context, source string) (bool, error)
	Wait(ctx context.Context, source string) error
}
