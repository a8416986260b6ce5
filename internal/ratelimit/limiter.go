package ratelimit

import "context"

// RateLimiter throttles outbound dispatches per key (provider id).
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
