package ratelimit

import "context"

// RateLimiter bounds request throughput per key, e.g. per remote host.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
