package domain

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Cache.Get for absent keys. A miss is always
// safe, callers re-fetch from the platform.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the short-lived entity cache connectors use to avoid refetching
// sub-entities (a comment author referenced by many comments, a group's last
// sync timestamp) within a processing window. It is not a correctness
// mechanism.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Increment(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error)
}

// RequestRateLimiter throttles outbound API calls across all workers that
// share the same counter key.
type RequestRateLimiter interface {
	// CheckAndThrottle consumes one request slot, returning a RateLimitError
	// when the window budget is exhausted.
	CheckAndThrottle(ctx context.Context) error
}
