package cache

import (
	"context"
	"time"

	"github.com/tributary-io/tributary/pkg/domain"
)

// RequestRateLimiter counts outbound requests in a shared cache window so
// every worker pulling streams for the same platform draws from one budget.
type RequestRateLimiter struct {
	cache       domain.Cache
	maxRequests int64
	window      time.Duration
	counterKey  string
}

func NewRequestRateLimiter(cache domain.Cache, maxRequests int, window time.Duration, counterKey string) *RequestRateLimiter {
	return &RequestRateLimiter{
		cache:       cache,
		maxRequests: int64(maxRequests),
		window:      window,
		counterKey:  counterKey,
	}
}

func (l *RequestRateLimiter) CheckAndThrottle(ctx context.Context) error {
	count, err := l.cache.Increment(ctx, l.counterKey, 1, l.window)
	if err != nil {
		// The limiter is advisory; a broken counter must not stop the
		// pipeline.
		return nil
	}

	if count > l.maxRequests {
		return domain.RateLimitError{RetryAfter: l.window}
	}

	return nil
}
