package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/pkg/domain"
)

type countingCache struct {
	counts map[string]int64
	err    error
}

func (c *countingCache) Get(ctx context.Context, key string) (string, error) {
	return "", domain.ErrCacheMiss
}

func (c *countingCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return nil
}

func (c *countingCache) Increment(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}

	if c.counts == nil {
		c.counts = map[string]int64{}
	}

	c.counts[key] += by

	return c.counts[key], nil
}

func TestRequestRateLimiter_WithinBudget(t *testing.T) {
	limiter := NewRequestRateLimiter(&countingCache{}, 3, time.Minute, "devto-requests")

	for i := 0; i < 3; i++ {
		assert.NoError(t, limiter.CheckAndThrottle(context.Background()))
	}
}

func TestRequestRateLimiter_BudgetExhausted(t *testing.T) {
	limiter := NewRequestRateLimiter(&countingCache{}, 2, time.Minute, "devto-requests")

	require.NoError(t, limiter.CheckAndThrottle(context.Background()))
	require.NoError(t, limiter.CheckAndThrottle(context.Background()))

	err := limiter.CheckAndThrottle(context.Background())

	retryAfter, ok := domain.IsRateLimitError(err)
	require.True(t, ok, "expected a rate limit error, got %v", err)
	assert.Equal(t, time.Minute, retryAfter)
}

func TestRequestRateLimiter_BrokenCounterIsAdvisory(t *testing.T) {
	limiter := NewRequestRateLimiter(&countingCache{err: errors.New("redis down")}, 1, time.Minute, "devto-requests")

	// A broken counter must never stop the pipeline.
	assert.NoError(t, limiter.CheckAndThrottle(context.Background()))
	assert.NoError(t, limiter.CheckAndThrottle(context.Background()))
}
