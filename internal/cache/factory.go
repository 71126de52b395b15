package cache

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tributary-io/tributary/pkg/domain"
)

// Factory hands out named caches and shared request limiters on one redis
// client.
type Factory struct {
	client redis.UniversalClient
}

func NewFactory(client redis.UniversalClient) *Factory {
	return &Factory{client: client}
}

func (f *Factory) Cache(name string) domain.Cache {
	return NewRedisCache(name, f.client)
}

// RateLimiter builds a limiter counting in the global cache namespace so all
// workers share one request budget per counter key.
func (f *Factory) RateLimiter(maxRequests int, window time.Duration, counterKey string) domain.RequestRateLimiter {
	return NewRequestRateLimiter(f.Cache("int-global"), maxRequests, window, counterKey)
}
