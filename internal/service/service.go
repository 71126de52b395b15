// Package service implements the pipeline's state-machine logic: run
// lifecycle, stream processing, webhook materialization and result delivery.
// Services own the transition rules; durable state lives in the store and
// execution scheduling in the runtime.
package service

import (
	"time"

	"github.com/tributary-io/tributary/pkg/domain"
)

// Dispatcher hands follow-up work to the orchestration runtime. Dispatch is
// fire-and-forget: the stale-recovery sweep picks up anything a lost dispatch
// would leave behind.
type Dispatcher interface {
	DispatchStream(streamID string)
	DispatchWebhook(webhookID string)
	DispatchResult(resultID string)
}

// CacheFactory creates named entity caches. Names scope the keyspace:
// int-<tenant>-<platform> per tenant and platform, int-<integrationId> per
// integration, int-global shared.
type CacheFactory interface {
	Cache(name string) domain.Cache
}

// RateLimiterFactory builds shared outbound request limiters on top of the
// global cache.
type RateLimiterFactory interface {
	RateLimiter(maxRequests int, window time.Duration, counterKey string) domain.RequestRateLimiter
}
