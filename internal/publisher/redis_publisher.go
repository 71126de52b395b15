// Package publisher delivers canonical activities downstream. The transport
// is a Redis stream consumed by the data sink; deduplication happens here so
// replaying a staged result never produces a duplicate record.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	activityStream = "tributary:activities"

	// dedupeTTL bounds the idempotency window. A record re-emitted after the
	// window counts as an upsert for the sink, which dedupes on the same
	// natural key anyway.
	dedupeTTL = 14 * 24 * time.Hour

	// maxStreamLen caps the stream with approximate trimming so a stalled
	// sink cannot grow Redis without bound.
	maxStreamLen = 1_000_000
)

type RedisPublisher struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

func NewRedisPublisher(client redis.UniversalClient, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		logger: logger.With().Str("component", "publisher").Logger(),
	}
}

// Publish appends one activity to the sink stream. The (platform, sourceId)
// natural key is deduplicated with a marker key, so publishing the same
// activity twice is a no-op.
func (p *RedisPublisher) Publish(ctx context.Context, tenantID string, activity domain.Activity) error {
	if activity.SourceID == "" {
		return fmt.Errorf("activity of type %s has no source id", activity.Type)
	}

	marker := fmt.Sprintf("published:%s:%s:%s", tenantID, activity.Platform, activity.SourceID)

	fresh, err := p.client.SetNX(ctx, marker, "1", dedupeTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to check publish marker: %w", err)
	}

	if !fresh {
		p.logger.Debug().
			Str("platform", string(activity.Platform)).
			Str("sourceId", activity.SourceID).
			Msg("skipping already published activity")

		return nil
	}

	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to encode activity: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: activityStream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{
			"tenant_id": tenantID,
			"activity":  payload,
		},
	}).Err()
	if err != nil {
		// Roll the marker back so a retry can publish again.
		if delErr := p.client.Del(ctx, marker).Err(); delErr != nil {
			p.logger.Warn().Err(delErr).Str("marker", marker).Msg("failed to roll back publish marker")
		}

		return fmt.Errorf("failed to publish activity: %w", err)
	}

	return nil
}
