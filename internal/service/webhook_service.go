package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tributary-io/tributary/pkg/domain"
)

type WebhookServiceDeps struct {
	Streams  domain.StreamRepository
	Webhooks domain.WebhookRepository
	Logger   zerolog.Logger
}

// WebhookService materializes persisted incoming webhooks into streams. The
// webhook row is the durability anchor: it exists before this service runs,
// so a crash between acknowledgement and materialization is recovered by
// RecoverUnmaterialized.
type WebhookService struct {
	streams  domain.StreamRepository
	webhooks domain.WebhookRepository
	logger   zerolog.Logger
}

func NewWebhookService(deps WebhookServiceDeps) *WebhookService {
	return &WebhookService{
		streams:  deps.Streams,
		webhooks: deps.Webhooks,
		logger:   deps.Logger,
	}
}

// Materialize turns the webhook into its stream, creating it when absent.
// The webhook id doubles as the stream identifier, which makes
// materialization deterministic and idempotent.
func (s *WebhookService) Materialize(ctx context.Context, webhookID string) (string, error) {
	logger := s.logger.With().Str("webhookId", webhookID).Logger()

	existing, err := s.streams.FindByWebhookID(ctx, webhookID)
	if err == nil {
		logger.Debug().Str("streamId", existing.ID).Msg("webhook stream already exists")
		return existing.ID, nil
	}
	if !errors.Is(err, domain.ErrStreamNotFound) {
		return "", err
	}

	webhook, err := s.webhooks.FindByID(ctx, webhookID)
	if err != nil {
		return "", err
	}

	streamID, err := s.streams.PublishWebhookStream(ctx, webhook.ID, webhook.ID, webhook.Payload, webhook.IntegrationID, webhook.TenantID)
	if err != nil {
		return "", err
	}

	logger.Debug().Str("streamId", streamID).Msg("webhook stream created")

	return streamID, nil
}

// RecoverUnmaterialized finds acknowledged webhooks that never became a
// stream and returns their ids for dispatch.
func (s *WebhookService) RecoverUnmaterialized(ctx context.Context, limit int, olderThan time.Duration) ([]string, error) {
	webhooks, err := s.webhooks.ClaimUnmaterialized(ctx, limit, olderThan)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(webhooks))

	for _, webhook := range webhooks {
		s.logger.Info().Str("webhookId", webhook.ID).Msg("recovering unmaterialized webhook")
		ids = append(ids, webhook.ID)
	}

	return ids, nil
}
