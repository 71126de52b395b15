package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tributary-io/tributary/pkg/domain"
)

const maxResultRetries = 5

type ResultServiceDeps struct {
	Results      domain.ResultRepository
	Integrations domain.IntegrationRepository
	Registry     *domain.ConnectorRegistry
	Caches       CacheFactory
	Publisher    domain.Publisher
	Logger       zerolog.Logger
}

// ResultService runs the parse phase on staged raw data and delivers the
// canonical records downstream. Delivery failures are retried from the
// staged row without refetching source data.
type ResultService struct {
	results      domain.ResultRepository
	integrations domain.IntegrationRepository
	registry     *domain.ConnectorRegistry
	caches       CacheFactory
	publisher    domain.Publisher
	logger       zerolog.Logger
}

func NewResultService(deps ResultServiceDeps) *ResultService {
	return &ResultService{
		results:      deps.Results,
		integrations: deps.Integrations,
		registry:     deps.Registry,
		caches:       deps.Caches,
		publisher:    deps.Publisher,
		logger:       deps.Logger,
	}
}

// ProcessResult parses one staged payload into activities and publishes
// them. ProcessData is a pure transform, so re-running it is free of
// rate-limit cost.
func (s *ResultService) ProcessResult(ctx context.Context, resultID string) error {
	result, err := s.results.FindByID(ctx, resultID)
	if err != nil {
		return err
	}

	if result.State == domain.ResultState_Processed {
		return nil
	}

	logger := s.logger.With().
		Str("resultId", result.ID).
		Str("streamId", result.StreamID).
		Logger()

	integration, err := s.integrations.FindByID(ctx, result.IntegrationID)
	if err != nil {
		return err
	}

	connector, err := s.registry.Get(integration.Platform)
	if err != nil {
		markErr := s.results.MarkError(ctx, result.ID, domain.NewStreamError("result-connector-lookup", "no connector for platform", err))
		if markErr != nil {
			return markErr
		}

		return err
	}

	published := 0

	dctx := &domain.DataContext{
		Integration: integration,
		Data:        result.Data,
		Logger:      logger,
		Cache:       s.caches.Cache(fmt.Sprintf("int-%s-%s", integration.TenantID, integration.Platform)),

		PublishActivity: func(ctx context.Context, activity domain.Activity) error {
			if err := s.publisher.Publish(ctx, integration.TenantID, activity); err != nil {
				return err
			}

			published++

			return nil
		},
	}

	if err := connector.ProcessData(ctx, dctx); err != nil {
		logger.Error().Err(err).Msg("error while processing result")
		return s.results.MarkError(ctx, result.ID, domain.NewStreamError("result-process", "result processing failed", err))
	}

	logger.Debug().Int("published", published).Msg("result processed")

	return s.results.MarkProcessed(ctx, result.ID)
}

// RedeliverPending re-dispatches staged results that have not been delivered
// yet, bounded by the retry budget.
func (s *ResultService) RedeliverPending(ctx context.Context, limit int, dispatcher Dispatcher) error {
	results, err := s.results.ClaimPending(ctx, limit)
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Retries > maxResultRetries {
			continue
		}

		dispatcher.DispatchResult(result.ID)
	}

	return nil
}
