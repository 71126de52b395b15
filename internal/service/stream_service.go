package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	// DefaultMaxStreamRetries bounds cross-attempt recovery. A stream that
	// errors more often stays in terminal error and is surfaced to operators.
	DefaultMaxStreamRetries = 5

	// retryDelayStep spaces out retry attempts: attempt n is delayed by
	// n * retryDelayStep.
	retryDelayStep = 15 * time.Minute
)

type StreamServiceDeps struct {
	Streams      domain.StreamRepository
	Runs         domain.RunRepository
	Webhooks     domain.WebhookRepository
	Results      domain.ResultRepository
	Integrations domain.IntegrationRepository
	Registry     *domain.ConnectorRegistry
	Caches       CacheFactory
	RateLimiters RateLimiterFactory
	Dispatcher   Dispatcher
	Logger       zerolog.Logger

	// MaxStreamRetries defaults to DefaultMaxStreamRetries when zero.
	MaxStreamRetries int
}

// StreamService drives individual streams through the state machine. The
// stream row's retries column is the authoritative retry counter across
// crashes and workers; the runtime's own in-process retry only covers
// same-attempt transient faults and never touches it.
type StreamService struct {
	streams      domain.StreamRepository
	runs         domain.RunRepository
	webhooks     domain.WebhookRepository
	results      domain.ResultRepository
	integrations domain.IntegrationRepository
	registry     *domain.ConnectorRegistry
	caches       CacheFactory
	rateLimiters RateLimiterFactory
	dispatcher   Dispatcher
	logger       zerolog.Logger
	maxRetries   int
}

func NewStreamService(deps StreamServiceDeps) *StreamService {
	maxRetries := deps.MaxStreamRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxStreamRetries
	}

	return &StreamService{
		streams:      deps.Streams,
		runs:         deps.Runs,
		webhooks:     deps.Webhooks,
		results:      deps.Results,
		integrations: deps.Integrations,
		registry:     deps.Registry,
		caches:       deps.Caches,
		rateLimiters: deps.RateLimiters,
		dispatcher:   deps.Dispatcher,
		logger:       deps.Logger,
		maxRetries:   maxRetries,
	}
}

// ProcessStream executes one run-born stream. Webhook-born streams handed in
// by mistake are routed to their own path.
func (s *StreamService) ProcessStream(ctx context.Context, streamID string) error {
	stream, err := s.streams.FindByID(ctx, streamID)
	if err != nil {
		return err
	}

	if stream.IsWebhookStream() {
		s.logger.Warn().Str("streamId", streamID).Msg("stream is webhook-born, processing as such")
		return s.processWebhookStream(ctx, stream)
	}

	logger := s.logger.With().
		Str("streamId", stream.ID).
		Str("runId", derefString(stream.RunID)).
		Str("integrationId", stream.IntegrationID).
		Logger()

	run, err := s.runs.FindByID(ctx, *stream.RunID)
	if err != nil {
		return err
	}

	if run.State == domain.RunState_Delayed {
		logger.Warn().Msg("run is delayed, skipping stream processing")
		return nil
	}

	if run.State == domain.RunState_IntegrationDeleted {
		logger.Warn().Msg("integration was deleted, removing stream")
		return s.streams.Delete(ctx, stream.ID)
	}

	integration, err := s.integrations.FindByID(ctx, stream.IntegrationID)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrationNotFound) {
			logger.Warn().Msg("integration is gone, removing stream")
			return s.streams.Delete(ctx, stream.ID)
		}

		return err
	}

	if integration.Status == domain.IntegrationStatus_NeedsReconnect {
		logger.Warn().Msg("integration needs reconnect, removing stream")
		return s.streams.Delete(ctx, stream.ID)
	}

	connector, err := s.registry.Get(integration.Platform)
	if err != nil {
		return s.failStreamFatal(ctx, stream, "stream-connector-lookup", err)
	}

	if err := s.streams.MarkProcessing(ctx, stream.ID); err != nil {
		return err
	}

	sctx := s.buildStreamContext(integration, stream, run.Onboarding, logger)

	logger.Debug().Str("identifier", stream.Identifier).Msg("processing stream")

	if err := connector.ProcessStream(ctx, sctx); err != nil {
		logger.Error().Err(err).Msg("error while processing stream")
		return s.handleStreamError(ctx, stream, "stream-process", err)
	}

	if err := s.streams.MarkProcessed(ctx, stream.ID); err != nil {
		return err
	}

	return s.checkRunCompletion(ctx, run)
}

// ProcessWebhookStream executes the stream materialized from the given
// webhook. The stream must already exist; materialization is the webhook
// service's job.
func (s *StreamService) ProcessWebhookStream(ctx context.Context, streamID string) error {
	stream, err := s.streams.FindByID(ctx, streamID)
	if err != nil {
		return err
	}

	if !stream.IsWebhookStream() {
		s.logger.Warn().Str("streamId", streamID).Msg("stream is run-born, processing as such")
		return s.ProcessStream(ctx, streamID)
	}

	return s.processWebhookStream(ctx, stream)
}

func (s *StreamService) processWebhookStream(ctx context.Context, stream *domain.Stream) error {
	logger := s.logger.With().
		Str("streamId", stream.ID).
		Str("webhookId", derefString(stream.WebhookID)).
		Str("integrationId", stream.IntegrationID).
		Logger()

	integration, err := s.integrations.FindByID(ctx, stream.IntegrationID)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrationNotFound) {
			logger.Warn().Msg("integration is gone, removing webhook stream")
			return s.streams.Delete(ctx, stream.ID)
		}

		return err
	}

	if integration.Status == domain.IntegrationStatus_NeedsReconnect {
		logger.Warn().Msg("integration needs reconnect, removing webhook stream")
		return s.streams.Delete(ctx, stream.ID)
	}

	connector, err := s.registry.Get(integration.Platform)
	if err != nil {
		return s.failStreamFatal(ctx, stream, "webhook-stream-connector-lookup", err)
	}

	if err := s.streams.MarkProcessing(ctx, stream.ID); err != nil {
		return err
	}

	sctx := s.buildStreamContext(integration, stream, false, logger)

	logger.Debug().Msg("processing webhook stream")

	if err := connector.ProcessWebhookStream(ctx, sctx); err != nil {
		logger.Error().Err(err).Msg("error while processing webhook stream")
		return s.handleStreamError(ctx, stream, "webhook-stream-process", err)
	}

	if err := s.streams.MarkProcessed(ctx, stream.ID); err != nil {
		return err
	}

	return s.webhooks.MarkProcessed(ctx, *stream.WebhookID)
}

func (s *StreamService) buildStreamContext(integration *domain.Integration, stream *domain.Stream, onboarding bool, logger zerolog.Logger) *domain.StreamContext {
	return &domain.StreamContext{
		Integration: integration,
		Stream:      stream,
		Onboarding:  onboarding,
		Logger:      logger,
		Cache:       s.caches.Cache(fmt.Sprintf("int-%s-%s", integration.TenantID, integration.Platform)),

		PublishStream: func(ctx context.Context, identifier string, data any) error {
			return s.publishChildStream(ctx, stream, identifier, data)
		},
		PublishData: func(ctx context.Context, data any) error {
			return s.publishData(ctx, stream, data)
		},

		UpdateSettings: func(ctx context.Context, settings any) error {
			raw, err := json.Marshal(settings)
			if err != nil {
				return fmt.Errorf("failed to encode settings: %w", err)
			}

			return s.integrations.UpdateSettings(ctx, integration.ID, raw)
		},
		UpdateToken: func(ctx context.Context, token string) error {
			return s.integrations.UpdateToken(ctx, integration.ID, token)
		},
		UpdateRefreshToken: func(ctx context.Context, refreshToken string) error {
			return s.integrations.UpdateRefreshToken(ctx, integration.ID, refreshToken)
		},

		RateLimiter: func(maxRequests int, window time.Duration, counterKey string) domain.RequestRateLimiter {
			return s.rateLimiters.RateLimiter(maxRequests, window, counterKey)
		},
	}
}

// publishChildStream fans out one child unit of work. For run-born parents
// the (run, identifier) upsert makes re-publication after a partial failure
// a no-op.
func (s *StreamService) publishChildStream(ctx context.Context, parent *domain.Stream, identifier string, data any) error {
	raw, err := marshalStreamData(data)
	if err != nil {
		return err
	}

	if parent.RunID != nil {
		childID, err := s.streams.Publish(ctx, &parent.ID, *parent.RunID, identifier, raw)
		if err != nil {
			failErr := s.failRun(ctx, *parent.RunID, "run-publish-child-stream", err)
			if failErr != nil {
				s.logger.Error().Err(failErr).Msg("failed to mark run errored")
			}

			return err
		}

		if childID == "" {
			s.logger.Debug().Str("identifier", identifier).Msg("child stream already exists")
			return nil
		}

		s.dispatcher.DispatchStream(childID)

		return nil
	}

	childID, err := s.streams.PublishWebhookStream(ctx, *parent.WebhookID, identifier, raw, parent.IntegrationID, parent.TenantID)
	if err != nil {
		return err
	}

	s.dispatcher.DispatchStream(childID)

	return nil
}

func (s *StreamService) publishData(ctx context.Context, stream *domain.Stream, data any) error {
	raw, err := marshalStreamData(data)
	if err != nil {
		return err
	}

	resultID, err := s.results.Create(ctx, stream.ID, raw)
	if err != nil {
		if stream.RunID != nil {
			failErr := s.failRun(ctx, *stream.RunID, "run-publish-stream-data", err)
			if failErr != nil {
				s.logger.Error().Err(failErr).Msg("failed to mark run errored")
			}
		}

		return err
	}

	s.dispatcher.DispatchResult(resultID)

	return nil
}

// handleStreamError interprets the error category and picks between delay,
// bounded retry and terminal failure. It never infers the category from
// message text.
func (s *StreamService) handleStreamError(ctx context.Context, stream *domain.Stream, location string, err error) error {
	// An upstream 404 means the entity no longer exists. That is a
	// legitimate terminal outcome: the stream completes with no output.
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn().Str("streamId", stream.ID).Msg("upstream entity gone, completing stream with no output")

		if markErr := s.streams.MarkProcessed(ctx, stream.ID); markErr != nil {
			return markErr
		}

		if stream.WebhookID != nil {
			return s.webhooks.MarkProcessed(ctx, *stream.WebhookID)
		}

		if stream.RunID != nil {
			run, findErr := s.runs.FindByID(ctx, *stream.RunID)
			if findErr != nil {
				return findErr
			}

			return s.checkRunCompletion(ctx, run)
		}

		return nil
	}

	if retryAfter, ok := domain.IsRateLimitError(err); ok {
		until := time.Now().Add(retryAfter)

		s.logger.Warn().Time("until", until).Msg("rate limited, delaying")

		// A run-born stream pauses the whole run so sibling streams stop
		// hammering the same platform; the stream itself goes back to
		// pending without burning a retry.
		if stream.RunID != nil {
			if resetErr := s.streams.Reset(ctx, stream.ID); resetErr != nil {
				return resetErr
			}

			return s.runs.Delay(ctx, *stream.RunID, until)
		}

		return s.streams.Delay(ctx, stream.ID, until)
	}

	if domain.IsConfigError(err) {
		return s.failStreamFatal(ctx, stream, location, err)
	}

	if markErr := s.streams.MarkError(ctx, stream.ID, domain.NewStreamError(location, "stream processing failed", err)); markErr != nil {
		return markErr
	}

	attempt := stream.Retries + 1

	if attempt <= s.maxRetries {
		until := time.Now().Add(time.Duration(attempt) * retryDelayStep)

		s.logger.Warn().Int("attempt", attempt).Time("until", until).Msg("retrying stream later")

		return s.streams.Delay(ctx, stream.ID, until)
	}

	return s.finalizeExhaustedStream(ctx, stream, err)
}

// failStreamFatal ends a stream without scheduling another attempt: unknown
// platform and broken configuration cannot heal through retries.
func (s *StreamService) failStreamFatal(ctx context.Context, stream *domain.Stream, location string, err error) error {
	if markErr := s.streams.MarkError(ctx, stream.ID, domain.NewStreamError(location, "fatal stream error", err)); markErr != nil {
		return markErr
	}

	return s.finalizeExhaustedStream(ctx, stream, err)
}

func (s *StreamService) finalizeExhaustedStream(ctx context.Context, stream *domain.Stream, err error) error {
	if stream.WebhookID != nil {
		if whErr := s.webhooks.MarkError(ctx, *stream.WebhookID, domain.NewStreamError("webhook-stream-exhausted", "stream reached maximum retries", err)); whErr != nil {
			return whErr
		}
	}

	if stream.RunID != nil {
		s.logger.Warn().Str("runId", *stream.RunID).Msg("stream reached maximum retries, stopping the run")
		return s.failRun(ctx, *stream.RunID, "stream-run-stop", err)
	}

	return nil
}

func (s *StreamService) failRun(ctx context.Context, runID, location string, err error) error {
	return s.runs.MarkError(ctx, runID, domain.NewStreamError(location, "run failed", err))
}

func (s *StreamService) checkRunCompletion(ctx context.Context, run *domain.Run) error {
	active, err := s.streams.CountActiveByRun(ctx, run.ID)
	if err != nil {
		return err
	}

	if active > 0 {
		return s.runs.Touch(ctx, run.ID)
	}

	s.logger.Info().Str("runId", run.ID).Msg("all streams terminal, marking run processed")

	return s.runs.MarkProcessed(ctx, run.ID)
}

func marshalStreamData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}

	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream data: %w", err)
	}

	return raw, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
