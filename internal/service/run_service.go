package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tributary-io/tributary/pkg/domain"
)

const pendingStreamPageSize = 20

type RunServiceDeps struct {
	Streams      domain.StreamRepository
	Runs         domain.RunRepository
	Integrations domain.IntegrationRepository
	Registry     *domain.ConnectorRegistry
	Caches       CacheFactory
	Dispatcher   Dispatcher
	Logger       zerolog.Logger
}

// RunService owns the run lifecycle: starting a sync, generating its root
// streams and feeding pending streams into the runtime.
type RunService struct {
	streams      domain.StreamRepository
	runs         domain.RunRepository
	integrations domain.IntegrationRepository
	registry     *domain.ConnectorRegistry
	caches       CacheFactory
	dispatcher   Dispatcher
	logger       zerolog.Logger
}

func NewRunService(deps RunServiceDeps) *RunService {
	return &RunService{
		streams:      deps.Streams,
		runs:         deps.Runs,
		integrations: deps.Integrations,
		registry:     deps.Registry,
		caches:       deps.Caches,
		dispatcher:   deps.Dispatcher,
		logger:       deps.Logger,
	}
}

// StartRun creates a run for the integration and generates its root streams.
// Incomplete settings abort the run explicitly; a run is never failed
// silently.
func (s *RunService) StartRun(ctx context.Context, integrationID string, onboarding bool) (string, error) {
	integration, err := s.integrations.FindByID(ctx, integrationID)
	if err != nil {
		return "", err
	}

	connector, err := s.registry.Get(integration.Platform)
	if err != nil {
		return "", err
	}

	run, err := s.runs.Create(ctx, integration.ID, integration.TenantID, onboarding)
	if err != nil {
		return "", err
	}

	logger := s.logger.With().
		Str("runId", run.ID).
		Str("integrationId", integration.ID).
		Str("platform", string(integration.Platform)).
		Bool("onboarding", onboarding).
		Logger()

	if err := s.runs.MarkProcessing(ctx, run.ID); err != nil {
		return "", err
	}

	gctx := &domain.GenerateStreamsContext{
		Integration: integration,
		Onboarding:  onboarding,
		Logger:      logger,
		Cache:       s.caches.Cache(fmt.Sprintf("int-%s-%s", integration.TenantID, integration.Platform)),

		PublishStream: func(ctx context.Context, identifier string, data any) error {
			raw, err := marshalStreamData(data)
			if err != nil {
				return err
			}

			streamID, err := s.streams.Publish(ctx, nil, run.ID, identifier, raw)
			if err != nil {
				return err
			}

			if streamID == "" {
				logger.Debug().Str("identifier", identifier).Msg("root stream already exists")
			}

			return nil
		},

		AbortRun: func(ctx context.Context, message string, err error) error {
			logger.Error().Err(err).Str("message", message).Msg("aborting run")
			return s.runs.MarkError(ctx, run.ID, domain.NewStreamError("generate-streams-abort", message, err))
		},

		UpdateSettings: func(ctx context.Context, settings any) error {
			raw, err := json.Marshal(settings)
			if err != nil {
				return fmt.Errorf("failed to encode settings: %w", err)
			}

			return s.integrations.UpdateSettings(ctx, integration.ID, raw)
		},
	}

	logger.Info().Msg("generating streams")

	if err := connector.GenerateStreams(ctx, gctx); err != nil {
		if markErr := s.runs.MarkError(ctx, run.ID, domain.NewStreamError("generate-streams", "stream generation failed", err)); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to mark run errored")
		}

		return run.ID, err
	}

	// The run may already be terminal when the connector aborted it through
	// the context.
	current, err := s.runs.FindByID(ctx, run.ID)
	if err != nil {
		return run.ID, err
	}
	if current.IsTerminal() {
		return run.ID, nil
	}

	return run.ID, s.ContinueRun(ctx, run.ID)
}

// ContinueRun dispatches the run's pending streams to the runtime, paging to
// bound memory on large fan-outs.
func (s *RunService) ContinueRun(ctx context.Context, runID string) error {
	afterID := ""

	for {
		streams, err := s.streams.GetPendingStreams(ctx, runID, pendingStreamPageSize, afterID)
		if err != nil {
			return err
		}

		if len(streams) == 0 {
			return nil
		}

		for _, stream := range streams {
			s.dispatcher.DispatchStream(stream.ID)
		}

		afterID = streams[len(streams)-1].ID
	}
}

// ReleaseDelayedRuns puts expired delayed runs back into processing and
// re-dispatches their streams.
func (s *RunService) ReleaseDelayedRuns(ctx context.Context, limit int) error {
	runs, err := s.runs.GetDelayedRuns(ctx, limit)
	if err != nil {
		return err
	}

	for _, run := range runs {
		s.logger.Info().Str("runId", run.ID).Msg("releasing delayed run")

		if err := s.runs.MarkProcessing(ctx, run.ID); err != nil {
			return err
		}

		if err := s.ContinueRun(ctx, run.ID); err != nil {
			return err
		}
	}

	return nil
}
