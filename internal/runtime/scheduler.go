package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tributary-io/tributary/internal/service"
	"github.com/tributary-io/tributary/pkg/domain"
)

const (
	staleSweepBatchSize    = 20
	delayedReleaseBatch    = 50
	webhookRecoveryBatch   = 50
	resultRedeliveryBatch  = 50
	staleStreamWindow      = 30 * time.Minute
	unmaterializedWindow   = 5 * time.Minute
	defaultPollingInterval = 20 * time.Minute
)

type SchedulerDeps struct {
	Runtime      *Runtime
	Runs         *service.RunService
	Webhooks     *service.WebhookService
	Results      *service.ResultService
	Streams      domain.StreamRepository
	Integrations domain.IntegrationRepository
	Registry     *domain.ConnectorRegistry
	Cache        domain.Cache
	Logger       zerolog.Logger
}

// Scheduler runs the periodic maintenance jobs that keep the pipeline moving
// without any of them being on the hot path: stale-stream recovery, delayed
// release, webhook materialization recovery, result redelivery and
// incremental polling.
type Scheduler struct {
	runtime      *Runtime
	runs         *service.RunService
	webhooks     *service.WebhookService
	results      *service.ResultService
	streams      domain.StreamRepository
	integrations domain.IntegrationRepository
	registry     *domain.ConnectorRegistry
	cache        domain.Cache
	logger       zerolog.Logger

	cron *cron.Cron
}

func NewScheduler(deps SchedulerDeps) *Scheduler {
	return &Scheduler{
		runtime:      deps.Runtime,
		runs:         deps.Runs,
		webhooks:     deps.Webhooks,
		results:      deps.Results,
		streams:      deps.Streams,
		integrations: deps.Integrations,
		registry:     deps.Registry,
		cache:        deps.Cache,
		logger:       deps.Logger.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()

	jobs := []struct {
		spec string
		name string
		fn   func(context.Context) error
	}{
		{"@every 1m", "stale_stream_sweep", s.sweepStaleStreams},
		{"@every 1m", "delayed_stream_release", s.releaseDelayedStreams},
		{"@every 1m", "delayed_run_release", s.releaseDelayedRuns},
		{"@every 2m", "webhook_recovery", s.recoverWebhooks},
		{"@every 2m", "result_redelivery", s.redeliverResults},
		{"@every 5m", "integration_polling", s.pollIntegrations},
	}

	for _, job := range jobs {
		job := job

		_, err := s.cron.AddFunc(job.spec, func() {
			if err := job.fn(ctx); err != nil {
				s.logger.Error().Err(err).Str("job", job.name).Msg("scheduled job failed")
			}
		})
		if err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info().Msg("scheduler started")

	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunRecoveryOnce runs every recovery job a single time, for operator-driven
// sweeps outside the cron cadence.
func (s *Scheduler) RunRecoveryOnce(ctx context.Context) error {
	jobs := []func(context.Context) error{
		s.sweepStaleStreams,
		s.releaseDelayedStreams,
		s.releaseDelayedRuns,
		s.recoverWebhooks,
		s.redeliverResults,
	}

	for _, job := range jobs {
		if err := job(ctx); err != nil {
			return err
		}
	}

	return nil
}

// sweepStaleStreams reclaims streams abandoned by crashed or overloaded
// workers and puts them back through the pool. Claiming bumps the row's
// updated_at so concurrent sweepers do not pile onto the same batch.
func (s *Scheduler) sweepStaleStreams(ctx context.Context) error {
	ids, err := s.streams.ClaimStale(ctx, staleSweepBatchSize, service.DefaultMaxStreamRetries, staleStreamWindow)
	if err != nil {
		return err
	}

	for _, id := range ids {
		s.logger.Info().Str("streamId", id).Msg("re-dispatching stale stream")
		s.runtime.DispatchStream(id)
	}

	return nil
}

func (s *Scheduler) releaseDelayedStreams(ctx context.Context) error {
	streams, err := s.streams.GetDelayedStreams(ctx, delayedReleaseBatch)
	if err != nil {
		return err
	}

	for _, stream := range streams {
		if err := s.streams.Reset(ctx, stream.ID); err != nil {
			if errors.Is(err, domain.ErrStreamNotFound) {
				// Lost the race with another releaser.
				continue
			}

			return err
		}

		s.runtime.DispatchStream(stream.ID)
	}

	return nil
}

func (s *Scheduler) releaseDelayedRuns(ctx context.Context) error {
	return s.runs.ReleaseDelayedRuns(ctx, delayedReleaseBatch)
}

// recoverWebhooks re-dispatches acknowledged webhooks that never became a
// stream. The webhook path materializes before processing, so a crash
// between acknowledgement and materialization heals here.
func (s *Scheduler) recoverWebhooks(ctx context.Context) error {
	webhookIDs, err := s.webhooks.RecoverUnmaterialized(ctx, webhookRecoveryBatch, unmaterializedWindow)
	if err != nil {
		return err
	}

	for _, id := range webhookIDs {
		s.runtime.DispatchWebhook(id)
	}

	return nil
}

func (s *Scheduler) redeliverResults(ctx context.Context) error {
	return s.results.RedeliverPending(ctx, resultRedeliveryBatch, s.runtime)
}

// pollIntegrations starts incremental runs for platforms without webhook
// coverage. The last-check timestamp lives in the shared cache so multiple
// worker processes do not double-trigger the same integration.
func (s *Scheduler) pollIntegrations(ctx context.Context) error {
	integrations, err := s.integrations.ListPollable(ctx)
	if err != nil {
		return err
	}

	for _, integration := range integrations {
		connector, err := s.registry.Get(integration.Platform)
		if err != nil {
			s.logger.Warn().
				Str("platform", string(integration.Platform)).
				Msg("no connector registered for pollable integration")

			continue
		}

		interval := connector.CheckEvery()
		if interval <= 0 {
			interval = defaultPollingInterval
		}

		key := "poll-last-check:" + integration.ID

		lastCheck, err := s.cache.Get(ctx, key)
		if err != nil && !errors.Is(err, domain.ErrCacheMiss) {
			return err
		}

		if lastCheck != "" {
			last, parseErr := time.Parse(time.RFC3339, lastCheck)
			if parseErr == nil && time.Since(last) < interval {
				continue
			}
		}

		if err := s.cache.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), interval); err != nil {
			return err
		}

		s.logger.Info().
			Str("integrationId", integration.ID).
			Str("platform", string(integration.Platform)).
			Msg("triggering incremental run")

		s.runtime.DispatchRun(integration.ID, false)
	}

	return nil
}
