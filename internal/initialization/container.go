// Package initialization builds the worker's dependency graph: store, cache,
// services, runtime, scheduler and HTTP server, in that order.
package initialization

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tributary-io/tributary/internal/cache"
	"github.com/tributary-io/tributary/internal/publisher"
	"github.com/tributary-io/tributary/internal/runtime"
	"github.com/tributary-io/tributary/internal/server"
	"github.com/tributary-io/tributary/internal/service"
	"github.com/tributary-io/tributary/internal/store"
	"github.com/tributary-io/tributary/pkg/connectors"
	"github.com/tributary-io/tributary/pkg/domain"
)

// Container holds the fully wired worker.
type Container struct {
	Config *Config

	Store       *store.Store
	RedisClient redis.UniversalClient

	Streams      domain.StreamRepository
	Runs         domain.RunRepository
	Webhooks     domain.WebhookRepository
	Results      domain.ResultRepository
	Integrations domain.IntegrationRepository

	Registry *domain.ConnectorRegistry

	RunService     *service.RunService
	StreamService  *service.StreamService
	WebhookService *service.WebhookService
	ResultService  *service.ResultService

	Runtime   *runtime.Runtime
	Scheduler *runtime.Scheduler
	Server    *fiber.App

	Logger zerolog.Logger
}

// lateDispatcher breaks the services-runtime cycle: services are built
// first against this placeholder, the runtime is bound afterwards. An
// unbound dispatch is dropped, which the recovery sweep covers like any
// other lost dispatch.
type lateDispatcher struct {
	runtime *runtime.Runtime
}

func (d *lateDispatcher) DispatchStream(streamID string) {
	if d.runtime != nil {
		d.runtime.DispatchStream(streamID)
	}
}

func (d *lateDispatcher) DispatchWebhook(webhookID string) {
	if d.runtime != nil {
		d.runtime.DispatchWebhook(webhookID)
	}
}

func (d *lateDispatcher) DispatchResult(resultID string) {
	if d.runtime != nil {
		d.runtime.DispatchResult(resultID)
	}
}

func NewContainer(ctx context.Context, config *Config, logger zerolog.Logger) (*Container, error) {
	st, err := store.NewStore(ctx, config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	streams := store.NewStreamRepository(st)
	runs := store.NewRunRepository(st)
	webhooks := store.NewWebhookRepository(st)
	results := store.NewResultRepository(st)
	integrations := store.NewIntegrationRepository(st)

	caches := cache.NewFactory(redisClient)
	registry := domain.NewConnectorRegistry(connectors.Default()...)
	dispatcher := &lateDispatcher{}

	streamService := service.NewStreamService(service.StreamServiceDeps{
		Streams:      streams,
		Runs:         runs,
		Webhooks:     webhooks,
		Results:      results,
		Integrations: integrations,
		Registry:     registry,
		Caches:       caches,
		RateLimiters: caches,
		Dispatcher:   dispatcher,
		Logger:       logger,
	})

	runService := service.NewRunService(service.RunServiceDeps{
		Streams:      streams,
		Runs:         runs,
		Integrations: integrations,
		Registry:     registry,
		Caches:       caches,
		Dispatcher:   dispatcher,
		Logger:       logger,
	})

	webhookService := service.NewWebhookService(service.WebhookServiceDeps{
		Streams:  streams,
		Webhooks: webhooks,
		Logger:   logger,
	})

	resultService := service.NewResultService(service.ResultServiceDeps{
		Results:      results,
		Integrations: integrations,
		Registry:     registry,
		Caches:       caches,
		Publisher:    publisher.NewRedisPublisher(redisClient, logger),
		Logger:       logger,
	})

	var alerter runtime.Alerter = runtime.NopAlerter{}
	if config.SlackAlertWebhookURL != "" {
		alerter = runtime.NewSlackAlerter(config.SlackAlertWebhookURL, logger)
	}

	interceptor, err := runtime.NewMonitoringInterceptor("tributary-worker", alerter, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to build monitoring interceptor: %w", err)
	}

	rt := runtime.New(runtime.Config{
		MaxConcurrency:    config.MaxConcurrency,
		MaxTasksPerSecond: config.MaxTasksPerSecond,
		TaskTimeout:       config.TaskTimeout,
	}, runtime.Deps{
		Runs:        runService,
		Streams:     streamService,
		Webhooks:    webhookService,
		Results:     resultService,
		Interceptor: interceptor,
		Logger:      logger,
	})

	dispatcher.runtime = rt

	scheduler := runtime.NewScheduler(runtime.SchedulerDeps{
		Runtime:      rt,
		Runs:         runService,
		Webhooks:     webhookService,
		Results:      resultService,
		Streams:      streams,
		Integrations: integrations,
		Registry:     registry,
		Cache:        caches.Cache("int-global"),
		Logger:       logger,
	})

	webhookController := server.NewWebhookController(server.WebhookControllerDependencies{
		Integrations: integrations,
		Webhooks:     webhooks,
		Dispatcher:   dispatcher,
		Logger:       logger,
	})

	app := server.NewHTTPServer(server.HTTPServerDependencies{
		WebhookController: webhookController,
	})

	return &Container{
		Config:         config,
		Store:          st,
		RedisClient:    redisClient,
		Streams:        streams,
		Runs:           runs,
		Webhooks:       webhooks,
		Results:        results,
		Integrations:   integrations,
		Registry:       registry,
		RunService:     runService,
		StreamService:  streamService,
		WebhookService: webhookService,
		ResultService:  resultService,
		Runtime:        rt,
		Scheduler:      scheduler,
		Server:         app,
		Logger:         logger,
	}, nil
}

// Close releases the container's connections. The runtime and scheduler are
// stopped by the caller before this.
func (c *Container) Close() {
	if c.RedisClient != nil {
		_ = c.RedisClient.Close()
	}

	if c.Store != nil {
		c.Store.Close()
	}
}
