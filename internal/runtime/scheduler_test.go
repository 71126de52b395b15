package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/internal/service"
	"github.com/tributary-io/tributary/pkg/domain"
)

// Minimal in-memory repositories: just enough state for the recovery path
// under test. Unused queries return empty results.

type memStreamRepo struct {
	mu      sync.Mutex
	nextID  int
	streams map[string]*domain.Stream
}

func newMemStreamRepo() *memStreamRepo {
	return &memStreamRepo{streams: map[string]*domain.Stream{}}
}

func (r *memStreamRepo) Publish(ctx context.Context, parentID *string, runID, identifier string, data json.RawMessage) (string, error) {
	return "", nil
}

func (r *memStreamRepo) PublishWebhookStream(ctx context.Context, webhookID, identifier string, data json.RawMessage, integrationID, tenantID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := fmt.Sprintf("stream-%d", r.nextID)
	r.streams[id] = &domain.Stream{
		ID:            id,
		WebhookID:     &webhookID,
		IntegrationID: integrationID,
		TenantID:      tenantID,
		Identifier:    identifier,
		State:         domain.StreamState_Pending,
		Data:          data,
	}

	return id, nil
}

func (r *memStreamRepo) FindByID(ctx context.Context, id string) (*domain.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, ok := r.streams[id]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}

	copied := *stream

	return &copied, nil
}

func (r *memStreamRepo) FindByWebhookID(ctx context.Context, webhookID string) (*domain.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.streams {
		if s.WebhookID != nil && *s.WebhookID == webhookID {
			copied := *s
			return &copied, nil
		}
	}

	return nil, domain.ErrStreamNotFound
}

func (r *memStreamRepo) GetPendingStreams(ctx context.Context, runID string, limit int, afterID string) ([]domain.Stream, error) {
	return nil, nil
}

func (r *memStreamRepo) GetDelayedStreams(ctx context.Context, limit int) ([]domain.Stream, error) {
	return nil, nil
}

func (r *memStreamRepo) ClaimStale(ctx context.Context, limit, maxRetries int, staleAfter time.Duration) ([]string, error) {
	return nil, nil
}

func (r *memStreamRepo) setState(id string, state domain.StreamState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, ok := r.streams[id]
	if !ok {
		return domain.ErrStreamNotFound
	}

	stream.State = state

	return nil
}

func (r *memStreamRepo) MarkProcessing(ctx context.Context, id string) error {
	return r.setState(id, domain.StreamState_Processing)
}

func (r *memStreamRepo) MarkProcessed(ctx context.Context, id string) error {
	return r.setState(id, domain.StreamState_Processed)
}

func (r *memStreamRepo) MarkError(ctx context.Context, id string, streamError domain.StreamError) error {
	return r.setState(id, domain.StreamState_Error)
}

func (r *memStreamRepo) Delay(ctx context.Context, id string, until time.Time) error {
	return r.setState(id, domain.StreamState_Delayed)
}

func (r *memStreamRepo) Reset(ctx context.Context, id string) error {
	return r.setState(id, domain.StreamState_Pending)
}

func (r *memStreamRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.streams, id)

	return nil
}

func (r *memStreamRepo) Touch(ctx context.Context, ids ...string) error {
	return nil
}

func (r *memStreamRepo) CountActiveByRun(ctx context.Context, runID string) (int, error) {
	return 0, nil
}

type memRunRepo struct{}

func (memRunRepo) Create(ctx context.Context, integrationID, tenantID string, onboarding bool) (*domain.Run, error) {
	return &domain.Run{ID: "run-1", IntegrationID: integrationID, TenantID: tenantID}, nil
}

func (memRunRepo) FindByID(ctx context.Context, id string) (*domain.Run, error) {
	return nil, domain.ErrRunNotFound
}

func (memRunRepo) MarkProcessing(ctx context.Context, id string) error { return nil }

func (memRunRepo) MarkProcessed(ctx context.Context, id string) error { return nil }

func (memRunRepo) MarkError(ctx context.Context, id string, runError domain.StreamError) error {
	return nil
}

func (memRunRepo) Delay(ctx context.Context, id string, until time.Time) error { return nil }

func (memRunRepo) GetDelayedRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	return nil, nil
}

func (memRunRepo) Touch(ctx context.Context, id string) error { return nil }

type memWebhookRepo struct {
	mu       sync.Mutex
	webhooks map[string]*domain.IncomingWebhook
	claimed  bool
}

func newMemWebhookRepo(webhooks ...*domain.IncomingWebhook) *memWebhookRepo {
	byID := map[string]*domain.IncomingWebhook{}
	for _, webhook := range webhooks {
		byID[webhook.ID] = webhook
	}

	return &memWebhookRepo{webhooks: byID}
}

func (r *memWebhookRepo) Create(ctx context.Context, integrationID, tenantID string, platform domain.PlatformType, payload json.RawMessage) (string, error) {
	return "", nil
}

func (r *memWebhookRepo) FindByID(ctx context.Context, id string) (*domain.IncomingWebhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	webhook, ok := r.webhooks[id]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}

	copied := *webhook

	return &copied, nil
}

func (r *memWebhookRepo) MarkProcessed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	webhook, ok := r.webhooks[id]
	if !ok {
		return domain.ErrWebhookNotFound
	}

	webhook.State = domain.WebhookState_Processed

	return nil
}

func (r *memWebhookRepo) MarkError(ctx context.Context, id string, webhookError domain.StreamError) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	webhook, ok := r.webhooks[id]
	if !ok {
		return domain.ErrWebhookNotFound
	}

	webhook.State = domain.WebhookState_Error

	return nil
}

func (r *memWebhookRepo) ClaimUnmaterialized(ctx context.Context, limit int, olderThan time.Duration) ([]domain.IncomingWebhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.claimed {
		return nil, nil
	}

	r.claimed = true

	var out []domain.IncomingWebhook

	for _, webhook := range r.webhooks {
		if webhook.State == domain.WebhookState_Pending {
			out = append(out, *webhook)
		}
	}

	return out, nil
}

type memResultRepo struct{}

func (memResultRepo) Create(ctx context.Context, streamID string, data json.RawMessage) (string, error) {
	return "result-1", nil
}

func (memResultRepo) FindByID(ctx context.Context, id string) (*domain.Result, error) {
	return nil, domain.ErrNotFound
}

func (memResultRepo) ClaimPending(ctx context.Context, limit int) ([]domain.Result, error) {
	return nil, nil
}

func (memResultRepo) MarkProcessed(ctx context.Context, id string) error { return nil }

func (memResultRepo) MarkError(ctx context.Context, id string, resultError domain.StreamError) error {
	return nil
}

type memIntegrationRepo struct {
	integration *domain.Integration
}

func (r *memIntegrationRepo) FindByID(ctx context.Context, id string) (*domain.Integration, error) {
	if r.integration != nil && r.integration.ID == id {
		return r.integration, nil
	}

	return nil, domain.ErrIntegrationNotFound
}

func (r *memIntegrationRepo) FindByIdentifier(ctx context.Context, platform domain.PlatformType, identifier string) (*domain.Integration, error) {
	return nil, domain.ErrIntegrationNotFound
}

func (r *memIntegrationRepo) ListPollable(ctx context.Context) ([]domain.Integration, error) {
	return nil, nil
}

func (r *memIntegrationRepo) UpdateSettings(ctx context.Context, id string, settings json.RawMessage) error {
	return nil
}

func (r *memIntegrationRepo) UpdateToken(ctx context.Context, id, token string) error { return nil }

func (r *memIntegrationRepo) UpdateRefreshToken(ctx context.Context, id, refreshToken string) error {
	return nil
}

func (r *memIntegrationRepo) SetStatus(ctx context.Context, id string, status domain.IntegrationStatus) error {
	return nil
}

type memCache struct {
	mu     sync.Mutex
	values map[string]string
}

func (c *memCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.values[key]
	if !ok {
		return "", domain.ErrCacheMiss
	}

	return value, nil
}

func (c *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.values == nil {
		c.values = map[string]string{}
	}

	c.values[key] = value

	return nil
}

func (c *memCache) Increment(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	return by, nil
}

type memCacheFactory struct {
	cache *memCache
}

func (f *memCacheFactory) Cache(name string) domain.Cache {
	return f.cache
}

func (f *memCacheFactory) RateLimiter(maxRequests int, window time.Duration, counterKey string) domain.RequestRateLimiter {
	return passLimiter{}
}

type passLimiter struct{}

func (passLimiter) CheckAndThrottle(ctx context.Context) error { return nil }

type recordingConnector struct {
	mu       sync.Mutex
	webhooks []string
}

func (c *recordingConnector) Type() domain.PlatformType { return domain.PlatformType_Github }

func (c *recordingConnector) CheckEvery() time.Duration { return 0 }

func (c *recordingConnector) MemberAttributes() []domain.MemberAttribute { return nil }

func (c *recordingConnector) GenerateStreams(ctx context.Context, gctx *domain.GenerateStreamsContext) error {
	return nil
}

func (c *recordingConnector) ProcessStream(ctx context.Context, sctx *domain.StreamContext) error {
	return nil
}

func (c *recordingConnector) ProcessWebhookStream(ctx context.Context, sctx *domain.StreamContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sctx.Stream.WebhookID != nil {
		c.webhooks = append(c.webhooks, *sctx.Stream.WebhookID)
	}

	return nil
}

func (c *recordingConnector) ProcessData(ctx context.Context, dctx *domain.DataContext) error {
	return nil
}

type harness struct {
	runtime   *Runtime
	scheduler *Scheduler
	streams   *memStreamRepo
	webhooks  *memWebhookRepo
	connector *recordingConnector
}

func newHarness(t *testing.T, webhooks ...*domain.IncomingWebhook) *harness {
	t.Helper()

	streamRepo := newMemStreamRepo()
	webhookRepo := newMemWebhookRepo(webhooks...)
	integrationRepo := &memIntegrationRepo{integration: &domain.Integration{
		ID:       "int-1",
		TenantID: "tenant-1",
		Platform: domain.PlatformType_Github,
		Status:   domain.IntegrationStatus_Active,
	}}
	connector := &recordingConnector{}
	registry := domain.NewConnectorRegistry(connector)
	caches := &memCacheFactory{cache: &memCache{}}

	dispatcher := &lateBoundDispatcher{}

	streamService := service.NewStreamService(service.StreamServiceDeps{
		Streams:      streamRepo,
		Runs:         memRunRepo{},
		Webhooks:     webhookRepo,
		Results:      memResultRepo{},
		Integrations: integrationRepo,
		Registry:     registry,
		Caches:       caches,
		RateLimiters: caches,
		Dispatcher:   dispatcher,
		Logger:       zerolog.Nop(),
	})

	runService := service.NewRunService(service.RunServiceDeps{
		Streams:      streamRepo,
		Runs:         memRunRepo{},
		Integrations: integrationRepo,
		Registry:     registry,
		Caches:       caches,
		Dispatcher:   dispatcher,
		Logger:       zerolog.Nop(),
	})

	webhookService := service.NewWebhookService(service.WebhookServiceDeps{
		Streams:  streamRepo,
		Webhooks: webhookRepo,
		Logger:   zerolog.Nop(),
	})

	resultService := service.NewResultService(service.ResultServiceDeps{
		Results:      memResultRepo{},
		Integrations: integrationRepo,
		Registry:     registry,
		Caches:       caches,
		Publisher:    nopPublisher{},
		Logger:       zerolog.Nop(),
	})

	interceptor, err := NewMonitoringInterceptor("test-worker", NopAlerter{}, zerolog.Nop())
	require.NoError(t, err)

	rt := New(Config{MaxConcurrency: 2}, Deps{
		Runs:        runService,
		Streams:     streamService,
		Webhooks:    webhookService,
		Results:     resultService,
		Interceptor: interceptor,
		Logger:      zerolog.Nop(),
	})
	dispatcher.runtime = rt

	scheduler := NewScheduler(SchedulerDeps{
		Runtime:      rt,
		Runs:         runService,
		Webhooks:     webhookService,
		Results:      resultService,
		Streams:      streamRepo,
		Integrations: integrationRepo,
		Registry:     registry,
		Cache:        caches.cache,
		Logger:       zerolog.Nop(),
	})

	return &harness{
		runtime:   rt,
		scheduler: scheduler,
		streams:   streamRepo,
		webhooks:  webhookRepo,
		connector: connector,
	}
}

type lateBoundDispatcher struct {
	runtime *Runtime
}

func (d *lateBoundDispatcher) DispatchStream(streamID string) {
	if d.runtime != nil {
		d.runtime.DispatchStream(streamID)
	}
}

func (d *lateBoundDispatcher) DispatchWebhook(webhookID string) {
	if d.runtime != nil {
		d.runtime.DispatchWebhook(webhookID)
	}
}

func (d *lateBoundDispatcher) DispatchResult(resultID string) {
	if d.runtime != nil {
		d.runtime.DispatchResult(resultID)
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, tenantID string, activity domain.Activity) error {
	return nil
}

func TestScheduler_RecoveryMaterializesOrphanedWebhook(t *testing.T) {
	h := newHarness(t, &domain.IncomingWebhook{
		ID:            "webhook-1",
		IntegrationID: "int-1",
		TenantID:      "tenant-1",
		Type:          domain.PlatformType_Github,
		State:         domain.WebhookState_Pending,
		Payload:       json.RawMessage(`{"event":"issues"}`),
	})

	ctx := context.Background()

	h.runtime.Start(ctx)

	require.NoError(t, h.scheduler.RunRecoveryOnce(ctx))

	h.runtime.Stop()

	// The acknowledged-but-unmaterialized webhook must come out the other
	// end as a processed stream.
	stream, err := h.streams.FindByWebhookID(ctx, "webhook-1")
	require.NoError(t, err, "recovery must materialize the webhook into a stream")
	assert.Equal(t, domain.StreamState_Processed, stream.State)

	webhook, err := h.webhooks.FindByID(ctx, "webhook-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookState_Processed, webhook.State)

	assert.Equal(t, []string{"webhook-1"}, h.connector.webhooks)
}

func TestRuntime_DispatchAfterStopDoesNotPanic(t *testing.T) {
	h := newHarness(t)

	h.runtime.Start(context.Background())
	h.runtime.Stop()

	assert.NotPanics(t, func() {
		h.runtime.DispatchStream("stream-1")
		h.runtime.DispatchWebhook("webhook-1")
		h.runtime.DispatchResult("result-1")
	})
}
