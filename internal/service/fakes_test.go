package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tributary-io/tributary/pkg/domain"
)

// In-memory repository fakes mirroring the store's state-machine behavior
// closely enough for service-level tests.

type fakeStreamRepo struct {
	mu      sync.Mutex
	nextID  int
	streams map[string]*domain.Stream

	// runs backs Publish's run-existence check when set, mirroring the
	// store: a missing run is an error, a duplicate identifier is not.
	runs *fakeRunRepo
}

func newFakeStreamRepo() *fakeStreamRepo {
	return &fakeStreamRepo{streams: map[string]*domain.Stream{}}
}

func (r *fakeStreamRepo) add(stream *domain.Stream) *domain.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stream.ID == "" {
		r.nextID++
		stream.ID = fmt.Sprintf("stream-%d", r.nextID)
	}

	r.streams[stream.ID] = stream

	return stream
}

func (r *fakeStreamRepo) Publish(ctx context.Context, parentID *string, runID, identifier string, data json.RawMessage) (string, error) {
	if r.runs != nil {
		if _, err := r.runs.FindByID(ctx, runID); err != nil {
			return "", err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.streams {
		if s.RunID != nil && *s.RunID == runID && s.Identifier == identifier {
			return "", nil
		}
	}

	r.nextID++
	id := fmt.Sprintf("stream-%d", r.nextID)
	r.streams[id] = &domain.Stream{
		ID:         id,
		ParentID:   parentID,
		RunID:      &runID,
		Identifier: identifier,
		State:      domain.StreamState_Pending,
		Data:       data,
	}

	return id, nil
}

func (r *fakeStreamRepo) PublishWebhookStream(ctx context.Context, webhookID, identifier string, data json.RawMessage, integrationID, tenantID string) (string, error) {
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

func (r *fakeStreamRepo) FindByID(ctx context.Context, id string) (*domain.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, ok := r.streams[id]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}

	copied := *stream

	return &copied, nil
}

func (r *fakeStreamRepo) FindByWebhookID(ctx context.Context, webhookID string) (*domain.Stream, error) {
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

func (r *fakeStreamRepo) GetPendingStreams(ctx context.Context, runID string, limit int, afterID string) ([]domain.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Stream

	for _, s := range r.streams {
		if s.RunID != nil && *s.RunID == runID && s.State == domain.StreamState_Pending && s.ID > afterID {
			out = append(out, *s)
		}
	}

	sortStreams(out)

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r *fakeStreamRepo) GetDelayedStreams(ctx context.Context, limit int) ([]domain.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Stream

	now := time.Now()

	for _, s := range r.streams {
		if s.State == domain.StreamState_Delayed && s.DelayedUntil != nil && s.DelayedUntil.Before(now) {
			out = append(out, *s)
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r *fakeStreamRepo) ClaimStale(ctx context.Context, limit, maxRetries int, staleAfter time.Duration) ([]string, error) {
	return nil, nil
}

func (r *fakeStreamRepo) setState(id string, state domain.StreamState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, ok := r.streams[id]
	if !ok {
		return domain.ErrStreamNotFound
	}

	stream.State = state

	return nil
}

func (r *fakeStreamRepo) MarkProcessing(ctx context.Context, id string) error {
	return r.setState(id, domain.StreamState_Processing)
}

func (r *fakeStreamRepo) MarkProcessed(ctx context.Context, id string) error {
	return r.setState(id, domain.StreamState_Processed)
}

func (r *fakeStreamRepo) MarkError(ctx context.Context, id string, streamError domain.StreamError) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, ok := r.streams[id]
	if !ok {
		return domain.ErrStreamNotFound
	}

	stream.State = domain.StreamState_Error
	stream.Retries++
	stream.Error = streamError.JSON()

	return nil
}

func (r *fakeStreamRepo) Delay(ctx context.Context, id string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, ok := r.streams[id]
	if !ok {
		return domain.ErrStreamNotFound
	}

	stream.State = domain.StreamState_Delayed
	stream.DelayedUntil = &until

	return nil
}

func (r *fakeStreamRepo) Reset(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, ok := r.streams[id]
	if !ok {
		return domain.ErrStreamNotFound
	}

	stream.State = domain.StreamState_Pending
	stream.DelayedUntil = nil

	return nil
}

func (r *fakeStreamRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.streams[id]; !ok {
		return domain.ErrStreamNotFound
	}

	delete(r.streams, id)

	return nil
}

func (r *fakeStreamRepo) Touch(ctx context.Context, ids ...string) error {
	return nil
}

func (r *fakeStreamRepo) CountActiveByRun(ctx context.Context, runID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0

	for _, s := range r.streams {
		if s.RunID == nil || *s.RunID != runID {
			continue
		}

		switch s.State {
		case domain.StreamState_Processed, domain.StreamState_Error:
		default:
			count++
		}
	}

	return count, nil
}

func sortStreams(streams []domain.Stream) {
	for i := 1; i < len(streams); i++ {
		for j := i; j > 0 && streams[j-1].ID > streams[j].ID; j-- {
			streams[j-1], streams[j] = streams[j], streams[j-1]
		}
	}
}

type fakeRunRepo struct {
	mu     sync.Mutex
	nextID int
	runs   map[string]*domain.Run
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: map[string]*domain.Run{}}
}

func (r *fakeRunRepo) add(run *domain.Run) *domain.Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run.ID == "" {
		r.nextID++
		run.ID = fmt.Sprintf("run-%d", r.nextID)
	}

	r.runs[run.ID] = run

	return run
}

func (r *fakeRunRepo) Create(ctx context.Context, integrationID, tenantID string, onboarding bool) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	run := &domain.Run{
		ID:            fmt.Sprintf("run-%d", r.nextID),
		IntegrationID: integrationID,
		TenantID:      tenantID,
		Onboarding:    onboarding,
		State:         domain.RunState_Pending,
	}
	r.runs[run.ID] = run

	return run, nil
}

func (r *fakeRunRepo) FindByID(ctx context.Context, id string) (*domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}

	copied := *run

	return &copied, nil
}

func (r *fakeRunRepo) setState(id string, state domain.RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}

	run.State = state

	return nil
}

func (r *fakeRunRepo) MarkProcessing(ctx context.Context, id string) error {
	return r.setState(id, domain.RunState_Processing)
}

func (r *fakeRunRepo) MarkProcessed(ctx context.Context, id string) error {
	return r.setState(id, domain.RunState_Processed)
}

func (r *fakeRunRepo) MarkError(ctx context.Context, id string, runError domain.StreamError) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}

	run.State = domain.RunState_Error
	run.Error = runError.JSON()

	return nil
}

func (r *fakeRunRepo) Delay(ctx context.Context, id string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}

	run.State = domain.RunState_Delayed
	run.DelayedUntil = &until

	return nil
}

func (r *fakeRunRepo) GetDelayedRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Run

	now := time.Now()

	for _, run := range r.runs {
		if run.State == domain.RunState_Delayed && run.DelayedUntil != nil && run.DelayedUntil.Before(now) {
			out = append(out, *run)
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r *fakeRunRepo) Touch(ctx context.Context, id string) error {
	return nil
}

type fakeWebhookRepo struct {
	mu       sync.Mutex
	nextID   int
	webhooks map[string]*domain.IncomingWebhook
}

func newFakeWebhookRepo() *fakeWebhookRepo {
	return &fakeWebhookRepo{webhooks: map[string]*domain.IncomingWebhook{}}
}

func (r *fakeWebhookRepo) add(webhook *domain.IncomingWebhook) *domain.IncomingWebhook {
	r.mu.Lock()
	defer r.mu.Unlock()

	if webhook.ID == "" {
		r.nextID++
		webhook.ID = fmt.Sprintf("webhook-%d", r.nextID)
	}

	r.webhooks[webhook.ID] = webhook

	return webhook
}

func (r *fakeWebhookRepo) Create(ctx context.Context, integrationID, tenantID string, platform domain.PlatformType, payload json.RawMessage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := fmt.Sprintf("webhook-%d", r.nextID)
	r.webhooks[id] = &domain.IncomingWebhook{
		ID:            id,
		IntegrationID: integrationID,
		TenantID:      tenantID,
		Type:          platform,
		State:         domain.WebhookState_Pending,
		Payload:       payload,
	}

	return id, nil
}

func (r *fakeWebhookRepo) FindByID(ctx context.Context, id string) (*domain.IncomingWebhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	webhook, ok := r.webhooks[id]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}

	copied := *webhook

	return &copied, nil
}

func (r *fakeWebhookRepo) MarkProcessed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	webhook, ok := r.webhooks[id]
	if !ok {
		return domain.ErrWebhookNotFound
	}

	webhook.State = domain.WebhookState_Processed

	return nil
}

func (r *fakeWebhookRepo) MarkError(ctx context.Context, id string, webhookError domain.StreamError) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	webhook, ok := r.webhooks[id]
	if !ok {
		return domain.ErrWebhookNotFound
	}

	webhook.State = domain.WebhookState_Error
	webhook.Retries++
	webhook.Error = webhookError.JSON()

	return nil
}

func (r *fakeWebhookRepo) ClaimUnmaterialized(ctx context.Context, limit int, olderThan time.Duration) ([]domain.IncomingWebhook, error) {
	return nil, nil
}

type fakeResultRepo struct {
	mu      sync.Mutex
	nextID  int
	results map[string]*domain.Result
	streams *fakeStreamRepo
}

func newFakeResultRepo(streams *fakeStreamRepo) *fakeResultRepo {
	return &fakeResultRepo{results: map[string]*domain.Result{}, streams: streams}
}

func (r *fakeResultRepo) add(result *domain.Result) *domain.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	if result.ID == "" {
		r.nextID++
		result.ID = fmt.Sprintf("result-%d", r.nextID)
	}

	r.results[result.ID] = result

	return result
}

func (r *fakeResultRepo) Create(ctx context.Context, streamID string, data json.RawMessage) (string, error) {
	stream, err := r.streams.FindByID(ctx, streamID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := fmt.Sprintf("result-%d", r.nextID)
	r.results[id] = &domain.Result{
		ID:            id,
		StreamID:      streamID,
		RunID:         stream.RunID,
		WebhookID:     stream.WebhookID,
		IntegrationID: stream.IntegrationID,
		TenantID:      stream.TenantID,
		State:         domain.ResultState_Pending,
		Data:          data,
	}

	return id, nil
}

func (r *fakeResultRepo) FindByID(ctx context.Context, id string) (*domain.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, ok := r.results[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	copied := *result

	return &copied, nil
}

func (r *fakeResultRepo) ClaimPending(ctx context.Context, limit int) ([]domain.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Result

	for _, result := range r.results {
		if result.State == domain.ResultState_Pending {
			out = append(out, *result)
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r *fakeResultRepo) MarkProcessed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, ok := r.results[id]
	if !ok {
		return domain.ErrNotFound
	}

	result.State = domain.ResultState_Processed

	return nil
}

func (r *fakeResultRepo) MarkError(ctx context.Context, id string, resultError domain.StreamError) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, ok := r.results[id]
	if !ok {
		return domain.ErrNotFound
	}

	result.State = domain.ResultState_Error
	result.Retries++
	result.Error = resultError.JSON()

	return nil
}

type fakeIntegrationRepo struct {
	mu           sync.Mutex
	integrations map[string]*domain.Integration
}

func newFakeIntegrationRepo() *fakeIntegrationRepo {
	return &fakeIntegrationRepo{integrations: map[string]*domain.Integration{}}
}

func (r *fakeIntegrationRepo) add(integration *domain.Integration) *domain.Integration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.integrations[integration.ID] = integration

	return integration
}

func (r *fakeIntegrationRepo) FindByID(ctx context.Context, id string) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	integration, ok := r.integrations[id]
	if !ok {
		return nil, domain.ErrIntegrationNotFound
	}

	copied := *integration

	return &copied, nil
}

func (r *fakeIntegrationRepo) FindByIdentifier(ctx context.Context, platform domain.PlatformType, identifier string) (*domain.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, integration := range r.integrations {
		if integration.Platform == platform && integration.Identifier == identifier {
			copied := *integration
			return &copied, nil
		}
	}

	return nil, domain.ErrIntegrationNotFound
}

func (r *fakeIntegrationRepo) ListPollable(ctx context.Context) ([]domain.Integration, error) {
	return nil, nil
}

func (r *fakeIntegrationRepo) UpdateSettings(ctx context.Context, id string, settings json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	integration, ok := r.integrations[id]
	if !ok {
		return domain.ErrIntegrationNotFound
	}

	integration.Settings = settings

	return nil
}

func (r *fakeIntegrationRepo) UpdateToken(ctx context.Context, id, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	integration, ok := r.integrations[id]
	if !ok {
		return domain.ErrIntegrationNotFound
	}

	integration.Token = token

	return nil
}

func (r *fakeIntegrationRepo) UpdateRefreshToken(ctx context.Context, id, refreshToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	integration, ok := r.integrations[id]
	if !ok {
		return domain.ErrIntegrationNotFound
	}

	integration.RefreshToken = refreshToken

	return nil
}

func (r *fakeIntegrationRepo) SetStatus(ctx context.Context, id string, status domain.IntegrationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	integration, ok := r.integrations[id]
	if !ok {
		return domain.ErrIntegrationNotFound
	}

	integration.Status = status

	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	streams  []string
	webhooks []string
	results  []string
}

func (d *fakeDispatcher) DispatchStream(streamID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.streams = append(d.streams, streamID)
}

func (d *fakeDispatcher) DispatchWebhook(webhookID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.webhooks = append(d.webhooks, webhookID)
}

func (d *fakeDispatcher) DispatchResult(resultID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.results = append(d.results, resultID)
}

type fakeCache struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: map[string]string{}}
}

func (c *fakeCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.values[key]
	if !ok {
		return "", domain.ErrCacheMiss
	}

	return value, nil
}

func (c *fakeCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.values[key] = value

	return nil
}

func (c *fakeCache) Increment(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.values[key] = "incremented"

	return by, nil
}

type fakeCacheFactory struct {
	cache *fakeCache
}

func (f *fakeCacheFactory) Cache(name string) domain.Cache {
	return f.cache
}

func (f *fakeCacheFactory) RateLimiter(maxRequests int, window time.Duration, counterKey string) domain.RequestRateLimiter {
	return nopRateLimiter{}
}

type nopRateLimiter struct{}

func (nopRateLimiter) CheckAndThrottle(ctx context.Context) error {
	return nil
}

// fakeConnector lets each test swap in the phase behavior it exercises.
type fakeConnector struct {
	platform domain.PlatformType

	generateStreams      func(ctx context.Context, gctx *domain.GenerateStreamsContext) error
	processStream        func(ctx context.Context, sctx *domain.StreamContext) error
	processWebhookStream func(ctx context.Context, sctx *domain.StreamContext) error
	processData          func(ctx context.Context, dctx *domain.DataContext) error
}

func (c *fakeConnector) Type() domain.PlatformType {
	return c.platform
}

func (c *fakeConnector) CheckEvery() time.Duration {
	return 0
}

func (c *fakeConnector) MemberAttributes() []domain.MemberAttribute {
	return nil
}

func (c *fakeConnector) GenerateStreams(ctx context.Context, gctx *domain.GenerateStreamsContext) error {
	if c.generateStreams == nil {
		return nil
	}

	return c.generateStreams(ctx, gctx)
}

func (c *fakeConnector) ProcessStream(ctx context.Context, sctx *domain.StreamContext) error {
	if c.processStream == nil {
		return nil
	}

	return c.processStream(ctx, sctx)
}

func (c *fakeConnector) ProcessWebhookStream(ctx context.Context, sctx *domain.StreamContext) error {
	if c.processWebhookStream == nil {
		return nil
	}

	return c.processWebhookStream(ctx, sctx)
}

func (c *fakeConnector) ProcessData(ctx context.Context, dctx *domain.DataContext) error {
	if c.processData == nil {
		return nil
	}

	return c.processData(ctx, dctx)
}

type fakePublisher struct {
	mu         sync.Mutex
	activities []domain.Activity
	err        error
}

func (p *fakePublisher) Publish(ctx context.Context, tenantID string, activity domain.Activity) error {
	if p.err != nil {
		return p.err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.activities = append(p.activities, activity)

	return nil
}
