package domain

import (
	"context"
	"encoding/json"
	"time"
)

// StreamRepository is the durable ledger for streams. All mutations are
// single-row, single-statement updates guarded by state preconditions.
type StreamRepository interface {
	// Publish inserts a run-born stream. It upserts on (run_id, identifier)
	// with do-nothing-on-conflict and returns the new stream id, or "" when
	// the stream already existed. Publishing against a run that no longer
	// exists returns ErrRunNotFound.
	Publish(ctx context.Context, parentID *string, runID, identifier string, data json.RawMessage) (string, error)

	// PublishWebhookStream inserts a webhook-born stream.
	PublishWebhookStream(ctx context.Context, webhookID, identifier string, data json.RawMessage, integrationID, tenantID string) (string, error)

	FindByID(ctx context.Context, id string) (*Stream, error)
	FindByWebhookID(ctx context.Context, webhookID string) (*Stream, error)

	// GetPendingStreams pages over a run's pending streams ordered by id;
	// pass the previous page's last id to continue.
	GetPendingStreams(ctx context.Context, runID string, limit int, afterID string) ([]Stream, error)

	// GetDelayedStreams returns streams whose delay has expired.
	GetDelayedStreams(ctx context.Context, limit int) ([]Stream, error)

	// ClaimStale claims streams that look abandoned: eligible for processing
	// but untouched for longer than the staleness window. Claimed rows get
	// their updated_at bumped inside the claiming transaction so concurrent
	// sweepers never double-claim (select for update skip locked semantics).
	// Webhook-born streams are claimed first.
	ClaimStale(ctx context.Context, limit, maxRetries int, staleAfter time.Duration) ([]string, error)

	MarkProcessing(ctx context.Context, id string) error
	MarkProcessed(ctx context.Context, id string) error
	MarkError(ctx context.Context, id string, streamError StreamError) error
	Delay(ctx context.Context, id string, until time.Time) error
	Reset(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Touch(ctx context.Context, ids ...string) error

	// CountActiveByRun counts the run's streams that have not reached a
	// terminal state yet.
	CountActiveByRun(ctx context.Context, runID string) (int, error)
}

type RunRepository interface {
	Create(ctx context.Context, integrationID, tenantID string, onboarding bool) (*Run, error)
	FindByID(ctx context.Context, id string) (*Run, error)

	MarkProcessing(ctx context.Context, id string) error
	MarkProcessed(ctx context.Context, id string) error
	MarkError(ctx context.Context, id string, runError StreamError) error
	Delay(ctx context.Context, id string, until time.Time) error

	// GetDelayedRuns returns runs whose delay has expired so their streams
	// can be dispatched again.
	GetDelayedRuns(ctx context.Context, limit int) ([]Run, error)

	Touch(ctx context.Context, id string) error
}

type WebhookRepository interface {
	Create(ctx context.Context, integrationID, tenantID string, platform PlatformType, payload json.RawMessage) (string, error)
	FindByID(ctx context.Context, id string) (*IncomingWebhook, error)

	MarkProcessed(ctx context.Context, id string) error
	MarkError(ctx context.Context, id string, webhookError StreamError) error

	// ClaimUnmaterialized claims pending webhooks older than the given age
	// that never got a stream, for the crash-recovery pass.
	ClaimUnmaterialized(ctx context.Context, limit int, olderThan time.Duration) ([]IncomingWebhook, error)
}

type ResultRepository interface {
	// Create stages parsed output for delivery, copying run/webhook/tenant
	// ownership from the producing stream.
	Create(ctx context.Context, streamID string, data json.RawMessage) (string, error)

	FindByID(ctx context.Context, id string) (*Result, error)

	// ClaimPending claims pending results for delivery, skipping rows other
	// workers hold.
	ClaimPending(ctx context.Context, limit int) ([]Result, error)

	MarkProcessed(ctx context.Context, id string) error
	MarkError(ctx context.Context, id string, resultError StreamError) error
}

type IntegrationRepository interface {
	FindByID(ctx context.Context, id string) (*Integration, error)
	FindByIdentifier(ctx context.Context, platform PlatformType, identifier string) (*Integration, error)

	// ListPollable returns active integrations for platforms that are polled
	// on a schedule.
	ListPollable(ctx context.Context) ([]Integration, error)

	// UpdateSettings merges the given settings into the stored blob.
	UpdateSettings(ctx context.Context, id string, settings json.RawMessage) error
	UpdateToken(ctx context.Context, id, token string) error
	UpdateRefreshToken(ctx context.Context, id, refreshToken string) error
	SetStatus(ctx context.Context, id string, status IntegrationStatus) error
}
