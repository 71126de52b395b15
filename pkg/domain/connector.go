package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Connector is the fixed per-platform contract. One implementation exists per
// external platform; the orchestration runtime drives it through the three
// processing phases plus the webhook-born variant.
type Connector interface {
	// Type identifies the platform this connector serves.
	Type() PlatformType

	// CheckEvery is the polling interval hint for incremental syncs. Zero
	// means the platform is webhook-only and is never polled.
	CheckEvery() time.Duration

	// MemberAttributes lists the platform-specific member attributes this
	// connector contributes to the member schema.
	MemberAttributes() []MemberAttribute

	// GenerateStreams decides and publishes the root streams for a run from
	// the integration's settings. Incomplete settings must abort the run with
	// a ConfigError, never silently return.
	GenerateStreams(ctx context.Context, gctx *GenerateStreamsContext) error

	// ProcessStream handles one pending stream: either fetch a page of
	// upstream entities and fan out child streams, or fetch the terminal
	// entity graph and publish data for parsing.
	ProcessStream(ctx context.Context, sctx *StreamContext) error

	// ProcessWebhookStream is the counterpart of ProcessStream for streams
	// born from an incoming webhook, typically a single terminal record.
	ProcessWebhookStream(ctx context.Context, sctx *StreamContext) error

	// ProcessData is a pure transform from raw platform payload to canonical
	// activities. It must not perform network I/O beyond what ProcessStream
	// already fetched, so it stays replayable without rate-limit cost.
	ProcessData(ctx context.Context, dctx *DataContext) error
}

// GenerateStreamsContext carries everything stream generation needs.
type GenerateStreamsContext struct {
	Integration *Integration
	Onboarding  bool
	Logger      zerolog.Logger
	Cache       Cache

	// PublishStream publishes a root stream for the run. Publishing the same
	// identifier twice within a run is a no-op.
	PublishStream func(ctx context.Context, identifier string, data any) error

	// AbortRun fails the whole run with an error payload. Used for
	// configuration-fatal conditions.
	AbortRun func(ctx context.Context, message string, err error) error

	UpdateSettings func(ctx context.Context, settings any) error
}

// StreamContext carries everything stream processing needs. The same shape
// serves run-born and webhook-born streams; webhook-born streams have no run
// and fan out through webhook child streams instead.
type StreamContext struct {
	Integration *Integration
	Stream      *Stream
	Onboarding  bool
	Logger      zerolog.Logger

	// Cache is scoped per tenant and platform with a multi-day TTL.
	Cache Cache

	PublishStream func(ctx context.Context, identifier string, data any) error
	PublishData   func(ctx context.Context, data any) error

	UpdateSettings     func(ctx context.Context, settings any) error
	UpdateToken        func(ctx context.Context, token string) error
	UpdateRefreshToken func(ctx context.Context, refreshToken string) error

	// RateLimiter returns a shared request limiter for the given counter key.
	RateLimiter func(maxRequests int, window time.Duration, counterKey string) RequestRateLimiter
}

// DataContext carries one raw payload into the parse phase.
type DataContext struct {
	Integration *Integration
	Data        json.RawMessage
	Logger      zerolog.Logger
	Cache       Cache

	PublishActivity func(ctx context.Context, activity Activity) error
}

// DecodeData unmarshals the raw payload into the connector's data struct.
func (d *DataContext) DecodeData(out any) error {
	return json.Unmarshal(d.Data, out)
}
