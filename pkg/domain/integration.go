package domain

import (
	"encoding/json"
	"time"
)

type IntegrationStatus string

const (
	IntegrationStatus_Connecting     IntegrationStatus = "connecting"
	IntegrationStatus_Active         IntegrationStatus = "active"
	IntegrationStatus_Error          IntegrationStatus = "error"
	IntegrationStatus_NeedsReconnect IntegrationStatus = "needs-reconnect"
	IntegrationStatus_Deleted        IntegrationStatus = "deleted"
)

// Integration is a configured connection to one external platform for one
// tenant segment. It is the root of the pipeline's ownership chain: every
// Run, Stream and IncomingWebhook references the integration it belongs to.
type Integration struct {
	ID       string            `json:"id"`
	TenantID string            `json:"tenant_id"`
	Platform PlatformType      `json:"platform"`
	Status   IntegrationStatus `json:"status"`

	// Identifier is the platform-side lookup key used to match inbound
	// webhooks to an integration, e.g. a GitHub App installation id or a
	// Groups.io group name.
	Identifier string `json:"identifier"`

	Settings     json.RawMessage `json:"settings"`
	Token        string          `json:"-"`
	RefreshToken string          `json:"-"`

	// WebhookSecret is the shared secret used to verify signed inbound
	// payloads for platforms that sign them.
	WebhookSecret string `json:"-"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// DecodeSettings unmarshals the integration's opaque settings blob into the
// connector's settings struct.
func (i *Integration) DecodeSettings(out any) error {
	if len(i.Settings) == 0 {
		return nil
	}

	return json.Unmarshal(i.Settings, out)
}
