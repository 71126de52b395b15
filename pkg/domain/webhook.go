package domain

import (
	"encoding/json"
	"time"
)

type WebhookState string

const (
	WebhookState_Pending   WebhookState = "pending"
	WebhookState_Processed WebhookState = "processed"
	WebhookState_Error     WebhookState = "error"
)

// IncomingWebhook is a persisted inbound push notification. The row is
// written before any processing happens, so an acknowledged webhook survives
// a crash and a recovery pass can materialize it into a stream later.
type IncomingWebhook struct {
	ID            string          `json:"id"`
	IntegrationID string          `json:"integration_id"`
	TenantID      string          `json:"tenant_id"`
	Type          PlatformType    `json:"type"`
	State         WebhookState    `json:"state"`
	Payload       json.RawMessage `json:"payload"`
	Retries       int             `json:"retries"`
	Error         json.RawMessage `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// WebhookPayload is the envelope persisted for every inbound push: the
// platform event name plus the raw body and the headers the connector needs
// to interpret it.
type WebhookPayload struct {
	Event      string            `json:"event,omitempty"`
	DeliveryID string            `json:"delivery_id,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body"`
}
