package domain

import (
	"encoding/json"
	"time"
)

type ResultState string

const (
	ResultState_Pending   ResultState = "pending"
	ResultState_Processed ResultState = "processed"
	ResultState_Error     ResultState = "error"
)

// Result is the parsed-but-not-yet-published output of a terminal stream.
// It decouples "we parsed this" from "we delivered this downstream", so a
// delivery failure is retried without refetching source data.
type Result struct {
	ID            string          `json:"id"`
	StreamID      string          `json:"stream_id"`
	RunID         *string         `json:"run_id,omitempty"`
	WebhookID     *string         `json:"webhook_id,omitempty"`
	IntegrationID string          `json:"integration_id"`
	TenantID      string          `json:"tenant_id"`
	State         ResultState     `json:"state"`
	Data          json.RawMessage `json:"data"`
	Retries       int             `json:"retries"`
	Error         json.RawMessage `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
