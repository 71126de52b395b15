package domain

import (
	"encoding/json"
	"time"
)

type RunState string

const (
	RunState_Pending            RunState = "pending"
	RunState_Processing         RunState = "processing"
	RunState_Delayed            RunState = "delayed"
	RunState_Error              RunState = "error"
	RunState_Processed          RunState = "processed"
	RunState_IntegrationDeleted RunState = "integration-deleted"
)

// Run is one execution attempt of a platform sync. A run owns a forest of
// streams and is terminal once every owned stream reached a terminal state,
// or once it is explicitly failed. Onboarding marks a full historical
// backfill as opposed to an incremental sync.
type Run struct {
	ID            string          `json:"id"`
	IntegrationID string          `json:"integration_id"`
	TenantID      string          `json:"tenant_id"`
	Onboarding    bool            `json:"onboarding"`
	State         RunState        `json:"state"`
	DelayedUntil  *time.Time      `json:"delayed_until,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (r *Run) IsTerminal() bool {
	return r.State == RunState_Processed || r.State == RunState_Error
}
