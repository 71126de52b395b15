package domain

import (
	"encoding/json"
	"time"
)

type StreamState string

const (
	StreamState_Pending    StreamState = "pending"
	StreamState_Processing StreamState = "processing"
	StreamState_Delayed    StreamState = "delayed"
	StreamState_Error      StreamState = "error"
	StreamState_Processed  StreamState = "processed"
)

type StreamType string

const (
	StreamType_Root  StreamType = "root"
	StreamType_Child StreamType = "child"
)

// Stream is one unit of fetch/parse work. Streams form a tree per run: root
// streams are published by stream generation, children by fan-out during
// stream processing. The pair (run_id, identifier) is unique, so re-publishing
// the same logical unit within a run is a no-op and fan-out is safe to retry.
//
// A stream is born either from a run or from an incoming webhook; it may carry
// both references for traceability, but exactly one is its origin.
type Stream struct {
	ID            string          `json:"id"`
	ParentID      *string         `json:"parent_id,omitempty"`
	RunID         *string         `json:"run_id,omitempty"`
	WebhookID     *string         `json:"webhook_id,omitempty"`
	IntegrationID string          `json:"integration_id"`
	TenantID      string          `json:"tenant_id"`
	Identifier    string          `json:"identifier"`
	State         StreamState     `json:"state"`
	Data          json.RawMessage `json:"data,omitempty"`
	Retries       int             `json:"retries"`
	DelayedUntil  *time.Time      `json:"delayed_until,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (s *Stream) Type() StreamType {
	if s.ParentID == nil {
		return StreamType_Root
	}

	return StreamType_Child
}

func (s *Stream) IsWebhookStream() bool {
	return s.WebhookID != nil && s.RunID == nil
}

// DecodeData unmarshals the stream's opaque payload into the connector's
// stream metadata struct.
func (s *Stream) DecodeData(out any) error {
	if len(s.Data) == 0 {
		return nil
	}

	return json.Unmarshal(s.Data, out)
}

// StreamError is the structured error payload stored on streams and runs that
// ended in an error state.
type StreamError struct {
	Location string          `json:"location"`
	Message  string          `json:"message"`
	Err      string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func NewStreamError(location, message string, err error) StreamError {
	se := StreamError{
		Location: location,
		Message:  message,
	}

	if err != nil {
		se.Err = err.Error()
	}

	return se
}

func (e StreamError) JSON() json.RawMessage {
	raw, err := json.Marshal(e)
	if err != nil {
		return json.RawMessage(`{"message":"unserializable stream error"}`)
	}

	return raw
}
