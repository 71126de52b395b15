package domain

import "time"

// Activity is the canonical shape handed to the publisher. It is the minimal
// contract with the downstream store, not the full relational model.
type Activity struct {
	Type      string       `json:"type"`
	Platform  PlatformType `json:"platform"`
	Timestamp time.Time    `json:"timestamp"`

	// SourceID is the platform-native id of the activity. Together with the
	// platform it forms the natural key the publisher deduplicates on.
	SourceID string `json:"source_id"`
	// SourceParentID links replies, comments and similar activities to their
	// parent. Ordering within a thread is reconstructed from this
	// relationship, never from processing order.
	SourceParentID string `json:"source_parent_id,omitempty"`

	Channel    string         `json:"channel,omitempty"`
	Title      string         `json:"title,omitempty"`
	Body       string         `json:"body,omitempty"`
	URL        string         `json:"url,omitempty"`
	Score      int            `json:"score,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`

	Member Member `json:"member"`
}

// Member is the canonical author of an activity.
type Member struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name,omitempty"`
	Emails      []string       `json:"emails,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// MemberAttribute describes one platform-specific member attribute a
// connector contributes to the member schema.
type MemberAttribute struct {
	Name       string `json:"name"`
	Label      string `json:"label"`
	Type       string `json:"type"`
	ShowInForm bool   `json:"show_in_form"`
}

const (
	MemberAttributeType_String  = "string"
	MemberAttributeType_Number  = "number"
	MemberAttributeType_Boolean = "boolean"
	MemberAttributeType_URL     = "url"
)
