package gitlab

import (
	"strings"
	"time"
)

// webhookTime handles GitLab's webhook timestamp format, which is
// "2006-01-02 15:04:05 UTC" rather than RFC 3339.
type webhookTime struct {
	time.Time
}

func (t *webhookTime) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	if raw == "" || raw == "null" {
		return nil
	}

	if parsed, err := time.Parse("2006-01-02 15:04:05 MST", raw); err == nil {
		t.Time = parsed
		return nil
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return err
	}

	t.Time = parsed

	return nil
}

type webhookUser struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

type webhookProject struct {
	ID int `json:"id"`
}

type webhookIssueEvent struct {
	User             webhookUser    `json:"user"`
	Project          webhookProject `json:"project"`
	ObjectAttributes struct {
		IID         int         `json:"iid"`
		Title       string      `json:"title"`
		Description string      `json:"description"`
		URL         string      `json:"url"`
		Action      string      `json:"action"`
		CreatedAt   webhookTime `json:"created_at"`
	} `json:"object_attributes"`
}

type webhookNoteEvent struct {
	User             webhookUser    `json:"user"`
	Project          webhookProject `json:"project"`
	ObjectAttributes struct {
		ID           int         `json:"id"`
		Note         string      `json:"note"`
		NoteableType string      `json:"noteable_type"`
		URL          string      `json:"url"`
		CreatedAt    webhookTime `json:"created_at"`
	} `json:"object_attributes"`
	Issue struct {
		IID int `json:"iid"`
	} `json:"issue"`
}
