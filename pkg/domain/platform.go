package domain

import "fmt"

// PlatformType identifies an external platform a connector integrates with.
type PlatformType string

const (
	PlatformType_Github    PlatformType = "github"
	PlatformType_Gitlab    PlatformType = "gitlab"
	PlatformType_Slack     PlatformType = "slack"
	PlatformType_Discord   PlatformType = "discord"
	PlatformType_Discourse PlatformType = "discourse"
	PlatformType_Devto     PlatformType = "devto"
	PlatformType_Groupsio  PlatformType = "groupsio"
	PlatformType_Jira      PlatformType = "jira"
)

// UnknownPlatformError marks a dispatch against a platform no registered
// connector serves. It is configuration-fatal; retries cannot heal it.
type UnknownPlatformError struct {
	Platform PlatformType
}

func (e UnknownPlatformError) Error() string {
	return fmt.Sprintf("no connector registered for platform %q", e.Platform)
}
