package github

import "encoding/json"

// Settings lists the repositories the integration syncs, as "owner/name".
type Settings struct {
	Repos []string `json:"repos"`
}

const (
	streamTypeIssues = "issues"
	streamTypePulls  = "pulls"
	streamTypeStars  = "stars"
)

type repoPageStreamData struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	Page  int    `json:"page"`
}

// record kinds in published data
const (
	kindIssue = "issue"
	kindPull  = "pull"
	kindStar  = "star"

	kindWebhookIssue = "webhook-issue"
	kindWebhookPull  = "webhook-pull"
	kindWebhookStar  = "webhook-star"
)

// publishedData carries one raw platform record plus enough context to parse
// it without further API calls.
type publishedData struct {
	Kind   string          `json:"kind"`
	Owner  string          `json:"owner"`
	Repo   string          `json:"repo"`
	Record json.RawMessage `json:"record"`
}
