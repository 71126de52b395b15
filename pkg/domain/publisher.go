package domain

import "context"

// Publisher is the boundary to the downstream store and search index. It
// must be idempotent on the activity's natural key (platform + source id),
// the pipeline may deliver the same record more than once.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, activity Activity) error
}
