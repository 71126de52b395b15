package store

import (
	"time"

	"github.com/tributary-io/tributary/pkg/domain"
)

// streamSweepEligible decides whether a stream counts as abandoned work for
// the stale sweep. A stream qualifies when it has been untouched for longer
// than the staleness window and is still owed an execution attempt:
//
//   - pending streams whose dispatch was lost
//   - errored streams with retry budget left
//   - delayed streams whose delay has expired
//
// ClaimStale's select encodes the same rule in SQL; the claim re-applies
// this predicate to every locked row before touching it.
func streamSweepEligible(s *domain.Stream, maxRetries int, staleAfter time.Duration, now time.Time) bool {
	if !s.UpdatedAt.Before(now.Add(-staleAfter)) {
		return false
	}

	switch s.State {
	case domain.StreamState_Pending:
		return true
	case domain.StreamState_Error:
		return s.Retries <= maxRetries
	case domain.StreamState_Delayed:
		return s.DelayedUntil != nil && s.DelayedUntil.Before(now)
	default:
		return false
	}
}
