package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound marks an upstream entity as gone. Many platforms use 404
	// to mean "no longer exists", which is a legitimate terminal outcome,
	// callers treat it as an empty result, not a failure.
	ErrNotFound = errors.New("upstream entity not found")

	ErrIntegrationNotFound = errors.New("integration not found")
	ErrStreamNotFound      = errors.New("stream not found")
	ErrRunNotFound         = errors.New("run not found")
	ErrWebhookNotFound     = errors.New("webhook not found")
)

// RateLimitError signals that the upstream platform rate limited us for
// longer than the client is willing to wait in-process. The state machine
// reacts by delaying the stream (or the whole run) instead of burning
// worker time.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by upstream, retry after %s", e.RetryAfter)
}

// IsRateLimitError reports whether err is (or wraps) a RateLimitError and
// returns the requested delay when it is.
func IsRateLimitError(err error) (time.Duration, bool) {
	var rle RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}

	return 0, false
}

// ConfigError marks an integration's settings as unusable: a missing token,
// no configured channels and similar. Runs failing with a ConfigError are
// aborted explicitly and never retried.
type ConfigError struct {
	Reason string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("integration misconfigured: %s", e.Reason)
}

func IsConfigError(err error) bool {
	var ce ConfigError
	return errors.As(err, &ce)
}
