package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tributary-io/tributary/pkg/domain"
)

func TestStreamSweepEligible(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	staleAfter := 30 * time.Minute
	maxRetries := 5

	stale := now.Add(-time.Hour)
	fresh := now.Add(-time.Minute)
	pastDue := now.Add(-5 * time.Minute)
	futureDue := now.Add(20 * time.Minute)

	tests := []struct {
		name     string
		stream   domain.Stream
		eligible bool
	}{
		{
			name:     "stale pending stream",
			stream:   domain.Stream{State: domain.StreamState_Pending, UpdatedAt: stale},
			eligible: true,
		},
		{
			name:     "fresh pending stream",
			stream:   domain.Stream{State: domain.StreamState_Pending, UpdatedAt: fresh},
			eligible: false,
		},
		{
			name:     "errored stream with retry budget left",
			stream:   domain.Stream{State: domain.StreamState_Error, Retries: 3, UpdatedAt: stale},
			eligible: true,
		},
		{
			name:     "errored stream at the retry cap",
			stream:   domain.Stream{State: domain.StreamState_Error, Retries: maxRetries, UpdatedAt: stale},
			eligible: true,
		},
		{
			name:     "errored stream past the retry cap",
			stream:   domain.Stream{State: domain.StreamState_Error, Retries: maxRetries + 1, UpdatedAt: stale},
			eligible: false,
		},
		{
			name:     "delayed stream whose delay expired",
			stream:   domain.Stream{State: domain.StreamState_Delayed, DelayedUntil: &pastDue, UpdatedAt: stale},
			eligible: true,
		},
		{
			name:     "delayed stream still waiting",
			stream:   domain.Stream{State: domain.StreamState_Delayed, DelayedUntil: &futureDue, UpdatedAt: stale},
			eligible: false,
		},
		{
			name:     "delayed stream without a due time",
			stream:   domain.Stream{State: domain.StreamState_Delayed, UpdatedAt: stale},
			eligible: false,
		},
		{
			name:     "processing stream is owned by a worker",
			stream:   domain.Stream{State: domain.StreamState_Processing, UpdatedAt: stale},
			eligible: false,
		},
		{
			name:     "processed stream is done",
			stream:   domain.Stream{State: domain.StreamState_Processed, UpdatedAt: stale},
			eligible: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := streamSweepEligible(&tt.stream, maxRetries, staleAfter, now)
			assert.Equal(t, tt.eligible, got)
		})
	}
}
