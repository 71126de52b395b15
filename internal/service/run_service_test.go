package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/pkg/domain"
)

type runFixture struct {
	streams      *fakeStreamRepo
	runs         *fakeRunRepo
	integrations *fakeIntegrationRepo
	connector    *fakeConnector
	dispatcher   *fakeDispatcher
	service      *RunService
}

func newRunFixture(t *testing.T) *runFixture {
	t.Helper()

	streams := newFakeStreamRepo()
	runs := newFakeRunRepo()
	streams.runs = runs
	integrations := newFakeIntegrationRepo()
	connector := &fakeConnector{platform: domain.PlatformType_Github}
	dispatcher := &fakeDispatcher{}

	integrations.add(&domain.Integration{
		ID:       "int-1",
		TenantID: "tenant-1",
		Platform: domain.PlatformType_Github,
		Status:   domain.IntegrationStatus_Active,
	})

	service := NewRunService(RunServiceDeps{
		Streams:      streams,
		Runs:         runs,
		Integrations: integrations,
		Registry:     domain.NewConnectorRegistry(connector),
		Caches:       &fakeCacheFactory{cache: newFakeCache()},
		Dispatcher:   dispatcher,
		Logger:       zerolog.Nop(),
	})

	return &runFixture{
		streams:      streams,
		runs:         runs,
		integrations: integrations,
		connector:    connector,
		dispatcher:   dispatcher,
		service:      service,
	}
}

func TestRunService_StartRun_GeneratesAndDispatchesRootStreams(t *testing.T) {
	f := newRunFixture(t)

	f.connector.generateStreams = func(ctx context.Context, gctx *domain.GenerateStreamsContext) error {
		if err := gctx.PublishStream(ctx, "issues:owner/repo:1", nil); err != nil {
			return err
		}

		if err := gctx.PublishStream(ctx, "pulls:owner/repo:1", nil); err != nil {
			return err
		}

		// Duplicate identifiers within a run collapse into one stream.
		return gctx.PublishStream(ctx, "issues:owner/repo:1", nil)
	}

	runID, err := f.service.StartRun(context.Background(), "int-1", true)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := f.runs.FindByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunState_Processing, run.State)
	assert.True(t, run.Onboarding)

	assert.Len(t, f.dispatcher.streams, 2)

	pending, err := f.streams.GetPendingStreams(context.Background(), runID, 10, "")
	require.NoError(t, err)
	require.Len(t, pending, 2)

	for _, stream := range pending {
		assert.Nil(t, stream.ParentID, "root streams have no parent")
	}
}

func TestRunService_StartRun_UnknownIntegration(t *testing.T) {
	f := newRunFixture(t)

	_, err := f.service.StartRun(context.Background(), "missing", false)
	assert.ErrorIs(t, err, domain.ErrIntegrationNotFound)
}

func TestRunService_StartRun_GenerateStreamsErrorFailsRun(t *testing.T) {
	f := newRunFixture(t)

	f.connector.generateStreams = func(ctx context.Context, gctx *domain.GenerateStreamsContext) error {
		return domain.ConfigError{Reason: "missing token"}
	}

	runID, err := f.service.StartRun(context.Background(), "int-1", false)
	require.Error(t, err)
	require.NotEmpty(t, runID)

	run, findErr := f.runs.FindByID(context.Background(), runID)
	require.NoError(t, findErr)
	assert.Equal(t, domain.RunState_Error, run.State)
	assert.NotEmpty(t, run.Error)

	assert.Empty(t, f.dispatcher.streams)
}

func TestRunService_StartRun_AbortedRunSkipsDispatch(t *testing.T) {
	f := newRunFixture(t)

	f.connector.generateStreams = func(ctx context.Context, gctx *domain.GenerateStreamsContext) error {
		// The connector aborts through the context and returns nil, the way
		// configuration checks report an unusable integration.
		return gctx.AbortRun(ctx, "no channels configured", nil)
	}

	runID, err := f.service.StartRun(context.Background(), "int-1", false)
	require.NoError(t, err)

	run, findErr := f.runs.FindByID(context.Background(), runID)
	require.NoError(t, findErr)
	assert.Equal(t, domain.RunState_Error, run.State)

	assert.Empty(t, f.dispatcher.streams)
}

func TestRunService_ContinueRun_PagesThroughPendingStreams(t *testing.T) {
	f := newRunFixture(t)

	run := f.runs.add(&domain.Run{IntegrationID: "int-1", TenantID: "tenant-1", State: domain.RunState_Processing})

	// More streams than one page holds.
	for i := 0; i < pendingStreamPageSize+5; i++ {
		_, err := f.streams.Publish(context.Background(), nil, run.ID, string(rune('a'+i))+"-stream", nil)
		require.NoError(t, err)
	}

	err := f.service.ContinueRun(context.Background(), run.ID)
	require.NoError(t, err)

	assert.Len(t, f.dispatcher.streams, pendingStreamPageSize+5)
}

func TestRunService_ReleaseDelayedRuns(t *testing.T) {
	f := newRunFixture(t)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	expired := f.runs.add(&domain.Run{IntegrationID: "int-1", TenantID: "tenant-1", State: domain.RunState_Delayed, DelayedUntil: &past})
	waiting := f.runs.add(&domain.Run{IntegrationID: "int-1", TenantID: "tenant-1", State: domain.RunState_Delayed, DelayedUntil: &future})

	_, err := f.streams.Publish(context.Background(), nil, expired.ID, "issues:owner/repo:1", nil)
	require.NoError(t, err)

	err = f.service.ReleaseDelayedRuns(context.Background(), 10)
	require.NoError(t, err)

	released, err := f.runs.FindByID(context.Background(), expired.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunState_Processing, released.State)

	still, err := f.runs.FindByID(context.Background(), waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunState_Delayed, still.State)

	assert.Len(t, f.dispatcher.streams, 1)
}
