package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/pipelinoor/pkg/api/store"
	"github.com/ethpandaops/pipelinoor/pkg/config"
	"github.com/ethpandaops/pipelinoor/pkg/telemetry"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func strPtr(s string) *string { return &s }

func TestStore_UpsertPipelineIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertPipeline(ctx, "web")
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	second, err := s.UpsertPipeline(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same name must resolve to the same pipeline")

	other, err := s.UpsertPipeline(ctx, "api")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestStore_InsertAndListRecentRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	web, err := s.UpsertPipeline(ctx, "web")
	require.NoError(t, err)

	api, err := s.UpsertPipeline(ctx, "api")
	require.NoError(t, err)

	base := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	older := store.NewRun(web.ID, telemetry.StatusSuccess)
	older.StartedAt = base.Add(-2 * time.Hour)
	finished := base.Add(-2*time.Hour + 90*time.Second)
	older.FinishedAt = &finished
	dur := 90.0
	older.DurationSec = &dur
	older.Branch = strPtr("main")
	older.Commit = strPtr("abc1234")
	older.TriggeredBy = strPtr("ci")

	newer := store.NewRun(api.ID, telemetry.StatusRunning)
	newer.StartedAt = base.Add(-time.Hour)

	require.NoError(t, s.InsertRun(ctx, older))
	require.NoError(t, s.InsertRun(ctx, newer))
	assert.NotZero(t, older.ID)
	assert.NotZero(t, newer.ID)

	runs, err := s.ListRecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "api", runs[0].Pipeline)
	assert.Equal(t, telemetry.StatusRunning, runs[0].Status)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Nil(t, runs[0].DurationSec)

	assert.Equal(t, "web", runs[1].Pipeline)
	assert.Equal(t, telemetry.StatusSuccess, runs[1].Status)
	assert.True(t, runs[1].StartedAt.Equal(older.StartedAt))
	require.NotNil(t, runs[1].FinishedAt)
	assert.True(t, runs[1].FinishedAt.Equal(finished))
	require.NotNil(t, runs[1].DurationSec)
	assert.InDelta(t, 90.0, *runs[1].DurationSec, 1e-9)
	assert.Equal(t, "main", *runs[1].Branch)
	assert.Equal(t, "abc1234", *runs[1].Commit)
	assert.Equal(t, "ci", *runs[1].TriggeredBy)

	limited, err := s.ListRecentRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, newer.ID, limited[0].ID)
}

func TestStore_ListRunsSince(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p, err := s.UpsertPipeline(ctx, "web")
	require.NoError(t, err)

	base := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	for _, offset := range []time.Duration{-3 * time.Hour, -90 * time.Minute, -10 * time.Minute} {
		run := store.NewRun(p.ID, telemetry.StatusSuccess)
		run.StartedAt = base.Add(offset)
		require.NoError(t, s.InsertRun(ctx, run))
	}

	runs, err := s.ListRunsSince(ctx, base.Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, runs, 2)

	for _, r := range runs {
		assert.False(t, r.StartedAt.Before(base.Add(-2*time.Hour)))
		assert.Equal(t, "web", r.Pipeline)
	}

	all, err := s.ListRunsSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := s.ListRunsSince(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_StartUnsupportedDriver(t *testing.T) {
	s := store.NewStore(logrus.New(), &config.DatabaseConfig{Driver: "mysql"})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
	require.NoError(t, s.Stop())
}
