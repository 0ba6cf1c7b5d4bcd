package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/pipelinoor/pkg/telemetry"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func floatPtr(v float64) *float64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func run(id uint, pipeline string, status telemetry.Status, startedAgo time.Duration) telemetry.Run {
	return telemetry.Run{
		ID:        id,
		Pipeline:  pipeline,
		Status:    status,
		StartedAt: now.Add(-startedAgo),
	}
}

func TestCompute_Empty(t *testing.T) {
	summary := Compute(60, now.Add(-time.Hour), nil)

	assert.Equal(t, 60, summary.WindowMinutes)
	assert.Zero(t, summary.Total)
	assert.Zero(t, summary.SuccessRate)
	assert.Nil(t, summary.AvgDurationSec)
	assert.Nil(t, summary.LastStatus)
	assert.Nil(t, summary.LastFinishedAt)
	assert.NotNil(t, summary.PerPipeline)
	assert.Empty(t, summary.PerPipeline)
}

func TestCompute_Aggregates(t *testing.T) {
	webOK := run(1, "web", telemetry.StatusSuccess, 50*time.Minute)
	webOK.DurationSec = floatPtr(120)
	webOK.FinishedAt = timePtr(now.Add(-48 * time.Minute))

	webFail := run(2, "web", telemetry.StatusFailure, 30*time.Minute)
	webFail.DurationSec = floatPtr(60)
	webFail.FinishedAt = timePtr(now.Add(-29 * time.Minute))

	apiOK := run(3, "api", telemetry.StatusSuccess, 40*time.Minute)
	apiOK.FinishedAt = timePtr(now.Add(-10 * time.Minute))

	apiRunning := run(4, "api", telemetry.StatusRunning, 5*time.Minute)

	summary := Compute(60, now.Add(-time.Hour), []telemetry.Run{webOK, webFail, apiOK, apiRunning})

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 2, summary.Success)
	assert.Equal(t, 1, summary.Failure)
	assert.InDelta(t, 0.5, summary.SuccessRate, 1e-9)
	require.NotNil(t, summary.AvgDurationSec)
	assert.InDelta(t, 90.0, *summary.AvgDurationSec, 1e-9)
	require.NotNil(t, summary.LastStatus)
	assert.Equal(t, telemetry.StatusRunning, *summary.LastStatus)
	require.NotNil(t, summary.LastFinishedAt)
	assert.True(t, summary.LastFinishedAt.Equal(now.Add(-10*time.Minute)))

	require.Len(t, summary.PerPipeline, 2)

	api := summary.PerPipeline[0]
	assert.Equal(t, "api", api.Pipeline)
	assert.Equal(t, 2, api.Total)
	assert.Equal(t, 1, api.Success)
	assert.Equal(t, 0, api.Failure)
	assert.InDelta(t, 0.5, api.SuccessRate, 1e-9)
	assert.Nil(t, api.AvgDurationSec)
	require.NotNil(t, api.LastStatus)
	assert.Equal(t, telemetry.StatusRunning, *api.LastStatus)

	web := summary.PerPipeline[1]
	assert.Equal(t, "web", web.Pipeline)
	assert.Equal(t, 2, web.Total)
	assert.Equal(t, 1, web.Failure)
	require.NotNil(t, web.AvgDurationSec)
	assert.InDelta(t, 90.0, *web.AvgDurationSec, 1e-9)
	require.NotNil(t, web.LastStatus)
	assert.Equal(t, telemetry.StatusFailure, *web.LastStatus)
	require.NotNil(t, web.LastFinishedAt)
	assert.True(t, web.LastFinishedAt.Equal(now.Add(-29*time.Minute)))
}

func TestCompute_ExcludesRunsBeforeWindow(t *testing.T) {
	runs := []telemetry.Run{
		run(1, "old", telemetry.StatusFailure, 2*time.Hour),
		run(2, "web", telemetry.StatusSuccess, 59*time.Minute),
	}

	summary := Compute(60, now.Add(-time.Hour), runs)

	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 0, summary.Failure)
	require.Len(t, summary.PerPipeline, 1)
	assert.Equal(t, "web", summary.PerPipeline[0].Pipeline)
}

func TestCompute_LastStatusTieBreaksOnID(t *testing.T) {
	a := run(10, "web", telemetry.StatusSuccess, time.Minute)
	b := run(11, "web", telemetry.StatusFailure, time.Minute)

	summary := Compute(60, now.Add(-time.Hour), []telemetry.Run{b, a})

	require.NotNil(t, summary.LastStatus)
	assert.Equal(t, telemetry.StatusFailure, *summary.LastStatus)
}

func TestCompute_SuccessRateBoundsAndRounding(t *testing.T) {
	runs := []telemetry.Run{
		run(1, "x", telemetry.StatusSuccess, time.Minute),
		run(2, "x", telemetry.StatusFailure, 2*time.Minute),
		run(3, "x", telemetry.StatusFailure, 3*time.Minute),
	}

	summary := Compute(60, now.Add(-time.Hour), runs)

	assert.Equal(t, 0.3333, summary.SuccessRate)
	assert.GreaterOrEqual(t, summary.SuccessRate, 0.0)
	assert.LessOrEqual(t, summary.SuccessRate, 1.0)
}

type fakeSource struct {
	runs  []telemetry.Run
	err   error
	since []time.Time
}

func (f *fakeSource) ListRunsSince(_ context.Context, since time.Time) ([]telemetry.Run, error) {
	f.since = append(f.since, since)

	return f.runs, f.err
}

func newTestAggregator(src RunSource) *Aggregator {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	agg := NewAggregator(log, src, 1440)
	agg.now = func() time.Time { return now }

	return agg
}

func TestAggregator_Summary(t *testing.T) {
	src := &fakeSource{runs: []telemetry.Run{
		run(1, "web", telemetry.StatusSuccess, time.Hour),
	}}
	agg := newTestAggregator(src)

	t.Run("default window", func(t *testing.T) {
		summary, err := agg.Summary(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, 1440, summary.WindowMinutes)
		assert.Equal(t, 1, summary.Total)
		assert.True(t, src.since[len(src.since)-1].Equal(now.Add(-24*time.Hour)))
	})

	t.Run("explicit window", func(t *testing.T) {
		summary, err := agg.Summary(context.Background(), 30)
		require.NoError(t, err)
		assert.Equal(t, 30, summary.WindowMinutes)
		assert.Equal(t, 0, summary.Total, "run older than the window is dropped")
		assert.True(t, src.since[len(src.since)-1].Equal(now.Add(-30*time.Minute)))
	})

	t.Run("idempotent", func(t *testing.T) {
		first, err := agg.Summary(context.Background(), 120)
		require.NoError(t, err)

		second, err := agg.Summary(context.Background(), 120)
		require.NoError(t, err)

		assert.Equal(t, first, second)
	})
}

func TestAggregator_SummarySourceError(t *testing.T) {
	boom := errors.New("database is locked")
	agg := newTestAggregator(&fakeSource{err: boom})

	_, err := agg.Summary(context.Background(), 60)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}
