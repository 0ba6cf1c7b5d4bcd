package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ethpandaops/pipelinoor/pkg/telemetry"
	"github.com/sirupsen/logrus"
)

// RunSource supplies the runs started inside a window.
type RunSource interface {
	ListRunsSince(ctx context.Context, since time.Time) ([]telemetry.Run, error)
}

// Aggregator computes summary metrics on demand. Nothing is cached; each
// call re-reads the window from the source.
type Aggregator struct {
	log           logrus.FieldLogger
	source        RunSource
	defaultWindow int
	now           func() time.Time
}

// NewAggregator creates an Aggregator. defaultWindow is used whenever a
// caller does not ask for a specific window.
func NewAggregator(
	log logrus.FieldLogger,
	source RunSource,
	defaultWindow int,
) *Aggregator {
	return &Aggregator{
		log:           log.WithField("component", "metrics"),
		source:        source,
		defaultWindow: defaultWindow,
		now:           time.Now,
	}
}

// DefaultWindow returns the window in minutes used when none is given.
func (a *Aggregator) DefaultWindow() int {
	return a.defaultWindow
}

// Summary computes metrics over the trailing window of minutes. A value of
// zero or less selects the default window.
func (a *Aggregator) Summary(
	ctx context.Context, minutes int,
) (telemetry.SummaryMetrics, error) {
	if minutes <= 0 {
		minutes = a.defaultWindow
	}

	windowStart := a.now().UTC().Add(-time.Duration(minutes) * time.Minute)

	runs, err := a.source.ListRunsSince(ctx, windowStart)
	if err != nil {
		return telemetry.SummaryMetrics{}, fmt.Errorf("loading window: %w", err)
	}

	summary := Compute(minutes, windowStart, runs)

	a.log.WithFields(logrus.Fields{
		"window_minutes": minutes,
		"total":          summary.Total,
		"pipelines":      len(summary.PerPipeline),
	}).Debug("Computed summary")

	return summary, nil
}

// bucket accumulates the aggregates shared by the overall and
// per-pipeline views.
type bucket struct {
	total, success, failure int
	durationSum             float64
	durationCount           int
	last                    *telemetry.Run
	lastFinished            *time.Time
}

func (b *bucket) add(r *telemetry.Run) {
	b.total++

	switch r.Status {
	case telemetry.StatusSuccess:
		b.success++
	case telemetry.StatusFailure:
		b.failure++
	case telemetry.StatusRunning:
	}

	if r.DurationSec != nil {
		b.durationSum += *r.DurationSec
		b.durationCount++
	}

	if b.last == nil || r.StartedAt.After(b.last.StartedAt) ||
		(r.StartedAt.Equal(b.last.StartedAt) && r.ID > b.last.ID) {
		b.last = r
	}

	if r.FinishedAt != nil && (b.lastFinished == nil || r.FinishedAt.After(*b.lastFinished)) {
		t := *r.FinishedAt
		b.lastFinished = &t
	}
}

func (b *bucket) successRate() float64 {
	if b.total == 0 {
		return 0
	}

	return round4(float64(b.success) / float64(b.total))
}

func (b *bucket) avgDuration() *float64 {
	if b.durationCount == 0 {
		return nil
	}

	avg := b.durationSum / float64(b.durationCount)

	return &avg
}

func (b *bucket) lastStatus() *telemetry.Status {
	if b.last == nil {
		return nil
	}

	s := b.last.Status

	return &s
}

// Compute derives summary metrics from the runs of a window. Runs started
// before windowStart are ignored. Pipelines without runs in the window do
// not appear in the per-pipeline breakdown, which is sorted by name.
func Compute(
	windowMinutes int,
	windowStart time.Time,
	runs []telemetry.Run,
) telemetry.SummaryMetrics {
	var overall bucket

	perPipeline := make(map[string]*bucket, 8)

	for i := range runs {
		r := &runs[i]
		if r.StartedAt.Before(windowStart) {
			continue
		}

		overall.add(r)

		b, ok := perPipeline[r.Pipeline]
		if !ok {
			b = &bucket{}
			perPipeline[r.Pipeline] = b
		}

		b.add(r)
	}

	names := make([]string, 0, len(perPipeline))
	for name := range perPipeline {
		names = append(names, name)
	}

	sort.Strings(names)

	breakdown := make([]telemetry.PipelineMetrics, 0, len(names))

	for _, name := range names {
		b := perPipeline[name]
		breakdown = append(breakdown, telemetry.PipelineMetrics{
			Pipeline:       name,
			Total:          b.total,
			Success:        b.success,
			Failure:        b.failure,
			SuccessRate:    b.successRate(),
			AvgDurationSec: b.avgDuration(),
			LastStatus:     b.lastStatus(),
			LastFinishedAt: b.lastFinished,
		})
	}

	return telemetry.SummaryMetrics{
		WindowMinutes:  windowMinutes,
		Total:          overall.total,
		Success:        overall.success,
		Failure:        overall.failure,
		SuccessRate:    overall.successRate(),
		AvgDurationSec: overall.avgDuration(),
		LastStatus:     overall.lastStatus(),
		LastFinishedAt: overall.lastFinished,
		PerPipeline:    breakdown,
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
