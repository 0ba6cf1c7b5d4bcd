package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/pipelinoor/pkg/alert"
	"github.com/ethpandaops/pipelinoor/pkg/api/store"
	"github.com/ethpandaops/pipelinoor/pkg/telemetry"
	"github.com/sirupsen/logrus"
)

// maxPipelineName matches the pipelines.name column size.
const maxPipelineName = 255

// ErrInvalidEvent is returned for run events that fail validation.
var ErrInvalidEvent = errors.New("invalid run event")

// RunWriter is the subset of the store used on the ingest path.
type RunWriter interface {
	UpsertPipeline(ctx context.Context, name string) (*store.Pipeline, error)
	InsertRun(ctx context.Context, run *store.Run) error
}

// Summarizer produces the default-window summary pushed after each ingest.
type Summarizer interface {
	Summary(ctx context.Context, minutes int) (telemetry.SummaryMetrics, error)
}

// Broadcaster fans an event out to realtime subscribers.
type Broadcaster interface {
	Broadcast(event any) int
}

// Service records run events and notifies alerting and subscribers.
type Service struct {
	log         logrus.FieldLogger
	runs        RunWriter
	summarizer  Summarizer
	broadcaster Broadcaster
	notifier    alert.Notifier
	now         func() time.Time
	pushes      sync.WaitGroup
}

// NewService creates an ingest Service.
func NewService(
	log logrus.FieldLogger,
	runs RunWriter,
	summarizer Summarizer,
	broadcaster Broadcaster,
	notifier alert.Notifier,
) *Service {
	if notifier == nil {
		notifier = alert.Noop{}
	}

	return &Service{
		log:         log.WithField("component", "ingest"),
		runs:        runs,
		summarizer:  summarizer,
		broadcaster: broadcaster,
		notifier:    notifier,
		now:         time.Now,
	}
}

// Validate checks ev and trims its pipeline name in place.
func Validate(ev *telemetry.RunEvent) error {
	ev.Pipeline = strings.TrimSpace(ev.Pipeline)

	switch {
	case ev.Pipeline == "":
		return fmt.Errorf("%w: pipeline is required", ErrInvalidEvent)
	case len(ev.Pipeline) > maxPipelineName:
		return fmt.Errorf("%w: pipeline name exceeds %d characters",
			ErrInvalidEvent, maxPipelineName)
	case !ev.Status.Valid():
		return fmt.Errorf("%w: status must be one of success, failure, running (got %q)",
			ErrInvalidEvent, ev.Status)
	case ev.DurationSec != nil && *ev.DurationSec < 0:
		return fmt.Errorf("%w: duration_sec must not be negative", ErrInvalidEvent)
	case ev.StartedAt != nil && ev.FinishedAt != nil && ev.FinishedAt.Before(*ev.StartedAt):
		return fmt.Errorf("%w: finished_at must not be before started_at", ErrInvalidEvent)
	}

	return nil
}

// Ingest validates and persists ev, sends a failure alert when needed and
// schedules a metrics push. The push runs in the background and never
// affects the result.
func (s *Service) Ingest(
	ctx context.Context, ev telemetry.RunEvent,
) (telemetry.Run, error) {
	if err := Validate(&ev); err != nil {
		return telemetry.Run{}, err
	}

	pipeline, err := s.runs.UpsertPipeline(ctx, ev.Pipeline)
	if err != nil {
		return telemetry.Run{}, fmt.Errorf("resolving pipeline: %w", err)
	}

	record := s.normalize(pipeline.ID, ev)

	if err := s.runs.InsertRun(ctx, record); err != nil {
		return telemetry.Run{}, fmt.Errorf("storing run: %w", err)
	}

	view := record.View(pipeline.Name)

	s.log.WithFields(logrus.Fields{
		"pipeline": view.Pipeline,
		"status":   view.Status,
		"run_id":   view.ID,
	}).Debug("Run ingested")

	if view.Status == telemetry.StatusFailure {
		subject, body := failureAlert(&view)
		s.notifier.SendFailureAlert(context.WithoutCancel(ctx), subject, body)
	}

	s.pushSummaryAsync()

	return view, nil
}

// normalize builds the run record, defaulting timestamps for finished
// runs and deriving the duration when it was not reported.
func (s *Service) normalize(pipelineID uint, ev telemetry.RunEvent) *store.Run {
	now := s.now().UTC()

	record := store.NewRun(pipelineID, ev.Status)
	record.StartedAt = now
	record.Branch = ev.Branch
	record.Commit = ev.Commit
	record.TriggeredBy = ev.TriggeredBy

	if ev.StartedAt != nil {
		record.StartedAt = ev.StartedAt.UTC()
	}

	if ev.FinishedAt != nil {
		finished := ev.FinishedAt.UTC()
		record.FinishedAt = &finished
	}

	if ev.Status.Terminal() && record.FinishedAt == nil {
		record.FinishedAt = &now
	}

	record.DurationSec = ev.DurationSec
	if record.DurationSec == nil && record.FinishedAt != nil {
		// A started_at in the future with finished_at defaulted to now.
		d := max(record.FinishedAt.Sub(record.StartedAt).Seconds(), 0)
		record.DurationSec = &d
	}

	return record
}

func failureAlert(run *telemetry.Run) (string, string) {
	at := run.StartedAt
	if run.FinishedAt != nil {
		at = *run.FinishedAt
	}

	finished := "n/a"
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Format(time.RFC3339)
	}

	duration := "n/a"
	if run.DurationSec != nil {
		d := time.Duration(*run.DurationSec * float64(time.Second))
		duration = fmt.Sprintf("%.1f (%s)", *run.DurationSec, units.HumanDuration(d))
	}

	subject := fmt.Sprintf("[CI/CD] Failure: %s @ %s", run.Pipeline, at.Format(time.RFC3339))

	var b strings.Builder

	fmt.Fprintf(&b, "Pipeline: %s\n", run.Pipeline)
	b.WriteString("Status: FAILURE\n")
	fmt.Fprintf(&b, "Started: %s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Finished: %s\n", finished)
	fmt.Fprintf(&b, "Duration(s): %s", duration)

	if run.Branch != nil {
		fmt.Fprintf(&b, "\nBranch: %s", *run.Branch)
	}

	if run.Commit != nil {
		fmt.Fprintf(&b, "\nCommit: %s", *run.Commit)
	}

	return subject, b.String()
}

// pushSummaryAsync recomputes the default summary and broadcasts it on a
// separate goroutine.
func (s *Service) pushSummaryAsync() {
	s.pushes.Add(1)

	go func() {
		defer s.pushes.Done()

		if err := s.BroadcastSummary(context.Background()); err != nil {
			s.log.WithError(err).Warn("Failed to push metrics update")
		}
	}()
}

// BroadcastSummary recomputes the default-window summary and pushes it to
// every subscriber as a metrics_update event.
func (s *Service) BroadcastSummary(ctx context.Context) error {
	summary, err := s.summarizer.Summary(ctx, 0)
	if err != nil {
		return fmt.Errorf("computing summary: %w", err)
	}

	delivered := s.broadcaster.Broadcast(telemetry.Event{
		Type:    telemetry.EventTypeMetricsUpdate,
		Payload: summary,
	})

	s.log.WithField("delivered", delivered).Debug("Metrics update pushed")

	return nil
}

// Wait blocks until every background metrics push has finished.
func (s *Service) Wait() {
	s.pushes.Wait()
}
