package ingest

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/ethpandaops/pipelinoor/pkg/telemetry"
)

// Simulation limits.
const (
	DefaultSimulateCount    = 10
	DefaultSimulateFailRate = 0.25
	MaxSimulateCount        = 1000
)

// DefaultSimulatePipelines are used when no pipeline names are given.
var DefaultSimulatePipelines = []string{"web", "api"}

// SimulateParams controls a batch of synthetic run events.
type SimulateParams struct {
	Count     int
	FailRate  float64
	Pipelines []string
}

// Validate checks the parameters and fills in default pipelines.
func (p *SimulateParams) Validate() error {
	if p.Count < 0 || p.Count > MaxSimulateCount {
		return fmt.Errorf("%w: count must be between 0 and %d",
			ErrInvalidEvent, MaxSimulateCount)
	}

	if math.IsNaN(p.FailRate) || p.FailRate < 0 || p.FailRate > 1 {
		return fmt.Errorf("%w: fail_rate must be between 0 and 1", ErrInvalidEvent)
	}

	if len(p.Pipelines) == 0 {
		p.Pipelines = DefaultSimulatePipelines
	}

	return nil
}

// SyntheticEvent builds one random finished run event. Runs start within
// the last startSpread, last between minDur and maxDur, and fail with
// probability failRate.
func SyntheticEvent(
	rng *rand.Rand,
	now time.Time,
	pipelines []string,
	failRate float64,
	startSpread time.Duration,
	minDur, maxDur int,
	triggeredBy string,
) telemetry.RunEvent {
	status := telemetry.StatusSuccess
	if rng.Float64() < failRate {
		status = telemetry.StatusFailure
	}

	start := now.Add(-time.Duration(rng.Int64N(int64(startSpread/time.Minute)+1)) * time.Minute)
	dur := float64(minDur + rng.IntN(maxDur-minDur+1))
	finish := start.Add(time.Duration(dur) * time.Second)

	branch := "main"
	commit := fmt.Sprintf("%07x", rng.IntN(1<<28))

	return telemetry.RunEvent{
		Pipeline:    pipelines[rng.IntN(len(pipelines))],
		Status:      status,
		StartedAt:   &start,
		FinishedAt:  &finish,
		DurationSec: &dur,
		Branch:      &branch,
		Commit:      &commit,
		TriggeredBy: &triggeredBy,
	}
}

// Simulate ingests p.Count synthetic runs through the regular ingest path
// and returns how many were created.
func (s *Service) Simulate(ctx context.Context, p SimulateParams) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	rng := rand.New(rand.NewPCG(uint64(s.now().UnixNano()), 0x9e3779b97f4a7c15))
	created := 0

	for i := 0; i < p.Count; i++ {
		ev := SyntheticEvent(rng, s.now().UTC(), p.Pipelines, p.FailRate,
			180*time.Minute, 30, 600, "local-sim")

		if _, err := s.Ingest(ctx, ev); err != nil {
			return created, fmt.Errorf("simulated run %d: %w", i+1, err)
		}

		created++
	}

	s.log.WithField("created", created).Info("Simulated runs ingested")

	return created, nil
}
