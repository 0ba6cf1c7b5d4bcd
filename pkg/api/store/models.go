package store

import (
	"time"

	"github.com/ethpandaops/pipelinoor/pkg/telemetry"
)

// Pipeline is a named, recurring unit of CI/CD work.
type Pipeline struct {
	ID        uint      `gorm:"primaryKey"`
	Name      string    `gorm:"uniqueIndex;not null;size:255"`
	CreatedAt time.Time `gorm:"not null"`
	Runs      []Run     `gorm:"constraint:OnDelete:CASCADE;"`
}

// Run is a single recorded pipeline execution. Rows are append-only.
type Run struct {
	ID          uint       `gorm:"primaryKey"`
	PipelineID  uint       `gorm:"not null;index"`
	Status      string     `gorm:"not null;size:16;index"`
	StartedAt   time.Time  `gorm:"not null;index"`
	FinishedAt  *time.Time `gorm:"index"`
	DurationSec *float64
	Branch      *string
	Commit      *string `gorm:"column:commit_sha"`
	TriggeredBy *string
}

// runRow is a Run joined with its pipeline name.
type runRow struct {
	Run
	PipelineName string
}

// NewRun builds a Run record for pipelineID with the status stored in its
// column representation.
func NewRun(pipelineID uint, status telemetry.Status) *Run {
	return &Run{
		PipelineID: pipelineID,
		Status:     string(status),
	}
}

// View converts the record into its API representation.
func (r *Run) View(pipeline string) telemetry.Run {
	status, err := telemetry.ParseStatus(r.Status)
	if err != nil {
		status = telemetry.Status(r.Status)
	}

	return telemetry.Run{
		ID:          r.ID,
		Pipeline:    pipeline,
		Status:      status,
		StartedAt:   r.StartedAt.UTC(),
		FinishedAt:  utcPtr(r.FinishedAt),
		DurationSec: r.DurationSec,
		Branch:      r.Branch,
		Commit:      r.Commit,
		TriggeredBy: r.TriggeredBy,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	u := t.UTC()

	return &u
}
