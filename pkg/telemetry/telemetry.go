package telemetry

import (
	"fmt"
	"time"
)

// Status is the state reported for a pipeline run.
type Status string

// Run status constants.
const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusRunning Status = "running"
)

// ParseStatus converts a raw string into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusSuccess, StatusFailure, StatusRunning:
		return st, nil
	default:
		return "", fmt.Errorf("unknown run status %q", s)
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))

	return err == nil
}

// Terminal reports whether the run has finished.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// RunEvent is an incoming report of a pipeline run.
type RunEvent struct {
	Pipeline    string     `json:"pipeline"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationSec *float64   `json:"duration_sec,omitempty"`
	Branch      *string    `json:"branch,omitempty"`
	Commit      *string    `json:"commit,omitempty"`
	TriggeredBy *string    `json:"triggered_by,omitempty"`
}

// Run is a persisted pipeline run as returned to API consumers.
type Run struct {
	ID          uint       `json:"id"`
	Pipeline    string     `json:"pipeline"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	DurationSec *float64   `json:"duration_sec"`
	Branch      *string    `json:"branch"`
	Commit      *string    `json:"commit"`
	TriggeredBy *string    `json:"triggered_by"`
}

// PipelineMetrics holds windowed aggregates for a single pipeline.
type PipelineMetrics struct {
	Pipeline       string     `json:"pipeline"`
	Total          int        `json:"total"`
	Success        int        `json:"success"`
	Failure        int        `json:"failure"`
	SuccessRate    float64    `json:"success_rate"`
	AvgDurationSec *float64   `json:"avg_duration_sec"`
	LastStatus     *Status    `json:"last_status"`
	LastFinishedAt *time.Time `json:"last_finished_at"`
}

// SummaryMetrics holds windowed aggregates across all pipelines.
type SummaryMetrics struct {
	WindowMinutes  int               `json:"window_minutes"`
	Total          int               `json:"total"`
	Success        int               `json:"success"`
	Failure        int               `json:"failure"`
	SuccessRate    float64           `json:"success_rate"`
	AvgDurationSec *float64          `json:"avg_duration_sec"`
	LastStatus     *Status           `json:"last_status"`
	LastFinishedAt *time.Time        `json:"last_finished_at"`
	PerPipeline    []PipelineMetrics `json:"per_pipeline"`
}

// EventTypeMetricsUpdate is the push event type carrying a SummaryMetrics.
const EventTypeMetricsUpdate = "metrics_update"

// Event is a message pushed to realtime subscribers.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}
