package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/pipelinoor/pkg/ingest"
	"github.com/ethpandaops/pipelinoor/pkg/telemetry"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 1000
	maxBodyBytes     = 1 << 20
)

// Timestamp layouts accepted on ingest. Values without a zone are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps validation failures to 400 and everything else to 500.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ingest.ErrInvalidEvent) {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	s.log.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	writeJSON(w, http.StatusInternalServerError,
		errorResponse{"internal server error"})
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// runEventRequest is the wire shape of POST /api/events/run.
type runEventRequest struct {
	Pipeline    string   `json:"pipeline"`
	Status      string   `json:"status"`
	StartedAt   *string  `json:"started_at"`
	FinishedAt  *string  `json:"finished_at"`
	DurationSec *float64 `json:"duration_sec"`
	Branch      *string  `json:"branch"`
	Commit      *string  `json:"commit"`
	TriggeredBy *string  `json:"triggered_by"`
}

func (req *runEventRequest) toEvent() (telemetry.RunEvent, error) {
	ev := telemetry.RunEvent{
		Pipeline:    req.Pipeline,
		Status:      telemetry.Status(strings.ToLower(strings.TrimSpace(req.Status))),
		DurationSec: req.DurationSec,
		Branch:      req.Branch,
		Commit:      req.Commit,
		TriggeredBy: req.TriggeredBy,
	}

	var err error

	if ev.StartedAt, err = parseTimestamp("started_at", req.StartedAt); err != nil {
		return ev, err
	}

	if ev.FinishedAt, err = parseTimestamp("finished_at", req.FinishedAt); err != nil {
		return ev, err
	}

	return ev, nil
}

func parseTimestamp(field string, raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}

	value := strings.TrimSpace(*raw)

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()

			return &t, nil
		}
	}

	return nil, fmt.Errorf("%w: %s is not an ISO-8601 timestamp: %q",
		ingest.ErrInvalidEvent, field, value)
}

// handleIngestRun records a single run event.
func (s *server) handleIngestRun(w http.ResponseWriter, r *http.Request) {
	var req runEventRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	ev, err := req.toEvent()
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	run, err := s.ingest.Ingest(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleListRuns returns the most recent runs, newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be an integer"})

			return
		}

		limit = min(max(v, 1), maxRunsLimit)
	}

	runs, err := s.store.ListRecentRuns(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if runs == nil {
		runs = []telemetry.Run{}
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleSummary returns windowed metrics.
func (s *server) handleSummary(w http.ResponseWriter, r *http.Request) {
	minutes := 0

	if raw := r.URL.Query().Get("minutes"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"minutes must be a positive integer"})

			return
		}

		minutes = v
	}

	summary, err := s.aggregator.Summary(r.Context(), minutes)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleSimulate ingests a batch of synthetic runs.
func (s *server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := ingest.SimulateParams{
		Count:    ingest.DefaultSimulateCount,
		FailRate: ingest.DefaultSimulateFailRate,
	}

	if raw := q.Get("count"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"count must be an integer"})

			return
		}

		params.Count = v
	}

	if raw := q.Get("fail_rate"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"fail_rate must be a number"})

			return
		}

		params.FailRate = v
	}

	params.Pipelines = splitList(q["pipelines"])

	created, err := s.ingest.Simulate(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"created": created,
	})
}

// splitList flattens repeated and comma-separated values, dropping blanks.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))

	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}

	return out
}
