package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/pipelinoor/pkg/telemetry"
)

const defaultTimeout = 10 * time.Second

// APIError is returned when the server answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running pipelinoor API server.
type Client interface {
	Health(ctx context.Context) error
	PostRun(ctx context.Context, ev telemetry.RunEvent) (*telemetry.Run, error)
	ListRuns(ctx context.Context, limit int) ([]telemetry.Run, error)
	Summary(ctx context.Context, minutes int) (*telemetry.SummaryMetrics, error)
}

// Ensure interface compliance.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		c.http = hc
	}
}

// New creates a Client for the server at baseURL.
func New(log logrus.FieldLogger, baseURL string, opts ...Option) Client {
	c := &client{
		log:     log.WithField("component", "client"),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// PostRun reports a single run event.
func (c *client) PostRun(
	ctx context.Context, ev telemetry.RunEvent,
) (*telemetry.Run, error) {
	var run telemetry.Run

	if err := c.do(ctx, http.MethodPost, "/api/events/run", ev, &run); err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"id":       run.ID,
		"pipeline": run.Pipeline,
		"status":   run.Status,
	}).Debug("Posted run")

	return &run, nil
}

func (c *client) ListRuns(ctx context.Context, limit int) ([]telemetry.Run, error) {
	path := "/api/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var runs []telemetry.Run

	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}

	return runs, nil
}

func (c *client) Summary(
	ctx context.Context, minutes int,
) (*telemetry.SummaryMetrics, error) {
	path := "/api/metrics/summary"
	if minutes > 0 {
		path += "?" + url.Values{"minutes": {strconv.Itoa(minutes)}}.Encode()
	}

	var summary telemetry.SummaryMetrics

	if err := c.do(ctx, http.MethodGet, path, nil, &summary); err != nil {
		return nil, err
	}

	return &summary, nil
}

// do sends a JSON request and decodes a JSON response into out when set.
func (c *client) do(
	ctx context.Context, method, path string, in, out any,
) error {
	var body io.Reader

	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error string `json:"error"`
	}

	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}

	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
