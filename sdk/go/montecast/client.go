package montecast

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

	"github.com/google/uuid"
)

// Config carries the knobs for constructing a Client.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string

	// HTTPClient, when non-nil, replaces the built-in client (and makes
	// Timeout moot). Useful for custom transports and test doubles.
	HTTPClient *http.Client

	// Timeout bounds each API request when HTTPClient is nil.
	// Zero means 30 seconds.
	Timeout time.Duration
}

// Client talks to the Montecast simulation API. A single Client may be
// shared freely across goroutines.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient validates cfg and returns a ready Client. BaseURL is the
// only required field.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("montecast: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// CreateOption customizes a CreateSimulation call.
type CreateOption func(*createOptions)

type createOptions struct {
	idempotencyKey string
}

// WithIdempotencyKey makes the submission retry-safe: resubmitting the
// same key with the same config returns the original job instead of
// enqueueing a duplicate.
func WithIdempotencyKey(key string) CreateOption {
	return func(o *createOptions) { o.idempotencyKey = key }
}

// CreateSimulation enqueues a simulation run and returns the queued job.
// The simulation executes asynchronously; poll GetSimulation or call
// WaitForResult to retrieve the outcome.
func (c *Client) CreateSimulation(ctx context.Context, cfg SimulationConfig, opts ...CreateOption) (*Job, error) {
	o := createOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	var headers http.Header
	if o.idempotencyKey != "" {
		headers = http.Header{"Idempotency-Key": []string{o.idempotencyKey}}
	}

	var job Job
	if err := c.send(ctx, http.MethodPost, "/v1/simulations", cfg, headers, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetSimulation retrieves a job's current state and progress.
func (c *Client) GetSimulation(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	if err := c.get(ctx, "/v1/simulations/"+id.String(), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListOptions are optional filters for the ListSimulations method.
type ListOptions struct {
	Status JobStatus
	Limit  int
	Offset int
}

// ListSimulations returns one page of jobs, newest first.
func (c *Client) ListSimulations(ctx context.Context, opts *ListOptions) (*JobList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/simulations"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	// The list response carries pagination at the top level, not inside
	// "data", so decode the whole body rather than going through send.
	body, err := c.fetchBody(ctx, path)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Data    []Job `json:"data"`
		Total   int   `json:"total"`
		HasMore bool  `json:"has_more"`
		Limit   int   `json:"limit"`
		Offset  int   `json:"offset"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("montecast: decode list response: %w", err)
	}

	return &JobList{
		Jobs:    envelope.Data,
		Total:   envelope.Total,
		HasMore: envelope.HasMore,
		Limit:   envelope.Limit,
		Offset:  envelope.Offset,
	}, nil
}

// GetResult retrieves the full result bundle of a finished simulation.
// While the job is still queued or running the server answers 409 with
// code NOT_READY; detect that with IsNotReady and poll again, or use
// WaitForResult.
func (c *Client) GetResult(ctx context.Context, id uuid.UUID) (*ResultBundle, error) {
	var bundle ResultBundle
	if err := c.get(ctx, "/v1/simulations/"+id.String()+"/result", &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Cancel requests cancellation of a queued or running simulation and
// returns the job. Cancelling a running job is cooperative: the server
// stops it at the next batch boundary, so the returned status may still
// be "running" with the cancellation pending.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	if err := c.del(ctx, "/v1/simulations/"+id.String(), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Validate dry-runs config validation without enqueueing anything.
// An invalid config is not an error at this level: inspect
// ValidateResponse.Issues.
func (c *Client) Validate(ctx context.Context, cfg SimulationConfig) (*ValidateResponse, error) {
	var resp ValidateResponse
	if err := c.post(ctx, "/v1/simulations/validate", cfg, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EngineStats returns the server's queue depth and worker configuration.
func (c *Client) EngineStats(ctx context.Context) (*EngineStats, error) {
	var stats EngineStats
	if err := c.get(ctx, "/v1/engine/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Health checks the server's health, including database connectivity.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Version returns the service and engine versions.
func (c *Client) Version(ctx context.Context) (*Version, error) {
	var v Version
	if err := c.get(ctx, "/version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// WaitForResult polls until the job reaches a terminal state, then
// returns its result bundle. A job that failed or was cancelled yields a
// *JobError. pollInterval <= 0 defaults to two seconds; ctx bounds the
// total wait.
func (c *Client) WaitForResult(ctx context.Context, id uuid.UUID, pollInterval time.Duration) (*ResultBundle, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := c.GetSimulation(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			if job.Status != JobDone {
				return nil, &JobError{Job: *job}
			}
			return c.GetResult(ctx, id)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ---------------------------------------------------------------------------
// Wire plumbing
// ---------------------------------------------------------------------------

// apiEnvelope matches the {"data": ...} wrapper on success responses.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope matches the {"error": {...}} wrapper on failures.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPost, path, body, nil, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.send(ctx, http.MethodGet, path, nil, nil, dest)
}

func (c *Client) del(ctx context.Context, path string, dest any) error {
	return c.send(ctx, http.MethodDelete, path, nil, nil, dest)
}

// send issues one API call. A non-nil dest receives the payload found
// inside the data envelope.
func (c *Client) send(ctx context.Context, method, path string, body any, headers http.Header, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("montecast: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("montecast: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("montecast: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return decodeResponse(resp, dest)
}

// fetchBody issues a GET and returns the raw body, for the endpoints
// whose payload is not wrapped in a data envelope.
func (c *Client) fetchBody(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("montecast: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("montecast: GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("montecast: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, errorFromResponse(resp.StatusCode, body)
	}
	return body, nil
}

func decodeResponse(resp *http.Response, dest any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("montecast: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return errorFromResponse(resp.StatusCode, body)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("montecast: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		// Not enveloped; take the body as-is.
		return json.Unmarshal(body, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

// errorFromResponse turns a non-2xx response into an *Error, falling
// back to the raw body when it is not the standard error envelope.
func errorFromResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
