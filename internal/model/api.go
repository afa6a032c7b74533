package model

import (
	"time"
)

// APIResponse is the envelope wrapping every successful response body.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the envelope for paginated list endpoints. Total is
// the unfiltered row count, so has_more = offset+len(data) < total.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta carries per-request metadata echoed in every envelope.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. Details carries structured payloads
// such as the per-field issue list of a ValidationError.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Stable machine-readable codes carried in ErrorDetail.Code.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeNotReady      = "NOT_READY"
)

// ValidateConfigResponse is the response for POST /v1/simulations/validate.
// Issues is empty when the config is valid.
type ValidateConfigResponse struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}

// VersionResponse is the response for GET /version. EngineVersion is the
// simulation engine version stamped into result metadata, which moves
// independently of the service version.
type VersionResponse struct {
	Version       string `json:"version"`
	EngineVersion string `json:"engine_version"`
}

// EngineStatsResponse is the response for GET /v1/engine/stats.
type EngineStatsResponse struct {
	Jobs               JobCounts `json:"jobs"`
	Workers            int       `json:"workers"`
	TrialWorkers       int       `json:"trial_workers"`
	BatchSize          int       `json:"batch_size"`
	SensitivitySamples int       `json:"sensitivity_samples"`
}
