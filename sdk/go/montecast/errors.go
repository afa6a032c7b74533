// Package montecast provides a Go client for the Montecast simulation API.
package montecast

import (
	"errors"
	"fmt"
)

// Error represents an error from the Montecast API with the HTTP status
// code and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("montecast: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404: the job never existed or
// was purged by retention.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsNotReady returns true if the error means the simulation is still
// queued or running; poll again later (or use WaitForResult).
func IsNotReady(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "NOT_READY"
	}
	return false
}

// IsInvalidInput returns true if the server rejected the request body or
// simulation config.
func IsInvalidInput(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "INVALID_INPUT"
	}
	return false
}

// IsConflict returns true if the error is a 409: an idempotency key reused
// with a different config, a cancel on a finished job, or a result request
// for a failed one.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsRateLimited returns true if the error is a 429; back off and retry.
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsOverloaded returns true if the server rejected the submission because
// its job queue is full (503). Retry with backoff.
func IsOverloaded(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 503
	}
	return false
}

// JobError is returned by WaitForResult when the job reached a terminal
// state other than done. The full job record, including its error code
// and diagnostic logs, is attached.
type JobError struct {
	Job Job
}

func (e *JobError) Error() string {
	if e.Job.Status == JobCancelled {
		return fmt.Sprintf("montecast: job %s was cancelled", e.Job.ID)
	}
	code, message := "unknown", ""
	if e.Job.ErrorCode != nil {
		code = *e.Job.ErrorCode
	}
	if e.Job.ErrorMessage != nil {
		message = *e.Job.ErrorMessage
	}
	return fmt.Sprintf("montecast: job %s failed: %s: %s", e.Job.ID, code, message)
}
