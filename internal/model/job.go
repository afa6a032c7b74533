package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a simulation job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs never
// transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job error codes recorded on failed jobs.
const (
	JobErrValidation = "VALIDATION_ERROR"
	JobErrIntegrity  = "SIMULATION_INTEGRITY"
	JobErrTimeout    = "TIMEOUT"
	JobErrInternal   = "INTERNAL"
)

// Log levels for job log entries.
const (
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// JobLogEntry is one free-form diagnostic line attached to a job
// (discarded-trial warnings, timeout notes, integrity detail).
type JobLogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// SimulationJob is a durable simulation request and its lifecycle state.
// Progress is trials completed over trials requested, in [0,1].
type SimulationJob struct {
	ID           uuid.UUID        `json:"id"`
	Status       JobStatus        `json:"status"`
	Progress     float64          `json:"progress"`
	Config       SimulationConfig `json:"config"`
	Logs         []JobLogEntry    `json:"logs,omitempty"`
	ErrorCode    *string          `json:"error_code,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`

	// CancelRequested is the cooperative-cancellation flag. The claim
	// worker observes it at batch boundaries via progress updates.
	CancelRequested bool `json:"-"`

	// IdempotencyKey and ConfigHash make POST retries safe: a replayed
	// key returns this job, a reused key with a different hash is a
	// conflict. Never serialized to clients.
	IdempotencyKey *string `json:"-"`
	ConfigHash     string  `json:"-"`
}

// JobEvent is a job lifecycle transition broadcast over the events stream.
type JobEvent struct {
	JobID    uuid.UUID `json:"job_id"`
	Status   JobStatus `json:"status"`
	Progress float64   `json:"progress"`
	At       time.Time `json:"at"`
}

// JobCounts is a point-in-time census of jobs by status.
type JobCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
