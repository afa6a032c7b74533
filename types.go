package montecast

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is a simulation job's lifecycle state.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is the public representation of a simulation job.
// It is a curated view of the internal job record for use in extension
// interfaces, with no internal package imports, so it is safe to use
// from outside the module.
type Job struct {
	ID           uuid.UUID
	Status       JobStatus
	Progress     float64
	ErrorCode    string // empty unless Status is failed
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// MonthRecord is one projected month of a single simulation trial.
type MonthRecord struct {
	Revenue     float64
	Expenses    float64
	CashBalance float64
}

// Result is a curated view of a finished simulation's outputs.
// The headline numbers are pre-extracted for hooks that only forward a
// summary; Raw carries the complete result document as JSON for consumers
// that need every percentile series.
type Result struct {
	// SurvivalProbability is the fraction of trials whose cash balance
	// stayed non-negative through the full horizon, in [0, 1].
	SurvivalProbability float64
	// MedianTerminalCash is the 50th-percentile cash balance in the final
	// projected month.
	MedianTerminalCash float64
	// ValueAtRisk95 is the gap between the median and 5th-percentile
	// terminal cash balance.
	ValueAtRisk95 float64
	// TopDrivers lists driver IDs by modeled influence on terminal cash,
	// most influential first.
	TopDrivers []string

	CompletedSimulations int
	DiscardedTrials      int
	// Seed is the effective seed the run executed with; replaying it with
	// the same configuration reproduces the run bit for bit.
	Seed int64

	Raw json.RawMessage
}
