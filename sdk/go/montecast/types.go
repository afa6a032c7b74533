package montecast

import (
	"time"

	"github.com/google/uuid"
)

// Supported sampling distributions.
const (
	DistributionNormal     = "normal"
	DistributionLognormal  = "lognormal"
	DistributionTriangular = "triangular"
)

// Impact weight labels. Informational only; they never affect sampling.
const (
	ImpactHigh   = "high"
	ImpactMedium = "medium"
	ImpactLow    = "low"
)

// DriverSpec describes one uncertain business input and its distribution.
// The server requires min <= mean <= max and stdDev >= 0; for triangular
// distributions mean is used as the mode and stdDev is ignored.
type DriverSpec struct {
	ID           string  `json:"id"`
	Distribution string  `json:"distribution"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"stdDev"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Unit         string  `json:"unit,omitempty"`
	ImpactWeight string  `json:"impactWeight,omitempty"`
}

// SimulationConfig is the complete description of one simulation request.
type SimulationConfig struct {
	NumSimulations int                   `json:"numSimulations"`
	HorizonMonths  int                   `json:"horizonMonths"`
	Drivers        map[string]DriverSpec `json:"drivers"`

	// BaselineAssumptions is passed through to the server's projection
	// formula untouched.
	BaselineAssumptions map[string]any `json:"baselineAssumptions,omitempty"`

	// Seed makes runs bit-reproducible when set. When nil the server
	// derives a seed and echoes it in the result metadata.
	Seed *int64 `json:"seed,omitempty"`
}

// JobStatus is a simulation job's lifecycle state.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobLogEntry is one diagnostic line attached to a job by the server.
type JobLogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Job is a simulation job and its lifecycle state. Progress is trials
// completed over trials requested, in [0,1].
type Job struct {
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
}

// JobList is one page of jobs, newest first.
type JobList struct {
	Jobs    []Job
	Total   int
	HasMore bool
	Limit   int
	Offset  int
}

// PercentileSeries holds one per-month value array per reported percentile.
type PercentileSeries struct {
	P5  []float64 `json:"p5"`
	P10 []float64 `json:"p10"`
	P25 []float64 `json:"p25"`
	P50 []float64 `json:"p50"`
	P75 []float64 `json:"p75"`
	P90 []float64 `json:"p90"`
	P95 []float64 `json:"p95"`
}

// PercentilesTable is the fan-chart payload. Cash balance percentiles sit
// at the top level; revenue is nested under "revenue".
type PercentilesTable struct {
	PercentileSeries

	Revenue PercentileSeries `json:"revenue"`
}

// SurvivalOverall summarizes cash exhaustion across all completed trials.
// ProbabilitySurvivingFullPeriod is a fraction in [0, 1].
type SurvivalOverall struct {
	ProbabilitySurvivingFullPeriod float64 `json:"probabilitySurvivingFullPeriod"`
	AverageMonthsToFailure         float64 `json:"averageMonthsToFailure"`
	TotalSimulations               int     `json:"totalSimulations"`
}

// RunwayThreshold is the share of trials, in percent, that survived
// through one threshold month.
type RunwayThreshold struct {
	Percentage float64 `json:"percentage"`
}

// SurvivalProbability is the cash-exhaustion section of a result bundle.
// RunwayThresholds is keyed "{n}_months" (e.g. "12_months").
type SurvivalProbability struct {
	Overall          SurvivalOverall            `json:"overall"`
	RunwayThresholds map[string]RunwayThreshold `json:"runwayThresholds"`
}

// SensitivityEntry is one tornado-chart bar.
type SensitivityEntry struct {
	DriverID       string  `json:"driverId"`
	UpsideImpact   float64 `json:"upsideImpact"`
	DownsideImpact float64 `json:"downsideImpact"`
	TotalImpact    float64 `json:"totalImpact"`
}

// TopDriver is one explainability card for a top-ranked driver.
type TopDriver struct {
	DriverID        string  `json:"driverId"`
	ContributionPct float64 `json:"contributionPct"`
	Description     string  `json:"description"`
}

// SeriesSummary holds terminal-month summary statistics for one series.
type SeriesSummary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// ConfidenceMetrics quantifies the spread of terminal outcomes.
type ConfidenceMetrics struct {
	MeanAbsoluteError float64       `json:"meanAbsoluteError"`
	ValueAtRisk95     float64       `json:"valueAtRisk95"`
	TerminalCash      SeriesSummary `json:"terminalCash"`
	TerminalRevenue   SeriesSummary `json:"terminalRevenue"`
}

// RunMetadata records how a run actually executed.
type RunMetadata struct {
	RequestedSimulations int    `json:"requestedSimulations"`
	CompletedSimulations int    `json:"completedSimulations"`
	DiscardedTrials      int    `json:"discardedTrials"`
	Seed                 int64  `json:"seed"`
	HorizonMonths        int    `json:"horizonMonths"`
	EngineVersion        string `json:"engineVersion"`
	DurationMS           int64  `json:"durationMs"`
}

// ResultBundle is the complete output of one simulation run.
type ResultBundle struct {
	PercentilesTable    PercentilesTable    `json:"percentiles_table"`
	SurvivalProbability SurvivalProbability `json:"survival_probability"`
	TornadoData         []SensitivityEntry  `json:"tornadoData"`
	TopDrivers          []TopDriver         `json:"topDrivers"`
	ConfidenceMetrics   ConfidenceMetrics   `json:"confidence_metrics"`
	Metadata            RunMetadata         `json:"metadata"`
}

// ValidationIssue is one field-level problem in a simulation config.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateResponse is the outcome of a dry-run config validation.
type ValidateResponse struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues"`
}

// Health is the server's health report.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}

// Version reports the service and engine versions.
type Version struct {
	Version       string `json:"version"`
	EngineVersion string `json:"engine_version"`
}

// JobCounts is a point-in-time census of jobs by status.
type JobCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// EngineStats describes the server's queue depth and worker configuration.
type EngineStats struct {
	Jobs               JobCounts `json:"jobs"`
	Workers            int       `json:"workers"`
	TrialWorkers       int       `json:"trial_workers"`
	BatchSize          int       `json:"batch_size"`
	SensitivitySamples int       `json:"sensitivity_samples"`
}
