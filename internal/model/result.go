package model

// MonthRecord is one month of a single trial trajectory. Trajectories are
// ephemeral: they are folded into the aggregators as soon as a trial
// finishes and are never persisted individually.
type MonthRecord struct {
	Revenue     float64
	Expenses    float64
	CashBalance float64
}

// PercentileSeries holds one per-month value array per reported percentile.
// Each array has exactly horizonMonths entries. For any fixed month the
// values are non-decreasing from P5 through P95.
type PercentileSeries struct {
	P5  []float64 `json:"p5"`
	P10 []float64 `json:"p10"`
	P25 []float64 `json:"p25"`
	P50 []float64 `json:"p50"`
	P75 []float64 `json:"p75"`
	P90 []float64 `json:"p90"`
	P95 []float64 `json:"p95"`
}

// PercentileLabels lists the reported percentiles in ascending order.
var PercentileLabels = []string{"p5", "p10", "p25", "p50", "p75", "p90", "p95"}

// ByLabel returns the series array for a percentile label ("p5".."p95").
func (s *PercentileSeries) ByLabel(label string) []float64 {
	switch label {
	case "p5":
		return s.P5
	case "p10":
		return s.P10
	case "p25":
		return s.P25
	case "p50":
		return s.P50
	case "p75":
		return s.P75
	case "p90":
		return s.P90
	case "p95":
		return s.P95
	}
	return nil
}

// PercentilesTable is the fan-chart payload. Cash balance is the primary
// series and its percentile arrays sit at the top level; revenue is the
// secondary series nested under "revenue". Presentation code reads this
// shape back verbatim.
type PercentilesTable struct {
	PercentileSeries

	Revenue PercentileSeries `json:"revenue"`
}

// SurvivalOverall summarizes cash exhaustion across all completed trials.
// ProbabilitySurvivingFullPeriod is a fraction in [0, 1].
// AverageMonthsToFailure is the mean exhaustion month over failing trials
// only; it is 0 when every trial survived.
type SurvivalOverall struct {
	ProbabilitySurvivingFullPeriod float64 `json:"probabilitySurvivingFullPeriod"`
	AverageMonthsToFailure         float64 `json:"averageMonthsToFailure"`
	TotalSimulations               int     `json:"totalSimulations"`
}

// RunwayThreshold is the share of trials, in percent, whose cash balance
// stayed non-negative through that threshold month.
type RunwayThreshold struct {
	Percentage float64 `json:"percentage"`
}

// SurvivalProbability is the cash-exhaustion section of a result bundle.
// RunwayThresholds is keyed "{n}_months" (e.g. "12_months") and contains
// only thresholds within the configured horizon.
type SurvivalProbability struct {
	Overall          SurvivalOverall            `json:"overall"`
	RunwayThresholds map[string]RunwayThreshold `json:"runwayThresholds"`
}

// SensitivityEntry is one tornado-chart bar: how far the terminal cash
// balance swings when a single driver varies across its sampling range
// while every other driver is held at baseline. Impacts are relative to
// the all-baseline terminal value; DownsideImpact is typically negative.
type SensitivityEntry struct {
	DriverID       string  `json:"driverId"`
	UpsideImpact   float64 `json:"upsideImpact"`
	DownsideImpact float64 `json:"downsideImpact"`
	TotalImpact    float64 `json:"totalImpact"`
}

// TopDriver is one explainability card: a top-ranked driver with its share
// of the total modeled impact and a templated description.
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

// ConfidenceMetrics quantifies forecast dispersion, computed from real
// trial data. MeanAbsoluteError is the mean absolute deviation of terminal
// cash from the median terminal cash; ValueAtRisk95 is the gap between the
// median and 5th-percentile terminal cash.
type ConfidenceMetrics struct {
	MeanAbsoluteError float64       `json:"meanAbsoluteError"`
	ValueAtRisk95     float64       `json:"valueAtRisk95"`
	TerminalCash      SeriesSummary `json:"terminalCash"`
	TerminalRevenue   SeriesSummary `json:"terminalRevenue"`
}

// RunMetadata records how a run actually executed. CompletedSimulations is
// RequestedSimulations minus DiscardedTrials; Seed is the effective seed
// (caller-supplied or engine-derived), so any run can be reproduced.
type RunMetadata struct {
	RequestedSimulations int    `json:"requestedSimulations"`
	CompletedSimulations int    `json:"completedSimulations"`
	DiscardedTrials      int    `json:"discardedTrials"`
	Seed                 int64  `json:"seed"`
	HorizonMonths        int    `json:"horizonMonths"`
	EngineVersion        string `json:"engineVersion"`
	DurationMS           int64  `json:"durationMs"`
}

// ResultBundle is the complete output of one simulation run. It is
// immutable once produced; the job layer stores it against a job ID and
// presentation code (fan charts, tornado charts, explainability cards)
// reads it back verbatim.
type ResultBundle struct {
	PercentilesTable    PercentilesTable    `json:"percentiles_table"`
	SurvivalProbability SurvivalProbability `json:"survival_probability"`
	TornadoData         []SensitivityEntry  `json:"tornadoData"`
	TopDrivers          []TopDriver         `json:"topDrivers"`
	ConfidenceMetrics   ConfidenceMetrics   `json:"confidence_metrics"`
	Metadata            RunMetadata         `json:"metadata"`
}
