package analyze

import (
	"math"

	"github.com/montecast-ai/montecast/internal/model"
)

// Confidence computes forecast dispersion metrics from the sorted
// terminal-month values of the two tracked series.
//
// MeanAbsoluteError is the mean absolute deviation of terminal cash from
// its median: the expected miss of the median forecast in dollars.
// ValueAtRisk95 is how far below the median the 5th-percentile outcome
// sits, the shortfall not exceeded with 95% confidence.
func Confidence(terminalCash, terminalRevenue []float64) model.ConfidenceMetrics {
	median := percentile(terminalCash, 50)

	var absSum float64
	for _, v := range terminalCash {
		absSum += math.Abs(v - median)
	}
	mae := 0.0
	if len(terminalCash) > 0 {
		mae = absSum / float64(len(terminalCash))
	}

	return model.ConfidenceMetrics{
		MeanAbsoluteError: mae,
		ValueAtRisk95:     median - percentile(terminalCash, 5),
		TerminalCash:      summarize(terminalCash),
		TerminalRevenue:   summarize(terminalRevenue),
	}
}

// summarize reduces an ascending-sorted slice to summary statistics.
func summarize(sorted []float64) model.SeriesSummary {
	if len(sorted) == 0 {
		return model.SeriesSummary{}
	}
	return model.SeriesSummary{
		Mean:   mean(sorted),
		StdDev: stdDev(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
}
