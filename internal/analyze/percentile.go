// Package analyze reduces trial outcomes into the statistical sections of
// a result bundle: per-month percentile tables, survival statistics,
// sensitivity rankings and confidence metrics.
//
// Aggregators store per-month scalar buffers, never whole trajectories.
// Trials write to disjoint slots indexed by trial number, so the hot path
// needs no locks and results are independent of worker scheduling.
package analyze

import (
	"sort"

	"github.com/montecast-ai/montecast/internal/model"
)

// percentilePoints are the reported percentiles in ascending order.
var percentilePoints = []int{5, 10, 25, 50, 75, 90, 95}

// PercentileAggregator collects the cash and revenue value of every
// (month, trial) cell. Memory is bounded by two horizon×trials float64
// buffers, the minimum needed for order statistics.
type PercentileAggregator struct {
	horizon int
	trials  int
	cash    []float64 // row-major [month*trials + trial]
	revenue []float64
}

// NewPercentileAggregator sizes buffers for a horizon×trials run.
func NewPercentileAggregator(horizon, trials int) *PercentileAggregator {
	return &PercentileAggregator{
		horizon: horizon,
		trials:  trials,
		cash:    make([]float64, horizon*trials),
		revenue: make([]float64, horizon*trials),
	}
}

// Observe folds one finished trajectory into the month buffers. Safe for
// concurrent use across distinct trial indexes.
func (a *PercentileAggregator) Observe(trial int, traj []model.MonthRecord) {
	for m, rec := range traj {
		idx := m*a.trials + trial
		a.cash[idx] = rec.CashBalance
		a.revenue[idx] = rec.Revenue
	}
}

// PercentileResult is the finalized fan-chart data plus the sorted
// terminal-month values the confidence metrics are computed from.
type PercentileResult struct {
	Table           model.PercentilesTable
	TerminalCash    []float64
	TerminalRevenue []float64
}

// Finalize compacts out discarded trials, sorts each month's buffer and
// interpolates the requested percentiles. The per-month arrays in the
// returned table are non-decreasing from p5 through p95 by construction.
func (a *PercentileAggregator) Finalize(discarded []bool) PercentileResult {
	kept := make([]int, 0, a.trials)
	for t := 0; t < a.trials; t++ {
		if discarded == nil || !discarded[t] {
			kept = append(kept, t)
		}
	}

	res := PercentileResult{
		Table: model.PercentilesTable{
			PercentileSeries: newSeries(a.horizon),
			Revenue:          newSeries(a.horizon),
		},
	}

	scratch := make([]float64, len(kept))
	for m := 0; m < a.horizon; m++ {
		row := a.cash[m*a.trials : (m+1)*a.trials]
		fillSorted(scratch, row, kept)
		writeMonth(&res.Table.PercentileSeries, m, scratch)
		if m == a.horizon-1 {
			res.TerminalCash = append([]float64(nil), scratch...)
		}

		row = a.revenue[m*a.trials : (m+1)*a.trials]
		fillSorted(scratch, row, kept)
		writeMonth(&res.Table.Revenue, m, scratch)
		if m == a.horizon-1 {
			res.TerminalRevenue = append([]float64(nil), scratch...)
		}
	}
	return res
}

func newSeries(horizon int) model.PercentileSeries {
	return model.PercentileSeries{
		P5:  make([]float64, horizon),
		P10: make([]float64, horizon),
		P25: make([]float64, horizon),
		P50: make([]float64, horizon),
		P75: make([]float64, horizon),
		P90: make([]float64, horizon),
		P95: make([]float64, horizon),
	}
}

func fillSorted(dst, row []float64, kept []int) {
	for i, t := range kept {
		dst[i] = row[t]
	}
	sort.Float64s(dst)
}

func writeMonth(s *model.PercentileSeries, m int, sorted []float64) {
	s.P5[m] = percentile(sorted, 5)
	s.P10[m] = percentile(sorted, 10)
	s.P25[m] = percentile(sorted, 25)
	s.P50[m] = percentile(sorted, 50)
	s.P75[m] = percentile(sorted, 75)
	s.P90[m] = percentile(sorted, 90)
	s.P95[m] = percentile(sorted, 95)
}
