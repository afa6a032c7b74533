// Package project steps one sampled driver set through the monthly
// projection formula, producing one trial trajectory.
//
// The formula itself is a black box owned by the surrounding model layer;
// this package owns only driver substitution, the month-stepping loop and
// the cash carry-forward. The engine checks outputs for numeric blow-ups
// but never inspects formula internals.
package project

import (
	"math"

	"github.com/montecast-ai/montecast/internal/model"
)

// Formula computes the deterministic baseline projection for one month.
// Implementations must be pure: Month is called concurrently from many
// trial workers with different driver sets.
type Formula interface {
	// Start returns the month-zero record a trajectory grows from.
	// Sampled driver values override their baseline counterparts.
	Start(drivers map[string]float64) model.MonthRecord

	// Month computes revenue and expenses for month m (1-based) given
	// the previous month's record and the sampled driver values.
	Month(m int, prev model.MonthRecord, drivers map[string]float64) (revenue, expenses float64)
}

// Factory builds a Formula for one run from the opaque baseline
// assumptions in its config.
type Factory func(assumptions map[string]any) (Formula, error)

// Run fills traj month by month, carrying cash forward:
//
//	cash[m] = cash[m-1] + revenue[m] - expenses[m]
//
// len(traj) is the horizon. When the formula produces NaN or an infinity
// the walk stops and Run reports the offending month index and ok=false;
// the caller discards the trial. On success badMonth is -1.
func Run(f Formula, drivers map[string]float64, traj []model.MonthRecord) (badMonth int, ok bool) {
	prev := f.Start(drivers)
	if !finite(prev.Revenue) || !finite(prev.Expenses) || !finite(prev.CashBalance) {
		return 0, false
	}
	for m := range traj {
		revenue, expenses := f.Month(m+1, prev, drivers)
		rec := model.MonthRecord{
			Revenue:     revenue,
			Expenses:    expenses,
			CashBalance: prev.CashBalance + revenue - expenses,
		}
		if !finite(rec.Revenue) || !finite(rec.Expenses) || !finite(rec.CashBalance) {
			return m, false
		}
		traj[m] = rec
		prev = rec
	}
	return -1, true
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
