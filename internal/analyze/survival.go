package analyze

import (
	"fmt"

	"github.com/montecast-ai/montecast/internal/model"
)

// survivedFullHorizon marks a trial whose cash never went negative.
const survivedFullHorizon = -1

// SurvivalAnalyzer records, per trial, the first month whose closing cash
// balance went negative. The 0-based exhaustion index doubles as the
// number of fully survived months, which is exactly what the runway
// thresholds count.
type SurvivalAnalyzer struct {
	horizon    int
	exhaustion []int
}

// NewSurvivalAnalyzer sizes the per-trial exhaustion table.
func NewSurvivalAnalyzer(horizon, trials int) *SurvivalAnalyzer {
	return &SurvivalAnalyzer{
		horizon:    horizon,
		exhaustion: make([]int, trials),
	}
}

// Observe scans one finished trajectory for cash exhaustion. Safe for
// concurrent use across distinct trial indexes.
func (a *SurvivalAnalyzer) Observe(trial int, traj []model.MonthRecord) {
	a.exhaustion[trial] = survivedFullHorizon
	for m, rec := range traj {
		if rec.CashBalance < 0 {
			a.exhaustion[trial] = m
			break
		}
	}
}

// Finalize aggregates exhaustion months into survival probabilities.
// Thresholds beyond the horizon are omitted: a 12-month run cannot attest
// to 18 months of runway. Surviving through month k means the exhaustion
// index is at least k (or the trial never exhausted).
func (a *SurvivalAnalyzer) Finalize(discarded []bool) model.SurvivalProbability {
	var (
		kept      int
		survivors int
		failSum   int
		failCount int
	)
	for t, exh := range a.exhaustion {
		if discarded != nil && discarded[t] {
			continue
		}
		kept++
		if exh == survivedFullHorizon {
			survivors++
		} else {
			failSum += exh
			failCount++
		}
	}

	overall := model.SurvivalOverall{TotalSimulations: kept}
	if kept > 0 {
		overall.ProbabilitySurvivingFullPeriod = float64(survivors) / float64(kept)
	}
	if failCount > 0 {
		overall.AverageMonthsToFailure = float64(failSum) / float64(failCount)
	}

	thresholds := make(map[string]model.RunwayThreshold)
	for _, k := range model.RunwayThresholdMonths {
		if k > a.horizon {
			continue
		}
		var surviving int
		for t, exh := range a.exhaustion {
			if discarded != nil && discarded[t] {
				continue
			}
			if exh == survivedFullHorizon || exh >= k {
				surviving++
			}
		}
		pct := 0.0
		if kept > 0 {
			pct = float64(surviving) / float64(kept) * 100
		}
		thresholds[fmt.Sprintf("%d_months", k)] = model.RunwayThreshold{Percentage: pct}
	}

	return model.SurvivalProbability{
		Overall:          overall,
		RunwayThresholds: thresholds,
	}
}
