package analyze

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/montecast-ai/montecast/internal/model"
)

// survivalTraj builds a horizon-long trajectory whose cash first goes
// negative at failMonth (0-based), or never if failMonth is -1.
func survivalTraj(horizon, failMonth int) []model.MonthRecord {
	traj := make([]model.MonthRecord, horizon)
	for m := range traj {
		cash := 1000.0
		if failMonth >= 0 && m >= failMonth {
			cash = -500.0
		}
		traj[m] = model.MonthRecord{Revenue: 100, Expenses: 100, CashBalance: cash}
	}
	return traj
}

func TestSurvivalThresholds(t *testing.T) {
	a := NewSurvivalAnalyzer(24, 4)
	a.Observe(0, survivalTraj(24, -1))
	a.Observe(1, survivalTraj(24, 3))
	a.Observe(2, survivalTraj(24, 12))
	a.Observe(3, survivalTraj(24, 18))

	sp := a.Finalize(nil)

	assert.Equal(t, 4, sp.Overall.TotalSimulations)
	assert.InDelta(t, 0.25, sp.Overall.ProbabilitySurvivingFullPeriod, 1e-12)
	assert.InDelta(t, 11.0, sp.Overall.AverageMonthsToFailure, 1e-12)

	require.Len(t, sp.RunwayThresholds, 4)
	assert.InDelta(t, 75.0, sp.RunwayThresholds["6_months"].Percentage, 1e-12)
	assert.InDelta(t, 75.0, sp.RunwayThresholds["12_months"].Percentage, 1e-12)
	assert.InDelta(t, 50.0, sp.RunwayThresholds["18_months"].Percentage, 1e-12)
	assert.InDelta(t, 25.0, sp.RunwayThresholds["24_months"].Percentage, 1e-12)
}

func TestSurvivalOmitsThresholdsBeyondHorizon(t *testing.T) {
	a := NewSurvivalAnalyzer(12, 2)
	a.Observe(0, survivalTraj(12, -1))
	a.Observe(1, survivalTraj(12, 7))

	sp := a.Finalize(nil)

	require.Len(t, sp.RunwayThresholds, 2)
	assert.Contains(t, sp.RunwayThresholds, "6_months")
	assert.Contains(t, sp.RunwayThresholds, "12_months")
	assert.NotContains(t, sp.RunwayThresholds, "18_months")
	assert.NotContains(t, sp.RunwayThresholds, "24_months")
}

func TestSurvivalAllTrialsSurvive(t *testing.T) {
	a := NewSurvivalAnalyzer(24, 3)
	for trial := 0; trial < 3; trial++ {
		a.Observe(trial, survivalTraj(24, -1))
	}

	sp := a.Finalize(nil)

	assert.Equal(t, 1.0, sp.Overall.ProbabilitySurvivingFullPeriod)
	// No failing trials to average over.
	assert.Equal(t, 0.0, sp.Overall.AverageMonthsToFailure)
	assert.Equal(t, 100.0, sp.RunwayThresholds["24_months"].Percentage)
}

func TestSurvivalExcludesDiscardedTrials(t *testing.T) {
	a := NewSurvivalAnalyzer(12, 3)
	a.Observe(0, survivalTraj(12, -1))
	a.Observe(1, survivalTraj(12, 0)) // discarded below
	a.Observe(2, survivalTraj(12, 6))

	sp := a.Finalize([]bool{false, true, false})

	assert.Equal(t, 2, sp.Overall.TotalSimulations)
	assert.InDelta(t, 0.5, sp.Overall.ProbabilitySurvivingFullPeriod, 1e-12)
	assert.InDelta(t, 6.0, sp.Overall.AverageMonthsToFailure, 1e-12)
	assert.InDelta(t, 100.0, sp.RunwayThresholds["6_months"].Percentage, 1e-12)
}

func TestSurvivalThresholdMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("longer runway requirements never have higher survival", prop.ForAll(
		func(failMonths []int) bool {
			const horizon = 24
			a := NewSurvivalAnalyzer(horizon, len(failMonths))
			for trial, fm := range failMonths {
				a.Observe(trial, survivalTraj(horizon, fm))
			}
			sp := a.Finalize(nil)

			prev := 100.0
			for _, k := range model.RunwayThresholdMonths {
				pct := sp.RunwayThresholds[keyForThreshold(k)].Percentage
				if pct > prev {
					return false
				}
				prev = pct
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-1, 23)).SuchThat(func(v []int) bool { return len(v) > 0 }),
	))

	properties.TestingRun(t)
}

func keyForThreshold(k int) string {
	switch k {
	case 6:
		return "6_months"
	case 12:
		return "12_months"
	case 18:
		return "18_months"
	case 24:
		return "24_months"
	}
	return ""
}
