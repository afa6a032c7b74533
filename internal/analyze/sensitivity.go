package analyze

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/montecast-ai/montecast/internal/model"
	"github.com/montecast-ai/montecast/internal/project"
	"github.com/montecast-ai/montecast/internal/sample"
)

// DefaultSensitivitySamples is the size of the per-driver sub-sample.
// Fixed independently of numSimulations: the sweep measures one driver's
// reach, not the full joint distribution.
const DefaultSensitivitySamples = 200

// sensitivityStream offsets the sensitivity PRNG streams well past the
// per-trial streams (trial indexes stop at 100,000).
const sensitivityStream uint64 = 1 << 32

// topDriverCount is how many ranked drivers get explainability cards.
const topDriverCount = 3

// Sensitivity ranks drivers by one-at-a-time perturbation: each driver in
// turn is re-sampled across its own distribution while every other driver
// holds its baseline mean, and the spread of the terminal cash balance
// against the all-baseline terminal becomes that driver's impact.
//
// This is a local method, adequate for tornado charts and explainability
// cards; it is not a Sobol/ANOVA variance decomposition and makes no
// claim about joint effects.
type Sensitivity struct {
	samples int
	seed    int64
}

// NewSensitivity configures an analyzer with the given sub-sample size
// (<=0 falls back to DefaultSensitivitySamples) and run seed.
func NewSensitivity(samples int, seed int64) *Sensitivity {
	if samples <= 0 {
		samples = DefaultSensitivitySamples
	}
	return &Sensitivity{samples: samples, seed: seed}
}

// Run produces the tornado entries (sorted descending by totalImpact)
// and the top-driver cards. specs must be sorted by ID so PRNG streams
// line up deterministically. An error means the all-baseline projection
// blew up; callers log it and ship an empty sensitivity section.
func (s *Sensitivity) Run(f project.Formula, specs []model.DriverSpec, horizon int) ([]model.SensitivityEntry, []model.TopDriver, error) {
	baseline := make(map[string]float64, len(specs))
	for _, d := range specs {
		baseline[d.ID] = d.Mean
	}

	traj := make([]model.MonthRecord, horizon)
	if _, ok := project.Run(f, baseline, traj); !ok {
		return nil, nil, fmt.Errorf("analyze: baseline projection is not finite; sensitivity skipped")
	}
	baseTerminal := traj[horizon-1].CashBalance

	entries := make([]model.SensitivityEntry, 0, len(specs))
	varying := make(map[string]float64, len(specs))
	for i, d := range specs {
		for k, v := range baseline {
			varying[k] = v
		}
		rng := sample.New(sample.ChildSeed(s.seed, sensitivityStream+uint64(i)))

		lo := math.Inf(1)
		hi := math.Inf(-1)
		finiteRuns := 0
		for n := 0; n < s.samples; n++ {
			varying[d.ID] = rng.Driver(d)
			if _, ok := project.Run(f, varying, traj); !ok {
				continue
			}
			terminal := traj[horizon-1].CashBalance
			finiteRuns++
			if terminal < lo {
				lo = terminal
			}
			if terminal > hi {
				hi = terminal
			}
		}
		if finiteRuns == 0 {
			// Every perturbed run blew up; report a zero-impact bar
			// rather than poisoning the ranking with infinities.
			entries = append(entries, model.SensitivityEntry{DriverID: d.ID})
			continue
		}

		up := hi - baseTerminal
		down := lo - baseTerminal
		entries = append(entries, model.SensitivityEntry{
			DriverID:       d.ID,
			UpsideImpact:   up,
			DownsideImpact: down,
			TotalImpact:    up + math.Abs(down),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].TotalImpact != entries[j].TotalImpact {
			return entries[i].TotalImpact > entries[j].TotalImpact
		}
		return entries[i].DriverID < entries[j].DriverID
	})

	return entries, topDrivers(entries), nil
}

// topDrivers turns the head of the ranking into explainability cards.
func topDrivers(entries []model.SensitivityEntry) []model.TopDriver {
	var totalSum float64
	for _, e := range entries {
		totalSum += e.TotalImpact
	}

	n := topDriverCount
	if len(entries) < n {
		n = len(entries)
	}
	top := make([]model.TopDriver, 0, n)
	for _, e := range entries[:n] {
		pct := 0.0
		if totalSum > 0 {
			pct = e.TotalImpact / totalSum * 100
		}
		top = append(top, model.TopDriver{
			DriverID:        e.DriverID,
			ContributionPct: pct,
			Description: fmt.Sprintf(
				"%s swings terminal cash by %s in the best case and %s in the worst case (%.1f%% of modeled driver impact).",
				humanizeID(e.DriverID), formatMoney(e.UpsideImpact), formatMoney(e.DownsideImpact), pct),
		})
	}
	return top
}

// humanizeID turns "revenue_growth" into "Revenue growth".
func humanizeID(id string) string {
	words := strings.Split(id, "_")
	text := strings.Join(words, " ")
	if text == "" {
		return text
	}
	return strings.ToUpper(text[:1]) + text[1:]
}

// formatMoney renders a signed dollar amount with thousands separators,
// e.g. +$1,234,567 or -$89.
func formatMoney(v float64) string {
	sign := "+"
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := fmt.Sprintf("%.0f", math.Floor(v))
	var b strings.Builder
	pre := len(whole) % 3
	if pre > 0 {
		b.WriteString(whole[:pre])
	}
	for i := pre; i < len(whole); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(whole[i : i+3])
	}
	return sign + "$" + b.String()
}
