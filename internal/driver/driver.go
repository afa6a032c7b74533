// Package driver validates simulation configurations.
//
// Validation is aggregated, not fail-fast: every offending field across
// every driver is collected into a single ValidationError so a caller can
// fix an entire form in one round trip. Validation always runs before any
// trial executes.
package driver

import (
	"fmt"
	"math"
	"sort"

	"github.com/montecast-ai/montecast/internal/model"
)

// MaxDrivers bounds the driver map. The sensitivity pass costs one
// sub-sample sweep per driver, so an unbounded map would let a single
// request buy an unbounded amount of compute.
const MaxDrivers = 32

// ValidateConfig checks cfg against the documented invariants and returns
// a *model.ValidationError listing every problem found, or nil when the
// config is valid. Driver IDs are normalized from their map keys first.
func ValidateConfig(cfg *model.SimulationConfig) error {
	cfg.Normalize()

	var issues []model.ValidationIssue
	add := func(field, format string, args ...any) {
		issues = append(issues, model.ValidationIssue{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if cfg.NumSimulations < model.MinSimulations || cfg.NumSimulations > model.MaxSimulations {
		add("numSimulations", "must be between %d and %d (got %d)",
			model.MinSimulations, model.MaxSimulations, cfg.NumSimulations)
	}
	if cfg.HorizonMonths < model.MinHorizonMonths || cfg.HorizonMonths > model.MaxHorizonMonths {
		add("horizonMonths", "must be between %d and %d (got %d)",
			model.MinHorizonMonths, model.MaxHorizonMonths, cfg.HorizonMonths)
	}
	if len(cfg.Drivers) == 0 {
		add("drivers", "at least one driver is required")
	}
	if len(cfg.Drivers) > MaxDrivers {
		add("drivers", "at most %d drivers are supported (got %d)", MaxDrivers, len(cfg.Drivers))
	}

	// Sorted key order keeps the issue list stable across runs.
	keys := make([]string, 0, len(cfg.Drivers))
	for key := range cfg.Drivers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		d := cfg.Drivers[key]
		field := "drivers." + key

		if key == "" {
			add("drivers", "driver key must not be empty")
			continue
		}
		if d.ID != key {
			add(field+".id", "id %q disagrees with its map key %q", d.ID, key)
		}
		if !d.Distribution.Valid() {
			add(field+".distribution", "unknown distribution %q (want normal, lognormal or triangular)",
				string(d.Distribution))
		}
		for _, fv := range []struct {
			name  string
			value float64
		}{
			{"mean", d.Mean}, {"stdDev", d.StdDev}, {"min", d.Min}, {"max", d.Max},
		} {
			if math.IsNaN(fv.value) || math.IsInf(fv.value, 0) {
				add(field+"."+fv.name, "must be a finite number")
			}
		}
		if d.Min > d.Max {
			add(field+".min", "min %v exceeds max %v", d.Min, d.Max)
		}
		if d.Mean < d.Min || d.Mean > d.Max {
			add(field+".mean", "mean %v is outside [%v, %v]", d.Mean, d.Min, d.Max)
		}
		if d.StdDev < 0 {
			add(field+".stdDev", "must be >= 0 (got %v)", d.StdDev)
		}
		if d.Distribution == model.DistributionLognormal && d.Mean <= 0 {
			add(field+".mean", "lognormal drivers require mean > 0 (got %v)", d.Mean)
		}
		if d.ImpactWeight != "" {
			switch d.ImpactWeight {
			case model.ImpactHigh, model.ImpactMedium, model.ImpactLow:
			default:
				add(field+".impactWeight", "must be high, medium or low (got %q)", string(d.ImpactWeight))
			}
		}
	}

	if len(issues) > 0 {
		return &model.ValidationError{Issues: issues}
	}
	return nil
}
