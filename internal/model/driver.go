// Package model defines the core domain types for Montecast.
//
// Types use strong typing (UUIDs, time.Time, closed enums) and avoid
// interface{} wherever possible. The one deliberate exception is
// SimulationConfig.BaselineAssumptions, which is an opaque payload owned
// by the projection formula, not by the engine.
package model

import (
	"fmt"
	"strings"
)

// Distribution is the closed set of supported sampling distributions.
// An unknown value is a construction-time validation error, never a
// silent runtime default.
type Distribution string

const (
	DistributionNormal     Distribution = "normal"
	DistributionLognormal  Distribution = "lognormal"
	DistributionTriangular Distribution = "triangular"
)

// Valid reports whether d is one of the supported distributions.
func (d Distribution) Valid() bool {
	switch d {
	case DistributionNormal, DistributionLognormal, DistributionTriangular:
		return true
	}
	return false
}

// ImpactWeight is a qualitative, informational-only tag on a driver.
// It never influences sampling or sensitivity math.
type ImpactWeight string

const (
	ImpactHigh   ImpactWeight = "high"
	ImpactMedium ImpactWeight = "medium"
	ImpactLow    ImpactWeight = "low"
)

// DriverSpec describes one uncertain business input and its distribution.
// Invariants (enforced by driver.ValidateConfig): min <= mean <= max and
// stdDev >= 0. For triangular distributions mean is used as the mode and
// stdDev is ignored.
type DriverSpec struct {
	ID           string       `json:"id"`
	Distribution Distribution `json:"distribution"`
	Mean         float64      `json:"mean"`
	StdDev       float64      `json:"stdDev"`
	Min          float64      `json:"min"`
	Max          float64      `json:"max"`
	Unit         string       `json:"unit,omitempty"`
	ImpactWeight ImpactWeight `json:"impactWeight,omitempty"`
}

// Bounds on a simulation request. Requests outside these are rejected
// before any trial runs.
const (
	MinSimulations   = 100
	MaxSimulations   = 100_000
	MinHorizonMonths = 1
	MaxHorizonMonths = 60
)

// RunwayThresholdMonths is the fixed set of survival thresholds reported
// in every result. Thresholds beyond the configured horizon are omitted
// from the output because they cannot be assessed.
var RunwayThresholdMonths = []int{6, 12, 18, 24}

// SimulationConfig is the complete description of one simulation request.
type SimulationConfig struct {
	NumSimulations int                   `json:"numSimulations"`
	HorizonMonths  int                   `json:"horizonMonths"`
	Drivers        map[string]DriverSpec `json:"drivers"`

	// BaselineAssumptions is passed through to the projection formula
	// untouched. The engine never inspects it.
	BaselineAssumptions map[string]any `json:"baselineAssumptions,omitempty"`

	// Seed makes trials bit-reproducible when set. When nil the engine
	// derives a seed and echoes it in the result metadata.
	Seed *int64 `json:"seed,omitempty"`
}

// Normalize fills each DriverSpec.ID from its map key when the payload
// omitted it. An ID that disagrees with its key is left alone so that
// validation can report the mismatch.
func (c *SimulationConfig) Normalize() {
	for key, d := range c.Drivers {
		if d.ID == "" {
			d.ID = key
			c.Drivers[key] = d
		}
	}
}

// ValidationIssue is one field-level problem in a simulation config.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates every issue found in a config so a caller
// can fix an entire form in one round trip. It is always produced before
// any trial runs and is never retried.
type ValidationError struct {
	Issues []ValidationIssue `json:"issues"`
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "model: invalid simulation config"
	}
	parts := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		parts[i] = fmt.Sprintf("%s: %s", iss.Field, iss.Message)
	}
	return fmt.Sprintf("model: invalid simulation config (%d issue(s)): %s",
		len(e.Issues), strings.Join(parts, "; "))
}
