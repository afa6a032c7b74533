// Package scenario loads simulation scenarios from YAML files.
//
// A scenario is an offline, file-based description of one simulation run
// for the mcrun command: the full simulation config plus a name and a
// free-text description. YAML field names are snake_case; the loader
// converts into the wire types the engine consumes.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/montecast-ai/montecast/internal/model"
)

// Driver mirrors model.DriverSpec with YAML field names. The driver ID
// comes from its map key in Config.Drivers.
type Driver struct {
	Distribution string  `yaml:"distribution"`
	Mean         float64 `yaml:"mean"`
	StdDev       float64 `yaml:"std_dev"`
	Min          float64 `yaml:"min"`
	Max          float64 `yaml:"max"`
	Unit         string  `yaml:"unit"`
	ImpactWeight string  `yaml:"impact_weight"`
}

// Config mirrors model.SimulationConfig with YAML field names.
type Config struct {
	NumSimulations      int               `yaml:"num_simulations"`
	HorizonMonths       int               `yaml:"horizon_months"`
	Seed                *int64            `yaml:"seed"`
	Drivers             map[string]Driver `yaml:"drivers"`
	BaselineAssumptions map[string]any    `yaml:"baseline_assumptions"`
}

// Scenario is one offline simulation run description.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Config      Config `yaml:"config"`
}

// Load reads and parses a scenario file.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	defer f.Close()

	s, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("scenario: %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a scenario from r. Unknown YAML fields are an error: a
// typoed driver field silently defaulting to zero would invalidate the run.
func Parse(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty scenario file")
		}
		return nil, fmt.Errorf("parse: %w", err)
	}
	return &s, nil
}

// SimulationConfig converts the scenario into the engine's config type,
// filling each driver's ID from its map key.
func (s *Scenario) SimulationConfig() model.SimulationConfig {
	drivers := make(map[string]model.DriverSpec, len(s.Config.Drivers))
	for id, d := range s.Config.Drivers {
		drivers[id] = model.DriverSpec{
			ID:           id,
			Distribution: model.Distribution(d.Distribution),
			Mean:         d.Mean,
			StdDev:       d.StdDev,
			Min:          d.Min,
			Max:          d.Max,
			Unit:         d.Unit,
			ImpactWeight: model.ImpactWeight(d.ImpactWeight),
		}
	}
	return model.SimulationConfig{
		NumSimulations:      s.Config.NumSimulations,
		HorizonMonths:       s.Config.HorizonMonths,
		Drivers:             drivers,
		BaselineAssumptions: s.Config.BaselineAssumptions,
		Seed:                s.Config.Seed,
	}
}
