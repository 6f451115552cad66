package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/nucleus/plugins/tally"
	"github.com/inference-sim/nucleus/sim/experiment"
)

// RunConfig is the YAML document read by `nucleus run` and `nucleus validate`.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type RunConfig struct {
	Experiment experiment.ParametersConfig `yaml:"experiment"`
	Tally      TallyConfig                 `yaml:"tally"`
}

// TallyConfig configures the tally plugin and its experiment dimensions.
type TallyConfig struct {
	// Base is the plugin data every scenario starts from. Omitted fields
	// keep tally.DefaultData values.
	Base tally.Data `yaml:"base"`
	// Report adds the tally report; defaults to true.
	Report     *bool           `yaml:"report"`
	Dimensions TallyDimensions `yaml:"dimensions"`
}

// TallyDimensions lists the levels of each tally dimension. Empty lists
// are not dimensions.
type TallyDimensions struct {
	Increment []float64 `yaml:"increment"`
	Limit     []float64 `yaml:"limit"`
	Period    []float64 `yaml:"period"`
	Jitter    []float64 `yaml:"jitter"`
}

// LoadRunConfig reads a run configuration.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run config: %w", err)
	}
	cfg := RunConfig{Tally: TallyConfig{Base: tally.DefaultData()}}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing run config: %w", err)
	}
	if _, err := cfg.Tally.Base.CloneBuilder().Build(); err != nil {
		return nil, fmt.Errorf("tally base: %w", err)
	}
	return &cfg, nil
}

// Dimensions returns the configured tally dimensions in a fixed order:
// increment, limit, period, jitter.
func (c TallyDimensions) Dimensions() []experiment.Dimension {
	var dims []experiment.Dimension
	if len(c.Increment) > 0 {
		dims = append(dims, tally.IncrementDimension(c.Increment...))
	}
	if len(c.Limit) > 0 {
		dims = append(dims, tally.LimitDimension(c.Limit...))
	}
	if len(c.Period) > 0 {
		dims = append(dims, tally.PeriodDimension(c.Period...))
	}
	if len(c.Jitter) > 0 {
		dims = append(dims, tally.JitterDimension(c.Jitter...))
	}
	return dims
}

// NewExperimentBuilder assembles the experiment described by the
// configuration using params, which may carry CLI overrides.
func (c *RunConfig) NewExperimentBuilder(params experiment.Parameters) *experiment.Builder {
	b := experiment.NewBuilder().
		AddPlugin(tally.Plugin(c.Tally.Base)).
		SetParameters(params)
	if c.Tally.Report == nil || *c.Tally.Report {
		b.AddPlugin(tally.ReportPlugin())
	}
	for _, d := range c.Tally.Dimensions.Dimensions() {
		b.AddDimension(d)
	}
	return b
}
