package experiment

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Parameters is the immutable run configuration of an experiment.
// Build it with a ParametersBuilder.
type Parameters struct {
	threadCount             int
	haltOnException         bool
	recordState             bool
	haltTime                float64
	haltTimeSet             bool
	scenarioIDs             []int
	progressLogPath         string
	continueFromProgressLog bool
	seed                    int64
}

// ThreadCount is the number of worker goroutines. Zero runs every scenario
// on the calling goroutine.
func (p Parameters) ThreadCount() int { return p.threadCount }

// HaltOnException stops submitting scenarios after the first failure.
func (p Parameters) HaltOnException() bool { return p.haltOnException }

// RecordState makes every scenario release its SimulationState when it halts.
func (p Parameters) RecordState() bool { return p.recordState }

// SimulationHaltTime returns the logical-time cutoff applied to every scenario.
func (p Parameters) SimulationHaltTime() (float64, bool) { return p.haltTime, p.haltTimeSet }

// ExplicitScenarioIDs returns the sorted scenario ids to run; empty means all.
func (p Parameters) ExplicitScenarioIDs() []int {
	return append([]int(nil), p.scenarioIDs...)
}

// ProgressLogPath returns the progress log location, empty if none.
func (p Parameters) ProgressLogPath() string { return p.progressLogPath }

// ContinueFromProgressLog skips scenarios already recorded in the progress log.
func (p Parameters) ContinueFromProgressLog() bool { return p.continueFromProgressLog }

// Seed is the experiment seed from which every scenario seed is derived.
func (p Parameters) Seed() int64 { return p.seed }

// ParametersBuilder accumulates Parameters. The zero configuration halts on
// the first scenario failure and runs single-threaded.
type ParametersBuilder struct {
	p   Parameters
	ids map[int]bool
}

// NewParametersBuilder returns a builder with default values.
func NewParametersBuilder() *ParametersBuilder {
	return &ParametersBuilder{
		p:   Parameters{haltOnException: true},
		ids: make(map[int]bool),
	}
}

func (b *ParametersBuilder) SetThreadCount(n int) *ParametersBuilder {
	b.p.threadCount = n
	return b
}

func (b *ParametersBuilder) SetHaltOnException(halt bool) *ParametersBuilder {
	b.p.haltOnException = halt
	return b
}

func (b *ParametersBuilder) SetRecordState(record bool) *ParametersBuilder {
	b.p.recordState = record
	return b
}

func (b *ParametersBuilder) SetSimulationHaltTime(t float64) *ParametersBuilder {
	b.p.haltTime = t
	b.p.haltTimeSet = true
	return b
}

func (b *ParametersBuilder) AddExplicitScenarioID(id int) *ParametersBuilder {
	b.ids[id] = true
	return b
}

func (b *ParametersBuilder) SetProgressLogPath(path string) *ParametersBuilder {
	b.p.progressLogPath = path
	return b
}

func (b *ParametersBuilder) SetContinueFromProgressLog(resume bool) *ParametersBuilder {
	b.p.continueFromProgressLog = resume
	return b
}

func (b *ParametersBuilder) SetSeed(seed int64) *ParametersBuilder {
	b.p.seed = seed
	return b
}

// Build validates and returns the Parameters. The builder can be reused.
func (b *ParametersBuilder) Build() (Parameters, error) {
	p := b.p
	if p.threadCount < 0 {
		return Parameters{}, fmt.Errorf("%w: %d", ErrNegativeThreadCount, p.threadCount)
	}
	if p.haltTimeSet && (math.IsNaN(p.haltTime) || math.IsInf(p.haltTime, 0)) {
		return Parameters{}, fmt.Errorf("%w: %g", ErrInvalidHaltTime, p.haltTime)
	}
	if p.continueFromProgressLog && p.progressLogPath == "" {
		return Parameters{}, fmt.Errorf("%w: continuation requested without a progress log path", ErrMissingProgressLog)
	}
	p.scenarioIDs = make([]int, 0, len(b.ids))
	for id := range b.ids {
		if id < 0 {
			return Parameters{}, fmt.Errorf("%w: %d", ErrNegativeScenarioID, id)
		}
		p.scenarioIDs = append(p.scenarioIDs, id)
	}
	sort.Ints(p.scenarioIDs)
	return p, nil
}

// ParametersConfig is the YAML form of Parameters.
type ParametersConfig struct {
	ThreadCount             int      `yaml:"thread_count"`
	HaltOnException         *bool    `yaml:"halt_on_exception"`
	RecordState             bool     `yaml:"record_state"`
	SimulationHaltTime      *float64 `yaml:"simulation_halt_time"`
	ScenarioIDs             []int    `yaml:"scenario_ids"`
	ProgressLog             string   `yaml:"progress_log"`
	ContinueFromProgressLog bool     `yaml:"continue_from_progress_log"`
	Seed                    int64    `yaml:"seed"`
}

// Builder converts the configuration into a ParametersBuilder so callers can
// apply overrides before building.
func (c ParametersConfig) Builder() *ParametersBuilder {
	b := NewParametersBuilder().
		SetThreadCount(c.ThreadCount).
		SetRecordState(c.RecordState).
		SetProgressLogPath(c.ProgressLog).
		SetContinueFromProgressLog(c.ContinueFromProgressLog).
		SetSeed(c.Seed)
	if c.HaltOnException != nil {
		b.SetHaltOnException(*c.HaltOnException)
	}
	if c.SimulationHaltTime != nil {
		b.SetSimulationHaltTime(*c.SimulationHaltTime)
	}
	for _, id := range c.ScenarioIDs {
		b.AddExplicitScenarioID(id)
	}
	return b
}

// LoadParameters reads experiment parameters from a YAML file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadParameters(path string) (Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Parameters{}, fmt.Errorf("reading experiment parameters: %w", err)
	}
	var cfg ParametersConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Parameters{}, fmt.Errorf("parsing experiment parameters: %w", err)
	}
	return cfg.Builder().Build()
}
