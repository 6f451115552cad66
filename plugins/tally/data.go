package tally

import (
	"errors"
	"fmt"
	"math"

	"github.com/inference-sim/nucleus/sim"
)

// ErrInvalidData is returned when a Builder holds an unusable configuration.
var ErrInvalidData = errors.New("invalid tally data")

// Data configures the tally plugin. It is immutable; use CloneBuilder to
// derive a variant.
type Data struct {
	// Increment is added to the counter on every step. Must be positive.
	Increment float64 `yaml:"increment"`
	// Limit stops the stepping actor once the counter reaches it.
	Limit float64 `yaml:"limit"`
	// Period is the logical time between steps. Must be positive.
	Period float64 `yaml:"period"`
	// Jitter adds up to Jitter extra time to each step, drawn from the
	// simulation's "tally.jitter" stream.
	Jitter float64 `yaml:"jitter"`
	// Initial is the starting counter value. A checkpointed run releases
	// its Data with Initial set to the value reached.
	Initial float64 `yaml:"initial"`
}

// DefaultData counts to 10 in unit steps.
func DefaultData() Data {
	return Data{Increment: 1, Limit: 10, Period: 1}
}

func (d Data) CloneBuilder() sim.PluginDataBuilder {
	return &Builder{data: d}
}

// Builder mutates a copy of Data, typically from an experiment dimension level.
type Builder struct {
	data Data
}

func (b *Builder) SetIncrement(v float64) *Builder { b.data.Increment = v; return b }
func (b *Builder) SetLimit(v float64) *Builder     { b.data.Limit = v; return b }
func (b *Builder) SetPeriod(v float64) *Builder    { b.data.Period = v; return b }
func (b *Builder) SetJitter(v float64) *Builder    { b.data.Jitter = v; return b }
func (b *Builder) SetInitial(v float64) *Builder   { b.data.Initial = v; return b }

// Build validates the configuration.
func (b *Builder) Build() (sim.PluginData, error) {
	d := b.data
	for name, v := range map[string]float64{"increment": d.Increment, "limit": d.Limit, "period": d.Period, "jitter": d.Jitter, "initial": d.Initial} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s is %g", ErrInvalidData, name, v)
		}
	}
	if d.Increment <= 0 {
		return nil, fmt.Errorf("%w: increment must be positive, got %g", ErrInvalidData, d.Increment)
	}
	if d.Period <= 0 {
		return nil, fmt.Errorf("%w: period must be positive, got %g", ErrInvalidData, d.Period)
	}
	if d.Jitter < 0 {
		return nil, fmt.Errorf("%w: jitter must not be negative, got %g", ErrInvalidData, d.Jitter)
	}
	return d, nil
}
