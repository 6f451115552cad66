package experiment

import (
	"fmt"
	"reflect"

	"github.com/inference-sim/nucleus/sim"
)

// Level mutates the plugin data builders of one scenario and returns the
// metadata that labels the mutation, one string per dimension header.
type Level func(*DimensionContext) ([]string, error)

// Dimension is one axis of experiment configuration.
type Dimension struct {
	Headers []string
	Levels  []Level
}

// DimensionContext exposes the cloned plugin data builders of the scenario
// being materialized.
type DimensionContext struct {
	builders []sim.PluginDataBuilder
}

// DataBuilder returns the single plugin data builder in the scenario assignable to T.
func DataBuilder[T any](dc *DimensionContext) (T, error) {
	var zero T
	requested := reflect.TypeOf((*T)(nil)).Elem()
	match := -1
	for i, b := range dc.builders {
		if b == nil || !reflect.TypeOf(b).AssignableTo(requested) {
			continue
		}
		if match >= 0 {
			return zero, fmt.Errorf("%w: %v", ErrAmbiguousBuilder, requested)
		}
		match = i
	}
	if match < 0 {
		return zero, fmt.Errorf("%w: %v", ErrUnknownBuilder, requested)
	}
	return dc.builders[match].(T), nil
}

// space is the scenario universe spanned by the non-empty dimensions.
// Scenario ids map to level indices in mixed radix with the first dimension
// varying fastest.
type space struct {
	dimensions []Dimension
	headers    []string
	count      int
}

func newSpace(dimensions []Dimension) (*space, error) {
	s := &space{count: 1}
	for i, d := range dimensions {
		if len(d.Levels) == 0 {
			continue
		}
		for j, l := range d.Levels {
			if l == nil {
				return nil, fmt.Errorf("dimension %d: level %d: %w", i, j, ErrNilLevel)
			}
		}
		s.dimensions = append(s.dimensions, d)
		s.headers = append(s.headers, d.Headers...)
		s.count *= len(d.Levels)
	}
	return s, nil
}

// levels returns the level index of each dimension for scenario id.
func (s *space) levels(id int) []int {
	out := make([]int, len(s.dimensions))
	for i, d := range s.dimensions {
		n := len(d.Levels)
		out[i] = id % n
		id /= n
	}
	return out
}

// materialize clones every plugin's data builders, applies the scenario's
// levels and rebuilds the plugins. It returns the scenario's plugins and
// dimension metadata.
func (s *space) materialize(plugins []sim.Plugin, id int) ([]sim.Plugin, []string, error) {
	type slot struct{ plugin, data int }
	var builders []sim.PluginDataBuilder
	var slots []slot
	for i, p := range plugins {
		for j, d := range p.Data {
			builders = append(builders, d.CloneBuilder())
			slots = append(slots, slot{plugin: i, data: j})
		}
	}

	dc := &DimensionContext{builders: builders}
	metadata := make([]string, 0, len(s.headers))
	for i, lvl := range s.levels(id) {
		d := s.dimensions[i]
		values, err := d.Levels[lvl](dc)
		if err != nil {
			return nil, nil, fmt.Errorf("dimension %v level %d: %w", d.Headers, lvl, err)
		}
		if len(values) != len(d.Headers) {
			return nil, nil, fmt.Errorf("%w: dimension %v level %d returned %d values", ErrDimensionMetadataMismatch, d.Headers, lvl, len(values))
		}
		metadata = append(metadata, values...)
	}

	out := make([]sim.Plugin, len(plugins))
	for i, p := range plugins {
		out[i] = p
		out[i].Dependencies = append([]sim.PluginID(nil), p.Dependencies...)
		out[i].Data = make([]sim.PluginData, len(p.Data))
	}
	for k, b := range builders {
		if b == nil {
			return nil, nil, fmt.Errorf("plugin %s: nil data builder", plugins[slots[k].plugin].ID)
		}
		data, err := b.Build()
		if err != nil {
			return nil, nil, fmt.Errorf("plugin %s: building data: %w", plugins[slots[k].plugin].ID, err)
		}
		out[slots[k].plugin].Data[slots[k].data] = data
	}
	return out, metadata, nil
}
