package sim

import (
	"fmt"
	"reflect"
	"sort"
)

// PluginID names a plugin. Dependencies refer to plugins by ID.
type PluginID string

// PluginData is immutable plugin configuration. Experiments clone it into a
// builder per scenario so that dimension levels can vary it independently.
type PluginData interface {
	CloneBuilder() PluginDataBuilder
}

// PluginDataBuilder builds a PluginData after dimension levels mutate it.
type PluginDataBuilder interface {
	Build() (PluginData, error)
}

// Plugin bundles the data and initializer of one unit of simulation content.
// Init runs once per simulation, after the plugins it depends on.
type Plugin struct {
	ID           PluginID
	Dependencies []PluginID
	Data         []PluginData
	Init         func(*PluginContext) error
}

// PluginContext is handed to Plugin.Init. It is only valid during plugin
// initialization.
type PluginContext struct {
	sim    *Simulation
	plugin *Plugin
}

// PluginID returns the ID of the plugin being initialized.
func (c *PluginContext) PluginID() PluginID {
	return c.plugin.ID
}

// AddActor registers an actor. Its initializer runs after all data managers
// and reports are initialized.
func (c *PluginContext) AddActor(init func(*ActorContext) error) (ActorID, error) {
	if init == nil {
		return 0, ErrNilInitializer
	}
	return c.sim.registerActor(init), nil
}

// AddReport registers a report. Its initializer runs after all data managers.
func (c *PluginContext) AddReport(init func(*ReportContext) error) (ReportID, error) {
	if init == nil {
		return 0, ErrNilInitializer
	}
	return c.sim.registerReport(init), nil
}

// AddDataManager registers a data manager instance.
func (c *PluginContext) AddDataManager(dm DataManager) (DataManagerID, error) {
	return c.sim.registerDataManager(dm)
}

// Data returns the plugin's data items.
func (c *PluginContext) Data() []PluginData {
	return c.plugin.Data
}

// PluginDataOf returns the single data item of the current plugin assignable to T.
func PluginDataOf[T any](c *PluginContext) (T, error) {
	return findData[T](c.plugin.Data)
}

func findData[T any](items []PluginData) (T, error) {
	var zero T
	requested := reflect.TypeOf((*T)(nil)).Elem()
	match := -1
	for i, item := range items {
		if item == nil || !reflect.TypeOf(item).AssignableTo(requested) {
			continue
		}
		if match >= 0 {
			return zero, fmt.Errorf("%w: %v", ErrAmbiguousPluginData, requested)
		}
		match = i
	}
	if match < 0 {
		return zero, fmt.Errorf("%w: %v", ErrUnknownPluginData, requested)
	}
	return items[match].(T), nil
}

// orderPlugins returns plugins in dependency order. Plugins whose
// dependencies are satisfied are released in the order they were added,
// so the result is deterministic.
func orderPlugins(plugins []Plugin) ([]*Plugin, error) {
	index := make(map[PluginID]int, len(plugins))
	for i := range plugins {
		p := &plugins[i]
		if p.ID == "" {
			return nil, ErrEmptyPluginID
		}
		if p.Init == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilPluginInit, p.ID)
		}
		if _, dup := index[p.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.ID)
		}
		for _, d := range p.Data {
			if d == nil {
				return nil, fmt.Errorf("%w: plugin %s", ErrNilPluginData, p.ID)
			}
		}
		index[p.ID] = i
	}

	inDegree := make([]int, len(plugins))
	dependents := make([][]int, len(plugins))
	for i := range plugins {
		for _, dep := range plugins[i].Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s requires %s", ErrMissingPluginDependency, plugins[i].ID, dep)
			}
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ready := make([]int, 0, len(plugins))
	for i, d := range inDegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	ordered := make([]*Plugin, 0, len(plugins))
	for len(ready) > 0 {
		sort.Ints(ready)
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, &plugins[next])
		for _, k := range dependents[next] {
			inDegree[k]--
			if inDegree[k] == 0 {
				ready = append(ready, k)
			}
		}
	}
	if len(ordered) != len(plugins) {
		var stuck []PluginID
		for i, d := range inDegree {
			if d > 0 {
				stuck = append(stuck, plugins[i].ID)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrCircularPluginDependency, stuck)
	}
	return ordered, nil
}
