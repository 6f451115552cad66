package sim

import (
	"fmt"
	"reflect"
)

// DataManager is a plugin-supplied stateful service, resolved by type from
// the per-simulation registry. Init is called once, in registration order,
// before any report or actor is initialized.
type DataManager interface {
	Init(ctx *DataManagerContext) error
}

// DataManagerID identifies a data manager within one simulation.
type DataManagerID int

// dataManagerRegistry stores data manager instances and resolves lookups by
// concrete type or by an interface the instance implements.
//
// Once sealed (end of plugin initialization) no more managers can be added
// and resolutions are memoized per requested type.
type dataManagerRegistry struct {
	managers    []DataManager
	contexts    []*DataManagerContext
	initialized []bool
	sealed      bool
	resolved    map[reflect.Type]int
}

func newDataManagerRegistry() *dataManagerRegistry {
	return &dataManagerRegistry{resolved: make(map[reflect.Type]int)}
}

func (r *dataManagerRegistry) register(dm DataManager) (DataManagerID, error) {
	if dm == nil {
		return 0, ErrNilDataManager
	}
	if r.sealed {
		return 0, fmt.Errorf("%w: data managers can only be added during plugin initialization", ErrSimulationClosed)
	}
	r.managers = append(r.managers, dm)
	r.initialized = append(r.initialized, false)
	return DataManagerID(len(r.managers) - 1), nil
}

func (r *dataManagerRegistry) seal() {
	r.sealed = true
}

// indexOf returns the single registered manager assignable to requested.
func (r *dataManagerRegistry) indexOf(requested reflect.Type) (int, error) {
	if idx, ok := r.resolved[requested]; ok {
		return idx, nil
	}
	match := -1
	for i, dm := range r.managers {
		if !reflect.TypeOf(dm).AssignableTo(requested) {
			continue
		}
		if match >= 0 {
			return -1, fmt.Errorf("%w: %v matches both %T and %T", ErrAmbiguousDataManager, requested, r.managers[match], dm)
		}
		match = i
	}
	if match < 0 {
		return -1, fmt.Errorf("%w: %v", ErrUnknownDataManager, requested)
	}
	if r.sealed {
		r.resolved[requested] = match
	}
	return match, nil
}

func resolveDataManager[T any](r *dataManagerRegistry) (T, error) {
	var zero T
	requested := reflect.TypeOf((*T)(nil)).Elem()
	idx, err := r.indexOf(requested)
	if err != nil {
		return zero, err
	}
	if !r.initialized[idx] {
		return zero, fmt.Errorf("%w: %T", ErrUninitializedDataManager, r.managers[idx])
	}
	return r.managers[idx].(T), nil
}
