package sim

import (
	"fmt"
	"reflect"
)

// Planner identifies which subsystem owns a queued plan. It is carried into
// checkpoints so that resumed plans are routed back to the right owner.
type Planner int

const (
	// PlannerKernel tags output released by the simulation itself.
	// It never tags a plan.
	PlannerKernel Planner = iota
	PlannerActor
	PlannerReport
	PlannerDataManager
)

func (p Planner) String() string {
	switch p {
	case PlannerKernel:
		return "kernel"
	case PlannerActor:
		return "actor"
	case PlannerReport:
		return "report"
	case PlannerDataManager:
		return "data manager"
	default:
		return fmt.Sprintf("planner(%d)", int(p))
	}
}

// PlanData is a serializable tag attached to a plan. It is the only part of a
// plan that survives a checkpoint; a converter registered with
// SetPlanDataConverter turns it back into a callback on resume.
type PlanData any

// Plan is a unit of deferred work for a context of type C.
//
// Active plans keep the simulation running. Passive plans only run while they
// are still at or before the time of the last active plan (or the halt time,
// when one is scheduled). Key is optional; a keyed plan can be retrieved and
// removed through its owning context.
type Plan[C any] struct {
	Time     float64
	Active   bool
	Key      any
	Data     PlanData
	Callback func(C) error
}

// owner identifies the context that added a plan or subscription.
type owner struct {
	planner Planner
	id      int
}

func (o owner) String() string {
	return fmt.Sprintf("%s %d", o.planner, o.id)
}

// planEntry is a plan as held by the queue, bound to its owner's context.
type planEntry struct {
	time      float64
	arrivalID int64
	active    bool
	owner     owner
	key       any
	data      PlanData
	run       func() error
	plan      any // the original Plan[C], returned by keyed lookups
	index     int // heap index, -1 once removed
}

func newPlanEntry[C RoleContext](ctx C, p Plan[C]) *planEntry {
	cb := p.Callback
	return &planEntry{
		time:   p.Time,
		active: p.Active,
		owner:  ctx.base().owner,
		key:    p.Key,
		data:   p.Data,
		run:    func() error { return cb(ctx) },
		plan:   p,
		index:  -1,
	}
}

func validateKey(key any) error {
	if key == nil {
		return nil
	}
	if !reflect.TypeOf(key).Comparable() {
		return fmt.Errorf("%w: %T", ErrUncomparablePlanKey, key)
	}
	return nil
}
