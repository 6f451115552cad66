package sim

import (
	"fmt"
	"math/rand"
	"reflect"
)

// RoleContext is satisfied by the three context types handed to plugin code.
// It lets the generic helpers (Subscribe, GetDataManager, ...) accept any of
// them while keeping each role's public API distinct.
type RoleContext interface {
	*ActorContext | *ReportContext | *DataManagerContext
	base() *contextBase
}

// contextBase is the state shared by every context: a handle on the owning
// simulation plus the identity of the role it acts for. It holds no
// simulation state of its own.
type contextBase struct {
	sim   *Simulation
	owner owner
}

func (c *contextBase) base() *contextBase {
	return c
}

// Time returns the current simulation time.
func (c *contextBase) Time() float64 {
	return c.sim.time
}

// ScheduledSimulationHaltTime returns the configured halt time, if any.
func (c *contextBase) ScheduledSimulationHaltTime() (float64, bool) {
	return c.sim.haltTime, c.sim.haltTimeSet
}

// StateRecordingIsScheduled reports whether a SimulationState will be
// released when the simulation halts.
func (c *contextBase) StateRecordingIsScheduled() bool {
	return c.sim.recordState
}

// IsResuming reports whether the simulation was started from a prior
// SimulationState. Plugins use it to avoid scheduling initial plans twice.
func (c *contextBase) IsResuming() bool {
	return c.sim.state != nil
}

// RemovePlan removes the plan stored under key. Removing an absent key is a no-op.
func (c *contextBase) RemovePlan(key any) error {
	if err := c.sim.checkOpen(); err != nil {
		return err
	}
	if key == nil {
		return ErrNilPlanKey
	}
	if err := validateKey(key); err != nil {
		return err
	}
	c.sim.queue.remove(c.owner, key)
	return nil
}

// PlanKeys returns the keys of this context's queued plans in arrival order.
func (c *contextBase) PlanKeys() []any {
	return c.sim.queue.keys(c.owner)
}

// ReleaseOutput forwards v, tagged with this context's identity, to the
// simulation's output consumer.
func (c *contextBase) ReleaseOutput(v any) error {
	if err := c.sim.checkOpen(); err != nil {
		return err
	}
	if v == nil {
		return ErrNilOutput
	}
	c.sim.releaseOutput(Output{Planner: c.owner.planner, SourceID: c.owner.id, Value: v})
	return nil
}

// ReleaseEvent publishes event to every subscriber of its exact type.
// Handlers run synchronously; the first handler error is returned.
func (c *contextBase) ReleaseEvent(event any) error {
	if err := c.sim.checkOpen(); err != nil {
		return err
	}
	return c.sim.bus.publish(event)
}

// Halt stops the simulation after the current plan completes.
func (c *contextBase) Halt() {
	c.sim.halt()
}

// RNG returns the deterministic random stream for subsystem.
func (c *contextBase) RNG(subsystem string) *rand.Rand {
	return c.sim.rng.ForSubsystem(subsystem)
}

// ActorContext is handed to actor initializers, plans, event handlers and
// close handlers.
type ActorContext struct {
	contextBase
}

// ActorID identifies an actor within one simulation.
type ActorID int

// ActorID returns the identity of the actor this context acts for.
func (c *ActorContext) ActorID() ActorID {
	return ActorID(c.owner.id)
}

// AddPlan queues p for this actor.
func (c *ActorContext) AddPlan(p Plan[*ActorContext]) error {
	return addPlan(c, p)
}

// AddPlanAt queues an active plan running callback at time.
func (c *ActorContext) AddPlanAt(callback func(*ActorContext) error, time float64) error {
	return addPlan(c, Plan[*ActorContext]{Time: time, Active: true, Callback: callback})
}

// Plan returns the queued plan stored under key.
func (c *ActorContext) Plan(key any) (Plan[*ActorContext], bool) {
	return planOf(c, key)
}

// SubscribeToSimulationClose registers fn to run once when the simulation closes.
func (c *ActorContext) SubscribeToSimulationClose(fn func(*ActorContext) error) error {
	return subscribeToClose(c, fn)
}

// AddActor adds and immediately initializes a new actor.
func (c *ActorContext) AddActor(init func(*ActorContext) error) (ActorID, error) {
	return c.sim.addActor(init)
}

// RemoveActor drops an actor with all its plans, subscriptions and close handlers.
func (c *ActorContext) RemoveActor(id ActorID) error {
	return c.sim.removeActor(id)
}

// ReportContext is handed to report initializers, plans, event handlers and
// close handlers. Report plans are always passive.
type ReportContext struct {
	contextBase
}

// ReportID identifies a report within one simulation.
type ReportID int

// ReportID returns the identity of the report this context acts for.
func (c *ReportContext) ReportID() ReportID {
	return ReportID(c.owner.id)
}

// AddPlan queues p for this report. The plan is made passive.
func (c *ReportContext) AddPlan(p Plan[*ReportContext]) error {
	p.Active = false
	return addPlan(c, p)
}

// AddPlanAt queues a passive plan running callback at time.
func (c *ReportContext) AddPlanAt(callback func(*ReportContext) error, time float64) error {
	return addPlan(c, Plan[*ReportContext]{Time: time, Callback: callback})
}

// Plan returns the queued plan stored under key.
func (c *ReportContext) Plan(key any) (Plan[*ReportContext], bool) {
	return planOf(c, key)
}

// SubscribeToSimulationClose registers fn to run once when the simulation closes.
func (c *ReportContext) SubscribeToSimulationClose(fn func(*ReportContext) error) error {
	return subscribeToClose(c, fn)
}

// DataManagerContext is handed to a data manager's Init and to its plans,
// event handlers and close handlers.
type DataManagerContext struct {
	contextBase
}

// DataManagerID returns the identity of the data manager this context acts for.
func (c *DataManagerContext) DataManagerID() DataManagerID {
	return DataManagerID(c.owner.id)
}

// AddPlan queues p for this data manager.
func (c *DataManagerContext) AddPlan(p Plan[*DataManagerContext]) error {
	return addPlan(c, p)
}

// AddPlanAt queues an active plan running callback at time.
func (c *DataManagerContext) AddPlanAt(callback func(*DataManagerContext) error, time float64) error {
	return addPlan(c, Plan[*DataManagerContext]{Time: time, Active: true, Callback: callback})
}

// Plan returns the queued plan stored under key.
func (c *DataManagerContext) Plan(key any) (Plan[*DataManagerContext], bool) {
	return planOf(c, key)
}

// SubscribeToSimulationClose registers fn to run once when the simulation closes.
func (c *DataManagerContext) SubscribeToSimulationClose(fn func(*DataManagerContext) error) error {
	return subscribeToClose(c, fn)
}

// AddActor adds and immediately initializes a new actor.
func (c *DataManagerContext) AddActor(init func(*ActorContext) error) (ActorID, error) {
	return c.sim.addActor(init)
}

// RemoveActor drops an actor with all its plans, subscriptions and close handlers.
func (c *DataManagerContext) RemoveActor(id ActorID) error {
	return c.sim.removeActor(id)
}

func addPlan[C RoleContext](ctx C, p Plan[C]) error {
	b := ctx.base()
	s := b.sim
	if err := s.checkPlanning(); err != nil {
		return err
	}
	if !s.isLive(b.owner) {
		return fmt.Errorf("%w: %s", ErrUnknownActor, b.owner)
	}
	if p.Callback == nil {
		return ErrNilPlanCallback
	}
	if !(p.Time >= s.time) {
		return fmt.Errorf("%w: %g is before %g", ErrPastPlanningTime, p.Time, s.time)
	}
	if err := validateKey(p.Key); err != nil {
		return err
	}
	if p.Key != nil {
		if _, ok := s.queue.lookup(b.owner, p.Key); ok {
			return fmt.Errorf("%w: %v", ErrDuplicatePlanKey, p.Key)
		}
	}
	s.queue.push(newPlanEntry(ctx, p))
	return nil
}

func planOf[C RoleContext](ctx C, key any) (Plan[C], bool) {
	b := ctx.base()
	if key == nil || validateKey(key) != nil {
		return Plan[C]{}, false
	}
	e, ok := b.sim.queue.lookup(b.owner, key)
	if !ok {
		return Plan[C]{}, false
	}
	p, ok := e.plan.(Plan[C])
	return p, ok
}

func subscribeToClose[C RoleContext](ctx C, fn func(C) error) error {
	b := ctx.base()
	if err := b.sim.checkPlanning(); err != nil {
		return err
	}
	if fn == nil {
		return ErrNilCloseHandler
	}
	b.sim.closeHandlers = append(b.sim.closeHandlers, closeHandler{
		owner: b.owner,
		run:   func() error { return fn(ctx) },
	})
	return nil
}

// Subscribe registers handler for events whose runtime type is exactly E.
// A context may hold at most one subscription per event type.
func Subscribe[E any, C RoleContext](ctx C, handler func(C, E) error) error {
	b := ctx.base()
	if err := b.sim.checkOpen(); err != nil {
		return err
	}
	if handler == nil {
		return ErrNilEventHandler
	}
	class := reflect.TypeOf((*E)(nil)).Elem()
	return b.sim.bus.subscribe(class, b.owner, func(event any) error {
		if err := handler(ctx, event.(E)); err != nil {
			return fmt.Errorf("%s handling %v: %w", b.owner, class, err)
		}
		return nil
	})
}

// Unsubscribe removes the context's subscription to E. Missing subscriptions are ignored.
func Unsubscribe[E any, C RoleContext](ctx C) error {
	b := ctx.base()
	if err := b.sim.checkOpen(); err != nil {
		return err
	}
	b.sim.bus.unsubscribe(reflect.TypeOf((*E)(nil)).Elem(), b.owner)
	return nil
}

// GetDataManager resolves the single data manager assignable to T: the
// concrete type itself or an interface it implements.
func GetDataManager[T any, C RoleContext](ctx C) (T, error) {
	b := ctx.base()
	if err := b.sim.checkOpen(); err != nil {
		var zero T
		return zero, err
	}
	return resolveDataManager[T](b.sim.dataManagers)
}

// SetPlanDataConverter registers how this context rebuilds a plan callback
// from PlanData of type D found in a resumed SimulationState.
func SetPlanDataConverter[D any, C RoleContext](ctx C, converter func(D) func(C) error) error {
	b := ctx.base()
	if err := b.sim.checkOpen(); err != nil {
		return err
	}
	if converter == nil {
		return ErrNilPlanConverter
	}
	class := reflect.TypeOf((*D)(nil)).Elem()
	if class.Kind() == reflect.Interface {
		return fmt.Errorf("%w: %v", ErrInvalidPlanDataClass, class)
	}
	b.sim.setConverter(b.owner, class, func(pd PlanQueueData) (*planEntry, error) {
		cb := converter(pd.Data.(D))
		if cb == nil {
			return nil, fmt.Errorf("%w: converter for %v", ErrNilPlanCallback, class)
		}
		return newPlanEntry(ctx, Plan[C]{
			Time:     pd.Time,
			Active:   pd.Active,
			Key:      pd.Key,
			Data:     pd.Data,
			Callback: cb,
		}), nil
	})
	return nil
}
