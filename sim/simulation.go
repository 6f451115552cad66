package sim

import (
	"fmt"
	"math"
	"reflect"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/nucleus/sim/trace"
)

// Status is the lifecycle state of a Simulation.
type Status int

const (
	StatusBuilding Status = iota
	StatusRunning
	StatusHaltedNormal
	StatusHaltedAtTime
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusBuilding:
		return "BUILDING"
	case StatusRunning:
		return "RUNNING"
	case StatusHaltedNormal:
		return "HALTED_NORMAL"
	case StatusHaltedAtTime:
		return "HALTED_AT_TIME"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// phase gates which context operations are legal.
type phase int

const (
	phaseBuilding phase = iota
	phaseRunning
	phaseClosing
	phaseClosed
)

// Output is a value released by plugin code (or the kernel itself, for the
// SimulationState) together with the identity of the releasing context.
type Output struct {
	Planner  Planner
	SourceID int
	Value    any
}

type closeHandler struct {
	owner owner
	run   func() error
}

type pendingActor struct {
	ctx  *ActorContext
	init func(*ActorContext) error
}

type pendingReport struct {
	ctx  *ReportContext
	init func(*ReportContext) error
}

// Builder collects the configuration of a single Simulation.
type Builder struct {
	plugins     []Plugin
	state       *SimulationState
	haltTime    float64
	haltTimeSet bool
	recordState bool
	output      func(Output)
	seed        int64
	traceLevel  trace.TraceLevel
}

// NewBuilder returns an empty simulation builder.
func NewBuilder() *Builder {
	return &Builder{traceLevel: trace.TraceLevelNone}
}

// AddPlugin adds a plugin. Plugins are initialized in dependency order.
func (b *Builder) AddPlugin(p Plugin) *Builder {
	b.plugins = append(b.plugins, p)
	return b
}

// SetSimulationState resumes the simulation from a prior checkpoint.
func (b *Builder) SetSimulationState(state *SimulationState) *Builder {
	b.state = state
	return b
}

// SetSimulationHaltTime stops the run once the next plan lies beyond t.
func (b *Builder) SetSimulationHaltTime(t float64) *Builder {
	b.haltTime = t
	b.haltTimeSet = true
	return b
}

// SetRecordState releases a SimulationState as output when the run halts.
func (b *Builder) SetRecordState(record bool) *Builder {
	b.recordState = record
	return b
}

// SetOutputConsumer receives every released output. Without one, outputs are dropped.
func (b *Builder) SetOutputConsumer(consumer func(Output)) *Builder {
	b.output = consumer
	return b
}

// SetSeed sets the master seed of the simulation's partitioned RNG.
func (b *Builder) SetSeed(seed int64) *Builder {
	b.seed = seed
	return b
}

// SetTraceLevel enables plan-execution tracing.
func (b *Builder) SetTraceLevel(level trace.TraceLevel) *Builder {
	b.traceLevel = level
	return b
}

// Build validates the configuration and returns a Simulation ready to execute.
func (b *Builder) Build() (*Simulation, error) {
	ordered, err := orderPlugins(b.plugins)
	if err != nil {
		return nil, err
	}
	if !trace.IsValidTraceLevel(string(b.traceLevel)) {
		return nil, fmt.Errorf("unknown trace level %q", b.traceLevel)
	}
	startTime := 0.0
	var nextArrivalID int64
	if b.state != nil {
		if err := b.state.Validate(); err != nil {
			return nil, fmt.Errorf("invalid simulation state: %w", err)
		}
		startTime = b.state.StartTime
		nextArrivalID = b.state.PlanningQueueArrivalID
	}
	if b.haltTimeSet {
		if math.IsNaN(b.haltTime) || math.IsInf(b.haltTime, 0) {
			return nil, fmt.Errorf("%w: %g", ErrInvalidHaltTime, b.haltTime)
		}
		if b.haltTime < startTime {
			return nil, fmt.Errorf("%w: %g is before the start time %g", ErrInvalidHaltTime, b.haltTime, startTime)
		}
	}
	output := b.output
	if output == nil {
		output = func(Output) {}
	}
	return &Simulation{
		plugins:        ordered,
		state:          b.state,
		haltTime:       b.haltTime,
		haltTimeSet:    b.haltTimeSet,
		recordState:    b.recordState,
		output:         output,
		rng:            NewPartitionedRNG(NewSimulationKey(b.seed)),
		trace:          trace.NewSimulationTrace(b.traceLevel),
		time:           startTime,
		lastActiveTime: math.Inf(-1),
		status:         StatusBuilding,
		phase:          phaseBuilding,
		queue:          newPlanQueue(nextArrivalID),
		bus:            newEventBus(),
		dataManagers:   newDataManagerRegistry(),
		converters:     make(map[owner]map[reflect.Type]planConverter),
	}, nil
}

// Simulation drives one scenario: it initializes plugins, data managers,
// reports and actors, then executes plans in (time, arrival) order until no
// plan satisfies the continuation rule, the halt time is passed or plugin
// code halts it.
//
// A Simulation is single-threaded and executes at most once.
type Simulation struct {
	plugins     []*Plugin
	state       *SimulationState
	haltTime    float64
	haltTimeSet bool
	recordState bool
	output      func(Output)
	rng         *PartitionedRNG
	trace       *trace.SimulationTrace

	time           float64
	lastActiveTime float64
	status         Status
	phase          phase
	executed       bool
	halted         bool
	cutAtHaltTime  bool // a plan was left beyond the halt time

	queue         *planQueue
	bus           *eventBus
	dataManagers  *dataManagerRegistry
	actors        []*ActorContext // nil entries are removed actors
	reports       []*ReportContext
	converters    map[owner]map[reflect.Type]planConverter
	closeHandlers []closeHandler

	pendingActors  []pendingActor
	pendingReports []pendingReport
}

// Time returns the current simulation time.
func (s *Simulation) Time() float64 {
	return s.time
}

// Status returns the lifecycle state.
func (s *Simulation) Status() Status {
	return s.status
}

// Trace returns the plan-execution trace (empty unless tracing is enabled).
func (s *Simulation) Trace() *trace.SimulationTrace {
	return s.trace
}

// Execute runs the simulation to completion. Errors from plugin code, and
// panics recovered from it, abort the run and are returned; the status is
// then StatusFailed and no close handlers run.
func (s *Simulation) Execute() error {
	if s.executed {
		return ErrRepeatedExecution
	}
	s.executed = true

	if err := s.build(); err != nil {
		return s.fail(err)
	}

	s.status = StatusRunning
	s.phase = phaseRunning
	logrus.Debugf("[t=%g] simulation running with %d queued plans", s.time, s.queue.Len())
	if err := s.run(); err != nil {
		return s.fail(err)
	}

	if err := s.close(); err != nil {
		return s.fail(err)
	}
	logrus.Debugf("[t=%g] simulation ended: %s", s.time, s.status)
	return nil
}

func (s *Simulation) fail(err error) error {
	s.status = StatusFailed
	s.phase = phaseClosed
	logrus.Debugf("[t=%g] simulation failed: %v", s.time, err)
	return err
}

// build runs the BUILDING phase: plugins, then data managers, reports and
// actors, then re-hydration of resumed plans.
func (s *Simulation) build() error {
	for _, p := range s.plugins {
		p := p // per-iteration copy (Go 1.22 loop semantics)
		pc := &PluginContext{sim: s, plugin: p}
		if err := SafeCall(func() error { return p.Init(pc) }); err != nil {
			return fmt.Errorf("initializing plugin %s: %w", p.ID, err)
		}
	}
	s.dataManagers.seal()

	s.dataManagers.contexts = make([]*DataManagerContext, len(s.dataManagers.managers))
	for i := range s.dataManagers.managers {
		s.dataManagers.contexts[i] = &DataManagerContext{contextBase{sim: s, owner: owner{planner: PlannerDataManager, id: i}}}
	}
	for i, dm := range s.dataManagers.managers {
		dm := dm // per-iteration copy (Go 1.22 loop semantics)
		ctx := s.dataManagers.contexts[i]
		if err := SafeCall(func() error { return dm.Init(ctx) }); err != nil {
			return fmt.Errorf("initializing data manager %T: %w", dm, err)
		}
		s.dataManagers.initialized[i] = true
	}

	for _, pr := range s.pendingReports {
		pr := pr // per-iteration copy (Go 1.22 loop semantics)
		if err := SafeCall(func() error { return pr.init(pr.ctx) }); err != nil {
			return fmt.Errorf("initializing report %d: %w", pr.ctx.owner.id, err)
		}
	}
	s.pendingReports = nil

	// Actors may add further actors while initializing; those are appended
	// to pendingActors and initialized in turn.
	for i := 0; i < len(s.pendingActors); i++ {
		pa := s.pendingActors[i]
		if !s.isLive(pa.ctx.owner) {
			continue
		}
		if err := SafeCall(func() error { return pa.init(pa.ctx) }); err != nil {
			return fmt.Errorf("initializing actor %d: %w", pa.ctx.owner.id, err)
		}
	}
	s.pendingActors = nil

	if s.state != nil {
		if err := s.rehydrate(); err != nil {
			return err
		}
	}
	return nil
}

// run is the RUNNING phase. Without a halt time the loop continues while an
// active plan is queued or the next plan is not later than the last executed
// active plan. With a halt time every plan up to that time executes.
func (s *Simulation) run() error {
	for !s.halted {
		next := s.queue.peek()
		if next == nil {
			break
		}
		if s.haltTimeSet {
			if next.time > s.haltTime {
				s.cutAtHaltTime = true
				break
			}
		} else if !s.queue.hasActive() && next.time > s.lastActiveTime {
			break
		}
		s.queue.popNext()

		if next.time < s.time {
			panic(fmt.Sprintf("clock went backwards: %g < %g", next.time, s.time))
		}
		s.time = next.time
		if next.active {
			s.lastActiveTime = next.time
		}
		if s.trace.Enabled() {
			s.trace.RecordPlan(trace.PlanRecord{
				Time:      next.time,
				ArrivalID: next.arrivalID,
				Planner:   next.owner.planner.String(),
				PlannerID: next.owner.id,
				Active:    next.active,
			})
		}
		logrus.Tracef("[t=%g] executing %s plan %d", s.time, next.owner, next.arrivalID)

		if err := SafeCall(next.run); err != nil {
			return &PlanFailure{Time: s.time, Planner: next.owner.planner, PlannerID: next.owner.id, Err: err}
		}
	}
	return nil
}

// close is the HALTED phase: record state, then run close handlers in
// subscription order, exactly once.
func (s *Simulation) close() error {
	s.phase = phaseClosing
	s.status = StatusHaltedNormal
	if s.cutAtHaltTime {
		s.status = StatusHaltedAtTime
		s.time = s.haltTime
	}

	if s.recordState {
		// A run that ends early under a halt time still checkpoints at it.
		start := s.time
		if s.haltTimeSet && !s.halted {
			start = s.haltTime
		}
		s.releaseOutput(Output{Planner: PlannerKernel, Value: s.snapshot(start)})
	} else if n := s.queue.Len(); n > 0 {
		logrus.Debugf("[t=%g] discarding %d unexecuted plans", s.time, n)
		s.queue.drain()
	}

	handlers := s.closeHandlers
	s.closeHandlers = nil
	for _, h := range handlers {
		if !s.isLive(h.owner) {
			continue
		}
		if err := SafeCall(h.run); err != nil {
			return &PlanFailure{Time: s.time, Planner: h.owner.planner, PlannerID: h.owner.id, Err: err}
		}
	}
	s.phase = phaseClosed
	return nil
}

func (s *Simulation) releaseOutput(o Output) {
	s.output(o)
}

func (s *Simulation) checkPlanning() error {
	if s.phase != phaseBuilding && s.phase != phaseRunning {
		return ErrSimulationClosed
	}
	return nil
}

func (s *Simulation) checkOpen() error {
	if s.phase == phaseClosed {
		return ErrSimulationClosed
	}
	return nil
}

func (s *Simulation) halt() {
	s.halted = true
}

// isLive reports whether o refers to an existing, non-removed context.
func (s *Simulation) isLive(o owner) bool {
	switch o.planner {
	case PlannerActor:
		return o.id >= 0 && o.id < len(s.actors) && s.actors[o.id] != nil
	case PlannerReport:
		return o.id >= 0 && o.id < len(s.reports)
	case PlannerDataManager:
		return o.id >= 0 && o.id < len(s.dataManagers.contexts)
	default:
		return false
	}
}

func (s *Simulation) registerActor(init func(*ActorContext) error) ActorID {
	ctx := &ActorContext{contextBase{sim: s, owner: owner{planner: PlannerActor, id: len(s.actors)}}}
	s.actors = append(s.actors, ctx)
	s.pendingActors = append(s.pendingActors, pendingActor{ctx: ctx, init: init})
	return ctx.ActorID()
}

func (s *Simulation) registerReport(init func(*ReportContext) error) ReportID {
	ctx := &ReportContext{contextBase{sim: s, owner: owner{planner: PlannerReport, id: len(s.reports)}}}
	s.reports = append(s.reports, ctx)
	s.pendingReports = append(s.pendingReports, pendingReport{ctx: ctx, init: init})
	return ctx.ReportID()
}

func (s *Simulation) registerDataManager(dm DataManager) (DataManagerID, error) {
	return s.dataManagers.register(dm)
}

// addActor adds an actor from plugin code. While building, initialization
// is deferred to the actor phase; while running it happens immediately.
func (s *Simulation) addActor(init func(*ActorContext) error) (ActorID, error) {
	if err := s.checkPlanning(); err != nil {
		return 0, err
	}
	if init == nil {
		return 0, ErrNilInitializer
	}
	id := s.registerActor(init)
	if s.phase == phaseBuilding {
		return id, nil
	}
	pa := s.pendingActors[len(s.pendingActors)-1]
	s.pendingActors = s.pendingActors[:len(s.pendingActors)-1]
	if err := SafeCall(func() error { return pa.init(pa.ctx) }); err != nil {
		return id, fmt.Errorf("initializing actor %d: %w", id, err)
	}
	return id, nil
}

func (s *Simulation) removeActor(id ActorID) error {
	if err := s.checkPlanning(); err != nil {
		return err
	}
	o := owner{planner: PlannerActor, id: int(id)}
	if !s.isLive(o) {
		return fmt.Errorf("%w: %d", ErrUnknownActor, id)
	}
	s.actors[id] = nil
	removed := s.queue.removeOwner(o)
	s.bus.unsubscribeAll(o)
	delete(s.converters, o)
	logrus.Debugf("[t=%g] removed actor %d with %d queued plans", s.time, id, removed)
	return nil
}
