package experiment

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/nucleus/sim"
)

const tracerName = "github.com/inference-sim/nucleus/sim/experiment"

// Builder assembles an Experiment.
type Builder struct {
	plugins    []sim.Plugin
	dimensions []Dimension
	params     Parameters
	consumers  []ContextConsumer
	states     map[int]*sim.SimulationState
	tracer     trace.TracerProvider
	err        error
}

// NewBuilder returns a builder with default Parameters.
func NewBuilder() *Builder {
	params, _ := NewParametersBuilder().Build()
	return &Builder{params: params, states: make(map[int]*sim.SimulationState)}
}

// AddPlugin adds a plugin to every scenario. Its data is cloned per scenario
// before dimension levels apply.
func (b *Builder) AddPlugin(p sim.Plugin) *Builder {
	b.plugins = append(b.plugins, p)
	return b
}

// AddDimension adds an axis of the scenario space. Dimensions without levels
// are ignored.
func (b *Builder) AddDimension(d Dimension) *Builder {
	b.dimensions = append(b.dimensions, d)
	return b
}

func (b *Builder) SetParameters(p Parameters) *Builder {
	b.params = p
	return b
}

// AddContextConsumer registers a consumer called before the experiment opens.
func (b *Builder) AddContextConsumer(c ContextConsumer) *Builder {
	if c == nil && b.err == nil {
		b.err = ErrNilConsumer
	}
	b.consumers = append(b.consumers, c)
	return b
}

// SetSimulationStates resumes the listed scenarios from recorded checkpoints.
func (b *Builder) SetSimulationStates(states map[int]*sim.SimulationState) *Builder {
	for id, st := range states {
		b.states[id] = st
	}
	return b
}

// SetTracerProvider overrides the global OpenTelemetry tracer provider.
func (b *Builder) SetTracerProvider(tp trace.TracerProvider) *Builder {
	b.tracer = tp
	return b
}

// Build validates the configuration. Plugin dependency errors surface here
// rather than once per scenario.
func (b *Builder) Build() (*Experiment, error) {
	if b.err != nil {
		return nil, b.err
	}
	sp, err := newSpace(b.dimensions)
	if err != nil {
		return nil, err
	}
	probe := sim.NewBuilder()
	for _, p := range b.plugins {
		probe.AddPlugin(p)
	}
	if _, err := probe.Build(); err != nil {
		return nil, fmt.Errorf("invalid plugins: %w", err)
	}

	id := uuid.NewString()
	log := logrus.WithField("experiment", id)
	ids := make([]int, 0, sp.count)
	if explicit := b.params.ExplicitScenarioIDs(); len(explicit) > 0 {
		for _, sid := range explicit {
			if sid >= sp.count {
				log.Warnf("ignoring scenario id %d: only %d scenarios exist", sid, sp.count)
				continue
			}
			ids = append(ids, sid)
		}
	} else {
		for sid := 0; sid < sp.count; sid++ {
			ids = append(ids, sid)
		}
	}

	tp := b.tracer
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	states := make(map[int]*sim.SimulationState, len(b.states))
	for sid, st := range b.states {
		states[sid] = st
	}
	return &Experiment{
		id:        id,
		plugins:   append([]sim.Plugin(nil), b.plugins...),
		space:     sp,
		params:    b.params,
		consumers: append([]ContextConsumer(nil), b.consumers...),
		states:    states,
		ids:       ids,
		tracer:    tp.Tracer(tracerName),
		log:       log,
	}, nil
}

// Experiment runs one Simulation per scenario of the cartesian product of its
// dimensions' levels.
//
// Scenarios run on up to ThreadCount worker goroutines (or the caller's,
// when zero). Workers only execute simulations; every state transition,
// progress-log row and consumer notification happens on the goroutine that
// called Execute.
type Experiment struct {
	id        string
	plugins   []sim.Plugin
	space     *space
	params    Parameters
	consumers []ContextConsumer
	states    map[int]*sim.SimulationState
	ids       []int
	tracer    trace.Tracer
	log       *logrus.Entry
	executed  bool
}

// ID returns the run id used in logs, spans and the experiment context.
func (e *Experiment) ID() string {
	return e.id
}

// ScenarioIDs returns the scenarios this run covers.
func (e *Experiment) ScenarioIDs() []int {
	return append([]int(nil), e.ids...)
}

// Headers returns the concatenated dimension headers.
func (e *Experiment) Headers() []string {
	return append([]string(nil), e.space.headers...)
}

// Execute runs the experiment. It returns a *ScenarioError when a scenario
// failure halted the run, the context's error when ctx was cancelled, and
// configuration or progress-log errors as they occur. Scenario failures that
// do not halt the run are reported through the Context only.
func (e *Experiment) Execute(ctx context.Context) (err error) {
	if e.executed {
		return ErrRepeatedExecution
	}
	e.executed = true

	ctx, span := e.tracer.Start(ctx, "experiment.execute", trace.WithAttributes(
		attribute.String("experiment.id", e.id),
		attribute.Int("experiment.scenarios", len(e.ids)),
		attribute.Int("experiment.threads", e.params.ThreadCount()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "experiment failed")
		}
		span.End()
	}()

	path := e.params.ProgressLogPath()
	var done map[int][]string
	if e.params.ContinueFromProgressLog() {
		if done, err = readProgressLog(path, e.space.headers); err != nil {
			return err
		}
		e.log.Infof("progress log %s lists %d completed scenarios", path, len(done))
	}
	var plog *progressLog
	if path != "" {
		if plog, err = openProgressLog(path, e.space.headers, e.params.ContinueFromProgressLog()); err != nil {
			return err
		}
		defer func() {
			if cerr := plog.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
	}

	state := NewStateManager(e.id, e.space.headers, e.ids)
	ectx := newContext(state)
	for _, consumer := range e.consumers {
		consumer(ectx)
	}
	if err := state.OpenExperiment(); err != nil {
		return err
	}
	ectx.experimentOpened()
	e.log.Infof("running %d scenarios on %d threads", len(e.ids), e.params.ThreadCount())

	r := &run{e: e, state: state, ectx: ectx, plog: plog, done: done}
	runErr := r.execute(ctx)

	if err := state.CloseExperiment(); err != nil && runErr == nil {
		runErr = err
	}
	ectx.experimentClosed()
	e.log.WithFields(logrus.Fields{
		"succeeded":           state.StatusCount(StatusSucceeded),
		"failed":              state.StatusCount(StatusFailed),
		"previouslySucceeded": state.StatusCount(StatusPreviouslySucceeded),
		"pending":             state.StatusCount(StatusPending),
	}).Infof("experiment finished in %s", state.ElapsedTime())
	return runErr
}

type eventKind int

const (
	eventOpened eventKind = iota
	eventOutput
	eventClosed
	eventSkipped
)

// scenarioEvent is sent from a worker to the collector.
type scenarioEvent struct {
	kind     eventKind
	id       int
	metadata []string
	output   any
	err      error
}

// run holds the collector state of one Execute call.
type run struct {
	e      *Experiment
	state  *StateManager
	ectx   *Context
	plog   *progressLog
	done   map[int][]string
	cancel context.CancelFunc
	err    error
}

func (r *run) execute(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	if r.e.params.ThreadCount() == 0 {
		for _, id := range r.e.ids {
			if ctx.Err() != nil {
				break
			}
			if err := r.e.runScenario(ctx, id, r.done, r.handle); err != nil {
				return r.result(ctx, err)
			}
		}
		return r.result(ctx, nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.e.params.ThreadCount())
	events := make(chan scenarioEvent, r.e.params.ThreadCount())
	emit := func(ev scenarioEvent) { events <- ev }
	var waitErr error
	go func() {
		defer close(events)
		for _, id := range r.e.ids {
			id := id // per-iteration copy (Go 1.22 loop semantics)
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				return r.e.runScenario(gctx, id, r.done, emit)
			})
		}
		waitErr = g.Wait()
	}()
	for ev := range events {
		r.handle(ev)
	}
	return r.result(ctx, waitErr)
}

func (r *run) result(ctx context.Context, workErr error) error {
	if r.err != nil {
		return r.err
	}
	if workErr != nil {
		return workErr
	}
	return ctx.Err()
}

// handle applies one worker event. A bookkeeping failure stops the run.
func (r *run) handle(ev scenarioEvent) {
	var err error
	switch ev.kind {
	case eventSkipped:
		err = r.state.MarkPreviouslySucceeded(ev.id, ev.metadata)
	case eventOpened:
		if err = r.state.OpenScenario(ev.id, ev.metadata); err == nil {
			r.ectx.simulationOpened(ev.id)
		}
	case eventOutput:
		if err = r.state.RecordOutput(ev.id, ev.output); err == nil {
			r.ectx.outputReleased(ev.id, ev.output)
		}
	case eventClosed:
		if ev.err != nil {
			err = r.state.CloseScenarioAsFailure(ev.id, ev.err)
		} else {
			err = r.state.CloseScenarioAsSuccess(ev.id)
			if err == nil && r.plog != nil {
				err = r.plog.append(ev.id, ev.metadata)
			}
		}
		r.ectx.simulationClosed(ev.id)
	}
	if err != nil && r.err == nil {
		r.e.log.WithField("scenario", ev.id).WithError(err).Error("stopping experiment")
		r.err = err
		r.cancel()
	}
}

// runScenario materializes and executes one scenario, reporting through emit.
// It returns an error only when the experiment must stop: a *ScenarioError
// under halt-on-exception, or a progress log that contradicts the scenario.
func (e *Experiment) runScenario(ctx context.Context, id int, done map[int][]string, emit func(scenarioEvent)) error {
	log := e.log.WithField("scenario", id)
	var plugins []sim.Plugin
	var metadata []string
	err := sim.SafeCall(func() (err error) {
		plugins, metadata, err = e.space.materialize(e.plugins, id)
		return err
	})
	if err == nil {
		if logged, ok := done[id]; ok {
			if !slices.Equal(logged, metadata) {
				return fmt.Errorf("%w: scenario %d logged %q, now %q", ErrProgressLogMetadataMismatch, id, logged, metadata)
			}
			log.Debug("previously succeeded")
			emit(scenarioEvent{kind: eventSkipped, id: id, metadata: metadata})
			return nil
		}
	}

	_, span := e.tracer.Start(ctx, "experiment.scenario", trace.WithAttributes(attribute.Int("scenario.id", id)))
	defer span.End()

	emit(scenarioEvent{kind: eventOpened, id: id, metadata: metadata})
	if err == nil {
		err = e.simulate(id, plugins, func(o sim.Output) {
			emit(scenarioEvent{kind: eventOutput, id: id, output: o.Value})
		})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scenario failed")
		log.WithError(err).Warn("scenario failed")
	} else {
		log.Debug("scenario succeeded")
	}
	emit(scenarioEvent{kind: eventClosed, id: id, metadata: metadata, err: err})

	if err != nil && e.params.HaltOnException() {
		return &ScenarioError{ScenarioID: id, Err: err}
	}
	return nil
}

func (e *Experiment) simulate(id int, plugins []sim.Plugin, output func(sim.Output)) error {
	key := sim.NewSimulationKey(e.params.Seed()).Derive(sim.ScenarioName(id))
	b := sim.NewBuilder().
		SetSeed(int64(key)).
		SetRecordState(e.params.RecordState()).
		SetOutputConsumer(output)
	if t, ok := e.params.SimulationHaltTime(); ok {
		b.SetSimulationHaltTime(t)
	}
	if st, ok := e.states[id]; ok {
		b.SetSimulationState(st)
	}
	for _, p := range plugins {
		b.AddPlugin(p)
	}
	s, err := b.Build()
	if err != nil {
		return err
	}
	return s.Execute()
}
