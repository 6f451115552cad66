package experiment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/inference-sim/nucleus/sim"
)

var errBoom = errors.New("boom")

// stepData configures the stepping actor: one plan per step at t=1..steps.
type stepData struct {
	steps int
	label string
	fail  bool
}

func (d stepData) CloneBuilder() sim.PluginDataBuilder { return &stepBuilder{d: d} }

type stepBuilder struct{ d stepData }

func (b *stepBuilder) Build() (sim.PluginData, error) {
	if b.d.steps < 0 {
		return nil, fmt.Errorf("negative steps %d", b.d.steps)
	}
	return b.d, nil
}

// stepTag is the checkpoint data of one step plan.
type stepTag struct{ N int }

type stepOutput struct {
	N     int
	Label string
	Draw  int64
}

func stepPlugin() sim.Plugin {
	return sim.Plugin{
		ID:   "stepper",
		Data: []sim.PluginData{stepData{steps: 1, label: "none"}},
		Init: func(pc *sim.PluginContext) error {
			d, err := sim.PluginDataOf[stepData](pc)
			if err != nil {
				return err
			}
			_, err = pc.AddActor(func(ctx *sim.ActorContext) error {
				step := func(tag stepTag) func(*sim.ActorContext) error {
					return func(c *sim.ActorContext) error {
						if d.fail {
							return errBoom
						}
						return c.ReleaseOutput(stepOutput{N: tag.N, Label: d.label, Draw: c.RNG("draw").Int63()})
					}
				}
				if err := sim.SetPlanDataConverter(ctx, step); err != nil {
					return err
				}
				if ctx.IsResuming() {
					return nil
				}
				for i := 1; i <= d.steps; i++ {
					tag := stepTag{N: i}
					if err := ctx.AddPlan(sim.Plan[*sim.ActorContext]{Time: float64(i), Active: true, Data: tag, Callback: step(tag)}); err != nil {
						return err
					}
				}
				return nil
			})
			return err
		},
	}
}

func stepsDimension(values ...int) Dimension {
	d := Dimension{Headers: []string{"steps"}}
	for _, v := range values {
		v := v // per-iteration copy (Go 1.22 loop semantics)
		d.Levels = append(d.Levels, func(dc *DimensionContext) ([]string, error) {
			b, err := DataBuilder[*stepBuilder](dc)
			if err != nil {
				return nil, err
			}
			b.d.steps = v
			return []string{strconv.Itoa(v)}, nil
		})
	}
	return d
}

func labelDimension(labels ...string) Dimension {
	d := Dimension{Headers: []string{"label"}}
	for _, l := range labels {
		l := l // per-iteration copy (Go 1.22 loop semantics)
		d.Levels = append(d.Levels, func(dc *DimensionContext) ([]string, error) {
			b, err := DataBuilder[*stepBuilder](dc)
			if err != nil {
				return nil, err
			}
			b.d.label = l
			return []string{l}, nil
		})
	}
	return d
}

// outcomeDimension has an "ok" level and a "fail" level.
func outcomeDimension() Dimension {
	set := func(fail bool, name string) Level {
		return func(dc *DimensionContext) ([]string, error) {
			b, err := DataBuilder[*stepBuilder](dc)
			if err != nil {
				return nil, err
			}
			b.d.fail = fail
			return []string{name}, nil
		}
	}
	return Dimension{Headers: []string{"outcome"}, Levels: []Level{set(false, "ok"), set(true, "fail")}}
}

func mustParams(t *testing.T, b *ParametersBuilder) Parameters {
	t.Helper()
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

// runExperiment builds and executes an experiment, returning the captured
// context and the Execute error.
func runExperiment(t *testing.T, ctx context.Context, params Parameters, dims ...Dimension) (*Context, error) {
	t.Helper()
	b := NewBuilder().AddPlugin(stepPlugin()).SetParameters(params)
	for _, d := range dims {
		b.AddDimension(d)
	}
	var captured *Context
	b.AddContextConsumer(func(c *Context) { captured = c })
	e, err := b.Build()
	require.NoError(t, err)
	runErr := e.Execute(ctx)
	require.NotNil(t, captured)
	return captured, runErr
}

func stepOutputs(t *testing.T, c *Context, id int) []stepOutput {
	t.Helper()
	outputs, err := c.ScenarioOutputs(id)
	require.NoError(t, err)
	var out []stepOutput
	for _, v := range outputs[reflect.TypeOf((*stepOutput)(nil)).Elem()] {
		out = append(out, v.(stepOutput))
	}
	return out
}

func TestExperiment_RunsEveryScenarioOfTheCartesianProduct(t *testing.T) {
	// GIVEN 2 step counts and 3 labels
	params := mustParams(t, NewParametersBuilder())

	// WHEN the experiment runs
	c, err := runExperiment(t, context.Background(), params, stepsDimension(1, 2), labelDimension("a", "b", "c"))

	// THEN all 6 scenarios succeed, the first dimension varying fastest
	require.NoError(t, err)
	assert.Equal(t, 6, c.ScenarioCount())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, c.Scenarios(StatusSucceeded))
	assert.Equal(t, []string{"steps", "label"}, c.ExperimentMetadata())

	wantMeta := [][]string{{"1", "a"}, {"2", "a"}, {"1", "b"}, {"2", "b"}, {"1", "c"}, {"2", "c"}}
	for id, want := range wantMeta {
		got, err := c.ScenarioMetadata(id)
		require.NoError(t, err)
		assert.Equal(t, want, got, "scenario %d", id)

		outs := stepOutputs(t, c, id)
		assert.Len(t, outs, id%2+1, "scenario %d", id)
		for _, o := range outs {
			assert.Equal(t, want[1], o.Label)
		}
		_, ok := c.ScenarioDuration(id)
		assert.True(t, ok)
	}
	assert.NotEmpty(t, c.ExperimentID())
}

func TestExperiment_NoDimensionsRunsOneScenario(t *testing.T) {
	c, err := runExperiment(t, context.Background(), mustParams(t, NewParametersBuilder()))
	require.NoError(t, err)
	assert.Equal(t, 1, c.ScenarioCount())
	assert.Equal(t, []int{0}, c.Scenarios(StatusSucceeded))
	assert.Len(t, stepOutputs(t, c, 0), 1)
}

func TestExperiment_ThreadCountDoesNotChangeResults(t *testing.T) {
	// GIVEN the same experiment run sequentially and on 4 workers
	dims := []Dimension{stepsDimension(1, 2, 3), labelDimension("a", "b")}
	collect := func(threads int) map[int][]stepOutput {
		c, err := runExperiment(t, context.Background(), mustParams(t, NewParametersBuilder().SetThreadCount(threads).SetSeed(42)), dims...)
		require.NoError(t, err)
		out := make(map[int][]stepOutput)
		for id := 0; id < c.ScenarioCount(); id++ {
			out[id] = stepOutputs(t, c, id)
		}
		return out
	}

	// WHEN both run
	sequential := collect(0)
	parallel := collect(4)

	// THEN every scenario released the same outputs, random draws included
	if diff := cmp.Diff(sequential, parallel); diff != "" {
		t.Errorf("outputs differ between thread counts (-sequential +parallel):\n%s", diff)
	}
}

func TestExperiment_SeedChangesDraws(t *testing.T) {
	run := func(seed int64) []stepOutput {
		c, err := runExperiment(t, context.Background(), mustParams(t, NewParametersBuilder().SetSeed(seed)), stepsDimension(3))
		require.NoError(t, err)
		return stepOutputs(t, c, 0)
	}
	assert.Equal(t, run(7), run(7))
	assert.NotEqual(t, run(7), run(8))
}

func TestExperiment_LifecycleNotificationsAreOrdered(t *testing.T) {
	// GIVEN a consumer recording every notification
	var events []string
	consumer := func(c *Context) {
		c.SubscribeToExperimentOpen(func(*Context) { events = append(events, "experiment open") })
		c.SubscribeToExperimentClose(func(*Context) { events = append(events, "experiment close") })
		c.SubscribeToSimulationOpen(func(_ *Context, id int) { events = append(events, fmt.Sprintf("open %d", id)) })
		c.SubscribeToSimulationClose(func(_ *Context, id int) { events = append(events, fmt.Sprintf("close %d", id)) })
		SubscribeToOutput(c, func(_ *Context, id int, o stepOutput) {
			events = append(events, fmt.Sprintf("output %d:%d", id, o.N))
		})
	}
	e, err := NewBuilder().
		AddPlugin(stepPlugin()).
		AddDimension(stepsDimension(1, 2)).
		AddContextConsumer(consumer).
		Build()
	require.NoError(t, err)

	// WHEN it runs sequentially
	require.NoError(t, e.Execute(context.Background()))

	// THEN notifications follow the scenario lifecycle
	want := []string{
		"experiment open",
		"open 0", "output 0:1", "close 0",
		"open 1", "output 1:1", "output 1:2", "close 1",
		"experiment close",
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("notification order mismatch (-want +got):\n%s", diff)
	}
}

func TestExperiment_OutputSubscriptionMatchesAssignableTypes(t *testing.T) {
	var all, outputs, states int
	consumer := func(c *Context) {
		SubscribeToOutput(c, func(*Context, int, any) { all++ })
		SubscribeToOutput(c, func(*Context, int, stepOutput) { outputs++ })
		SubscribeToOutput(c, func(*Context, int, *sim.SimulationState) { states++ })
	}
	e, err := NewBuilder().
		AddPlugin(stepPlugin()).
		AddDimension(stepsDimension(2)).
		SetParameters(mustParams(t, NewParametersBuilder().SetRecordState(true))).
		AddContextConsumer(consumer).
		Build()
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background()))

	assert.Equal(t, 2, outputs)
	assert.Equal(t, 1, states)
	assert.Equal(t, 3, all)
}

func TestExperiment_ScenarioFailuresWithoutHalting(t *testing.T) {
	// GIVEN every odd scenario failing and halt-on-exception disabled
	params := mustParams(t, NewParametersBuilder().SetHaltOnException(false))

	// WHEN the experiment runs
	c, err := runExperiment(t, context.Background(), params, outcomeDimension(), stepsDimension(1, 2, 3))

	// THEN the run completes, failures carry their cause
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4}, c.Scenarios(StatusSucceeded))
	assert.Equal(t, []int{1, 3, 5}, c.Scenarios(StatusFailed))
	for _, id := range []int{1, 3, 5} {
		cause := c.ScenarioFailureCause(id)
		assert.ErrorIs(t, cause, errBoom)
		var pf *sim.PlanFailure
		assert.True(t, errors.As(cause, &pf), "scenario %d cause %v", id, cause)
	}
	assert.NoError(t, c.ScenarioFailureCause(0))
}

func TestExperiment_HaltOnExceptionLeavesRemainingScenariosPending(t *testing.T) {
	// GIVEN scenario 1 failing with halt-on-exception on (the default)
	params := mustParams(t, NewParametersBuilder())

	// WHEN the experiment runs sequentially
	c, err := runExperiment(t, context.Background(), params, outcomeDimension(), stepsDimension(1, 2, 3))

	// THEN Execute reports scenario 1 and later scenarios never start
	var se *ScenarioError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, 1, se.ScenarioID)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, []int{0}, c.Scenarios(StatusSucceeded))
	assert.Equal(t, []int{1}, c.Scenarios(StatusFailed))
	assert.Equal(t, []int{2, 3, 4, 5}, c.Scenarios(StatusPending))
}

func TestExperiment_HaltOnExceptionWithWorkers(t *testing.T) {
	params := mustParams(t, NewParametersBuilder().SetThreadCount(2))

	c, err := runExperiment(t, context.Background(), params, outcomeDimension(), stepsDimension(1, 2, 3, 4, 5))

	var se *ScenarioError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, 1, se.ScenarioID%2, "only odd scenarios fail")
	assert.Zero(t, c.StatusCount(StatusRunning))
	assert.GreaterOrEqual(t, c.StatusCount(StatusFailed), 1)
	assert.Equal(t, c.ScenarioCount(),
		c.StatusCount(StatusSucceeded)+c.StatusCount(StatusFailed)+c.StatusCount(StatusPending))
}

func TestExperiment_LevelErrorFailsTheScenario(t *testing.T) {
	broken := Dimension{Headers: []string{"broken"}, Levels: []Level{
		func(*DimensionContext) ([]string, error) { return []string{"fine"}, nil },
		func(*DimensionContext) ([]string, error) { return nil, errBoom },
	}}
	c, err := runExperiment(t, context.Background(), mustParams(t, NewParametersBuilder().SetHaltOnException(false)), broken)

	require.NoError(t, err)
	assert.Equal(t, []int{0}, c.Scenarios(StatusSucceeded))
	assert.Equal(t, []int{1}, c.Scenarios(StatusFailed))
	assert.ErrorIs(t, c.ScenarioFailureCause(1), errBoom)
}

func TestExperiment_PanickingLevelFailsOnlyItsScenario(t *testing.T) {
	// GIVEN a dimension whose second level indexes past an empty slice
	var empty []string
	broken := Dimension{Headers: []string{"broken"}, Levels: []Level{
		func(*DimensionContext) ([]string, error) { return []string{"fine"}, nil },
		func(*DimensionContext) ([]string, error) { return []string{empty[len(empty)+3]}, nil },
	}}
	for _, threads := range []int{0, 2} {
		threads := threads // per-iteration copy (Go 1.22 loop semantics)
		t.Run(fmt.Sprintf("threads=%d", threads), func(t *testing.T) {
			params := mustParams(t, NewParametersBuilder().SetHaltOnException(false).SetThreadCount(threads))

			// WHEN the experiment runs
			var c *Context
			var err error
			require.NotPanics(t, func() { c, err = runExperiment(t, context.Background(), params, broken, stepsDimension(1, 2)) })

			// THEN the scenarios using that level fail and the others succeed
			require.NoError(t, err)
			assert.Equal(t, []int{0, 2}, c.Scenarios(StatusSucceeded))
			assert.Equal(t, []int{1, 3}, c.Scenarios(StatusFailed))
			for _, id := range []int{1, 3} {
				assert.ErrorIs(t, c.ScenarioFailureCause(id), sim.ErrPluginPanic)
			}
		})
	}
}

// panicBuilder panics when the scenario's plugin data is built.
type panicBuilder struct{}

func (panicBuilder) Build() (sim.PluginData, error) { panic("no data for this scenario") }

type panicData struct{}

func (panicData) CloneBuilder() sim.PluginDataBuilder { return panicBuilder{} }

func TestExperiment_PanickingDataBuilderFailsTheScenario(t *testing.T) {
	// GIVEN a second plugin whose data builder panics
	var c *Context
	e, err := NewBuilder().
		AddPlugin(stepPlugin()).
		AddPlugin(sim.Plugin{ID: "broken", Data: []sim.PluginData{panicData{}}, Init: func(*sim.PluginContext) error { return nil }}).
		SetParameters(mustParams(t, NewParametersBuilder().SetHaltOnException(false).SetThreadCount(2))).
		AddContextConsumer(func(ctx *Context) { c = ctx }).
		Build()
	require.NoError(t, err)

	// WHEN the experiment runs on workers
	require.NotPanics(t, func() { err = e.Execute(context.Background()) })

	// THEN the single scenario is opened and closed as FAILED
	require.NoError(t, err)
	assert.Equal(t, []int{0}, c.Scenarios(StatusFailed))
	assert.ErrorIs(t, c.ScenarioFailureCause(0), sim.ErrPluginPanic)
}

func TestExperiment_CancelledContext(t *testing.T) {
	for _, threads := range []int{0, 3} {
		threads := threads // per-iteration copy (Go 1.22 loop semantics)
		t.Run(fmt.Sprintf("threads=%d", threads), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			c, err := runExperiment(t, ctx, mustParams(t, NewParametersBuilder().SetThreadCount(threads)), stepsDimension(1, 2, 3))

			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, []int{0, 1, 2}, c.Scenarios(StatusPending))
		})
	}
}

func TestExperiment_CancelFromConsumerStopsSubmission(t *testing.T) {
	// GIVEN a consumer cancelling the run once the first scenario closes
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, err := NewBuilder().
		AddPlugin(stepPlugin()).
		AddDimension(stepsDimension(1, 2, 3)).
		AddContextConsumer(func(c *Context) {
			c.SubscribeToSimulationClose(func(*Context, int) { cancel() })
		}).
		Build()
	require.NoError(t, err)

	// WHEN it runs sequentially
	err = e.Execute(ctx)

	// THEN only scenario 0 ran
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExperiment_ExplicitScenarioIDs(t *testing.T) {
	// GIVEN ids 1, 3 and an out-of-range 99
	params := mustParams(t, NewParametersBuilder().AddExplicitScenarioID(3).AddExplicitScenarioID(1).AddExplicitScenarioID(99))
	e, err := NewBuilder().AddPlugin(stepPlugin()).AddDimension(stepsDimension(1, 2, 3, 4)).SetParameters(params).Build()
	require.NoError(t, err)

	// THEN only the in-range ids are part of the run
	assert.Equal(t, []int{1, 3}, e.ScenarioIDs())
	c, err := runExperiment(t, context.Background(), params, stepsDimension(1, 2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, 2, c.ScenarioCount())
	assert.Equal(t, []int{1, 3}, c.Scenarios(StatusSucceeded))
	_, err = c.ScenarioStatus(0)
	assert.ErrorIs(t, err, ErrUnknownScenario)
}

func TestExperiment_HaltTimeAndRecordedStates(t *testing.T) {
	// GIVEN a halt time of 1.5 with state recording
	params := mustParams(t, NewParametersBuilder().SetSimulationHaltTime(1.5).SetRecordState(true))

	// WHEN scenarios with 1 and 3 steps run
	c, err := runExperiment(t, context.Background(), params, stepsDimension(1, 3))
	require.NoError(t, err)

	// THEN only the t=1 step ran and both states report the halt time
	for id := 0; id < 2; id++ {
		assert.Len(t, stepOutputs(t, c, id), 1)
		outputs, err := c.ScenarioOutputs(id)
		require.NoError(t, err)
		states := outputs[reflect.TypeOf((**sim.SimulationState)(nil)).Elem()]
		require.Len(t, states, 1)
		assert.Equal(t, 1.5, states[0].(*sim.SimulationState).StartTime)
	}
}

func TestExperiment_ResumesScenariosFromRecordedStates(t *testing.T) {
	// GIVEN states recorded at t=1.5 from a 3-step scenario
	first, err := runExperiment(t, context.Background(),
		mustParams(t, NewParametersBuilder().SetSimulationHaltTime(1.5).SetRecordState(true)),
		stepsDimension(3))
	require.NoError(t, err)
	outputs, err := first.ScenarioOutputs(0)
	require.NoError(t, err)
	state := outputs[reflect.TypeOf((**sim.SimulationState)(nil)).Elem()][0].(*sim.SimulationState)

	// WHEN a new experiment resumes from it
	var c *Context
	e, err := NewBuilder().
		AddPlugin(stepPlugin()).
		AddDimension(stepsDimension(3)).
		SetSimulationStates(map[int]*sim.SimulationState{0: state}).
		AddContextConsumer(func(ctx *Context) { c = ctx }).
		Build()
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background()))

	// THEN only the remaining steps run
	var steps []int
	for _, o := range stepOutputs(t, c, 0) {
		steps = append(steps, o.N)
	}
	assert.Equal(t, []int{2, 3}, steps)
}

func TestExperiment_ProgressLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.tsv")
	dims := []Dimension{stepsDimension(1, 2), labelDimension("a", "b", "c")}

	// GIVEN a completed run writing a progress log
	_, err := runExperiment(t, context.Background(), mustParams(t, NewParametersBuilder().SetProgressLogPath(path)), dims...)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "scenario\tsteps\tlabel", lines[0])
	assert.Equal(t, "5\t2\tc", lines[6])

	// WHEN the same experiment continues from that log
	opened := 0
	e, err := NewBuilder().
		AddPlugin(stepPlugin()).
		AddDimension(dims[0]).
		AddDimension(dims[1]).
		SetParameters(mustParams(t, NewParametersBuilder().SetProgressLogPath(path).SetContinueFromProgressLog(true))).
		AddContextConsumer(func(c *Context) {
			c.SubscribeToSimulationOpen(func(*Context, int) { opened++ })
			c.SubscribeToExperimentClose(func(c *Context) {
				// THEN every scenario is previously succeeded and none ran
				assert.Equal(t, 6, c.StatusCount(StatusPreviouslySucceeded))
				meta, err := c.ScenarioMetadata(3)
				assert.NoError(t, err)
				assert.Equal(t, []string{"2", "b"}, meta)
			})
		}).
		Build()
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background()))
	assert.Zero(t, opened)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(after), "continuing must not rewrite the log")
}

func TestExperiment_ContinueRunsOnlyMissingScenarios(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.tsv")

	// GIVEN a run that only covered scenarios 0 and 2
	_, err := runExperiment(t, context.Background(),
		mustParams(t, NewParametersBuilder().SetProgressLogPath(path).AddExplicitScenarioID(0).AddExplicitScenarioID(2)),
		stepsDimension(1, 2, 3, 4))
	require.NoError(t, err)

	// WHEN the full experiment continues from the log
	c, err := runExperiment(t, context.Background(),
		mustParams(t, NewParametersBuilder().SetProgressLogPath(path).SetContinueFromProgressLog(true).SetThreadCount(2)),
		stepsDimension(1, 2, 3, 4))

	// THEN the missing scenarios run and are appended
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, c.Scenarios(StatusPreviouslySucceeded))
	assert.Equal(t, []int{1, 3}, c.Scenarios(StatusSucceeded))
	done, err := readProgressLog(path, []string{"steps"})
	require.NoError(t, err)
	assert.Len(t, done, 4)
}

func TestExperiment_ProgressLogMismatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.tsv")
	_, err := runExperiment(t, context.Background(),
		mustParams(t, NewParametersBuilder().SetProgressLogPath(path)),
		stepsDimension(1, 2), labelDimension("a", "b", "c"))
	require.NoError(t, err)
	resume := mustParams(t, NewParametersBuilder().SetProgressLogPath(path).SetContinueFromProgressLog(true))

	t.Run("changed level metadata", func(t *testing.T) {
		c, err := runExperiment(t, context.Background(), resume, stepsDimension(1, 2), labelDimension("a", "b", "d"))
		assert.ErrorIs(t, err, ErrProgressLogMetadataMismatch)
		assert.Equal(t, []int{0, 1, 2, 3}, c.Scenarios(StatusPreviouslySucceeded))
	})

	t.Run("changed dimensions", func(t *testing.T) {
		e, err := NewBuilder().AddPlugin(stepPlugin()).AddDimension(stepsDimension(1, 2)).SetParameters(resume).Build()
		require.NoError(t, err)
		assert.ErrorIs(t, e.Execute(context.Background()), ErrIncompatibleProgressLog)
	})

	t.Run("missing log", func(t *testing.T) {
		missing := mustParams(t, NewParametersBuilder().
			SetProgressLogPath(filepath.Join(t.TempDir(), "absent.tsv")).
			SetContinueFromProgressLog(true))
		e, err := NewBuilder().AddPlugin(stepPlugin()).SetParameters(missing).Build()
		require.NoError(t, err)
		assert.ErrorIs(t, e.Execute(context.Background()), ErrMissingProgressLog)
	})
}

func TestExperiment_OnlySuccessfulScenariosAreLogged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.tsv")
	_, err := runExperiment(t, context.Background(),
		mustParams(t, NewParametersBuilder().SetProgressLogPath(path).SetHaltOnException(false)),
		outcomeDimension(), stepsDimension(1, 2))
	require.NoError(t, err)

	done, err := readProgressLog(path, []string{"outcome", "steps"})
	require.NoError(t, err)
	if diff := cmp.Diff(map[int][]string{0: {"ok", "1"}, 2: {"ok", "2"}}, done); diff != "" {
		t.Errorf("logged scenarios mismatch (-want +got):\n%s", diff)
	}
}

func TestExperiment_RecordsSpans(t *testing.T) {
	// GIVEN an in-memory span recorder
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e, err := NewBuilder().
		AddPlugin(stepPlugin()).
		AddDimension(outcomeDimension()).
		SetParameters(mustParams(t, NewParametersBuilder().SetHaltOnException(false))).
		SetTracerProvider(tp).
		Build()
	require.NoError(t, err)

	// WHEN it runs
	require.NoError(t, e.Execute(context.Background()))

	// THEN one experiment span parents one span per scenario
	spans := sr.Ended()
	require.Len(t, spans, 3)
	byName := map[string]int{}
	var root sdktrace.ReadOnlySpan
	for _, s := range spans {
		byName[s.Name()]++
		if s.Name() == "experiment.execute" {
			root = s
		}
	}
	assert.Equal(t, map[string]int{"experiment.execute": 1, "experiment.scenario": 2}, byName)
	require.NotNil(t, root)
	failed := 0
	for _, s := range spans {
		if s.Name() != "experiment.scenario" {
			continue
		}
		assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID())
		if s.Status().Code == codes.Error {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestExperiment_RepeatedExecution(t *testing.T) {
	e, err := NewBuilder().AddPlugin(stepPlugin()).Build()
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background()))
	assert.ErrorIs(t, e.Execute(context.Background()), ErrRepeatedExecution)
}

func TestBuilder_Validation(t *testing.T) {
	tests := []struct {
		name    string
		builder func() *Builder
		wantErr error
	}{
		{
			name:    "nil consumer",
			builder: func() *Builder { return NewBuilder().AddContextConsumer(nil) },
			wantErr: ErrNilConsumer,
		},
		{
			name: "nil level",
			builder: func() *Builder {
				return NewBuilder().AddDimension(Dimension{Headers: []string{"x"}, Levels: []Level{nil}})
			},
			wantErr: ErrNilLevel,
		},
		{
			name: "missing plugin dependency",
			builder: func() *Builder {
				p := stepPlugin()
				p.Dependencies = []sim.PluginID{"absent"}
				return NewBuilder().AddPlugin(p)
			},
			wantErr: sim.ErrMissingPluginDependency,
		},
	}
	for _, tc := range tests {
		tc := tc // per-iteration copy (Go 1.22 loop semantics)
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.builder().Build()
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}
