package sim

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/nucleus/sim/trace"
)

// tick is the checkpoint tag of the counting actor's plans.
type tick struct{ n int }

// reportMark is the checkpoint tag of the observing report's plan.
type reportMark struct{ label string }

// countingPlugins returns an actor ticking at t=1..last and a report with a
// single passive plan at t=6. Both register converters so they can resume.
func countingPlugins(last int, executed *[]string) []Plugin {
	var step func(n int) func(*ActorContext) error
	step = func(n int) func(*ActorContext) error {
		return func(ctx *ActorContext) error {
			*executed = append(*executed, "tick")
			if n == last {
				return nil
			}
			return ctx.AddPlan(Plan[*ActorContext]{Time: float64(n + 1), Active: true, Data: tick{n: n + 1}, Callback: step(n + 1)})
		}
	}
	mark := func(d reportMark) func(*ReportContext) error {
		return func(*ReportContext) error {
			*executed = append(*executed, d.label)
			return nil
		}
	}
	return []Plugin{
		reportPlugin("observer", func(ctx *ReportContext) error {
			if err := SetPlanDataConverter(ctx, mark); err != nil {
				return err
			}
			if ctx.IsResuming() {
				return nil
			}
			d := reportMark{label: "mark"}
			return ctx.AddPlan(Plan[*ReportContext]{Time: 6, Key: "mark", Data: d, Callback: mark(d)})
		}),
		actorPlugin("counter", func(ctx *ActorContext) error {
			if err := SetPlanDataConverter(ctx, func(d tick) func(*ActorContext) error { return step(d.n) }); err != nil {
				return err
			}
			if ctx.IsResuming() {
				return nil
			}
			return ctx.AddPlan(Plan[*ActorContext]{Time: 1, Active: true, Data: tick{n: 1}, Callback: step(1)})
		}),
	}
}

func runCounting(t *testing.T, b *Builder, executed *[]string) (*Simulation, *SimulationState) {
	t.Helper()
	var state *SimulationState
	b.SetTraceLevel(trace.TraceLevelPlans).SetOutputConsumer(func(o Output) {
		if st, ok := o.Value.(*SimulationState); ok {
			state = st
		}
	})
	for _, p := range countingPlugins(10, executed) {
		b.AddPlugin(p)
	}
	s := mustBuild(t, b)
	require.NoError(t, s.Execute())
	return s, state
}

func TestSimulationState_ResumeMatchesUninterruptedRun(t *testing.T) {
	// GIVEN an uninterrupted reference run
	var fullOrder []string
	full, _ := runCounting(t, NewBuilder(), &fullOrder)

	// WHEN the same content is halted at t=4.5 with state recording and then resumed
	var firstOrder, secondOrder []string
	first, state := runCounting(t, NewBuilder().SetSimulationHaltTime(4.5).SetRecordState(true), &firstOrder)
	require.NotNil(t, state)
	second, _ := runCounting(t, NewBuilder().SetSimulationState(state), &secondOrder)

	// THEN the two halves replay the reference run exactly, arrival ids included
	assert.Equal(t, StatusHaltedAtTime, first.Status())
	assert.Equal(t, 4.5, state.StartTime)
	require.Len(t, state.Plans, 2)

	combined := append(append([]trace.PlanRecord{}, first.Trace().Plans...), second.Trace().Plans...)
	if diff := cmp.Diff(full.Trace().Plans, combined); diff != "" {
		t.Errorf("resumed run diverged (-want +got):\n%s", diff)
	}
	assert.Equal(t, fullOrder, append(firstOrder, secondOrder...))
	assert.Contains(t, secondOrder, "mark")
}

func TestSimulationState_ResumedPlansKeepKeys(t *testing.T) {
	// GIVEN a state holding two keyed report plans and one active actor plan
	state := &SimulationState{
		StartTime:              2,
		PlanningQueueArrivalID: 3,
		Plans: []PlanQueueData{
			{Time: 3, ArrivalID: 0, Planner: PlannerReport, PlannerID: 0, Key: "a", Data: reportMark{label: "a"}},
			{Time: 4, ArrivalID: 1, Planner: PlannerReport, PlannerID: 0, Key: "b", Data: reportMark{label: "b"}},
			{Time: 5, ArrivalID: 2, Planner: PlannerActor, PlannerID: 0, Active: true, Data: tick{n: 5}},
		},
	}
	var keysAtA []any
	var foundB bool
	s := mustBuild(t, NewBuilder().
		SetSimulationState(state).
		AddPlugin(reportPlugin("observer", func(ctx *ReportContext) error {
			return SetPlanDataConverter(ctx, func(d reportMark) func(*ReportContext) error {
				return func(c *ReportContext) error {
					if d.label == "a" {
						keysAtA = c.PlanKeys()
						_, foundB = c.Plan("b")
					}
					return nil
				}
			})
		})).
		AddPlugin(actorPlugin("counter", func(ctx *ActorContext) error {
			return SetPlanDataConverter(ctx, func(tick) func(*ActorContext) error {
				return func(*ActorContext) error { return nil }
			})
		})))

	// WHEN the resumed simulation executes
	require.NoError(t, s.Execute())

	// THEN the report's remaining plan is still retrievable by its key
	assert.Equal(t, []any{"b"}, keysAtA)
	assert.True(t, foundB)
	assert.Equal(t, 5.0, s.Time())
}

func TestSimulationState_MissingConverter(t *testing.T) {
	// GIVEN a state with an actor plan but an actor that registers no converter
	state := &SimulationState{
		StartTime:              2,
		PlanningQueueArrivalID: 5,
		Plans:                  []PlanQueueData{{Time: 3, ArrivalID: 4, Planner: PlannerActor, PlannerID: 0, Active: true, Data: tick{n: 3}}},
	}
	s := mustBuild(t, NewBuilder().SetSimulationState(state).AddPlugin(actorPlugin("a", func(*ActorContext) error { return nil })))

	// WHEN executed
	err := s.Execute()

	// THEN resume fails with a configuration error
	assert.ErrorIs(t, err, ErrNoPlanConverter)
	assert.Equal(t, StatusFailed, s.Status())
}

func TestSimulationState_PanickingConverterFailsTheSimulation(t *testing.T) {
	// GIVEN a one-plan state and a converter that writes to a nil map
	state := &SimulationState{
		StartTime:              2,
		PlanningQueueArrivalID: 1,
		Plans:                  []PlanQueueData{{Time: 3, Planner: PlannerActor, PlannerID: 0, Active: true, Data: tick{n: 3}}},
	}
	var seen map[int]bool
	s := mustBuild(t, NewBuilder().SetSimulationState(state).AddPlugin(actorPlugin("a", func(ctx *ActorContext) error {
		return SetPlanDataConverter(ctx, func(d tick) func(*ActorContext) error {
			seen[d.n] = true
			return func(*ActorContext) error { return nil }
		})
	})))

	// WHEN the resumed simulation executes
	var err error
	require.NotPanics(t, func() { err = s.Execute() })

	// THEN the panic becomes a failure of the simulation
	assert.ErrorIs(t, err, ErrPluginPanic)
	assert.Contains(t, err.Error(), "resumed plan 0")
	assert.Equal(t, StatusFailed, s.Status())
}

func TestSimulationState_MissingOwner(t *testing.T) {
	state := &SimulationState{
		PlanningQueueArrivalID: 1,
		Plans:                  []PlanQueueData{{Time: 3, Planner: PlannerActor, PlannerID: 7, Active: true, Data: tick{n: 3}}},
	}
	s := mustBuild(t, NewBuilder().SetSimulationState(state))

	assert.ErrorIs(t, s.Execute(), ErrUnknownPlanOwner)
}

func TestSimulationState_PlansWithoutDataAreDropped(t *testing.T) {
	// GIVEN a plan without PlanData beyond the halt time
	var state *SimulationState
	s := mustBuild(t, NewBuilder().
		SetSimulationHaltTime(1).
		SetRecordState(true).
		SetOutputConsumer(func(o Output) { state = o.Value.(*SimulationState) }).
		AddPlugin(actorPlugin("a", func(ctx *ActorContext) error {
			if err := ctx.AddPlanAt(func(*ActorContext) error { return nil }, 2); err != nil {
				return err
			}
			return ctx.AddPlan(Plan[*ActorContext]{Time: 3, Active: true, Data: tick{n: 3}, Callback: func(*ActorContext) error { return nil }})
		})))

	// WHEN the simulation halts
	require.NoError(t, s.Execute())

	// THEN only the plan carrying data is recorded
	require.NotNil(t, state)
	require.Len(t, state.Plans, 1)
	assert.Equal(t, tick{n: 3}, state.Plans[0].Data)
	assert.Equal(t, int64(2), state.PlanningQueueArrivalID)
}

func TestSetPlanDataConverter_RejectsInterfaceClass(t *testing.T) {
	var err error
	s := mustBuild(t, NewBuilder().AddPlugin(actorPlugin("a", func(ctx *ActorContext) error {
		err = SetPlanDataConverter(ctx, func(PlanData) func(*ActorContext) error { return nil })
		return nil
	})))

	require.NoError(t, s.Execute())

	assert.ErrorIs(t, err, ErrInvalidPlanDataClass)
}
