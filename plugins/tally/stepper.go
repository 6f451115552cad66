package tally

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/nucleus/sim"
)

// StepData is the plan data of a pending step, kept in checkpoints.
type StepData struct {
	Step int
}

// stepper is the actor adding Increment to the counter every Period.
type stepper struct {
	data    Data
	counter Tallier
}

func newStepper(d Data) func(*sim.ActorContext) error {
	return func(ctx *sim.ActorContext) error {
		counter, err := sim.GetDataManager[Tallier](ctx)
		if err != nil {
			return err
		}
		s := &stepper{data: d, counter: counter}
		if err := sim.SetPlanDataConverter(ctx, s.step); err != nil {
			return err
		}
		if ctx.IsResuming() || counter.Value() >= d.Limit {
			return nil
		}
		return s.schedule(ctx, 1)
	}
}

func (s *stepper) step(sd StepData) func(*sim.ActorContext) error {
	return func(ctx *sim.ActorContext) error {
		if err := s.counter.Add(s.data.Increment); err != nil {
			return err
		}
		if s.counter.Value() >= s.data.Limit {
			logrus.Debugf("tally: reached %g after step %d at t=%g", s.counter.Value(), sd.Step, ctx.Time())
			return nil
		}
		return s.schedule(ctx, sd.Step+1)
	}
}

func (s *stepper) schedule(ctx *sim.ActorContext, n int) error {
	next := ctx.Time() + s.data.Period
	if s.data.Jitter > 0 {
		next += ctx.RNG("tally.jitter").Float64() * s.data.Jitter
	}
	sd := StepData{Step: n}
	return ctx.AddPlan(sim.Plan[*sim.ActorContext]{Time: next, Active: true, Data: sd, Callback: s.step(sd)})
}
