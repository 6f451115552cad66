package tally

import (
	"github.com/inference-sim/nucleus/sim"
)

// Summary is released by the tally report when the simulation closes.
type Summary struct {
	Final   float64 `json:"final"`
	Changes int     `json:"changes"`
	EndTime float64 `json:"end_time"`
}

func newReport(ctx *sim.ReportContext) error {
	counter, err := sim.GetDataManager[Tallier](ctx)
	if err != nil {
		return err
	}
	changes := 0
	if err := sim.Subscribe(ctx, func(_ *sim.ReportContext, _ ChangedEvent) error {
		changes++
		return nil
	}); err != nil {
		return err
	}
	return ctx.SubscribeToSimulationClose(func(ctx *sim.ReportContext) error {
		return ctx.ReleaseOutput(Summary{Final: counter.Value(), Changes: changes, EndTime: ctx.Time()})
	})
}
