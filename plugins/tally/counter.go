package tally

import (
	"github.com/inference-sim/nucleus/sim"
)

// ChangedEvent is released every time the counter changes.
type ChangedEvent struct {
	Previous float64
	Current  float64
	Time     float64
}

// Tallier is the counter as seen by actors and reports.
type Tallier interface {
	Value() float64
	Add(n float64) error
}

// Counter is the tally data manager.
type Counter struct {
	data  Data
	value float64
	ctx   *sim.DataManagerContext
}

var _ Tallier = (*Counter)(nil)

func NewCounter(d Data) *Counter {
	return &Counter{data: d, value: d.Initial}
}

// Init registers the close handler that checkpoints the counter value when
// state recording is scheduled.
func (c *Counter) Init(ctx *sim.DataManagerContext) error {
	c.ctx = ctx
	return ctx.SubscribeToSimulationClose(func(ctx *sim.DataManagerContext) error {
		if !ctx.StateRecordingIsScheduled() {
			return nil
		}
		next := c.data
		next.Initial = c.value
		return ctx.ReleaseOutput(next)
	})
}

func (c *Counter) Value() float64 {
	return c.value
}

// Add changes the counter by n and releases a ChangedEvent.
func (c *Counter) Add(n float64) error {
	prev := c.value
	c.value += n
	return c.ctx.ReleaseEvent(ChangedEvent{Previous: prev, Current: c.value, Time: c.ctx.Time()})
}
