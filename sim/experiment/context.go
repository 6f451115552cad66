package experiment

import (
	"reflect"
	"time"
)

// ContextConsumer is registered on the experiment Builder. It is called once,
// before the experiment opens, and typically subscribes to the context.
type ContextConsumer func(*Context)

type outputSubscription struct {
	class   reflect.Type
	handler func(*Context, int, any)
}

// Context is the read view of an experiment's state handed to consumers,
// plus the subscriptions through which they follow the run.
//
// Handlers are invoked from a single goroutine, in subscription order, so
// they need no locking of their own.
type Context struct {
	state *StateManager

	onExperimentOpen  []func(*Context)
	onExperimentClose []func(*Context)
	onSimulationOpen  []func(*Context, int)
	onSimulationClose []func(*Context, int)
	onOutput          []outputSubscription
}

func newContext(state *StateManager) *Context {
	return &Context{state: state}
}

func (c *Context) SubscribeToExperimentOpen(handler func(*Context)) {
	c.onExperimentOpen = append(c.onExperimentOpen, handler)
}

func (c *Context) SubscribeToExperimentClose(handler func(*Context)) {
	c.onExperimentClose = append(c.onExperimentClose, handler)
}

// SubscribeToSimulationOpen is called with the scenario id as each scenario starts.
func (c *Context) SubscribeToSimulationOpen(handler func(*Context, int)) {
	c.onSimulationOpen = append(c.onSimulationOpen, handler)
}

// SubscribeToSimulationClose is called with the scenario id as each scenario
// succeeds or fails. Previously succeeded scenarios are not reported.
func (c *Context) SubscribeToSimulationClose(handler func(*Context, int)) {
	c.onSimulationClose = append(c.onSimulationClose, handler)
}

// SubscribeToOutput delivers every released output assignable to T together
// with the id of the scenario that released it.
func SubscribeToOutput[T any](c *Context, handler func(c *Context, scenarioID int, output T)) {
	c.onOutput = append(c.onOutput, outputSubscription{
		class:   reflect.TypeOf((*T)(nil)).Elem(),
		handler: func(ctx *Context, id int, v any) { handler(ctx, id, v.(T)) },
	})
}

func (c *Context) experimentOpened() {
	for _, h := range c.onExperimentOpen {
		h(c)
	}
}

func (c *Context) experimentClosed() {
	for _, h := range c.onExperimentClose {
		h(c)
	}
}

func (c *Context) simulationOpened(id int) {
	for _, h := range c.onSimulationOpen {
		h(c, id)
	}
}

func (c *Context) simulationClosed(id int) {
	for _, h := range c.onSimulationClose {
		h(c, id)
	}
}

func (c *Context) outputReleased(id int, v any) {
	class := reflect.TypeOf(v)
	for _, sub := range c.onOutput {
		if class.AssignableTo(sub.class) {
			sub.handler(c, id, v)
		}
	}
}

func (c *Context) ExperimentID() string                  { return c.state.ExperimentID() }
func (c *Context) ExperimentMetadata() []string          { return c.state.ExperimentMetadata() }
func (c *Context) ScenarioCount() int                    { return c.state.ScenarioCount() }
func (c *Context) StatusCount(status ScenarioStatus) int { return c.state.StatusCount(status) }
func (c *Context) Scenarios(status ScenarioStatus) []int { return c.state.Scenarios(status) }
func (c *Context) ScenarioFailureCause(id int) error     { return c.state.ScenarioFailureCause(id) }
func (c *Context) ElapsedTime() time.Duration            { return c.state.ElapsedTime() }

func (c *Context) ScenarioStatus(id int) (ScenarioStatus, error) {
	return c.state.ScenarioStatus(id)
}

func (c *Context) ScenarioMetadata(id int) ([]string, error) {
	return c.state.ScenarioMetadata(id)
}

func (c *Context) ScenarioDuration(id int) (time.Duration, bool) {
	return c.state.ScenarioDuration(id)
}

func (c *Context) ScenarioOutputs(id int) (map[reflect.Type][]any, error) {
	return c.state.ScenarioOutputs(id)
}
