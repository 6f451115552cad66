package sim

import (
	"errors"
	"fmt"
)

// Scheduling errors.
var (
	ErrPastPlanningTime     = errors.New("past planning time")
	ErrNilPlanCallback      = errors.New("nil plan callback")
	ErrNilPlanKey           = errors.New("nil plan key")
	ErrUncomparablePlanKey  = errors.New("plan key is not comparable")
	ErrDuplicatePlanKey     = errors.New("duplicate plan key")
	ErrNilPlanData          = errors.New("nil plan data")
	ErrNoPlanConverter      = errors.New("no plan data converter registered")
	ErrUnknownPlanOwner     = errors.New("unknown plan owner")
	ErrInvalidHaltTime      = errors.New("invalid simulation halt time")
	ErrSimulationClosed     = errors.New("simulation is closed")
	ErrRepeatedExecution    = errors.New("simulation already executed")
	ErrUnknownActor         = errors.New("unknown actor")
	ErrNilInitializer       = errors.New("nil initializer")
	ErrPluginPanic          = errors.New("plugin code panicked")
	ErrInvalidPlanDataClass = errors.New("plan data class must be a concrete type")
	ErrNilPlanConverter     = errors.New("nil plan data converter")
	ErrNilOutput            = errors.New("nil output")
)

// Subscription errors.
var (
	ErrNilEvent                   = errors.New("nil event")
	ErrNilEventHandler            = errors.New("nil event handler")
	ErrInvalidEventClass          = errors.New("event class must be a concrete type")
	ErrDuplicateEventSubscription = errors.New("duplicate event subscription")
	ErrNilCloseHandler            = errors.New("nil simulation close handler")
)

// Resolution errors.
var (
	ErrNilDataManager           = errors.New("nil data manager")
	ErrUnknownDataManager       = errors.New("unknown data manager class")
	ErrAmbiguousDataManager     = errors.New("ambiguous data manager class")
	ErrUninitializedDataManager = errors.New("data manager is not initialized")
)

// Plugin errors.
var (
	ErrNilPluginInit            = errors.New("nil plugin initializer")
	ErrEmptyPluginID            = errors.New("empty plugin id")
	ErrDuplicatePlugin          = errors.New("duplicate plugin")
	ErrMissingPluginDependency  = errors.New("missing plugin dependency")
	ErrCircularPluginDependency = errors.New("circular plugin dependency")
	ErrUnknownPluginData        = errors.New("unknown plugin data class")
	ErrAmbiguousPluginData      = errors.New("ambiguous plugin data class")
	ErrNilPluginData            = errors.New("nil plugin data")
)

// PlanFailure is returned by Simulation.Execute when a plan, event handler or
// close handler fails. It unwraps to the cause returned (or panicked) by
// plugin code.
type PlanFailure struct {
	Time      float64
	Planner   Planner
	PlannerID int
	Err       error
}

func (f *PlanFailure) Error() string {
	return fmt.Sprintf("%s %d failed at time %g: %v", f.Planner, f.PlannerID, f.Time, f.Err)
}

func (f *PlanFailure) Unwrap() error {
	return f.Err
}

// SafeCall runs fn and converts a panic into an error wrapping ErrPluginPanic.
// Every call into plugin code goes through it, including the experiment's
// dimension levels and data builders.
func SafeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rErr, ok := r.(error); ok {
				err = fmt.Errorf("%w: %w", ErrPluginPanic, rErr)
				return
			}
			err = fmt.Errorf("%w: %v", ErrPluginPanic, r)
		}
	}()
	return fn()
}
