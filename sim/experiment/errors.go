package experiment

import (
	"errors"
	"fmt"
)

// Configuration errors.
var (
	ErrNegativeThreadCount         = errors.New("negative thread count")
	ErrNegativeScenarioID          = errors.New("negative scenario id")
	ErrInvalidHaltTime             = errors.New("invalid simulation halt time")
	ErrMissingProgressLog          = errors.New("progress log is missing")
	ErrIncompatibleProgressLog     = errors.New("progress log is incompatible with the experiment dimensions")
	ErrProgressLogMetadataMismatch = errors.New("progress log metadata does not match the scenario")
	ErrDimensionMetadataMismatch   = errors.New("level metadata does not match the dimension headers")
	ErrNilLevel                    = errors.New("nil dimension level")
	ErrUnknownBuilder              = errors.New("no plugin data builder of the requested type")
	ErrAmbiguousBuilder            = errors.New("more than one plugin data builder of the requested type")
	ErrNilConsumer                 = errors.New("nil experiment context consumer")
	ErrRepeatedExecution           = errors.New("experiment already executed")
)

// State errors.
var (
	ErrUnknownScenario           = errors.New("unknown scenario")
	ErrInvalidScenarioTransition = errors.New("invalid scenario status transition")
	ErrExperimentNotOpen         = errors.New("experiment is not open")
	ErrExperimentAlreadyOpen     = errors.New("experiment is already open")
)

// ScenarioError reports the scenario whose failure halted the experiment.
type ScenarioError struct {
	ScenarioID int
	Err        error
}

func (e *ScenarioError) Error() string {
	return fmt.Sprintf("scenario %d failed: %v", e.ScenarioID, e.Err)
}

func (e *ScenarioError) Unwrap() error {
	return e.Err
}
