package experiment

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// ScenarioStatus is the lifecycle state of one scenario within an experiment.
type ScenarioStatus int

const (
	StatusPending ScenarioStatus = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusPreviouslySucceeded
)

func (s ScenarioStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	case StatusPreviouslySucceeded:
		return "PREVIOUSLY_SUCCEEDED"
	default:
		return fmt.Sprintf("ScenarioStatus(%d)", int(s))
	}
}

type scenarioRecord struct {
	status   ScenarioStatus
	metadata []string
	cause    error
	started  time.Time
	elapsed  time.Duration
	outputs  map[reflect.Type][]any
}

// StateManager holds the status, metadata, timing, failure cause and
// released outputs of every scenario in one experiment run.
//
// All methods are safe for concurrent use. Within an Experiment only the
// collector goroutine mutates it; consumers may read from anywhere.
type StateManager struct {
	mu           sync.RWMutex
	experimentID string
	headers      []string
	ids          []int
	scenarios    map[int]*scenarioRecord
	opened       bool
	closed       bool
	started      time.Time
	elapsed      time.Duration
	now          func() time.Time
}

// NewStateManager creates a manager tracking scenarioIDs, all PENDING.
func NewStateManager(experimentID string, headers []string, scenarioIDs []int) *StateManager {
	ids := append([]int(nil), scenarioIDs...)
	sort.Ints(ids)
	scenarios := make(map[int]*scenarioRecord, len(ids))
	for _, id := range ids {
		scenarios[id] = &scenarioRecord{status: StatusPending}
	}
	return &StateManager{
		experimentID: experimentID,
		headers:      append([]string(nil), headers...),
		ids:          ids,
		scenarios:    scenarios,
		now:          time.Now,
	}
}

// OpenExperiment marks the start of the run.
func (m *StateManager) OpenExperiment() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		return ErrExperimentAlreadyOpen
	}
	m.opened = true
	m.started = m.now()
	return nil
}

// CloseExperiment marks the end of the run. Scenarios never started stay PENDING.
func (m *StateManager) CloseExperiment() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened || m.closed {
		return ErrExperimentNotOpen
	}
	m.closed = true
	m.elapsed = m.now().Sub(m.started)
	return nil
}

func (m *StateManager) transition(id int, from, to ScenarioStatus) (*scenarioRecord, error) {
	if !m.opened || m.closed {
		return nil, ErrExperimentNotOpen
	}
	rec, ok := m.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScenario, id)
	}
	if rec.status != from {
		return nil, fmt.Errorf("%w: scenario %d is %s, cannot become %s", ErrInvalidScenarioTransition, id, rec.status, to)
	}
	rec.status = to
	return rec, nil
}

// OpenScenario moves a PENDING scenario to RUNNING with its dimension metadata.
func (m *StateManager) OpenScenario(id int, metadata []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.transition(id, StatusPending, StatusRunning)
	if err != nil {
		return err
	}
	rec.metadata = append([]string(nil), metadata...)
	rec.started = m.now()
	rec.outputs = make(map[reflect.Type][]any)
	return nil
}

// MarkPreviouslySucceeded records a scenario completed by an earlier run.
func (m *StateManager) MarkPreviouslySucceeded(id int, metadata []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.transition(id, StatusPending, StatusPreviouslySucceeded)
	if err != nil {
		return err
	}
	rec.metadata = append([]string(nil), metadata...)
	return nil
}

// RecordOutput appends an output released by a RUNNING scenario.
func (m *StateManager) RecordOutput(id int, output any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.scenarios[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownScenario, id)
	}
	if rec.status != StatusRunning {
		return fmt.Errorf("%w: scenario %d is %s and cannot release output", ErrInvalidScenarioTransition, id, rec.status)
	}
	class := reflect.TypeOf(output)
	rec.outputs[class] = append(rec.outputs[class], output)
	return nil
}

// CloseScenarioAsSuccess moves a RUNNING scenario to SUCCEEDED.
func (m *StateManager) CloseScenarioAsSuccess(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.transition(id, StatusRunning, StatusSucceeded)
	if err != nil {
		return err
	}
	rec.elapsed = m.now().Sub(rec.started)
	return nil
}

// CloseScenarioAsFailure moves a RUNNING scenario to FAILED, retaining cause.
func (m *StateManager) CloseScenarioAsFailure(id int, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.transition(id, StatusRunning, StatusFailed)
	if err != nil {
		return err
	}
	rec.elapsed = m.now().Sub(rec.started)
	rec.cause = cause
	return nil
}

// StatusCount returns how many scenarios are in status.
func (m *StateManager) StatusCount(status ScenarioStatus) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.scenarios {
		if rec.status == status {
			n++
		}
	}
	return n
}

// Scenarios returns the ids in status, ascending.
func (m *StateManager) Scenarios(status ScenarioStatus) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0)
	for _, id := range m.ids {
		if m.scenarios[id].status == status {
			out = append(out, id)
		}
	}
	return out
}

// ScenarioStatus returns the status of scenario id.
func (m *StateManager) ScenarioStatus(id int) (ScenarioStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scenarios[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownScenario, id)
	}
	return rec.status, nil
}

// ScenarioMetadata returns the dimension metadata of a started scenario.
func (m *StateManager) ScenarioMetadata(id int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScenario, id)
	}
	return append([]string(nil), rec.metadata...), nil
}

// ScenarioFailureCause returns the cause of a FAILED scenario, nil otherwise.
func (m *StateManager) ScenarioFailureCause(id int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scenarios[id]
	if !ok || rec.status != StatusFailed {
		return nil
	}
	return rec.cause
}

// ScenarioDuration returns the wall-clock time a finished scenario ran for.
func (m *StateManager) ScenarioDuration(id int) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scenarios[id]
	if !ok || (rec.status != StatusSucceeded && rec.status != StatusFailed) {
		return 0, false
	}
	return rec.elapsed, true
}

// ScenarioOutputs returns the outputs of scenario id grouped by concrete type,
// each group in release order.
func (m *StateManager) ScenarioOutputs(id int) (map[reflect.Type][]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScenario, id)
	}
	out := make(map[reflect.Type][]any, len(rec.outputs))
	for class, values := range rec.outputs {
		out[class] = append([]any(nil), values...)
	}
	return out, nil
}

// ExperimentMetadata returns the dimension headers of the experiment.
func (m *StateManager) ExperimentMetadata() []string {
	return append([]string(nil), m.headers...)
}

// ExperimentID returns the run id of the experiment.
func (m *StateManager) ExperimentID() string {
	return m.experimentID
}

// ScenarioCount returns the number of scenarios in this run.
func (m *StateManager) ScenarioCount() int {
	return len(m.ids)
}

// ElapsedTime returns the wall-clock duration of a closed experiment.
func (m *StateManager) ElapsedTime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.elapsed
}

// OutputsOf returns the outputs of scenario id whose concrete type is T.
func OutputsOf[T any](m *StateManager, id int) []T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scenarios[id]
	if !ok {
		return nil
	}
	values := rec.outputs[reflect.TypeOf((*T)(nil)).Elem()]
	out := make([]T, 0, len(values))
	for _, v := range values {
		out = append(out, v.(T))
	}
	return out
}
