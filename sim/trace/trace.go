package trace

// TraceLevel controls the verbosity of plan-execution tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelPlans records every executed plan.
	TraceLevelPlans TraceLevel = "plans"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:  true,
	TraceLevelPlans: true,
	"":              true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// SimulationTrace collects plan records during one simulation.
type SimulationTrace struct {
	Level TraceLevel
	Plans []PlanRecord
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(level TraceLevel) *SimulationTrace {
	return &SimulationTrace{
		Level: level,
		Plans: make([]PlanRecord, 0),
	}
}

// Enabled reports whether records should be collected.
func (st *SimulationTrace) Enabled() bool {
	return st != nil && st.Level == TraceLevelPlans
}

// RecordPlan appends a plan execution record.
func (st *SimulationTrace) RecordPlan(record PlanRecord) {
	st.Plans = append(st.Plans, record)
}

// Times returns the execution times in order.
func (st *SimulationTrace) Times() []float64 {
	out := make([]float64, len(st.Plans))
	for i, r := range st.Plans {
		out[i] = r.Time
	}
	return out
}
