// Package trace provides plan-execution trace recording for simulations.
// It has no dependencies on sim/ and holds pure data types only.
package trace

// PlanRecord captures a single executed plan.
type PlanRecord struct {
	Time      float64
	ArrivalID int64
	Planner   string // actor, report or data manager
	PlannerID int
	Active    bool
}
