// Package sim provides the discrete-event simulation kernel.
//
// # Reading Guide
//
// Start with these files to understand the kernel:
//   - plan.go: Plan, the unit of deferred work, and the active/passive distinction
//   - plan_queue.go: deterministic (time, arrival) ordering and keyed removal
//   - simulation.go: the BUILDING → RUNNING → HALTED state machine and event loop
//
// # Architecture
//
// Plugin code never touches the Simulation directly. It is handed one of
// three role contexts (ActorContext, ReportContext, DataManagerContext), all
// thin handles over the same simulation. Through them it schedules plans,
// subscribes to and releases events, resolves data managers by type and
// releases output.
//
//   - Actors drive the simulation; their plans are active unless stated otherwise.
//   - Reports observe; their plans are always passive.
//   - Data managers own state shared between actors and reports and are
//     initialized first.
//
// A Simulation ends when no active plan is queued and the next plan lies
// beyond the last executed active plan, when a scheduled halt time is passed,
// or when plugin code calls Halt. If state recording is enabled the remaining
// plans that carry PlanData are released as a SimulationState, from which a
// later simulation can resume.
//
// Sub-packages:
//   - sim/trace/: plan-execution trace records
//   - sim/experiment/: multi-scenario orchestration over dimensions of plugin data
package sim
