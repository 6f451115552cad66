// Package experiment runs a simulation once per scenario of a configuration
// space and tracks the outcome of every scenario.
//
// # Reading Guide
//
//   - dimension.go: Dimension, Level and the scenario space. Scenario ids map
//     to one level per dimension, the first dimension varying fastest.
//   - parameters.go: Parameters (thread count, halt-on-exception, halt time,
//     state recording, explicit ids, progress log, seed) and their YAML form.
//   - experiment.go: Builder and Experiment.Execute, the worker pool and the
//     collector that serializes all bookkeeping.
//   - state_manager.go: per-scenario status, metadata, timing and outputs.
//   - context.go: the consumer-facing view of the StateManager plus lifecycle
//     and output subscriptions.
//   - progress_log.go: the tab-separated log of completed scenarios used to
//     resume an interrupted experiment.
//
// # Scenario Lifecycle
//
// Every scenario starts PENDING. A scenario listed in the progress log of a
// continued run becomes PREVIOUSLY_SUCCEEDED without running. Otherwise it
// moves to RUNNING and ends SUCCEEDED or FAILED. Scenarios never reached
// because the run halted or was cancelled stay PENDING.
//
// Each scenario simulation is seeded from the experiment seed and the
// scenario id, so a scenario reproduces regardless of thread count.
package experiment
