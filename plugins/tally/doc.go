// Package tally is a small reference plugin for the simulation kernel.
//
// A Counter data manager holds a running total. A stepping actor adds
// Data.Increment every Data.Period until Data.Limit is reached, and a report
// counts ChangedEvents and releases a Summary when the simulation closes.
//
// The plugin supports checkpointing: steps carry StepData plan data, and
// with state recording scheduled the Counter releases a Data whose Initial
// is the value reached. Feeding both back resumes the run.
package tally
