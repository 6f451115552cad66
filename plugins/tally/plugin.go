package tally

import (
	"github.com/inference-sim/nucleus/sim"
)

const (
	PluginID       sim.PluginID = "tally"
	ReportPluginID sim.PluginID = "tally-report"
)

// Plugin registers the Counter data manager and the stepping actor.
func Plugin(d Data) sim.Plugin {
	return sim.Plugin{
		ID:   PluginID,
		Data: []sim.PluginData{d},
		Init: func(pc *sim.PluginContext) error {
			d, err := sim.PluginDataOf[Data](pc)
			if err != nil {
				return err
			}
			if _, err := pc.AddDataManager(NewCounter(d)); err != nil {
				return err
			}
			_, err = pc.AddActor(newStepper(d))
			return err
		},
	}
}

// ReportPlugin registers the report releasing a Summary on close.
func ReportPlugin() sim.Plugin {
	return sim.Plugin{
		ID:           ReportPluginID,
		Dependencies: []sim.PluginID{PluginID},
		Init: func(pc *sim.PluginContext) error {
			_, err := pc.AddReport(newReport)
			return err
		},
	}
}
