package cmd

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// validateConfig parses the configuration strictly, builds the experiment
// without running it and reports the scenario count.
func validateConfig(opts runOptions, out io.Writer) error {
	cfg, params, err := opts.load()
	if err != nil {
		return err
	}
	e, err := cfg.NewExperimentBuilder(params).Build()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d scenarios, dimensions %v\n", opts.ConfigPath, len(e.ScenarioIDs()), e.Headers())
	return nil
}

// validateCmd checks a run configuration without executing it
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the run configuration and print the scenario count",
	Run: func(cmd *cobra.Command, args []string) {
		if err := validateConfig(runOptions{ConfigPath: configPath}, cmd.OutOrStdout()); err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
