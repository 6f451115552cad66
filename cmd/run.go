package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/nucleus/internal/observability"
	"github.com/inference-sim/nucleus/plugins/tally"
	"github.com/inference-sim/nucleus/sim/experiment"
)

var (
	threads       int    // Worker goroutines; overrides experiment.thread_count
	progressLog   string // Progress log path; overrides experiment.progress_log
	continueRun   bool   // Skip scenarios recorded in the progress log
	seed          int64  // Experiment seed; overrides experiment.seed
	metricsAddr   string // Address serving /metrics while the experiment runs
	traceExporter string // Tracing exporter (stdout, otlp); empty keeps env configuration
)

// runOptions carries the command line into runExperiment. Nil overrides
// keep the configuration file value.
type runOptions struct {
	ConfigPath    string
	Threads       *int
	ProgressLog   *string
	Continue      *bool
	Seed          *int64
	MetricsAddr   string
	TraceExporter string
}

func optionsFromFlags(cmd *cobra.Command) runOptions {
	opts := runOptions{ConfigPath: configPath, MetricsAddr: metricsAddr, TraceExporter: traceExporter}
	flags := cmd.Flags()
	if flags.Changed("threads") {
		opts.Threads = &threads
	}
	if flags.Changed("progress-log") {
		opts.ProgressLog = &progressLog
	}
	if flags.Changed("continue") {
		opts.Continue = &continueRun
	}
	if flags.Changed("seed") {
		opts.Seed = &seed
	}
	return opts
}

// load reads the configuration and applies the command line overrides.
func (o runOptions) load() (*RunConfig, experiment.Parameters, error) {
	cfg, err := LoadRunConfig(o.ConfigPath)
	if err != nil {
		return nil, experiment.Parameters{}, err
	}
	b := cfg.Experiment.Builder()
	if o.Threads != nil {
		b.SetThreadCount(*o.Threads)
	}
	if o.ProgressLog != nil {
		b.SetProgressLogPath(*o.ProgressLog)
	}
	if o.Continue != nil {
		b.SetContinueFromProgressLog(*o.Continue)
	}
	if o.Seed != nil {
		b.SetSeed(*o.Seed)
	}
	params, err := b.Build()
	if err != nil {
		return nil, experiment.Parameters{}, fmt.Errorf("experiment parameters: %w", err)
	}
	return cfg, params, nil
}

// scenarioResult is one entry of the printed results.
type scenarioResult struct {
	Scenario int               `json:"scenario"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Summary  *tally.Summary    `json:"summary,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// runExperiment executes the configured experiment and writes per-scenario
// results to out. It fails when the experiment stops early or any scenario
// fails.
func runExperiment(ctx context.Context, opts runOptions, out io.Writer) error {
	cfg, params, err := opts.load()
	if err != nil {
		return err
	}

	tcfg := observability.TracingConfigFromEnv()
	if opts.TraceExporter != "" {
		tcfg.Enabled = true
		tcfg.Exporter = opts.TraceExporter
	}
	if tcfg.Enabled {
		shutdown, err := observability.InitTracing(ctx, tcfg)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer observability.ShutdownWithTimeout(context.Background(), shutdown)
	}

	b := cfg.NewExperimentBuilder(params)
	if opts.MetricsAddr != "" {
		collector, err := observability.NewExperimentCollector(prometheus.NewRegistry())
		if err != nil {
			return err
		}
		b.AddContextConsumer(collector.Consumer())
		stop := serveMetrics(opts.MetricsAddr, collector.Handler())
		defer stop()
	}
	var ectx *experiment.Context
	b.AddContextConsumer(func(c *experiment.Context) { ectx = c })

	e, err := b.Build()
	if err != nil {
		return err
	}
	logrus.Infof("Starting experiment %s: %d scenarios, dimensions %v", e.ID(), len(e.ScenarioIDs()), e.Headers())
	execErr := e.Execute(ctx)
	if ectx == nil {
		return execErr
	}

	results := collectResults(ectx, e.ScenarioIDs(), e.Headers())
	fmt.Fprintln(out, "=== Experiment Results ===")
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	fmt.Fprintln(out, string(data))

	logrus.WithFields(logrus.Fields{
		"succeeded":           ectx.StatusCount(experiment.StatusSucceeded),
		"failed":              ectx.StatusCount(experiment.StatusFailed),
		"previouslySucceeded": ectx.StatusCount(experiment.StatusPreviouslySucceeded),
		"pending":             ectx.StatusCount(experiment.StatusPending),
	}).Info("Experiment complete.")

	if execErr != nil {
		return execErr
	}
	if failed := ectx.StatusCount(experiment.StatusFailed); failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, ectx.ScenarioCount())
	}
	return nil
}

func collectResults(c *experiment.Context, ids []int, headers []string) []scenarioResult {
	results := make([]scenarioResult, 0, len(ids))
	for _, id := range ids {
		status, err := c.ScenarioStatus(id)
		if err != nil {
			continue
		}
		r := scenarioResult{Scenario: id, Status: status.String()}
		if meta, err := c.ScenarioMetadata(id); err == nil && len(meta) == len(headers) {
			r.Metadata = make(map[string]string, len(headers))
			for i, h := range headers {
				r.Metadata[h] = meta[i]
			}
		}
		if outputs, err := c.ScenarioOutputs(id); err == nil {
			if summaries := outputs[reflect.TypeOf((*tally.Summary)(nil)).Elem()]; len(summaries) > 0 {
				s := summaries[len(summaries)-1].(tally.Summary)
				r.Summary = &s
			}
		}
		if cause := c.ScenarioFailureCause(id); cause != nil {
			r.Error = cause.Error()
		}
		results = append(results, r)
	}
	return results
}

// serveMetrics serves handler at /metrics on addr until the returned stop
// function is called.
func serveMetrics(addr string, handler http.Handler) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("metrics server: %v", err)
		}
	}()
	logrus.Infof("Serving metrics on %s/metrics", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logrus.Warnf("metrics server shutdown: %v", err)
		}
	}
}

// runCmd executes the experiment described by --config
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every scenario of the configured experiment",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runExperiment(ctx, optionsFromFlags(cmd), cmd.OutOrStdout()); err != nil {
			logrus.Fatalf("Experiment failed: %v", err)
		}
	},
}

func init() {
	runCmd.Flags().IntVar(&threads, "threads", 0, "Worker goroutines (0 runs scenarios on the main goroutine)")
	runCmd.Flags().StringVar(&progressLog, "progress-log", "", "Path of the progress log of completed scenarios")
	runCmd.Flags().BoolVar(&continueRun, "continue", false, "Skip scenarios already recorded in the progress log")
	runCmd.Flags().Int64Var(&seed, "seed", 0, "Experiment seed from which scenario seeds are derived")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().StringVar(&traceExporter, "trace-exporter", "", "Enable tracing with this exporter (stdout, otlp)")

	rootCmd.AddCommand(runCmd)
}
