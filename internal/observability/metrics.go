package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inference-sim/nucleus/sim/experiment"
)

// ExperimentCollector bundles Prometheus metrics for experiment runs and
// exposes them through an experiment.ContextConsumer.
type ExperimentCollector struct {
	gatherer prometheus.Gatherer

	Scenarios         *prometheus.CounterVec
	ScenarioDurations *prometheus.HistogramVec
	InFlight          prometheus.Gauge
	Outputs           *prometheus.CounterVec
}

// NewExperimentCollector registers experiment metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewExperimentCollector(reg prometheus.Registerer) (*ExperimentCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	scenarios, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nucleus_scenarios_total",
		Help: "Scenarios reaching a final status, labeled by status.",
	}, []string{"status"}), "nucleus_scenarios_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nucleus_scenario_duration_seconds",
		Help:    "Wall-clock time spent running a scenario, labeled by final status.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"status"}), "nucleus_scenario_duration_seconds")
	if err != nil {
		return nil, err
	}

	inFlight, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nucleus_scenarios_in_flight",
		Help: "Scenarios currently running.",
	}), "nucleus_scenarios_in_flight")
	if err != nil {
		return nil, err
	}

	outputs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nucleus_outputs_total",
		Help: "Outputs released by scenario simulations, labeled by Go type.",
	}, []string{"type"}), "nucleus_outputs_total")
	if err != nil {
		return nil, err
	}

	return &ExperimentCollector{
		gatherer:          gatherer,
		Scenarios:         scenarios,
		ScenarioDurations: durations,
		InFlight:          inFlight,
		Outputs:           outputs,
	}, nil
}

// Consumer returns the experiment consumer that drives the metrics.
// Previously succeeded and never-started scenarios are counted when the
// experiment closes.
func (c *ExperimentCollector) Consumer() experiment.ContextConsumer {
	return func(ctx *experiment.Context) {
		ctx.SubscribeToSimulationOpen(func(*experiment.Context, int) {
			c.InFlight.Inc()
		})
		ctx.SubscribeToSimulationClose(func(ctx *experiment.Context, id int) {
			c.InFlight.Dec()
			status, err := ctx.ScenarioStatus(id)
			if err != nil {
				return
			}
			c.Scenarios.WithLabelValues(status.String()).Inc()
			if d, ok := ctx.ScenarioDuration(id); ok {
				c.ScenarioDurations.WithLabelValues(status.String()).Observe(d.Seconds())
			}
		})
		experiment.SubscribeToOutput(ctx, func(_ *experiment.Context, _ int, v any) {
			c.Outputs.WithLabelValues(fmt.Sprintf("%T", v)).Inc()
		})
		ctx.SubscribeToExperimentClose(func(ctx *experiment.Context) {
			for _, status := range []experiment.ScenarioStatus{experiment.StatusPreviouslySucceeded, experiment.StatusPending} {
				if n := ctx.StatusCount(status); n > 0 {
					c.Scenarios.WithLabelValues(status.String()).Add(float64(n))
				}
			}
		})
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ExperimentCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
