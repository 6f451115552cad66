// Package observability wires Prometheus metrics and OpenTelemetry tracing
// into experiment runs. The CLI enables both; the simulation packages only
// depend on the otel API.
package observability
