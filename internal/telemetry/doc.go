// Package telemetry wires OpenTelemetry tracing and metrics for harnessd.
//
// New builds OTLP exporters (gRPC or HTTP/protobuf) from Config and installs
// the providers globally. When telemetry is disabled or an exporter cannot
// be created, Tracer and Meter return the global no-op implementations, so
// instrumented code never needs to check.
//
// NewTestTelemetry records spans and metrics in memory for tests.
package telemetry
