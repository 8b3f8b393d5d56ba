// Package telemetry wires prometheus metrics and the OpenTelemetry trace and
// meter providers for the mail-transfer process.
//
// Metrics live on a private registry exposed by promhttp so tests and
// embedded uses never collide on the global registerer; the traffic counters
// are mirrored to OpenTelemetry instruments for OTLP export. Tracing is
// optional and stays no-op when no OTLP endpoint is configured.
package telemetry
