// Package telemetry wraps OpenTelemetry SDK initialization, giving the
// gateway one place to configure a TracerProvider and MeterProvider. When
// telemetry is disabled, noop implementations are installed instead and
// nothing dials out.
package telemetry
