// Package instrumentation attaches OpenTelemetry metrics and tracing to
// signalflow without touching workflow or activity code.
//
// WorkflowMetrics owns the business meter and its activity-duration
// histogram. TracingInterceptor opens one span per client call, workflow
// task and activity attempt, on three tracers so trace backends can filter
// by layer. CustomMetricMeter bridges the engine's runtime metrics into an
// OpenTelemetry meter.
package instrumentation
