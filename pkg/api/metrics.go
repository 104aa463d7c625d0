package api

import "time"

// Engine runtime metric names.
const (
	MetricWorkflowStarted      = "signalflow_workflow_started"
	MetricWorkflowCompleted    = "signalflow_workflow_completed"
	MetricWorkflowFailed       = "signalflow_workflow_failed"
	MetricWorkflowTaskLatency  = "signalflow_workflow_task_latency"
	MetricActivityTaskLatency  = "signalflow_activity_task_latency"
	MetricActivityRetries      = "signalflow_activity_retries"
	MetricSignalsDelivered     = "signalflow_signals_delivered"
	MetricTaskQueueLag         = "signalflow_task_queue_lag"
	MetricLeaseContention      = "signalflow_lease_contention"
	MetricRecoveredExecutions  = "signalflow_recovered_executions"
	MetricNondeterminismErrors = "signalflow_nondeterminism_errors"
)

// MetricsHandler is the sink for engine and worker runtime metrics. It is
// independent of any metrics SDK; see instrumentation.CustomMetricMeter for
// an OpenTelemetry adapter.
type MetricsHandler interface {
	WithTags(tags map[string]string) MetricsHandler
	Counter(name string) MetricsCounter
	Gauge(name string) MetricsGauge
	Timer(name string) MetricsTimer
}

type MetricsCounter interface {
	Inc(delta int64)
}

type MetricsGauge interface {
	Update(value float64)
}

type MetricsTimer interface {
	Record(d time.Duration)
}

// NopMetricsHandler discards all metrics.
// It is used as the default when no handler is configured.
type NopMetricsHandler struct{}

func (NopMetricsHandler) WithTags(map[string]string) MetricsHandler { return NopMetricsHandler{} }
func (NopMetricsHandler) Counter(string) MetricsCounter             { return nopMetric{} }
func (NopMetricsHandler) Gauge(string) MetricsGauge                 { return nopMetric{} }
func (NopMetricsHandler) Timer(string) MetricsTimer                 { return nopMetric{} }

type nopMetric struct{}

func (nopMetric) Inc(int64)            {}
func (nopMetric) Update(float64)       {}
func (nopMetric) Record(time.Duration) {}
