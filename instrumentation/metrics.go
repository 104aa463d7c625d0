package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// MeterName is the instrumentation scope of business metrics.
	MeterName = "WorkflowMetrics"

	// ActivityDurationName is the activity duration histogram.
	ActivityDurationName = "activity-duration"
)

// WorkflowMetrics holds the instruments shared by all activity invocations
// of a process. Create it once and inject it where it is needed.
type WorkflowMetrics struct {
	ActivityDurationMs metric.Float64Histogram
}

// NewWorkflowMetrics creates the business instruments on meter.
func NewWorkflowMetrics(meter metric.Meter) (*WorkflowMetrics, error) {
	hist, err := meter.Float64Histogram(ActivityDurationName,
		metric.WithDescription("Wall time of one activity invocation"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s histogram: %w", ActivityDurationName, err)
	}
	return &WorkflowMetrics{ActivityDurationMs: hist}, nil
}

// NewWorkflowMetricsFromProvider creates the instruments on the MeterName
// meter of mp.
func NewWorkflowMetricsFromProvider(mp metric.MeterProvider) (*WorkflowMetrics, error) {
	return NewWorkflowMetrics(mp.Meter(MeterName))
}

// RecordActivityDuration adds one sample, in milliseconds, for activity.
// It is safe for concurrent use and a no-op on a nil receiver.
func (m *WorkflowMetrics) RecordActivityDuration(ctx context.Context, activity string, d time.Duration) {
	if m == nil || m.ActivityDurationMs == nil {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	m.ActivityDurationMs.Record(ctx, max(ms, 0), metric.WithAttributes(attribute.String("activity", activity)))
}
