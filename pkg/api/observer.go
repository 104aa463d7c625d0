package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives lifecycle callbacks from the engine and workers for
// logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called once when a new run is created.
	OnWorkflowStart(ctx context.Context, exec *WorkflowExecution)

	// OnWorkflowCompleted is called when a run reaches StatusCompleted.
	OnWorkflowCompleted(ctx context.Context, exec *WorkflowExecution)

	// OnWorkflowFailed is called when a run transitions to StatusFailed.
	OnWorkflowFailed(ctx context.Context, exec *WorkflowExecution, err error)

	// OnActivityStart is called before each activity attempt.
	OnActivityStart(ctx context.Context, info ActivityInfo)

	// OnActivityCompleted is called after each activity attempt returns, for
	// both successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, exec *WorkflowExecution)             {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, exec *WorkflowExecution)         {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, exec *WorkflowExecution, err error) {}
func (NoopObserver) OnActivityStart(ctx context.Context, info ActivityInfo)                   {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, exec *WorkflowExecution) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, exec)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, exec *WorkflowExecution) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, exec)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, exec *WorkflowExecution, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, exec, err)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, info)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, info, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow and activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, exec *WorkflowExecution) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow_type", exec.WorkflowType),
		slog.String("workflow_id", exec.ID),
		slog.String("run_id", exec.RunID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, exec *WorkflowExecution) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow_type", exec.WorkflowType),
		slog.String("workflow_id", exec.ID),
		slog.String("run_id", exec.RunID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, exec *WorkflowExecution, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow_type", exec.WorkflowType),
		slog.String("workflow_id", exec.ID),
		slog.String("run_id", exec.RunID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("workflow_id", info.WorkflowID),
		slog.String("activity", info.ActivityName),
		slog.Int64("activity_id", info.ActivityID),
		slog.Int("attempt", info.Attempt),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("workflow_id", info.WorkflowID),
		slog.String("activity", info.ActivityName),
		slog.Int64("activity_id", info.ActivityID),
		slog.Int("attempt", info.Attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted    atomic.Int64
	workflowsCompleted  atomic.Int64
	workflowsFailed     atomic.Int64
	activitiesCompleted atomic.Int64
	activitiesFailed    atomic.Int64
	totalActivityTime   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	PendingWorkflows   int64

	ActivitiesCompleted int64
	ActivitiesFailed    int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, exec *WorkflowExecution) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, exec *WorkflowExecution) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, exec *WorkflowExecution, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	// Only successful attempts count towards the average duration.
	if err != nil {
		m.activitiesFailed.Add(1)
		return
	}
	m.activitiesCompleted.Add(1)
	m.totalActivityTime.Add(d.Nanoseconds())
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	activities := m.activitiesCompleted.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if activities > 0 {
		avg = time.Duration(totalNs / activities)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:    started,
		WorkflowsCompleted:  completed,
		WorkflowsFailed:     failed,
		PendingWorkflows:    started - completed - failed,
		ActivitiesCompleted: activities,
		ActivitiesFailed:    m.activitiesFailed.Load(),
		AvgActivityDuration: avg,
	}
}
