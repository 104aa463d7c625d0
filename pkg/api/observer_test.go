package api

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"
)

//
// Helpers
//

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	starts    int
	completes int
	fails     int

	activityStarts    int
	activityCompletes int

	lastWorkflowStart *WorkflowExecution
	lastWorkflowFail  struct {
		Exec *WorkflowExecution
		Err  error
	}
	lastActivityComplete struct {
		Info     ActivityInfo
		Err      error
		Duration time.Duration
	}
}

func (o *testObserver) OnWorkflowStart(ctx context.Context, exec *WorkflowExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts++
	o.lastWorkflowStart = exec
}

func (o *testObserver) OnWorkflowCompleted(ctx context.Context, exec *WorkflowExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes++
}

func (o *testObserver) OnWorkflowFailed(ctx context.Context, exec *WorkflowExecution, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails++
	o.lastWorkflowFail.Exec = exec
	o.lastWorkflowFail.Err = err
}

func (o *testObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activityStarts++
}

func (o *testObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activityCompletes++
	o.lastActivityComplete.Info = info
	o.lastActivityComplete.Err = err
	o.lastActivityComplete.Duration = d
}

// recordingHandler is a minimal slog.Handler that just records log records.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(name string) slog.Handler       { return h }

func attrsToMap(r slog.Record) map[string]any {
	m := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value.Any()
		return true
	})
	return m
}

func newTestExecution() *WorkflowExecution {
	return &WorkflowExecution{
		ID:           "wf-123",
		RunID:        "run-1",
		WorkflowType: "SimpleWorkflow",
	}
}

func newTestActivityInfo() ActivityInfo {
	return ActivityInfo{
		WorkflowID:   "wf-123",
		RunID:        "run-1",
		ActivityID:   2,
		ActivityName: "SimulateWork",
		Attempt:      1,
	}
}

//
// NoopObserver
//

func TestNoopObserver_DoesNotPanic(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecution()
	var o Observer = NoopObserver{}

	o.OnWorkflowStart(ctx, exec)
	o.OnWorkflowCompleted(ctx, exec)
	o.OnWorkflowFailed(ctx, exec, errors.New("boom"))
	o.OnActivityStart(ctx, newTestActivityInfo())
	o.OnActivityCompleted(ctx, newTestActivityInfo(), nil, time.Second)
}

//
// CompositeObserver
//

func TestNewCompositeObserver_EmptyReturnsNoop(t *testing.T) {
	o := NewCompositeObserver()
	if _, ok := o.(NoopObserver); !ok {
		t.Fatalf("expected NewCompositeObserver() to return NoopObserver, got %T", o)
	}
}

func TestNewCompositeObserver_SingleReturnsThatObserver(t *testing.T) {
	single := &testObserver{}
	o := NewCompositeObserver(single, nil)

	if got, ok := o.(*testObserver); !ok || got != single {
		t.Fatalf("expected the single non-nil observer to be returned, got %T (%p)", o, o)
	}
}

func TestCompositeObserver_ForwardsAllEvents(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecution()
	info := newTestActivityInfo()

	o1 := &testObserver{}
	o2 := &testObserver{}
	co, ok := NewCompositeObserver(o1, o2).(*CompositeObserver)
	if !ok {
		t.Fatalf("expected *CompositeObserver")
	}

	err := errors.New("activity failed")
	co.OnWorkflowStart(ctx, exec)
	co.OnWorkflowCompleted(ctx, exec)
	co.OnWorkflowFailed(ctx, exec, err)
	co.OnActivityStart(ctx, info)
	co.OnActivityCompleted(ctx, info, err, 2*time.Second)

	for i, o := range []*testObserver{o1, o2} {
		if o.starts != 1 || o.completes != 1 || o.fails != 1 || o.activityStarts != 1 || o.activityCompletes != 1 {
			t.Fatalf("observer %d did not receive all calls: %+v", i+1, o)
		}
		if o.lastWorkflowStart != exec || o.lastWorkflowFail.Exec != exec {
			t.Fatalf("observer %d execution mismatch", i+1)
		}
		if o.lastWorkflowFail.Err != err {
			t.Fatalf("observer %d fail error mismatch", i+1)
		}
		if !reflect.DeepEqual(o.lastActivityComplete.Info, info) || o.lastActivityComplete.Err != err || o.lastActivityComplete.Duration != 2*time.Second {
			t.Fatalf("observer %d activityComplete mismatch: %+v", i+1, o.lastActivityComplete)
		}
	}
}

//
// LoggingObserver
//

func TestNewLoggingObserver_NilLoggerUsesDefault(t *testing.T) {
	o := NewLoggingObserver(nil)
	lo, ok := o.(*LoggingObserver)
	if !ok {
		t.Fatalf("expected *LoggingObserver, got %T", o)
	}
	if lo.Logger == nil {
		t.Fatalf("expected non-nil Logger when created with nil")
	}
}

func TestLoggingObserver_OnWorkflowStart_EmitsInfoLog(t *testing.T) {
	ctx := context.Background()
	exec := newTestExecution()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnWorkflowStart(ctx, exec)

	if len(h.records) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(h.records))
	}

	rec := h.records[0]
	if rec.Level != slog.LevelInfo {
		t.Fatalf("expected LevelInfo, got %v", rec.Level)
	}
	if rec.Message != "workflow_start" {
		t.Fatalf("expected message workflow_start, got %q", rec.Message)
	}

	attrs := attrsToMap(rec)
	if attrs["workflow_type"] != exec.WorkflowType {
		t.Fatalf("expected workflow_type=%q, got %v", exec.WorkflowType, attrs["workflow_type"])
	}
	if attrs["workflow_id"] != exec.ID {
		t.Fatalf("expected workflow_id=%q, got %v", exec.ID, attrs["workflow_id"])
	}
}

func TestLoggingObserver_OnActivityCompleted_LevelDependsOnError(t *testing.T) {
	ctx := context.Background()
	info := newTestActivityInfo()

	h := &recordingHandler{}
	o := NewLoggingObserver(slog.New(h))

	o.OnActivityCompleted(ctx, info, nil, time.Second)
	o.OnActivityCompleted(ctx, info, errors.New("boom"), 2*time.Second)

	if len(h.records) != 2 {
		t.Fatalf("expected 2 log records, got %d", len(h.records))
	}
	if h.records[0].Level != slog.LevelDebug {
		t.Fatalf("expected success record LevelDebug, got %v", h.records[0].Level)
	}
	if h.records[1].Level != slog.LevelError {
		t.Fatalf("expected failure record LevelError, got %v", h.records[1].Level)
	}

	attrs := attrsToMap(h.records[1])
	if attrs["activity"] != "SimulateWork" {
		t.Fatalf("expected activity=SimulateWork, got %v", attrs["activity"])
	}
	if attrs["error"] == nil {
		t.Fatalf("expected error attribute on failure record, got nil")
	}
}

//
// BasicMetrics
//

func TestBasicMetrics_WorkflowCountersAndSnapshot(t *testing.T) {
	var m BasicMetrics

	ctx := context.Background()
	exec := newTestExecution()

	// 3 started, 1 completed, 1 failed -> pending = 1
	m.OnWorkflowStart(ctx, exec)
	m.OnWorkflowStart(ctx, exec)
	m.OnWorkflowStart(ctx, exec)

	m.OnWorkflowCompleted(ctx, exec)
	m.OnWorkflowFailed(ctx, exec, errors.New("fail"))

	snap := m.Snapshot()

	if snap.WorkflowsStarted != 3 {
		t.Fatalf("WorkflowsStarted=%d, want 3", snap.WorkflowsStarted)
	}
	if snap.WorkflowsCompleted != 1 || snap.WorkflowsFailed != 1 {
		t.Fatalf("completed=%d failed=%d, want 1/1", snap.WorkflowsCompleted, snap.WorkflowsFailed)
	}
	if snap.PendingWorkflows != 1 {
		t.Fatalf("PendingWorkflows=%d, want 1", snap.PendingWorkflows)
	}
	if snap.ActivitiesCompleted != 0 || snap.AvgActivityDuration != 0 {
		t.Fatalf("expected no activity metrics yet, got %+v", snap)
	}
}

func TestBasicMetrics_OnActivityCompleted_SuccessOnlyCountsDuration(t *testing.T) {
	var m BasicMetrics
	ctx := context.Background()
	info := newTestActivityInfo()

	m.OnActivityCompleted(ctx, info, nil, 1*time.Second)
	m.OnActivityCompleted(ctx, info, nil, 3*time.Second)
	m.OnActivityCompleted(ctx, info, errors.New("fail"), 10*time.Second)

	snap := m.Snapshot()

	if snap.ActivitiesCompleted != 2 {
		t.Fatalf("ActivitiesCompleted=%d, want 2", snap.ActivitiesCompleted)
	}
	if snap.ActivitiesFailed != 1 {
		t.Fatalf("ActivitiesFailed=%d, want 1", snap.ActivitiesFailed)
	}
	if want := 2 * time.Second; snap.AvgActivityDuration != want {
		t.Fatalf("AvgActivityDuration=%v, want %v", snap.AvgActivityDuration, want)
	}
}
