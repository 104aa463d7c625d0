package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/signalflow/internal/taskqueue"
	"github.com/petrijr/signalflow/pkg/api"
)

const testQueue = "worker-test"

// fakeBackend records what the worker reports.
type fakeBackend struct {
	mu        sync.Mutex
	completed []any
	retries   []time.Duration
	failures  []error
	owners    []string
	timers    int

	cancel      atomic.Bool
	runWorkflow func(ctx context.Context) error
}

func (b *fakeBackend) RunWorkflowTask(ctx context.Context, owner string, _ *taskqueue.Task, _ api.WorkflowDefinition) error {
	b.mu.Lock()
	b.owners = append(b.owners, owner)
	run := b.runWorkflow
	b.mu.Unlock()
	if run != nil {
		return run(ctx)
	}
	return nil
}

func (b *fakeBackend) FireTimer(context.Context, string, *taskqueue.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timers++
	return nil
}

func (b *fakeBackend) CompleteActivity(_ context.Context, _ *taskqueue.Task, result any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed = append(b.completed, result)
	return nil
}

func (b *fakeBackend) RetryActivity(_ context.Context, _ *taskqueue.Task, _ error, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retries = append(b.retries, delay)
	return nil
}

func (b *fakeBackend) FailActivity(_ context.Context, _ *taskqueue.Task, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, cause)
	return nil
}

func (b *fakeBackend) CancelRequested(context.Context, string, string) (bool, error) {
	return b.cancel.Load(), nil
}

func newTestWorker(t *testing.T, backend Backend, q taskqueue.Queue, cfg Config) *Worker {
	t.Helper()
	cfg.TaskQueue = testQueue
	if cfg.WorkerID == "" {
		cfg.WorkerID = "w1"
	}
	w, err := NewWithConfig(backend, q, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	if err := w.RegisterWorkflow(api.WorkflowDefinition{
		Name: "wf",
		New:  func() api.WorkflowState { return nil },
	}); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	return w
}

func enqueueActivity(t *testing.T, q taskqueue.Queue, name string, input any, opts api.ActivityOptions) {
	t.Helper()
	err := q.Enqueue(context.Background(), taskqueue.Task{
		Type:         taskqueue.TaskTypeActivity,
		Queue:        testQueue,
		WorkflowID:   "wf-1",
		RunID:        "run-1",
		WorkflowType: "wf",
		ActivityID:   2,
		ActivityName: name,
		Input:        input,
		Options:      opts,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func enqueueWorkflowTask(t *testing.T, q taskqueue.Queue, typ taskqueue.TaskType) {
	t.Helper()
	err := q.Enqueue(context.Background(), taskqueue.Task{
		Type:         typ,
		Queue:        testQueue,
		WorkflowID:   "wf-1",
		RunID:        "run-1",
		WorkflowType: "wf",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func processOne(t *testing.T, w *Worker) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	processed, err := w.ProcessOne(ctx)
	if !processed {
		t.Fatalf("no task processed: %v", err)
	}
	return err
}

func TestNewWithConfig_Validates(t *testing.T) {
	q := taskqueue.NewInMemoryQueue()
	if _, err := NewWithConfig(&fakeBackend{}, q, Config{}); err == nil {
		t.Fatalf("expected error without task queue")
	}
	if _, err := NewWithConfig(nil, q, Config{TaskQueue: testQueue}); err == nil {
		t.Fatalf("expected error without backend")
	}

	w, err := NewWithConfig(&fakeBackend{}, q, Config{TaskQueue: testQueue})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	if w.ID() == "" {
		t.Fatalf("expected generated worker ID")
	}
	if w.cfg.HeartbeatInterval != w.cfg.LeaseTTL/3 {
		t.Fatalf("expected heartbeat at a third of the lease, got %v", w.cfg.HeartbeatInterval)
	}
}

func TestWorker_RegisterRejectsDuplicates(t *testing.T) {
	w := newTestWorker(t, &fakeBackend{}, taskqueue.NewInMemoryQueue(), Config{})

	noop := func(context.Context, any) (any, error) { return nil, nil }
	if err := w.RegisterActivity("a", noop); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}
	if err := w.RegisterActivity("a", noop); err == nil {
		t.Fatalf("expected duplicate activity error")
	}
	if err := w.RegisterActivities(map[string]api.ActivityFunc{"": noop}); err == nil {
		t.Fatalf("expected error for empty activity name")
	}
	if err := w.RegisterWorkflow(api.WorkflowDefinition{Name: "wf", New: func() api.WorkflowState { return nil }}); err == nil {
		t.Fatalf("expected duplicate workflow error")
	}
}

func TestWorker_WorkflowTaskUsesPerTaskOwner(t *testing.T) {
	backend := &fakeBackend{}
	q := taskqueue.NewInMemoryQueue()
	w := newTestWorker(t, backend, q, Config{})

	enqueueWorkflowTask(t, q, taskqueue.TaskTypeWorkflow)
	enqueueWorkflowTask(t, q, taskqueue.TaskTypeWorkflow)
	for range 2 {
		if err := processOne(t, w); err != nil {
			t.Fatalf("ProcessOne: %v", err)
		}
	}

	if len(backend.owners) != 2 || backend.owners[0] == backend.owners[1] {
		t.Fatalf("expected distinct lease owners per task, got %v", backend.owners)
	}
	if q.Len() != 0 {
		t.Fatalf("expected tasks to be acked, queue has %d", q.Len())
	}
}

func TestWorker_UnregisteredWorkflowIsRetried(t *testing.T) {
	backend := &fakeBackend{}
	q := taskqueue.NewInMemoryQueue()
	w := newTestWorker(t, backend, q, Config{})

	err := q.Enqueue(context.Background(), taskqueue.Task{
		Type: taskqueue.TaskTypeWorkflow, Queue: testQueue, WorkflowID: "x", RunID: "r", WorkflowType: "unknown",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	err = processOne(t, w)
	if !errors.Is(err, api.ErrWorkflowNotRegistered) {
		t.Fatalf("expected ErrWorkflowNotRegistered, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("task must stay queued for a worker that knows the type")
	}
}

func TestWorker_LockedExecutionIsRetriedWithoutAttempt(t *testing.T) {
	var calls atomic.Int32
	backend := &fakeBackend{runWorkflow: func(context.Context) error {
		if calls.Add(1) == 1 {
			return api.ErrExecutionLocked
		}
		return nil
	}}
	q := taskqueue.NewInMemoryQueue()
	w := newTestWorker(t, backend, q, Config{LeaseRetryDelay: 5 * time.Millisecond})

	enqueueWorkflowTask(t, q, taskqueue.TaskTypeWorkflow)
	if err := processOne(t, w); err != nil {
		t.Fatalf("locked execution must not surface as an error, got %v", err)
	}

	task, err := q.Dequeue(context.Background(), testQueue, "peek", time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task.Attempts != 0 {
		t.Fatalf("lease contention must not count as an attempt, got %d", task.Attempts)
	}
}

func TestWorker_TimerTaskFires(t *testing.T) {
	backend := &fakeBackend{}
	q := taskqueue.NewInMemoryQueue()

	var kinds []string
	w := newTestWorker(t, backend, q, Config{Interceptors: api.Interceptors{
		Workflow: []api.WorkflowInterceptor{
			func(ctx context.Context, info api.WorkflowTaskInfo, next api.WorkflowHandler) error {
				kinds = append(kinds, info.Kind)
				return next(ctx, info)
			},
		},
	}})

	enqueueWorkflowTask(t, q, taskqueue.TaskTypeWorkflow)
	enqueueWorkflowTask(t, q, taskqueue.TaskTypeTimer)
	for range 2 {
		if err := processOne(t, w); err != nil {
			t.Fatalf("ProcessOne: %v", err)
		}
	}

	if backend.timers != 1 {
		t.Fatalf("expected one timer firing, got %d", backend.timers)
	}
	if len(kinds) != 2 || kinds[0] != "workflow" || kinds[1] != "timer" {
		t.Fatalf("unexpected task kinds %v", kinds)
	}
}
