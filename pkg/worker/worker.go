package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/signalflow/internal/taskqueue"
	"github.com/petrijr/signalflow/pkg/api"
)

// Backend is the part of the engine a worker drives. *engine.Engine
// implements it.
type Backend interface {
	// RunWorkflowTask replays a run and executes its new commands while
	// holding the execution lease as owner.
	RunWorkflowTask(ctx context.Context, owner string, task *taskqueue.Task, def api.WorkflowDefinition) error
	// FireTimer records an expired signal wait.
	FireTimer(ctx context.Context, owner string, task *taskqueue.Task) error

	CompleteActivity(ctx context.Context, task *taskqueue.Task, result any) error
	// RetryActivity records a failed attempt. The worker re-queues the task.
	RetryActivity(ctx context.Context, task *taskqueue.Task, cause error, delay time.Duration) error
	// FailActivity records a terminal activity failure or cancellation.
	FailActivity(ctx context.Context, task *taskqueue.Task, cause error) error

	// CancelRequested reports whether running activities of the run should
	// stop.
	CancelRequested(ctx context.Context, workflowID, runID string) (bool, error)
}

// Config controls a Worker. Zero values select the defaults noted per field.
type Config struct {
	// TaskQueue is the queue name this worker polls. Required.
	TaskQueue string

	// WorkerID identifies this worker as lease owner. Default: a random ID.
	WorkerID string

	// Concurrency is the number of tasks Run handles in parallel. Default 1.
	Concurrency int

	// LeaseTTL is how long a dequeued task stays invisible to other
	// workers without a heartbeat. Default 30s.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often the lease of a running task is renewed
	// and, for activities, how often cancellation is polled.
	// Default LeaseTTL/3.
	HeartbeatInterval time.Duration

	// LeaseRetryDelay is how long a workflow task waits before it is retried
	// when another worker holds the execution. Default 50ms.
	LeaseRetryDelay time.Duration

	Interceptors api.Interceptors
	Observer     api.Observer
	Metrics      api.MetricsHandler
	Logger       *slog.Logger
}

const (
	defaultLeaseTTL        = 30 * time.Second
	defaultLeaseRetryDelay = 50 * time.Millisecond
	maxTaskRetryDelay      = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.LeaseRetryDelay <= 0 {
		c.LeaseRetryDelay = defaultLeaseRetryDelay
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Metrics == nil {
		c.Metrics = api.NopMetricsHandler{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker polls one task queue and executes workflow, timer and activity
// tasks with the implementations registered on it.
type Worker struct {
	backend  Backend
	queue    taskqueue.Queue
	cfg      Config
	registry *registry
	logger   *slog.Logger
}

// NewWithConfig creates a Worker for cfg.TaskQueue.
func NewWithConfig(backend Backend, queue taskqueue.Queue, cfg Config) (*Worker, error) {
	if backend == nil || queue == nil {
		return nil, errors.New("worker: backend and queue are required")
	}
	if cfg.TaskQueue == "" {
		return nil, errors.New("worker: task queue is required")
	}
	cfg = cfg.withDefaults()
	return &Worker{
		backend:  backend,
		queue:    queue,
		cfg:      cfg,
		registry: newRegistry(),
		logger: cfg.Logger.With(
			slog.String("task_queue", cfg.TaskQueue),
			slog.String("worker_id", cfg.WorkerID),
		),
	}, nil
}

// New creates a Worker with default settings.
func New(backend Backend, queue taskqueue.Queue, taskQueue string) (*Worker, error) {
	return NewWithConfig(backend, queue, Config{TaskQueue: taskQueue})
}

// ID returns the lease owner name of this worker.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// RegisterWorkflow makes a workflow type runnable on this worker.
func (w *Worker) RegisterWorkflow(def api.WorkflowDefinition) error {
	return w.registry.registerWorkflow(def)
}

// RegisterActivity binds an activity name to fn.
func (w *Worker) RegisterActivity(name string, fn api.ActivityFunc) error {
	return w.registry.registerActivity(name, fn)
}

// RegisterActivities registers every entry of activities.
func (w *Worker) RegisterActivities(activities map[string]api.ActivityFunc) error {
	for name, fn := range activities {
		if err := w.registry.registerActivity(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// Run polls the task queue with Concurrency goroutines until ctx is done.
// It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker starting", slog.Int("concurrency", w.cfg.Concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for range w.cfg.Concurrency {
		g.Go(func() error {
			for {
				_, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					w.logger.WarnContext(ctx, "task processing failed", slog.Any("error", err))
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(w.cfg.LeaseRetryDelay):
					}
				}
			}
		})
	}
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

// ProcessOne dequeues a single task and handles it.
// Returns (processed, error):
//   - processed == false: no task was obtained, err is the Dequeue error
//     (for example the context error).
//   - processed == true: a task was handled; err reports infrastructure
//     failures. Activity failures are recorded in history, not returned.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.cfg.TaskQueue, w.cfg.WorkerID, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	w.cfg.Metrics.WithTags(map[string]string{"task_queue": w.cfg.TaskQueue, "task_type": string(task.Type)}).
		Timer(api.MetricTaskQueueLag).Record(time.Since(task.NotBefore))

	stop := w.startHeartbeat(ctx, task)
	defer stop()

	switch task.Type {
	case taskqueue.TaskTypeWorkflow, taskqueue.TaskTypeTimer:
		return true, w.handleWorkflowTask(ctx, task)
	case taskqueue.TaskTypeActivity:
		return true, w.handleActivityTask(ctx, task)
	default:
		// Unknown tasks would be redelivered forever.
		_ = w.queue.Ack(context.WithoutCancel(ctx), task.ID, w.cfg.WorkerID)
		return true, fmt.Errorf("unknown task type %q", task.Type)
	}
}

func (w *Worker) handleWorkflowTask(ctx context.Context, task *taskqueue.Task) error {
	kind := "workflow"
	if task.Type == taskqueue.TaskTypeTimer {
		kind = "timer"
	}
	info := api.WorkflowTaskInfo{
		WorkflowID:   task.WorkflowID,
		RunID:        task.RunID,
		WorkflowType: task.WorkflowType,
		TaskQueue:    task.Queue,
		Kind:         kind,
		Attempt:      task.Attempts + 1,
		Headers:      task.Headers,
	}

	// Each task leases the execution under its own name so that two tasks
	// of one worker never share the re-entrant lease.
	owner := w.cfg.WorkerID + "/" + task.ID

	handler := api.ChainWorkflow(func(ctx context.Context, info api.WorkflowTaskInfo) error {
		if info.Kind == "timer" {
			return w.backend.FireTimer(ctx, owner, task)
		}
		def, err := w.registry.workflow(info.WorkflowType)
		if err != nil {
			return err
		}
		return w.backend.RunWorkflowTask(ctx, owner, task, def)
	}, w.cfg.Interceptors.Workflow...)

	err := handler(ctx, info)

	rctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		return w.ack(rctx, task)
	case errors.Is(err, api.ErrExecutionLocked):
		return w.nack(rctx, task, time.Now().Add(w.cfg.LeaseRetryDelay), task.Attempts)
	default:
		delay := min(w.cfg.LeaseRetryDelay<<min(task.Attempts, 8), maxTaskRetryDelay)
		if nackErr := w.nack(rctx, task, time.Now().Add(delay), task.Attempts+1); nackErr != nil {
			return errors.Join(err, nackErr)
		}
		return fmt.Errorf("%s task for %s: %w", kind, task.WorkflowID, err)
	}
}

func (w *Worker) handleActivityTask(ctx context.Context, task *taskqueue.Task) error {
	attempt := task.Attempts + 1
	info := api.ActivityInfo{
		WorkflowID:   task.WorkflowID,
		RunID:        task.RunID,
		WorkflowType: task.WorkflowType,
		ActivityID:   task.ActivityID,
		ActivityName: task.ActivityName,
		Attempt:      attempt,
		TaskQueue:    task.Queue,
		ScheduledAt:  task.EnqueuedAt,
		Headers:      task.Headers,
	}

	result, err := w.invokeActivity(ctx, task, info)

	rctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if err := w.backend.CompleteActivity(rctx, task, result); err != nil {
			return w.abandon(rctx, task, err)
		}

	case errors.Is(err, context.Canceled) || api.IsActivityCancelled(err):
		cancelled := &api.ActivityCancelled{Activity: task.ActivityName, Cause: err}
		if err := w.backend.FailActivity(rctx, task, cancelled); err != nil {
			return w.abandon(rctx, task, err)
		}

	default:
		policy := task.Options.Retry()
		if policy.ShouldRetry(err, attempt) {
			delay := policy.Delay(attempt)
			w.logger.WarnContext(ctx, "activity attempt failed, retrying",
				slog.String("workflow_id", task.WorkflowID),
				slog.String("activity", task.ActivityName),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
			if err := w.backend.RetryActivity(rctx, task, err, delay); err != nil {
				return w.abandon(rctx, task, err)
			}
			return w.nack(rctx, task, time.Now().Add(delay), attempt)
		}

		failure := &api.ActivityFailure{Activity: task.ActivityName, Attempts: attempt, Cause: err}
		if err := w.backend.FailActivity(rctx, task, failure); err != nil {
			return w.abandon(rctx, task, err)
		}
	}
	return w.ack(rctx, task)
}

// invokeActivity runs one attempt through the activity interceptor chain.
func (w *Worker) invokeActivity(ctx context.Context, task *taskqueue.Task, info api.ActivityInfo) (any, error) {
	fn, err := w.registry.activity(task.ActivityName)
	if err != nil {
		return nil, api.NonRetryable(err)
	}

	actCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if timeout := task.Options.StartToCloseTimeout; timeout > 0 {
		var cancelTimeout context.CancelFunc
		actCtx, cancelTimeout = context.WithTimeout(actCtx, timeout)
		defer cancelTimeout()
	}
	actCtx = api.WithActivityInfo(actCtx, info)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go w.watchCancellation(actCtx, watchDone, task, cancel)

	handler := api.ChainActivity(recoverActivity(fn), w.cfg.Interceptors.Activity...)

	w.cfg.Observer.OnActivityStart(actCtx, info)
	start := time.Now()
	result, err := handler(actCtx, info, task.Input)
	elapsed := time.Since(start)
	w.cfg.Observer.OnActivityCompleted(actCtx, info, err, elapsed)
	w.cfg.Metrics.WithTags(map[string]string{"activity": task.ActivityName}).
		Timer(api.MetricActivityTaskLatency).Record(elapsed)

	return result, err
}

// watchCancellation cancels an activity when its run requests cancellation.
func (w *Worker) watchCancellation(ctx context.Context, done <-chan struct{}, task *taskqueue.Task, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := w.backend.CancelRequested(ctx, task.WorkflowID, task.RunID)
			if err != nil {
				w.logger.DebugContext(ctx, "cancel poll failed", slog.Any("error", err))
				continue
			}
			if requested {
				cancel(api.ErrCanceled)
				return
			}
		}
	}
}

// recoverActivity turns a panic inside fn into an error.
func recoverActivity(fn api.ActivityFunc) api.ActivityHandler {
	return func(ctx context.Context, info api.ActivityInfo, input any) (out any, err error) {
		defer func() {
			if r := recover(); r != nil {
				out, err = nil, fmt.Errorf("activity %s panicked: %v", info.ActivityName, r)
			}
		}()
		return fn(ctx, input)
	}
}

// startHeartbeat renews the task lease until the returned stop func is
// called.
func (w *Worker) startHeartbeat(ctx context.Context, task *taskqueue.Task) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.RenewLease(hbCtx, task.ID, w.cfg.WorkerID, w.cfg.LeaseTTL); err != nil {
					if hbCtx.Err() == nil {
						w.logger.WarnContext(hbCtx, "task lease renewal failed",
							slog.String("task_id", task.ID),
							slog.Any("error", err),
						)
					}
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (w *Worker) ack(ctx context.Context, task *taskqueue.Task) error {
	if err := w.queue.Ack(ctx, task.ID, w.cfg.WorkerID); err != nil {
		return fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	return nil
}

func (w *Worker) nack(ctx context.Context, task *taskqueue.Task, notBefore time.Time, attempts int) error {
	if err := w.queue.Nack(ctx, task.ID, w.cfg.WorkerID, notBefore, attempts); err != nil {
		return fmt.Errorf("nack task %s: %w", task.ID, err)
	}
	return nil
}

// abandon re-queues an activity task whose outcome could not be recorded.
// The attempt counter is left unchanged.
func (w *Worker) abandon(ctx context.Context, task *taskqueue.Task, cause error) error {
	if err := w.nack(ctx, task, time.Now().Add(w.cfg.LeaseRetryDelay), task.Attempts); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("record activity %s outcome: %w", task.ActivityName, cause)
}
