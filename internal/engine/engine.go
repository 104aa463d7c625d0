package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/petrijr/signalflow/internal/persistence"
	"github.com/petrijr/signalflow/internal/taskqueue"
	"github.com/petrijr/signalflow/pkg/api"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultLeaseTTL bounds how long a single workflow task may hold the
// execution lease.
const DefaultLeaseTTL = 30 * time.Second

// Engine is an event-sourced, in-process workflow engine. It records every
// decision of a run in an EventStore, keeps the latest run of each workflow
// ID in an InstanceStore, and hands work to workers through a task queue.
//
// Engine implements api.Engine and api.HistoryReader for clients, and the
// task handling methods used by pkg/worker.
type Engine struct {
	instances persistence.InstanceStore
	events    persistence.EventStore
	queue     taskqueue.Queue

	observer   api.Observer
	metrics    api.MetricsHandler
	logger     *slog.Logger
	propagator propagation.TextMapPropagator

	leaseTTL         time.Duration
	recoverIdleAfter time.Duration
	now              func() time.Time
}

// Config describes how to construct an Engine.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue

	Observer api.Observer
	Metrics  api.MetricsHandler
	Logger   *slog.Logger

	// Propagator copies the caller's trace context into task headers.
	// Defaults to the global otel propagator.
	Propagator propagation.TextMapPropagator

	// LeaseTTL defaults to DefaultLeaseTTL.
	LeaseTTL time.Duration

	// RecoverIdleAfter limits RecoverStuckExecutions to runs whose last
	// history event is at least this old. Zero recovers every open run.
	RecoverIdleAfter time.Duration
}

var (
	_ api.Engine        = (*Engine)(nil)
	_ api.HistoryReader = (*Engine)(nil)
)

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) *Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = api.NopMetricsHandler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prop := cfg.Propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Engine{
		instances:        cfg.Persistence.Instances,
		events:           cfg.Persistence.Events,
		queue:            cfg.Queue,
		observer:         obs,
		metrics:          metrics,
		logger:           logger,
		propagator:       prop,
		leaseTTL:         ttl,
		recoverIdleAfter: cfg.RecoverIdleAfter,
		now:              time.Now,
	}
}

// NewEngine returns an Engine over the given stores and queue with default
// settings.
func NewEngine(p persistence.Persistence, q taskqueue.Queue) *Engine {
	return NewEngineWithConfig(Config{Persistence: p, Queue: q})
}

// NewInMemoryEngine returns an Engine whose stores and queue live in process
// memory.
func NewInMemoryEngine() *Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngine(persistence.Persistence{Instances: mem, Events: mem}, taskqueue.NewInMemoryQueue())
}

// NewSQLiteEngine keeps executions, history and tasks in one SQLite database.
func NewSQLiteEngine(db *sql.DB) (*Engine, error) {
	p, err := SQLitePersistence(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(p, q), nil
}

// SQLitePersistence creates the SQLite stores in db.
func SQLitePersistence(db *sql.DB) (persistence.Persistence, error) {
	inst, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return persistence.Persistence{}, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return persistence.Persistence{}, err
	}
	return persistence.Persistence{Instances: inst, Events: events}, nil
}

// NewPostgresEngine keeps executions, history and tasks in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (*Engine, error) {
	p, err := PostgresPersistence(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(p, q), nil
}

// PostgresPersistence creates the PostgreSQL stores in db.
func PostgresPersistence(db *sql.DB) (persistence.Persistence, error) {
	inst, err := persistence.NewPostgresInstanceStore(db)
	if err != nil {
		return persistence.Persistence{}, err
	}
	events, err := persistence.NewPostgresEventStore(db)
	if err != nil {
		return persistence.Persistence{}, err
	}
	return persistence.Persistence{Instances: inst, Events: events}, nil
}

// NewRedisEngine keeps executions, history and tasks in Redis under prefix.
func NewRedisEngine(client *redis.Client, prefix string) *Engine {
	store := persistence.NewRedisStore(client, prefix)
	return NewEngine(
		persistence.Persistence{Instances: store, Events: store},
		taskqueue.NewRedisQueue(client, prefix),
	)
}

// NewMongoEngine keeps executions, history and tasks in the given MongoDB
// database.
func NewMongoEngine(client *mongo.Client, dbName string) *Engine {
	store := persistence.NewMongoStore(client, dbName, "")
	return NewEngine(
		persistence.Persistence{Instances: store, Events: store},
		taskqueue.NewMongoQueue(client, dbName, ""),
	)
}

// Queue returns the task queue workers of this engine should poll.
func (e *Engine) Queue() taskqueue.Queue { return e.queue }

// StartWorkflow creates a new run of workflowType and schedules its first
// workflow task.
func (e *Engine) StartWorkflow(ctx context.Context, opts api.StartWorkflowOptions, workflowType string, input any) (*api.WorkflowExecution, error) {
	if workflowType == "" {
		return nil, errors.New("workflow type is required")
	}
	if opts.TaskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := e.now()
	exec := &api.WorkflowExecution{
		ID:           id,
		RunID:        uuid.NewString(),
		WorkflowType: workflowType,
		TaskQueue:    opts.TaskQueue,
		Status:       api.StatusPending,
		Input:        input,
		StartedAt:    now,
	}

	// Claim the workflow ID before writing history, so a rejected start
	// leaves no events behind. No task is queued until the started event
	// is recorded.
	err := e.instances.SaveInstance(ctx, exec)
	if errors.Is(err, persistence.ErrInstanceExists) {
		err = e.startNewRun(ctx, exec)
	}
	if err != nil {
		return nil, err
	}

	if _, err := e.events.AppendEvent(ctx, api.HistoryEvent{
		WorkflowID: id,
		RunID:      exec.RunID,
		At:         now,
		Type:       api.EventWorkflowStarted,
		Name:       workflowType,
		Payload:    input,
	}); err != nil {
		e.abandonRun(ctx, exec, err)
		return nil, fmt.Errorf("record workflow start: %w", err)
	}

	if err := e.enqueueWorkflowTask(ctx, exec); err != nil {
		return nil, err
	}

	e.observer.OnWorkflowStart(ctx, exec)
	e.workflowMetrics(exec).Counter(api.MetricWorkflowStarted).Inc(1)
	e.logger.DebugContext(ctx, "workflow started",
		slog.String("workflow_id", exec.ID),
		slog.String("run_id", exec.RunID),
		slog.String("workflow_type", exec.WorkflowType),
	)
	return exec, nil
}

// abandonRun closes a claimed run whose started event could not be
// recorded, so the workflow ID can be started again.
func (e *Engine) abandonRun(ctx context.Context, exec *api.WorkflowExecution, cause error) {
	exec.Status = api.StatusFailed
	exec.Failure = api.NewFailure(fmt.Errorf("record workflow start: %w", cause))
	exec.ClosedAt = e.now()
	if err := e.instances.UpdateInstance(context.WithoutCancel(ctx), exec); err != nil {
		e.logger.WarnContext(ctx, "close abandoned run failed",
			slog.String("workflow_id", exec.ID),
			slog.String("run_id", exec.RunID),
			slog.Any("error", err),
		)
	}
}

// startNewRun replaces a closed run of exec.ID with exec. The execution lease
// keeps two concurrent starts from both succeeding.
func (e *Engine) startNewRun(ctx context.Context, exec *api.WorkflowExecution) error {
	owner := "start-" + exec.RunID
	acquired, err := e.instances.TryAcquireLease(ctx, exec.ID, owner, e.leaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", api.ErrExecutionAlreadyStarted, exec.ID)
	}
	defer e.releaseLease(ctx, exec.ID, owner)

	prev, err := e.instances.GetInstance(ctx, exec.ID)
	if err != nil {
		return err
	}
	if !prev.Status.Terminal() {
		return fmt.Errorf("%w: %s (run %s)", api.ErrExecutionAlreadyStarted, exec.ID, prev.RunID)
	}
	return e.instances.UpdateInstance(ctx, exec)
}

// SignalWorkflow records a signal on the latest run of workflowID.
func (e *Engine) SignalWorkflow(ctx context.Context, workflowID, signalName string, payload any) error {
	if signalName == "" {
		return errors.New("signal name is required")
	}
	exec, err := e.DescribeWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, api.ErrExecutionNotFound) {
			return &api.SignalDeliveryFailure{WorkflowID: workflowID, Signal: signalName, Cause: api.ErrExecutionNotFound}
		}
		return err
	}
	if exec.Status.Terminal() {
		return &api.SignalDeliveryFailure{WorkflowID: workflowID, Signal: signalName, Cause: api.ErrExecutionClosed}
	}

	if _, err := e.events.AppendEvent(ctx, api.HistoryEvent{
		WorkflowID: exec.ID,
		RunID:      exec.RunID,
		At:         e.now(),
		Type:       api.EventSignalReceived,
		Name:       signalName,
		Payload:    api.SignalPayload{Name: signalName, Data: payload},
	}); err != nil {
		return fmt.Errorf("record signal: %w", err)
	}
	if err := e.enqueueWorkflowTask(ctx, exec); err != nil {
		return err
	}

	e.workflowMetrics(exec).Counter(api.MetricSignalsDelivered).Inc(1)
	return nil
}

// CancelWorkflow records a cancellation request on the latest run.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	exec, err := e.DescribeWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("%w: %s", api.ErrExecutionClosed, workflowID)
	}

	if _, err := e.events.AppendEvent(ctx, api.HistoryEvent{
		WorkflowID: exec.ID,
		RunID:      exec.RunID,
		At:         e.now(),
		Type:       api.EventWorkflowCancelRequested,
	}); err != nil {
		return fmt.Errorf("record cancel request: %w", err)
	}
	return e.enqueueWorkflowTask(ctx, exec)
}

// DescribeWorkflow returns the latest run of workflowID.
func (e *Engine) DescribeWorkflow(ctx context.Context, workflowID string) (*api.WorkflowExecution, error) {
	exec, err := e.instances.GetInstance(ctx, workflowID)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrExecutionNotFound, workflowID)
		}
		return nil, err
	}
	return exec, nil
}

// ListWorkflows returns the latest run of every workflow ID matching filter.
func (e *Engine) ListWorkflows(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error) {
	return e.instances.ListInstances(ctx, persistence.InstanceFilter{
		WorkflowType: filter.WorkflowType,
		Status:       filter.Status,
		TaskQueue:    filter.TaskQueue,
	})
}

// History returns the events of a run. An empty runID selects the latest run.
func (e *Engine) History(ctx context.Context, workflowID, runID string) ([]api.HistoryEvent, error) {
	if runID == "" {
		exec, err := e.DescribeWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		runID = exec.RunID
	}
	return e.events.ListEvents(ctx, runID)
}

// RecoverStuckExecutions re-schedules every open run: a workflow task, plus
// activity and timer tasks for work that history shows as outstanding.
// Recovered tasks carry deterministic IDs, so tasks that are still queued or
// leased are not duplicated and repeated sweeps leave the queue size flat.
// Duplicate deliveries are harmless anyway because results are recorded once
// per scheduled activity and replay ignores repeated decisions.
func (e *Engine) RecoverStuckExecutions(ctx context.Context) (int, error) {
	execs, err := e.instances.ListInstances(ctx, persistence.InstanceFilter{})
	if err != nil {
		return 0, err
	}

	now := e.now()
	recovered := 0
	for _, exec := range execs {
		if exec.Status.Terminal() {
			continue
		}
		history, err := e.events.ListEvents(ctx, exec.RunID)
		if err != nil {
			return recovered, err
		}
		// No history yet means StartWorkflow is still recording the run.
		if len(history) == 0 {
			continue
		}
		if e.recoverIdleAfter > 0 && now.Sub(history[len(history)-1].At) < e.recoverIdleAfter {
			continue
		}

		// At most one recovery task per run is queued at a time.
		wt := workflowTask(exec)
		wt.ID = "recover-" + exec.RunID
		if err := e.enqueue(ctx, wt); err != nil {
			return recovered, fmt.Errorf("enqueue workflow task for %s: %w", exec.ID, err)
		}
		for _, t := range outstandingTasks(exec, history) {
			if err := e.enqueue(ctx, t); err != nil {
				return recovered, err
			}
		}
		recovered++
	}

	if recovered > 0 {
		e.metrics.Counter(api.MetricRecoveredExecutions).Inc(int64(recovered))
		e.logger.InfoContext(ctx, "recovered workflow executions", slog.Int("count", recovered))
	}
	return recovered, nil
}

func (e *Engine) enqueueWorkflowTask(ctx context.Context, exec *api.WorkflowExecution) error {
	if err := e.enqueue(ctx, workflowTask(exec)); err != nil {
		return fmt.Errorf("enqueue workflow task for %s: %w", exec.ID, err)
	}
	return nil
}

// enqueue stamps t with the trace context of ctx.
func (e *Engine) enqueue(ctx context.Context, t taskqueue.Task) error {
	carrier := propagation.MapCarrier{}
	e.propagator.Inject(ctx, carrier)
	if len(carrier) > 0 {
		t.Headers = carrier
	}
	return e.queue.Enqueue(ctx, t)
}

// releaseLease must run even when ctx is already cancelled.
func (e *Engine) releaseLease(ctx context.Context, id, owner string) {
	if err := e.instances.ReleaseLease(context.WithoutCancel(ctx), id, owner); err != nil {
		e.logger.WarnContext(ctx, "release execution lease failed",
			slog.String("workflow_id", id),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) workflowMetrics(exec *api.WorkflowExecution) api.MetricsHandler {
	return e.metrics.WithTags(map[string]string{
		"workflow_type": exec.WorkflowType,
		"task_queue":    exec.TaskQueue,
	})
}
