// Package app assembles a signalflow process: the configured store, the
// engine, an instrumented client and, when requested, a worker hosting
// SimpleWorkflow.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/signalflow/instrumentation"
	"github.com/petrijr/signalflow/internal/engine"
	"github.com/petrijr/signalflow/internal/platform/cron"
	"github.com/petrijr/signalflow/internal/platform/store"
	"github.com/petrijr/signalflow/pkg/api"
	"github.com/petrijr/signalflow/pkg/client"
	"github.com/petrijr/signalflow/pkg/worker"
	"github.com/petrijr/signalflow/workflows"
)

// Options configure New.
type Options struct {
	Store    store.Config
	Worker   WorkerConfig
	Workflow WorkflowConfig

	// EmbedWorker hosts a worker for Worker.TaskQueue in this process.
	EmbedWorker bool

	// Providers default to the OpenTelemetry globals.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Propagator     propagation.TextMapPropagator
	Logger         *slog.Logger

	// Fault is handed to the activities. See workflows.ActivitiesConfig.
	Fault func(activity, input string) error
}

// App is an assembled process.
type App struct {
	Engine *engine.Engine
	Client *client.Client
	// Worker is nil unless Options.EmbedWorker is set.
	Worker *worker.Worker
	// Stats counts workflow and activity outcomes seen by this process.
	Stats *api.BasicMetrics

	store  *store.Store
	opts   Options
	logger *slog.Logger
}

// New opens the store and wires the engine, client and optional worker.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.Propagator == nil {
		opts.Propagator = otel.GetTextMapPropagator()
	}
	wfOpts, err := opts.Workflow.Options()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, opts.Store)
	if err != nil {
		return nil, err
	}
	a, err := assemble(st, opts, wfOpts)
	if err != nil {
		return nil, errors.Join(err, st.Close(ctx))
	}
	return a, nil
}

func assemble(st *store.Store, opts Options, wfOpts workflows.Options) (*App, error) {
	logger := opts.Logger
	metrics := instrumentation.NewCustomMetricMeter(opts.MeterProvider.Meter(instrumentation.EngineMeterName)).
		WithTags(map[string]string{"namespace": workflows.Namespace})
	stats := &api.BasicMetrics{}
	observer := api.NewCompositeObserver(api.NewLoggingObserver(logger), stats)

	eng := engine.NewEngineWithConfig(engine.Config{
		Persistence:      st.Persistence,
		Queue:            st.Queue,
		Observer:         observer,
		Metrics:          metrics,
		Logger:           logger,
		Propagator:       opts.Propagator,
		LeaseTTL:         opts.Worker.LeaseTTL,
		RecoverIdleAfter: opts.Worker.RecoverIdleAfter,
	})

	interceptors := instrumentation.NewTracingInterceptor(opts.TracerProvider).
		WithPropagator(opts.Propagator).
		Interceptors().
		Merge(instrumentation.LoggingInterceptors(logger))

	a := &App{
		Engine: eng,
		Client: client.New(eng, client.Options{Interceptors: interceptors.Client, Logger: logger}),
		Stats:  stats,
		store:  st,
		opts:   opts,
		logger: logger,
	}
	if !opts.EmbedWorker {
		return a, nil
	}

	w, err := worker.NewWithConfig(eng, st.Queue, worker.Config{
		TaskQueue:         opts.Worker.TaskQueue,
		WorkerID:          opts.Worker.WorkerID,
		Concurrency:       opts.Worker.Concurrency,
		LeaseTTL:          opts.Worker.LeaseTTL,
		HeartbeatInterval: opts.Worker.HeartbeatInterval,
		Interceptors:      interceptors,
		Observer:          observer,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	wm, err := instrumentation.NewWorkflowMetricsFromProvider(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("workflow metrics: %w", err)
	}
	activities := workflows.NewActivities(wm, workflows.ActivitiesConfig{
		Logger: logger,
		Delay:  opts.Workflow.ActivityDelay,
		Fault:  opts.Fault,
	})
	if err := workflows.Register(w, wfOpts, activities); err != nil {
		return nil, err
	}
	a.Worker = w
	return a, nil
}

// StartOptions returns start options for id on the configured task queue.
func (a *App) StartOptions(id string) api.StartWorkflowOptions {
	return api.StartWorkflowOptions{ID: id, TaskQueue: a.opts.Worker.TaskQueue}
}

// Recover re-queues the work of open runs that have been idle for at least
// WorkerConfig.RecoverIdleAfter.
func (a *App) Recover(ctx context.Context) error {
	_, err := a.Engine.RecoverStuckExecutions(ctx)
	return err
}

// RunWorker recovers outstanding work, schedules the recovery sweep and runs
// the embedded worker until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	if a.Worker == nil {
		return errors.New("app: no embedded worker")
	}
	if err := a.Recover(ctx); err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	if spec := a.opts.Worker.RecoverySchedule; spec != "" {
		trigger, err := cron.NewTrigger(spec, a.Recover, a.logger)
		if err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "recovery sweep scheduled",
			slog.String("schedule", spec),
			slog.Time("next_run", trigger.NextRun()),
		)
		trigger.Start(ctx)
	}
	a.logger.InfoContext(ctx, "worker started",
		slog.String("worker_id", a.Worker.ID()),
		slog.String("task_queue", a.opts.Worker.TaskQueue),
		slog.String("store", a.store.Backend),
	)
	return a.Worker.Run(ctx)
}

// Close releases the store.
func (a *App) Close(ctx context.Context) error {
	return a.store.Close(ctx)
}
