// Package worker parses worker command flags and runs the SimpleWorkflow
// worker with its metrics endpoint.
package worker

import (
	"context"
	"flag"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/signalflow/internal/app"
	entrypoint "github.com/petrijr/signalflow/internal/platform/cmd"
	"github.com/petrijr/signalflow/internal/platform/config"
	"github.com/petrijr/signalflow/internal/platform/logging"
	"github.com/petrijr/signalflow/internal/platform/otel"
	"github.com/petrijr/signalflow/internal/platform/store"
)

// Config holds worker command configuration.
type Config struct {
	MetricsAddr string `env:"SIGNALFLOW_METRICS_ADDR" envDefault:":9464" yaml:"metrics_addr"`

	Store     store.Config       `yaml:"store"`
	Worker    app.WorkerConfig   `yaml:"worker"`
	Workflow  app.WorkflowConfig `yaml:"workflow"`
	Log       logging.Config     `yaml:"log"`
	Telemetry otel.Config        `yaml:"telemetry"`
}

// ParseConfig parses the config file, environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	path := config.PathFromArgs(args)
	if err := entrypoint.ParseConfig(&cfg, path); err != nil {
		return Config{}, err
	}
	fs.String("config", path, "YAML configuration file")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Listen address of /metrics and /health; empty disables")
	fs.StringVar(&cfg.Store.Backend, "store", cfg.Store.Backend, "Store backend: memory, sqlite, postgres, redis or mongo")
	fs.StringVar(&cfg.Store.DSN, "store-dsn", cfg.Store.DSN, "Store data source name")
	fs.StringVar(&cfg.Worker.TaskQueue, "task-queue", cfg.Worker.TaskQueue, "Task queue to poll")
	fs.StringVar(&cfg.Worker.WorkerID, "worker-id", cfg.Worker.WorkerID, "Lease owner name; random when empty")
	fs.IntVar(&cfg.Worker.Concurrency, "concurrency", cfg.Worker.Concurrency, "Tasks handled in parallel")
	fs.DurationVar(&cfg.Worker.LeaseTTL, "lease-ttl", cfg.Worker.LeaseTTL, "Task and execution lease duration")
	fs.DurationVar(&cfg.Worker.HeartbeatInterval, "heartbeat-interval", cfg.Worker.HeartbeatInterval, "Lease renewal and cancellation poll interval")
	fs.StringVar(&cfg.Worker.RecoverySchedule, "recovery-schedule", cfg.Worker.RecoverySchedule, "Cron spec of the recovery sweep; empty disables")
	fs.DurationVar(&cfg.Workflow.SignalTimeout, "signal-timeout", cfg.Workflow.SignalTimeout, "How long to wait for the continue signal; 0 waits forever")
	fs.StringVar(&cfg.Workflow.SignalTimeoutPolicy, "signal-timeout-policy", cfg.Workflow.SignalTimeoutPolicy, "fail or continue when the signal times out")
	fs.DurationVar(&cfg.Workflow.ActivityDelay, "activity-delay", cfg.Workflow.ActivityDelay, "Simulated activity work time")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format: tint, json or text")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the worker and serves metrics until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWorker, cfg.Telemetry, func(ctx context.Context, tel *otel.Telemetry) error {
		a, err := app.New(ctx, app.Options{
			Store:          cfg.Store,
			Worker:         cfg.Worker,
			Workflow:       cfg.Workflow,
			EmbedWorker:    true,
			TracerProvider: tel.TracerProvider,
			MeterProvider:  tel.MeterProvider,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.RunWorker(ctx) })
		if cfg.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /health", entrypoint.HandleHealth)
			mux.Handle("GET /metrics", tel.MetricsHandler())
			g.Go(func() error { return entrypoint.ServeHTTP(ctx, cfg.MetricsAddr, mux, logger) })
		}
		return g.Wait()
	})
}
