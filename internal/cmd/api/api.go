// Package api parses api command flags and serves the HTTP trigger API,
// optionally with an embedded worker.
package api

import (
	"context"
	"flag"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/signalflow/internal/app"
	"github.com/petrijr/signalflow/internal/httpapi"
	entrypoint "github.com/petrijr/signalflow/internal/platform/cmd"
	"github.com/petrijr/signalflow/internal/platform/config"
	"github.com/petrijr/signalflow/internal/platform/logging"
	"github.com/petrijr/signalflow/internal/platform/otel"
	"github.com/petrijr/signalflow/internal/platform/store"
)

// Config holds api command configuration.
type Config struct {
	HTTPAddr       string   `env:"SIGNALFLOW_HTTP_ADDR" envDefault:":8080" yaml:"http_addr"`
	AllowedOrigins []string `env:"SIGNALFLOW_CORS_ORIGINS" envDefault:"http://localhost:8233,https://cloud.temporal.io" yaml:"allowed_origins"`
	EmbedWorker    bool     `env:"SIGNALFLOW_EMBED_WORKER" yaml:"embed_worker"`

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
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.BoolVar(&cfg.EmbedWorker, "embed-worker", cfg.EmbedWorker, "Run a worker in this process")
	fs.StringVar(&cfg.Store.Backend, "store", cfg.Store.Backend, "Store backend: memory, sqlite, postgres, redis or mongo")
	fs.StringVar(&cfg.Store.DSN, "store-dsn", cfg.Store.DSN, "Store data source name")
	fs.StringVar(&cfg.Worker.TaskQueue, "task-queue", cfg.Worker.TaskQueue, "Task queue new runs are scheduled on")
	fs.IntVar(&cfg.Worker.Concurrency, "concurrency", cfg.Worker.Concurrency, "Tasks the embedded worker handles in parallel")
	fs.DurationVar(&cfg.Workflow.SignalTimeout, "signal-timeout", cfg.Workflow.SignalTimeout, "How long to wait for the continue signal; 0 waits forever")
	fs.DurationVar(&cfg.Workflow.ActivityDelay, "activity-delay", cfg.Workflow.ActivityDelay, "Simulated activity work time")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format: tint, json or text")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAPI, cfg.Telemetry, func(ctx context.Context, tel *otel.Telemetry) error {
		a, err := app.New(ctx, app.Options{
			Store:          cfg.Store,
			Worker:         cfg.Worker,
			Workflow:       cfg.Workflow,
			EmbedWorker:    cfg.EmbedWorker,
			TracerProvider: tel.TracerProvider,
			MeterProvider:  tel.MeterProvider,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))

		g, ctx := errgroup.WithContext(ctx)
		if a.Worker != nil {
			g.Go(func() error { return a.RunWorker(ctx) })
		}
		g.Go(func() error {
			return entrypoint.ServeHTTP(ctx, cfg.HTTPAddr, routes(a, tel.MetricsHandler(), cfg, logger), logger)
		})
		return g.Wait()
	})
}

func routes(a *app.App, metrics http.Handler, cfg Config, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	httpapi.NewHandler(a.Client, cfg.Worker.TaskQueue, logger).Register(mux)
	mux.HandleFunc("GET /health", entrypoint.HandleHealth)
	mux.Handle("GET /metrics", metrics)
	return httpapi.CORS(cfg.AllowedOrigins, mux)
}
