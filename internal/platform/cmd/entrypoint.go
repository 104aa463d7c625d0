// Package cmd holds the startup plumbing shared by the signalflow commands.
package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petrijr/signalflow/internal/platform/config"
	"github.com/petrijr/signalflow/internal/platform/otel"
)

const defaultOTelShutdownTimeout = 5 * time.Second

// Service identifiers used as the OpenTelemetry service name.
const (
	ServiceWorker = "signalflow-worker"
	ServiceAPI    = "signalflow-api"
)

// ParseConfig loads defaults, the optional config file and the environment
// into cfg.
func ParseConfig[T any](cfg *T, path string) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	return config.Load(cfg, path)
}

// ParseArgs parses command-line flags.
func ParseArgs(fs *flag.FlagSet, args []string) error {
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// RunWithTelemetry configures tracing and metrics and executes a service run
// loop with them.
func RunWithTelemetry(ctx context.Context, service string, cfg otel.Config, run func(context.Context, *otel.Telemetry) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if run == nil {
		return fmt.Errorf("run function is required")
	}
	tel, err := otel.Setup(ctx, service, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultOTelShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown failed", slog.String("service", service), slog.Any("error", err))
		}
	}()
	return run(ctx, tel)
}
