// Package logging builds the process slog.Logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Handler formats.
const (
	FormatTint = "tint"
	FormatJSON = "json"
	FormatText = "text"
)

// Config selects the log level and output format.
type Config struct {
	Level  string `env:"SIGNALFLOW_LOG_LEVEL" envDefault:"info" yaml:"level"`
	Format string `env:"SIGNALFLOW_LOG_FORMAT" envDefault:"tint" yaml:"format"`
}

// ParseLevel accepts the slog level names (debug, info, warn, error), with
// optional offsets such as "info+2".
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

// New returns a logger writing to w in the configured format. Colour is only
// used by the tint format, and only when w is a terminal.
func New(w io.Writer, cfg Config) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", FormatTint:
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(w),
		})
	case FormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case FormatText:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), nil
}

// Setup builds a logger on stderr and installs it as the slog default.
func Setup(cfg Config) (*slog.Logger, error) {
	logger, err := New(os.Stderr, cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
