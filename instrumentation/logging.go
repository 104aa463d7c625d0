package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/signalflow/pkg/api"
)

// LoggingInterceptors log every client call, workflow task and activity
// attempt at debug level, and failures at warn level.
func LoggingInterceptors(logger *slog.Logger) api.Interceptors {
	if logger == nil {
		logger = slog.Default()
	}

	logResult := func(ctx context.Context, msg string, err error, elapsed time.Duration, attrs ...any) {
		attrs = append(attrs, slog.Duration("elapsed", elapsed))
		if err != nil {
			logger.WarnContext(ctx, msg+" failed", append(attrs, slog.Any("error", err))...)
			return
		}
		logger.DebugContext(ctx, msg+" completed", attrs...)
	}

	return api.Interceptors{
		Client: []api.ClientInterceptor{
			func(ctx context.Context, call api.ClientCall, next api.ClientHandler) error {
				start := time.Now()
				err := next(ctx, call)
				logResult(ctx, "client call", err, time.Since(start),
					slog.String("operation", call.Operation),
					slog.String("workflow_id", call.WorkflowID),
				)
				return err
			},
		},
		Workflow: []api.WorkflowInterceptor{
			func(ctx context.Context, info api.WorkflowTaskInfo, next api.WorkflowHandler) error {
				start := time.Now()
				err := next(ctx, info)
				logResult(ctx, "workflow task", err, time.Since(start),
					slog.String("workflow_id", info.WorkflowID),
					slog.String("run_id", info.RunID),
					slog.String("kind", info.Kind),
				)
				return err
			},
		},
		Activity: []api.ActivityInterceptor{
			func(ctx context.Context, info api.ActivityInfo, input any, next api.ActivityHandler) (any, error) {
				start := time.Now()
				out, err := next(ctx, info, input)
				logResult(ctx, "activity", err, time.Since(start),
					slog.String("workflow_id", info.WorkflowID),
					slog.String("activity", info.ActivityName),
					slog.Int("attempt", info.Attempt),
				)
				return out, err
			},
		},
	}
}
