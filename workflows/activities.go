package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/signalflow/instrumentation"
	"github.com/petrijr/signalflow/pkg/api"
)

// ActivitiesConfig configures Activities.
type ActivitiesConfig struct {
	Logger *slog.Logger

	// Delay is how long each activity works. Default DefaultActivityDelay.
	Delay time.Duration

	// Fault, when set, is consulted before each invocation and its error
	// returned instead of a result. It lets tests and drills force failures.
	Fault func(activity, input string) error
}

// Activities implements SimulateWork and FinalizeWork. Both are safe to run
// concurrently and to retry with the same input.
type Activities struct {
	metrics *instrumentation.WorkflowMetrics
	cfg     ActivitiesConfig
}

// NewActivities returns activities recording their duration into metrics.
// A nil metrics records nothing.
func NewActivities(metrics *instrumentation.WorkflowMetrics, cfg ActivitiesConfig) *Activities {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultActivityDelay
	}
	return &Activities{metrics: metrics, cfg: cfg}
}

// SimulateWork returns "Processed: {input}" after the configured delay.
func (a *Activities) SimulateWork(ctx context.Context, input string) (string, error) {
	if err := a.work(ctx, SimulateWorkActivity, input); err != nil {
		return "", err
	}
	return "Processed: " + input, nil
}

// FinalizeWork returns "Finalized: {input}" after the configured delay.
func (a *Activities) FinalizeWork(ctx context.Context, input string) (string, error) {
	if err := a.work(ctx, FinalizeWorkActivity, input); err != nil {
		return "", err
	}
	return "Finalized: " + input, nil
}

// Map returns the activities by registered name.
func (a *Activities) Map() map[string]api.ActivityFunc {
	return map[string]api.ActivityFunc{
		SimulateWorkActivity: api.TypedActivity(a.SimulateWork),
		FinalizeWorkActivity: api.TypedActivity(a.FinalizeWork),
	}
}

func (a *Activities) work(ctx context.Context, name, input string) error {
	logger := a.cfg.Logger.With(slog.String("activity", name))
	if info, ok := api.ActivityInfoFromContext(ctx); ok {
		logger = logger.With(
			slog.String("workflow_id", info.WorkflowID),
			slog.Int("attempt", info.Attempt),
		)
	}
	logger.InfoContext(ctx, "activity running", slog.String("input", input))

	start := time.Now()
	err := a.simulate(ctx, name, input)
	a.metrics.RecordActivityDuration(ctx, name, time.Since(start))

	if err != nil {
		logger.WarnContext(ctx, "activity did not complete", slog.Any("error", err))
		return err
	}
	logger.InfoContext(ctx, "activity completed")
	return nil
}

func (a *Activities) simulate(ctx context.Context, name, input string) error {
	if a.cfg.Fault != nil {
		if err := a.cfg.Fault(name, input); err != nil {
			return err
		}
	}

	t := time.NewTimer(a.cfg.Delay)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.Canceled) {
			return &api.ActivityCancelled{Activity: name, Cause: context.Cause(ctx)}
		}
		return fmt.Errorf("%s: %w", name, err)
	}
}
