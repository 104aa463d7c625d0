package api

import (
	"context"
	"fmt"
	"time"
)

// ActivityFunc is a single unit of non-deterministic work invoked by a
// workflow. It may perform I/O and must observe ctx for cancellation.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// TypedActivity wraps a strongly-typed function into an ActivityFunc.
// Example:
//
//	api.TypedActivity(func(ctx context.Context, in string) (string, error) { ... })
func TypedActivity[I, O any](fn func(context.Context, I) (O, error)) ActivityFunc {
	return func(ctx context.Context, input any) (any, error) {
		var in I
		if input != nil {
			v, ok := input.(I)
			if !ok {
				return nil, NonRetryable(fmt.Errorf("activity input: expected %T, got %T", in, input))
			}
			in = v
		}
		return fn(ctx, in)
	}
}

// ActivityOptions travel with a ScheduleActivity command.
type ActivityOptions struct {
	// RetryPolicy overrides DefaultRetryPolicy when set.
	RetryPolicy *RetryPolicy

	// StartToCloseTimeout bounds a single attempt. Zero means no limit.
	StartToCloseTimeout time.Duration
}

// Retry returns the effective retry policy.
func (o ActivityOptions) Retry() RetryPolicy {
	if o.RetryPolicy != nil {
		return *o.RetryPolicy
	}
	return DefaultRetryPolicy()
}

// ActivityInfo describes the invocation an activity is running for.
type ActivityInfo struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	ActivityID   int64
	ActivityName string
	Attempt      int
	TaskQueue    string
	ScheduledAt  time.Time

	// Headers carry the trace context of the workflow task that scheduled
	// this activity.
	Headers map[string]string
}

type activityInfoKey struct{}

// WithActivityInfo returns a context carrying info.
func WithActivityInfo(ctx context.Context, info ActivityInfo) context.Context {
	return context.WithValue(ctx, activityInfoKey{}, info)
}

// ActivityInfoFromContext returns the ActivityInfo stored by the worker.
func ActivityInfoFromContext(ctx context.Context) (ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info, ok
}
