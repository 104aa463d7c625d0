package signalflow

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with FlowBuilder.Activity:
//
//	flow.Activity("charge", signalflow.ActivityOptions{
//	    RetryPolicy: signalflow.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute).Ptr(),
//	})
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts: maxAttempts,
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = initial
	p.MaxBackoff = max
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffMultiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant backoff between retries.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialBackoff = delay
	p.MaxBackoff = 0
	p.BackoffMultiplier = 1.0
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
// Retries will still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialBackoff = 0
	p.MaxBackoff = 0
	p.BackoffMultiplier = 0
	return RetryBuilder{policy: p}
}

// NonRetryable adds ApplicationError types that fail on the first attempt.
func (r RetryBuilder) NonRetryable(errorTypes ...string) RetryBuilder {
	p := r.policy
	p.NonRetryableErrorTypes = append(append([]string(nil), p.NonRetryableErrorTypes...), errorTypes...)
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

// Ptr returns a copy of the policy suitable for ActivityOptions.RetryPolicy.
func (r RetryBuilder) Ptr() *RetryPolicy {
	p := r.Policy()
	return &p
}
