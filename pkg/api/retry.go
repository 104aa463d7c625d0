package api

import (
	"slices"
	"time"
)

// RetryPolicy controls how an activity is retried when it returns an error.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry. Each later retry waits
// BackoffMultiplier times longer, capped at MaxBackoff when it is positive.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	// NonRetryableErrorTypes lists ApplicationError types that fail the
	// activity on the first attempt.
	NonRetryableErrorTypes []string
}

// DefaultRetryPolicy is applied to activities scheduled without a policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
}

// Attempts returns the normalised attempt budget.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff to wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= multiplier
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// ShouldRetry reports whether err after the given attempt may be retried.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.Attempts() {
		return false
	}
	if IsNonRetryable(err) {
		return false
	}
	return !slices.Contains(p.NonRetryableErrorTypes, errorType(err))
}
