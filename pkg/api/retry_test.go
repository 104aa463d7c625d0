package api

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        350 * time.Millisecond,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		350 * time.Millisecond, // capped
		350 * time.Millisecond,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("Delay(%d)=%v, want %v", i+1, got, w)
		}
	}
}

func TestRetryPolicy_DelayDefaultsMultiplier(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 10 * time.Millisecond}
	if got := p.Delay(3); got != 40*time.Millisecond {
		t.Fatalf("Delay(3)=%v, want 40ms", got)
	}
	if got := (RetryPolicy{}).Delay(2); got != 0 {
		t.Fatalf("zero policy should not back off, got %v", got)
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, NonRetryableErrorTypes: []string{"validation"}}
	boom := errors.New("boom")

	if !p.ShouldRetry(boom, 1) || !p.ShouldRetry(boom, 2) {
		t.Fatalf("expected attempts 1 and 2 to be retried")
	}
	if p.ShouldRetry(boom, 3) {
		t.Fatalf("attempt 3 exhausts MaxAttempts=3")
	}
	if p.ShouldRetry(nil, 1) {
		t.Fatalf("nil error must not be retried")
	}
	if p.ShouldRetry(NonRetryable(boom), 1) {
		t.Fatalf("non-retryable error must not be retried")
	}
	if p.ShouldRetry(&ApplicationError{Message: "bad", Type: "validation"}, 1) {
		t.Fatalf("listed error type must not be retried")
	}
}

func TestRetryPolicy_AttemptsNormalised(t *testing.T) {
	if got := (RetryPolicy{MaxAttempts: -1}).Attempts(); got != 1 {
		t.Fatalf("Attempts()=%d, want 1", got)
	}
	if got := (ActivityOptions{}).Retry().Attempts(); got != DefaultRetryPolicy().MaxAttempts {
		t.Fatalf("default activity options should use DefaultRetryPolicy, got %d attempts", got)
	}
}
