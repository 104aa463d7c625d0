package api

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrExecutionNotFound is returned when no execution exists for an ID.
	ErrExecutionNotFound = errors.New("workflow execution not found")

	// ErrExecutionAlreadyStarted is returned when an ID is reused while its
	// current run is still open.
	ErrExecutionAlreadyStarted = errors.New("workflow execution already started")

	// ErrExecutionClosed is returned when signalling or cancelling a run that
	// has already completed or failed.
	ErrExecutionClosed = errors.New("workflow execution already closed")

	// ErrWorkflowNotRegistered is returned by workers for unknown workflow types.
	ErrWorkflowNotRegistered = errors.New("workflow type not registered")

	// ErrActivityNotRegistered is returned by workers for unknown activities.
	ErrActivityNotRegistered = errors.New("activity not registered")

	// ErrSignalTimeout fails a workflow whose signal wait expired.
	ErrSignalTimeout = errors.New("timed out waiting for signal")

	// ErrNondeterminism is returned when replaying history yields commands
	// that differ from the ones already recorded.
	ErrNondeterminism = errors.New("nondeterministic workflow")

	// ErrCanceled fails a workflow whose cancellation was requested.
	ErrCanceled = errors.New("workflow execution cancelled")

	// ErrLeaseNotHeld is returned when renewing or releasing a lease owned by
	// another worker.
	ErrLeaseNotHeld = errors.New("lease not held")

	// ErrExecutionLocked is returned when another worker holds the execution
	// lease. The task should be retried shortly.
	ErrExecutionLocked = errors.New("workflow execution locked by another worker")
)

// ApplicationError is an error raised by activity or workflow code.
type ApplicationError struct {
	Message      string
	Type         string
	NonRetryable bool
	Cause        error
}

func (e *ApplicationError) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message
}

func (e *ApplicationError) Unwrap() error { return e.Cause }

// NonRetryable marks err so the worker fails the activity without retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &ApplicationError{Message: err.Error(), Type: errorType(err), NonRetryable: true, Cause: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var ae *ApplicationError
	return errors.As(err, &ae) && ae.NonRetryable
}

// ActivityFailure is returned when an activity ends in failure after its
// retry policy is exhausted or it failed with a non-retryable error.
type ActivityFailure struct {
	Activity string
	Attempts int
	Cause    error
}

func (e *ActivityFailure) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempt(s): %v", e.Activity, e.Attempts, e.Cause)
}

func (e *ActivityFailure) Unwrap() error { return e.Cause }

// ActivityCancelled is returned when an activity observed cancellation,
// either because its execution was cancelled or its worker shut down.
type ActivityCancelled struct {
	Activity string
	Cause    error
}

func (e *ActivityCancelled) Error() string {
	return fmt.Sprintf("activity %s cancelled: %v", e.Activity, e.Cause)
}

func (e *ActivityCancelled) Unwrap() error { return e.Cause }

// WorkflowFailure wraps the terminal error of a failed run.
type WorkflowFailure struct {
	WorkflowID string
	RunID      string
	Cause      error
}

func (e *WorkflowFailure) Error() string {
	return fmt.Sprintf("workflow %s (run %s) failed: %v", e.WorkflowID, e.RunID, e.Cause)
}

func (e *WorkflowFailure) Unwrap() error { return e.Cause }

// SignalDeliveryFailure is returned when a signal cannot be delivered.
type SignalDeliveryFailure struct {
	WorkflowID string
	Signal     string
	Cause      error
}

func (e *SignalDeliveryFailure) Error() string {
	return fmt.Sprintf("deliver signal %q to workflow %s: %v", e.Signal, e.WorkflowID, e.Cause)
}

func (e *SignalDeliveryFailure) Unwrap() error { return e.Cause }

// IsActivityCancelled reports whether err carries an ActivityCancelled.
func IsActivityCancelled(err error) bool {
	var ac *ActivityCancelled
	return errors.As(err, &ac)
}

// FailureKind classifies a persisted Failure.
type FailureKind string

const (
	FailureApplication       FailureKind = "application"
	FailureActivity          FailureKind = "activity"
	FailureActivityCancelled FailureKind = "activity_cancelled"
	FailureSignalTimeout     FailureKind = "signal_timeout"
	FailureNondeterminism    FailureKind = "nondeterminism"
	FailureCancelled         FailureKind = "cancelled"
)

// Failure is the serialisable form of a workflow or activity error. It is
// stored in history and on terminal executions, and turned back into a
// typed error with Err.
type Failure struct {
	Kind         FailureKind
	Message      string
	Type         string
	Activity     string
	Attempts     int
	NonRetryable bool
}

// NewFailure classifies err. It returns nil for a nil error.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}

	var (
		ac *ActivityCancelled
		af *ActivityFailure
	)
	switch {
	case errors.As(err, &ac):
		return &Failure{Kind: FailureActivityCancelled, Message: causeMessage(ac.Cause), Activity: ac.Activity}
	case errors.As(err, &af):
		return &Failure{
			Kind:         FailureActivity,
			Message:      causeMessage(af.Cause),
			Type:         errorType(af.Cause),
			Activity:     af.Activity,
			Attempts:     af.Attempts,
			NonRetryable: IsNonRetryable(af.Cause),
		}
	case errors.Is(err, ErrSignalTimeout):
		return &Failure{Kind: FailureSignalTimeout, Message: err.Error()}
	case errors.Is(err, ErrNondeterminism):
		return &Failure{Kind: FailureNondeterminism, Message: err.Error()}
	case errors.Is(err, ErrCanceled):
		return &Failure{Kind: FailureCancelled, Message: err.Error()}
	}

	return &Failure{
		Kind:         FailureApplication,
		Message:      err.Error(),
		Type:         errorType(err),
		NonRetryable: IsNonRetryable(err),
	}
}

// Err rebuilds a typed error from the failure.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	switch f.Kind {
	case FailureActivity:
		return &ActivityFailure{Activity: f.Activity, Attempts: f.Attempts, Cause: f.cause()}
	case FailureActivityCancelled:
		return &ActivityCancelled{Activity: f.Activity, Cause: context.Canceled}
	case FailureSignalTimeout:
		return ErrSignalTimeout
	case FailureNondeterminism:
		return fmt.Errorf("%w: %s", ErrNondeterminism, f.Message)
	case FailureCancelled:
		return ErrCanceled
	}
	return f.cause()
}

func (f *Failure) cause() error {
	return &ApplicationError{Message: f.Message, Type: f.Type, NonRetryable: f.NonRetryable}
}

func causeMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errorType(err error) string {
	var ae *ApplicationError
	if errors.As(err, &ae) && ae.Type != "" {
		return ae.Type
	}
	return fmt.Sprintf("%T", err)
}
