package api

import "time"

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowStarted         EventType = "workflow.started"
	EventWorkflowCancelRequested EventType = "workflow.cancel_requested"
	EventWorkflowCompleted       EventType = "workflow.completed"
	EventWorkflowFailed          EventType = "workflow.failed"

	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"
	EventActivityCancelled EventType = "activity.cancelled"
	EventActivityRetrying  EventType = "activity.retrying"

	EventSignalWaitStarted EventType = "signal.wait_started"
	EventSignalReceived    EventType = "signal.received"
	EventSignalTimedOut    EventType = "signal.timed_out"
)

// IsCommand reports whether the event records the execution of a command.
// Replay compares these events against the commands a workflow produces.
func (t EventType) IsCommand() bool {
	switch t {
	case EventActivityScheduled, EventSignalWaitStarted, EventWorkflowCompleted, EventWorkflowFailed:
		return true
	}
	return false
}

// IsDecision reports whether the event is fed to WorkflowState.Apply.
func (t EventType) IsDecision() bool {
	switch t {
	case EventWorkflowStarted,
		EventActivityCompleted, EventActivityFailed, EventActivityCancelled,
		EventSignalReceived, EventSignalTimedOut,
		EventWorkflowCancelRequested:
		return true
	}
	return false
}

// HistoryEvent is one entry in the append-only history of a run.
type HistoryEvent struct {
	// ID is assigned by the event store and increases monotonically within a
	// run. For activity.scheduled events it doubles as the activity ID.
	ID         int64
	WorkflowID string
	RunID      string
	At         time.Time
	Type       EventType

	// ScheduledID links a result event to the activity.scheduled or
	// signal.wait_started event it answers.
	ScheduledID int64

	// Name is the activity name or the signal name.
	Name string

	// Payload holds the workflow input, an ActivitySchedule, an activity
	// result, a SignalPayload or a workflow result, depending on Type.
	Payload any

	Failure *Failure
	Attempt int

	// Timeout is recorded on signal.wait_started events.
	Timeout time.Duration

	// Small, human-oriented detail (e.g. retry reason). Keep it short.
	Detail string
}

// ActivitySchedule is the payload of activity.scheduled events. Keeping the
// options in history lets recovery re-create lost activity tasks.
type ActivitySchedule struct {
	Input   any
	Options ActivityOptions
}
