package api

import (
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(SignalPayload{})
	gob.Register(ActivitySchedule{})
	gob.Register(&Failure{})
	// Decoded JSON bodies, e.g. signal payloads posted over HTTP.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Status represents the lifecycle state of a workflow execution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusWaiting   Status = "WAITING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further progress is possible in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WorkflowState is the deterministic transition function of a workflow.
//
// The engine builds a fresh state for every workflow task and feeds it the
// run's decision events in history order. Apply must depend only on the event
// and the state's own fields: no clocks, no randomness, no I/O. Given the same
// history it must return the same commands.
type WorkflowState interface {
	Apply(ev HistoryEvent) ([]Command, error)
}

// Phaser is implemented by workflow states that expose a named lifecycle
// phase. The engine records it on the execution for Describe.
type Phaser interface {
	Phase() string
}

// WorkflowDefinition binds a workflow type name to its state constructor.
type WorkflowDefinition struct {
	Name string
	New  func() WorkflowState
}

// StartWorkflowOptions controls how a new execution is created.
type StartWorkflowOptions struct {
	// ID is the caller-chosen execution ID. Empty means a generated UUID.
	ID string

	// TaskQueue names the queue whose workers will run the execution.
	TaskQueue string
}

// WorkflowExecution is the persisted record of the latest run of a workflow ID.
type WorkflowExecution struct {
	ID           string
	RunID        string
	WorkflowType string
	TaskQueue    string
	Status       Status

	// Phase is the last phase reported by the workflow state, if any.
	Phase string

	Input  any
	Output any

	// Failure is set once Status is StatusFailed.
	Failure *Failure

	// PendingSignal is the signal name the workflow is currently blocked on.
	PendingSignal   string
	CancelRequested bool

	StartedAt time.Time
	ClosedAt  time.Time
}

// Err converts the stored failure back into a typed error. It returns nil
// for executions that have not failed.
func (e *WorkflowExecution) Err() error {
	if e == nil || e.Failure == nil {
		return nil
	}
	return &WorkflowFailure{
		WorkflowID: e.ID,
		RunID:      e.RunID,
		Cause:      e.Failure.Err(),
	}
}

// ExecutionFilter controls how executions are listed.
// Zero values mean "no filter" for that field.
type ExecutionFilter struct {
	WorkflowType string
	Status       Status
	TaskQueue    string
}

// SignalPayload carries a delivered signal in signal.received events.
type SignalPayload struct {
	Name string
	Data any
}
