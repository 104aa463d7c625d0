package api

import "time"

// CommandType identifies what a workflow asks the engine to do next.
type CommandType string

const (
	CommandScheduleActivity CommandType = "schedule_activity"
	CommandAwaitSignal      CommandType = "await_signal"
	CommandCompleteWorkflow CommandType = "complete_workflow"
	CommandFailWorkflow     CommandType = "fail_workflow"
)

// Command is returned by WorkflowState.Apply.
type Command struct {
	Type CommandType

	// Name is the activity name for CommandScheduleActivity and the signal
	// name for CommandAwaitSignal.
	Name    string
	Input   any
	Options ActivityOptions

	// Timeout bounds CommandAwaitSignal. Zero waits forever.
	Timeout time.Duration

	Result  any
	Failure *Failure
}

// ScheduleActivity asks the engine to run the named activity.
func ScheduleActivity(name string, input any, opts ActivityOptions) Command {
	return Command{Type: CommandScheduleActivity, Name: name, Input: input, Options: opts}
}

// AwaitSignal blocks the workflow until the named signal arrives or the
// timeout fires.
func AwaitSignal(name string, timeout time.Duration) Command {
	return Command{Type: CommandAwaitSignal, Name: name, Timeout: timeout}
}

// CompleteWorkflow closes the run successfully with result.
func CompleteWorkflow(result any) Command {
	return Command{Type: CommandCompleteWorkflow, Result: result}
}

// FailWorkflow closes the run with err.
func FailWorkflow(err error) Command {
	return Command{Type: CommandFailWorkflow, Failure: NewFailure(err)}
}

// RecordedAs returns the history event type that records this command.
func (c Command) RecordedAs() EventType {
	switch c.Type {
	case CommandScheduleActivity:
		return EventActivityScheduled
	case CommandAwaitSignal:
		return EventSignalWaitStarted
	case CommandCompleteWorkflow:
		return EventWorkflowCompleted
	case CommandFailWorkflow:
		return EventWorkflowFailed
	}
	return ""
}

// Matches reports whether ev is the recorded form of c.
func (c Command) Matches(ev HistoryEvent) bool {
	if ev.Type != c.RecordedAs() {
		return false
	}
	switch c.Type {
	case CommandScheduleActivity, CommandAwaitSignal:
		return ev.Name == c.Name
	}
	return true
}
