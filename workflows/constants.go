package workflows

import "time"

const (
	// Namespace scopes the demo's executions in metrics and logs.
	Namespace = "default"

	// TaskQueue is the queue the demo worker polls.
	TaskQueue = "simple-workflow-queue"

	// WorkflowType is the registered name of SimpleWorkflow.
	WorkflowType = "SimpleWorkflow"

	// Activity names.
	SimulateWorkActivity = "SimulateWork"
	FinalizeWorkActivity = "FinalizeWork"

	// ContinueSignal releases a workflow waiting in PhaseAwaitingSignal.
	ContinueSignal = "continue"

	// DefaultActivityDelay is how long each simulated activity works.
	DefaultActivityDelay = time.Second
)
