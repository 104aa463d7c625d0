package api

import "context"

// Engine is the client-facing API of the workflow engine.
type Engine interface {
	// StartWorkflow creates a new run and schedules its first workflow task
	// on opts.TaskQueue. Reusing an ID whose latest run is still open returns
	// ErrExecutionAlreadyStarted; reusing a closed ID starts a new run.
	StartWorkflow(ctx context.Context, opts StartWorkflowOptions, workflowType string, input any) (*WorkflowExecution, error)

	// SignalWorkflow records a signal on the latest run of workflowID and
	// schedules a workflow task to process it.
	SignalWorkflow(ctx context.Context, workflowID, signalName string, payload any) error

	// CancelWorkflow requests cancellation of the latest run. Running
	// activities observe it through their context.
	CancelWorkflow(ctx context.Context, workflowID string) error

	// DescribeWorkflow returns the latest run of workflowID.
	DescribeWorkflow(ctx context.Context, workflowID string) (*WorkflowExecution, error)

	// ListWorkflows returns executions matching filter.
	ListWorkflows(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error)

	// RecoverStuckExecutions re-schedules a workflow task for every open run,
	// so runs whose task was lost (for example with a volatile queue) make
	// progress again. Replay makes this safe for runs that were not stuck.
	//
	// It returns the number of runs it re-scheduled.
	RecoverStuckExecutions(ctx context.Context) (int, error)
}

// HistoryReader allows reading a run's event history.
type HistoryReader interface {
	// History returns all events of a run in order. An empty runID selects
	// the latest run of workflowID.
	History(ctx context.Context, workflowID, runID string) ([]HistoryEvent, error)
}
