package api

import "context"

// Client operations reported to client interceptors.
const (
	OperationStartWorkflow    = "StartWorkflow"
	OperationSignalWorkflow   = "SignalWorkflow"
	OperationCancelWorkflow   = "CancelWorkflow"
	OperationDescribeWorkflow = "DescribeWorkflow"
	OperationGetResult        = "GetResult"
	OperationListWorkflows    = "ListWorkflows"
)

// ClientCall describes one client request.
type ClientCall struct {
	Operation    string
	WorkflowID   string
	RunID        string
	WorkflowType string
	TaskQueue    string
	Signal       string
}

// ClientHandler performs a client request.
type ClientHandler func(ctx context.Context, call ClientCall) error

// ClientInterceptor wraps client requests. It must call next exactly once
// unless it rejects the request.
type ClientInterceptor func(ctx context.Context, call ClientCall, next ClientHandler) error

// WorkflowTaskInfo describes one workflow task handled by a worker.
type WorkflowTaskInfo struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	TaskQueue    string

	// Kind is "workflow" for replay tasks and "timer" for timer firings.
	Kind    string
	Attempt int

	// Headers are the context headers the task was enqueued with.
	Headers map[string]string
}

// WorkflowHandler runs a workflow task.
type WorkflowHandler func(ctx context.Context, info WorkflowTaskInfo) error

// WorkflowInterceptor wraps workflow tasks.
type WorkflowInterceptor func(ctx context.Context, info WorkflowTaskInfo, next WorkflowHandler) error

// ActivityHandler runs one activity attempt.
type ActivityHandler func(ctx context.Context, info ActivityInfo, input any) (any, error)

// ActivityInterceptor wraps activity attempts.
type ActivityInterceptor func(ctx context.Context, info ActivityInfo, input any, next ActivityHandler) (any, error)

// Interceptors groups interceptors for the three boundaries.
type Interceptors struct {
	Client   []ClientInterceptor
	Workflow []WorkflowInterceptor
	Activity []ActivityInterceptor
}

// Merge returns the concatenation of i and others, i first.
func (i Interceptors) Merge(others ...Interceptors) Interceptors {
	out := Interceptors{
		Client:   append([]ClientInterceptor(nil), i.Client...),
		Workflow: append([]WorkflowInterceptor(nil), i.Workflow...),
		Activity: append([]ActivityInterceptor(nil), i.Activity...),
	}
	for _, o := range others {
		out.Client = append(out.Client, o.Client...)
		out.Workflow = append(out.Workflow, o.Workflow...)
		out.Activity = append(out.Activity, o.Activity...)
	}
	return out
}

// ChainClient wraps h so that the first interceptor is the outermost.
func ChainClient(h ClientHandler, ics ...ClientInterceptor) ClientHandler {
	for i := len(ics) - 1; i >= 0; i-- {
		ic, next := ics[i], h
		h = func(ctx context.Context, call ClientCall) error {
			return ic(ctx, call, next)
		}
	}
	return h
}

// ChainWorkflow wraps h so that the first interceptor is the outermost.
func ChainWorkflow(h WorkflowHandler, ics ...WorkflowInterceptor) WorkflowHandler {
	for i := len(ics) - 1; i >= 0; i-- {
		ic, next := ics[i], h
		h = func(ctx context.Context, info WorkflowTaskInfo) error {
			return ic(ctx, info, next)
		}
	}
	return h
}

// ChainActivity wraps h so that the first interceptor is the outermost.
func ChainActivity(h ActivityHandler, ics ...ActivityInterceptor) ActivityHandler {
	for i := len(ics) - 1; i >= 0; i-- {
		ic, next := ics[i], h
		h = func(ctx context.Context, info ActivityInfo, input any) (any, error) {
			return ic(ctx, info, input, next)
		}
	}
	return h
}
