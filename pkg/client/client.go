// Package client starts signalflow workflows, signals them and waits for
// their results.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/petrijr/signalflow/pkg/api"
)

// Engine is what a Client needs from the engine.
type Engine interface {
	api.Engine
	api.HistoryReader
}

// Options configures a Client.
type Options struct {
	// Interceptors wrap every client call. The first one is the outermost.
	Interceptors []api.ClientInterceptor

	Logger *slog.Logger

	// PollInterval is how often GetResult checks for a closed run.
	// Default 100ms.
	PollInterval time.Duration
}

const defaultPollInterval = 100 * time.Millisecond

// Client is the entry point for callers outside the worker.
type Client struct {
	engine Engine
	opts   Options
	logger *slog.Logger
}

// New creates a Client on top of engine.
func New(engine Engine, opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{engine: engine, opts: opts, logger: opts.Logger}
}

func (c *Client) invoke(ctx context.Context, call api.ClientCall, fn func(ctx context.Context) error) error {
	h := api.ChainClient(func(ctx context.Context, _ api.ClientCall) error {
		return fn(ctx)
	}, c.opts.Interceptors...)
	return h(ctx, call)
}

// StartWorkflow starts a run of workflowType with input and returns a handle
// to it.
func (c *Client) StartWorkflow(ctx context.Context, opts api.StartWorkflowOptions, workflowType string, input any) (*WorkflowHandle, error) {
	call := api.ClientCall{
		Operation:    api.OperationStartWorkflow,
		WorkflowID:   opts.ID,
		WorkflowType: workflowType,
		TaskQueue:    opts.TaskQueue,
	}

	var exec *api.WorkflowExecution
	err := c.invoke(ctx, call, func(ctx context.Context) error {
		var err error
		exec, err = c.engine.StartWorkflow(ctx, opts, workflowType, input)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "workflow started",
		slog.String("workflow_id", exec.ID),
		slog.String("run_id", exec.RunID),
		slog.String("workflow_type", exec.WorkflowType),
		slog.String("task_queue", exec.TaskQueue),
	)
	return c.handle(exec), nil
}

// GetHandle returns a handle to the latest run of workflowID.
func (c *Client) GetHandle(ctx context.Context, workflowID string) (*WorkflowHandle, error) {
	exec, err := c.DescribeWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return c.handle(exec), nil
}

func (c *Client) handle(exec *api.WorkflowExecution) *WorkflowHandle {
	return &WorkflowHandle{
		client:       c,
		ID:           exec.ID,
		RunID:        exec.RunID,
		WorkflowType: exec.WorkflowType,
		TaskQueue:    exec.TaskQueue,
	}
}

// SignalWorkflow delivers a signal to the latest run of workflowID.
// Delivery to a missing or closed run returns *api.SignalDeliveryFailure.
func (c *Client) SignalWorkflow(ctx context.Context, workflowID, signalName string, payload any) error {
	call := api.ClientCall{
		Operation:  api.OperationSignalWorkflow,
		WorkflowID: workflowID,
		Signal:     signalName,
	}
	return c.invoke(ctx, call, func(ctx context.Context) error {
		return c.engine.SignalWorkflow(ctx, workflowID, signalName, payload)
	})
}

// CancelWorkflow requests cancellation of the latest run of workflowID.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) error {
	call := api.ClientCall{Operation: api.OperationCancelWorkflow, WorkflowID: workflowID}
	return c.invoke(ctx, call, func(ctx context.Context) error {
		return c.engine.CancelWorkflow(ctx, workflowID)
	})
}

// DescribeWorkflow returns the latest run of workflowID.
func (c *Client) DescribeWorkflow(ctx context.Context, workflowID string) (*api.WorkflowExecution, error) {
	call := api.ClientCall{Operation: api.OperationDescribeWorkflow, WorkflowID: workflowID}

	var exec *api.WorkflowExecution
	err := c.invoke(ctx, call, func(ctx context.Context) error {
		var err error
		exec, err = c.engine.DescribeWorkflow(ctx, workflowID)
		return err
	})
	return exec, err
}

// ListWorkflows returns executions matching filter.
func (c *Client) ListWorkflows(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error) {
	call := api.ClientCall{
		Operation:    api.OperationListWorkflows,
		WorkflowType: filter.WorkflowType,
		TaskQueue:    filter.TaskQueue,
	}

	var out []*api.WorkflowExecution
	err := c.invoke(ctx, call, func(ctx context.Context) error {
		var err error
		out, err = c.engine.ListWorkflows(ctx, filter)
		return err
	})
	return out, err
}

// WorkflowHandle addresses one run of a workflow.
type WorkflowHandle struct {
	client *Client

	ID           string
	RunID        string
	WorkflowType string
	TaskQueue    string
}

// Signal delivers a signal to the workflow.
func (h *WorkflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.ID, name, payload)
}

// Cancel requests cancellation of the workflow.
func (h *WorkflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.ID)
}

// Describe returns the latest run of the workflow ID.
func (h *WorkflowHandle) Describe(ctx context.Context) (*api.WorkflowExecution, error) {
	return h.client.DescribeWorkflow(ctx, h.ID)
}

// History returns the event history of this handle's run.
func (h *WorkflowHandle) History(ctx context.Context) ([]api.HistoryEvent, error) {
	return h.client.engine.History(ctx, h.ID, h.RunID)
}

// GetResult blocks until the run closes. A completed run's output is stored
// in valuePtr, which may be nil to discard it. A failed run returns its
// *api.WorkflowFailure.
func (h *WorkflowHandle) GetResult(ctx context.Context, valuePtr any) error {
	call := api.ClientCall{
		Operation:    api.OperationGetResult,
		WorkflowID:   h.ID,
		RunID:        h.RunID,
		WorkflowType: h.WorkflowType,
		TaskQueue:    h.TaskQueue,
	}
	return h.client.invoke(ctx, call, func(ctx context.Context) error {
		ticker := time.NewTicker(h.client.opts.PollInterval)
		defer ticker.Stop()

		for {
			exec, err := h.closedRun(ctx)
			if err != nil {
				return err
			}
			if exec != nil {
				if err := exec.Err(); err != nil {
					return err
				}
				return assign(valuePtr, exec.Output)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}

// closedRun returns the handle's run once it is closed, or nil while it is
// still open. A run superseded by a newer one is read from its history.
func (h *WorkflowHandle) closedRun(ctx context.Context) (*api.WorkflowExecution, error) {
	exec, err := h.client.engine.DescribeWorkflow(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	if exec.RunID == h.RunID {
		if exec.Status.Terminal() {
			return exec, nil
		}
		return nil, nil
	}

	history, err := h.client.engine.History(ctx, h.ID, h.RunID)
	if err != nil {
		return nil, err
	}
	for _, ev := range history {
		switch ev.Type {
		case api.EventWorkflowCompleted:
			return &api.WorkflowExecution{ID: h.ID, RunID: h.RunID, Status: api.StatusCompleted, Output: ev.Payload}, nil
		case api.EventWorkflowFailed:
			return &api.WorkflowExecution{ID: h.ID, RunID: h.RunID, Status: api.StatusFailed, Failure: ev.Failure}, nil
		}
	}
	return nil, fmt.Errorf("run %s of workflow %s was replaced before it closed", h.RunID, h.ID)
}

func assign(valuePtr, value any) error {
	if valuePtr == nil {
		return nil
	}
	dst := reflect.ValueOf(valuePtr)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return errors.New("result target must be a non-nil pointer")
	}
	if value == nil {
		dst.Elem().SetZero()
		return nil
	}

	src := reflect.ValueOf(value)
	elem := dst.Elem()
	switch {
	case src.Type().AssignableTo(elem.Type()):
		elem.Set(src)
	case src.Type().ConvertibleTo(elem.Type()) && src.Kind() == elem.Kind():
		elem.Set(src.Convert(elem.Type()))
	default:
		return fmt.Errorf("result of type %T cannot be stored in %s", value, elem.Type())
	}
	return nil
}
