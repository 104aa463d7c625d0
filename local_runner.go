package signalflow

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/signalflow/pkg/client"
)

// DefaultLocalTaskQueue is the task queue a LocalRunner polls when its
// config names none.
const DefaultLocalTaskQueue = "local"

// LocalRunner bundles an in-memory Engine, its task queue and a Worker to
// provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner, _ := signalflow.NewLocalRunner(signalflow.WorkerConfig{Concurrency: 2})
//	_ = runner.Register(flow, activities)
//
//	_ = runner.StartWorkers(ctx)
//	h, _ := runner.StartWorkflow(ctx, "order-1", flow.Name(), input)
//	_ = h.Signal(ctx, "approved", nil)
//	_ = h.GetResult(ctx, &out)
//	runner.Stop()
type LocalRunner struct {
	*WorkerBundle

	taskQueue string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by in-memory storage.
// An empty cfg.TaskQueue defaults to DefaultLocalTaskQueue.
func NewLocalRunner(cfg WorkerConfig) (*LocalRunner, error) {
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = DefaultLocalTaskQueue
	}
	b, err := NewInMemoryBundle(cfg)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{WorkerBundle: b, taskQueue: cfg.TaskQueue}, nil
}

// StartWorkers runs the worker until Stop is called or ctx is cancelled.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("signalflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Worker.Run(ctx)
	}()
	return nil
}

// Stop cancels the worker started by StartWorkers and waits for it to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

// StartWorkflow starts workflowType on the runner's task queue. An empty id
// generates one.
func (r *LocalRunner) StartWorkflow(ctx context.Context, id, workflowType string, input any) (*client.WorkflowHandle, error) {
	return r.Client.StartWorkflow(ctx, StartWorkflowOptions{ID: id, TaskQueue: r.taskQueue}, workflowType, input)
}
