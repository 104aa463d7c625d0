package worker_test

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/petrijr/signalflow/internal/engine"
	"github.com/petrijr/signalflow/pkg/api"
	"github.com/petrijr/signalflow/pkg/worker"
)

// ExampleWorker registers a workflow and an activity, runs a worker in the
// background and drives one execution to completion.
func ExampleWorker() {
	eng := engine.NewInMemoryEngine()

	w, err := worker.NewWithConfig(eng, eng.Queue(), worker.Config{TaskQueue: "example"})
	if err != nil {
		log.Fatal(err)
	}
	_ = w.RegisterWorkflow(api.WorkflowDefinition{
		Name: "greet",
		New:  func() api.WorkflowState { return &greetState{} },
	})
	_ = w.RegisterActivity("greet", api.TypedActivity(func(_ context.Context, name string) (string, error) {
		return "hello " + strings.ToUpper(name), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	if _, err := eng.StartWorkflow(ctx, api.StartWorkflowOptions{ID: "example", TaskQueue: "example"}, "greet", "gopher"); err != nil {
		log.Fatal(err)
	}
	waitFor(eng, api.StatusWaiting)
	if err := eng.SignalWorkflow(ctx, "example", "go", nil); err != nil {
		log.Fatal(err)
	}
	exec := waitFor(eng, api.StatusCompleted)

	fmt.Println(exec.Output)
	// Output: hello GOPHER
}

func waitFor(eng *engine.Engine, status api.Status) *api.WorkflowExecution {
	for {
		exec, err := eng.DescribeWorkflow(context.Background(), "example")
		if err == nil && exec.Status == status {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
}
