package signalflow

import (
	"context"

	"github.com/petrijr/signalflow/internal/engine"
	"github.com/petrijr/signalflow/pkg/client"
	workerpkg "github.com/petrijr/signalflow/pkg/worker"
)

// WorkerBundle wires together an Engine, the task queue of its backend, a
// Worker consuming that queue and a Client for starting and signalling runs.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker
	Client *client.Client

	// engine is kept unexported; the public API focuses on Engine, Worker
	// and Client.
	engine *engine.Engine
}

func newBundle(eng *engine.Engine, cfg WorkerConfig) (*WorkerBundle, error) {
	w, err := workerpkg.NewWithConfig(eng, eng.Queue(), cfg)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: w,
		Client: client.New(eng, client.Options{
			Interceptors: cfg.Interceptors.Client,
			Logger:       cfg.Logger,
		}),
		engine: eng,
	}, nil
}

// Register registers a flow and the activities it names on the bundle's
// worker.
func (b *WorkerBundle) Register(flow *FlowBuilder, activities map[string]ActivityFunc) error {
	if err := flow.Register(b.Worker); err != nil {
		return err
	}
	return b.Worker.RegisterActivities(activities)
}

// RecoverStuckExecutions re-queues the work of every open run.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := bundle.RecoverStuckExecutions(ctx)
func (b *WorkerBundle) RecoverStuckExecutions(ctx context.Context) (int, error) {
	return b.engine.RecoverStuckExecutions(ctx)
}
