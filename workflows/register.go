package workflows

import (
	"github.com/petrijr/signalflow/pkg/worker"
)

// Register binds SimpleWorkflow and its activities to w.
func Register(w *worker.Worker, opts Options, activities *Activities) error {
	if err := w.RegisterWorkflow(Definition(opts)); err != nil {
		return err
	}
	return w.RegisterActivities(activities.Map())
}
