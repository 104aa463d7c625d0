package workflows

import (
	"fmt"
	"time"

	"github.com/petrijr/signalflow/pkg/api"
)

// Phase is the lifecycle state SimpleWorkflow reports to the engine.
type Phase string

const (
	PhaseStarted        Phase = "Started"
	PhaseAwaitingSignal Phase = "AwaitingSignal"
	PhaseFinalizing     Phase = "Finalizing"
	PhaseCompleted      Phase = "Completed"
	PhaseFailed         Phase = "Failed"
)

// Terminal reports whether the workflow has finished.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseFailed }

// TimeoutPolicy decides what happens when the continue signal does not
// arrive within Options.SignalTimeout.
type TimeoutPolicy string

const (
	// TimeoutFail fails the run with api.ErrSignalTimeout.
	TimeoutFail TimeoutPolicy = "fail"
	// TimeoutContinue finalizes as if the signal had arrived.
	TimeoutContinue TimeoutPolicy = "continue"
)

// Options configure SimpleWorkflow. The zero value waits for the signal
// forever and uses the default activity retry policy.
type Options struct {
	// SignalTimeout bounds the wait for the continue signal. Zero means no
	// deadline.
	SignalTimeout time.Duration

	// OnSignalTimeout applies when SignalTimeout expires. Default TimeoutFail.
	OnSignalTimeout TimeoutPolicy

	// ActivityOptions are used for both activities.
	ActivityOptions api.ActivityOptions
}

// Definition returns the registrable definition of SimpleWorkflow.
func Definition(opts Options) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: WorkflowType,
		New:  func() api.WorkflowState { return NewSimpleWorkflow(opts) },
	}
}

// SimpleWorkflow runs SimulateWork, waits for the continue signal, runs
// FinalizeWork on the first result and completes with the second.
type SimpleWorkflow struct {
	opts Options

	phase             Phase
	processed         string
	continueRequested bool
}

var (
	_ api.WorkflowState = (*SimpleWorkflow)(nil)
	_ api.Phaser        = (*SimpleWorkflow)(nil)
)

// NewSimpleWorkflow returns a workflow state before its start event.
func NewSimpleWorkflow(opts Options) *SimpleWorkflow {
	if opts.OnSignalTimeout == "" {
		opts.OnSignalTimeout = TimeoutFail
	}
	return &SimpleWorkflow{opts: opts}
}

// Phase returns the current lifecycle phase.
func (w *SimpleWorkflow) Phase() string { return string(w.phase) }

// Apply advances the state machine by one history event.
func (w *SimpleWorkflow) Apply(ev api.HistoryEvent) ([]api.Command, error) {
	if w.phase.Terminal() {
		return nil, nil
	}

	switch ev.Type {
	case api.EventWorkflowStarted:
		return w.run(ev.Payload)

	case api.EventActivityCompleted:
		return w.activityCompleted(ev)

	case api.EventActivityFailed, api.EventActivityCancelled:
		return w.fail(ev.Failure.Err()), nil

	case api.EventSignalReceived:
		if ev.Name == ContinueSignal {
			return w.Continue(), nil
		}

	case api.EventSignalTimedOut:
		if ev.Name != ContinueSignal || w.phase != PhaseAwaitingSignal {
			return nil, nil
		}
		if w.opts.OnSignalTimeout == TimeoutContinue {
			return w.finalize(), nil
		}
		return w.fail(api.ErrSignalTimeout), nil

	case api.EventWorkflowCancelRequested:
		return w.fail(api.ErrCanceled), nil
	}
	return nil, nil
}

// run is the workflow entry point.
func (w *SimpleWorkflow) run(payload any) ([]api.Command, error) {
	input, err := stringPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("workflow input: %w", err)
	}
	w.phase = PhaseStarted
	return []api.Command{api.ScheduleActivity(SimulateWorkActivity, input, w.opts.ActivityOptions)}, nil
}

func (w *SimpleWorkflow) activityCompleted(ev api.HistoryEvent) ([]api.Command, error) {
	result, err := stringPayload(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("%s result: %w", ev.Name, err)
	}

	switch {
	case ev.Name == SimulateWorkActivity && w.phase == PhaseStarted:
		w.processed = result
		if w.continueRequested {
			return w.finalize(), nil
		}
		w.phase = PhaseAwaitingSignal
		return []api.Command{api.AwaitSignal(ContinueSignal, w.opts.SignalTimeout)}, nil

	case ev.Name == FinalizeWorkActivity && w.phase == PhaseFinalizing:
		w.phase = PhaseCompleted
		return []api.Command{api.CompleteWorkflow(result)}, nil
	}
	return nil, fmt.Errorf("unexpected completion of %s in phase %s", ev.Name, w.phase)
}

// Continue handles the continue signal. It is a no-op once the workflow
// has left AwaitingSignal; a signal that arrives while SimulateWork is
// still running is remembered.
func (w *SimpleWorkflow) Continue() []api.Command {
	switch w.phase {
	case PhaseStarted:
		w.continueRequested = true
	case PhaseAwaitingSignal:
		return w.finalize()
	}
	return nil
}

func (w *SimpleWorkflow) finalize() []api.Command {
	w.phase = PhaseFinalizing
	return []api.Command{api.ScheduleActivity(FinalizeWorkActivity, w.processed, w.opts.ActivityOptions)}
}

func (w *SimpleWorkflow) fail(err error) []api.Command {
	w.phase = PhaseFailed
	return []api.Command{api.FailWorkflow(err)}
}

func stringPayload(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	}
	return "", fmt.Errorf("expected string, got %T", v)
}
