package signalflow

import (
	"fmt"
	"strconv"
	"time"

	"github.com/petrijr/signalflow/pkg/api"
	"github.com/petrijr/signalflow/pkg/worker"
)

// FlowBuilder provides a fluent API for defining linear workflows:
//
//	flow := signalflow.New("OnboardUser").
//	    Activity("createAccount", signalflow.ActivityOptions{}).
//	    AwaitSignal("activated", 24*time.Hour).
//	    Activity("sendWelcomeEmail", signalflow.ActivityOptions{})
//
//	if err := flow.Register(bundle.Worker); err != nil {
//	    log.Fatal(err)
//	}
//
// The workflow input is passed to the first activity and each activity's
// result becomes the input of the next one. The run completes with the last
// value. Signals do not change the value.
type FlowBuilder struct {
	name  string
	steps []flowStep
}

type stepKind int

const (
	stepActivity stepKind = iota
	stepSignal
)

type flowStep struct {
	kind    stepKind
	name    string
	opts    api.ActivityOptions
	timeout time.Duration
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	if name == "" {
		panic("signalflow: workflow name must not be empty")
	}
	return &FlowBuilder{name: name}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.name
}

// Activity appends a step that runs the named activity with opts.
func (b *FlowBuilder) Activity(name string, opts ActivityOptions) *FlowBuilder {
	if name == "" {
		panic("signalflow: activity name must not be empty")
	}
	if opts.RetryPolicy != nil {
		// Copy so callers can mutate their policy after the call.
		p := *opts.RetryPolicy
		opts.RetryPolicy = &p
	}
	b.steps = append(b.steps, flowStep{kind: stepActivity, name: name, opts: opts})
	return b
}

// AwaitSignal appends a step that blocks until the named signal arrives.
// A zero timeout waits forever; otherwise an expired wait fails the run with
// api.ErrSignalTimeout. A signal delivered before the step is reached is
// remembered and satisfies it immediately.
func (b *FlowBuilder) AwaitSignal(signal string, timeout time.Duration) *FlowBuilder {
	if signal == "" {
		panic("signalflow: signal name must not be empty")
	}
	if timeout < 0 {
		panic(fmt.Sprintf("signalflow: signal %q has negative timeout", signal))
	}
	b.steps = append(b.steps, flowStep{kind: stepSignal, name: signal, timeout: timeout})
	return b
}

// Definition returns the underlying WorkflowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	steps := append([]flowStep(nil), b.steps...)
	return api.WorkflowDefinition{
		Name: b.name,
		New:  func() api.WorkflowState { return &flowState{steps: steps, next: -1} },
	}
}

// Activities returns the distinct activity names the flow schedules, in
// step order.
func (b *FlowBuilder) Activities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range b.steps {
		if s.kind == stepActivity && !seen[s.name] {
			seen[s.name] = true
			out = append(out, s.name)
		}
	}
	return out
}

// Register registers this workflow on w.
func (b *FlowBuilder) Register(w *worker.Worker) error {
	if len(b.steps) == 0 {
		return fmt.Errorf("signalflow: workflow %q has no steps", b.name)
	}
	return w.RegisterWorkflow(b.Definition())
}

// MustRegister is like Register but panics on error.
func (b *FlowBuilder) MustRegister(w *worker.Worker) {
	if err := b.Register(w); err != nil {
		panic(err)
	}
}

// flowState replays a FlowBuilder definition. next is the index of the step
// currently in progress, -1 before the start event.
type flowState struct {
	steps []flowStep

	next     int
	value    any
	received map[string]int
	closed   bool
}

var (
	_ api.WorkflowState = (*flowState)(nil)
	_ api.Phaser        = (*flowState)(nil)
)

// Phase reports the step in progress, e.g. "2:await:approved".
func (s *flowState) Phase() string {
	switch {
	case s.closed:
		return "closed"
	case s.next < 0:
		return ""
	}
	step := s.steps[s.next]
	verb := "activity"
	if step.kind == stepSignal {
		verb = "await"
	}
	return strconv.Itoa(s.next) + ":" + verb + ":" + step.name
}

func (s *flowState) Apply(ev api.HistoryEvent) ([]api.Command, error) {
	if s.closed {
		return nil, nil
	}

	switch ev.Type {
	case api.EventWorkflowStarted:
		s.value = ev.Payload
		return s.advance(0), nil

	case api.EventActivityCompleted:
		if s.next < 0 || s.steps[s.next].kind != stepActivity || s.steps[s.next].name != ev.Name {
			return nil, fmt.Errorf("unexpected completion of %s at step %d", ev.Name, s.next)
		}
		s.value = ev.Payload
		return s.advance(s.next + 1), nil

	case api.EventActivityFailed, api.EventActivityCancelled:
		return s.fail(ev.Failure.Err()), nil

	case api.EventSignalReceived:
		if s.awaiting(ev.Name) {
			return s.advance(s.next + 1), nil
		}
		if s.received == nil {
			s.received = make(map[string]int)
		}
		s.received[ev.Name]++

	case api.EventSignalTimedOut:
		if s.awaiting(ev.Name) {
			return s.fail(fmt.Errorf("%s: %w", ev.Name, api.ErrSignalTimeout)), nil
		}

	case api.EventWorkflowCancelRequested:
		return s.fail(api.ErrCanceled), nil
	}
	return nil, nil
}

func (s *flowState) awaiting(signal string) bool {
	return s.next >= 0 && s.steps[s.next].kind == stepSignal && s.steps[s.next].name == signal
}

// advance starts step i, skipping signal steps already satisfied by an
// earlier delivery.
func (s *flowState) advance(i int) []api.Command {
	for ; i < len(s.steps); i++ {
		s.next = i
		step := s.steps[i]
		if step.kind == stepActivity {
			return []api.Command{api.ScheduleActivity(step.name, s.value, step.opts)}
		}
		if s.received[step.name] > 0 {
			s.received[step.name]--
			continue
		}
		return []api.Command{api.AwaitSignal(step.name, step.timeout)}
	}
	s.closed = true
	return []api.Command{api.CompleteWorkflow(s.value)}
}

func (s *flowState) fail(err error) []api.Command {
	s.closed = true
	return []api.Command{api.FailWorkflow(err)}
}
