package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/signalflow/internal/taskqueue"
	"github.com/petrijr/signalflow/pkg/api"
)

const testQueue = "engine-test"

type engineFactory func(t *testing.T) *Engine

func inMemoryEngine(t *testing.T) *Engine {
	t.Helper()
	return NewInMemoryEngine()
}

func sqliteEngine(t *testing.T) *Engine {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := NewSQLiteEngine(db)
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}
	return eng
}

func engineFactories() map[string]engineFactory {
	return map[string]engineFactory{
		"in-memory": inMemoryEngine,
		"sqlite":    sqliteEngine,
	}
}

// approvalState runs "work", waits for the "go" signal, runs "finish" and
// completes with its result.
type approvalState struct {
	timeout time.Duration

	phase      string
	workResult any
	signalled  bool
	waiting    bool
	closed     bool
}

func (s *approvalState) Phase() string { return s.phase }

func (s *approvalState) Apply(ev api.HistoryEvent) ([]api.Command, error) {
	if s.closed {
		return nil, nil
	}
	switch ev.Type {
	case api.EventWorkflowStarted:
		s.phase = "working"
		return []api.Command{api.ScheduleActivity("work", ev.Payload, api.ActivityOptions{})}, nil

	case api.EventActivityCompleted:
		if ev.Name == "finish" {
			s.phase = "done"
			s.closed = true
			return []api.Command{api.CompleteWorkflow(ev.Payload)}, nil
		}
		s.workResult = ev.Payload
		if s.signalled {
			return s.finish(), nil
		}
		s.phase = "waiting"
		s.waiting = true
		return []api.Command{api.AwaitSignal("go", s.timeout)}, nil

	case api.EventActivityFailed, api.EventActivityCancelled:
		s.closed = true
		return []api.Command{api.FailWorkflow(ev.Failure.Err())}, nil

	case api.EventSignalReceived:
		if s.waiting {
			return s.finish(), nil
		}
		if s.phase == "working" {
			s.signalled = true
		}

	case api.EventSignalTimedOut:
		if s.waiting {
			s.closed = true
			return []api.Command{api.FailWorkflow(api.ErrSignalTimeout)}, nil
		}

	case api.EventWorkflowCancelRequested:
		s.closed = true
		return []api.Command{api.FailWorkflow(api.ErrCanceled)}, nil
	}
	return nil, nil
}

func (s *approvalState) finish() []api.Command {
	s.waiting = false
	s.phase = "finishing"
	return []api.Command{api.ScheduleActivity("finish", s.workResult, api.ActivityOptions{})}
}

func approvalWorkflow(timeout time.Duration) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: "approval",
		New:  func() api.WorkflowState { return &approvalState{timeout: timeout} },
	}
}

// harness processes queued tasks the way a worker would, with activities
// implemented inline.
type harness struct {
	t          *testing.T
	eng        *Engine
	def        api.WorkflowDefinition
	activities map[string]func(input any) (any, error)
	calls      map[string]int
}

func newHarness(t *testing.T, eng *Engine, def api.WorkflowDefinition) *harness {
	t.Helper()
	return &harness{
		t:   t,
		eng: eng,
		def: def,
		activities: map[string]func(any) (any, error){
			"work":   func(in any) (any, error) { return fmt.Sprintf("worked(%v)", in), nil },
			"finish": func(in any) (any, error) { return fmt.Sprintf("finished(%v)", in), nil },
		},
		calls: make(map[string]int),
	}
}

func (h *harness) start(id string, input any) *api.WorkflowExecution {
	h.t.Helper()
	exec, err := h.eng.StartWorkflow(h.t.Context(), api.StartWorkflowOptions{ID: id, TaskQueue: testQueue}, h.def.Name, input)
	if err != nil {
		h.t.Fatalf("StartWorkflow failed: %v", err)
	}
	return exec
}

// step handles one ready task. It returns false when none became ready
// within a short wait.
func (h *harness) step() bool {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(h.t.Context(), 50*time.Millisecond)
	defer cancel()

	const owner = "harness"
	task, err := h.eng.Queue().Dequeue(ctx, testQueue, owner, time.Minute)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		h.t.Fatalf("Dequeue failed: %v", err)
	}

	bg := h.t.Context()
	switch task.Type {
	case taskqueue.TaskTypeWorkflow:
		err = h.eng.RunWorkflowTask(bg, owner, task, h.def)
	case taskqueue.TaskTypeTimer:
		err = h.eng.FireTimer(bg, owner, task)
	case taskqueue.TaskTypeActivity:
		h.calls[task.ActivityName]++
		fn, ok := h.activities[task.ActivityName]
		if !ok {
			h.t.Fatalf("unexpected activity %q", task.ActivityName)
		}
		out, actErr := fn(task.Input)
		if actErr != nil {
			err = h.eng.FailActivity(bg, task, &api.ActivityFailure{Activity: task.ActivityName, Attempts: 1, Cause: actErr})
		} else {
			err = h.eng.CompleteActivity(bg, task, out)
		}
	}
	if err != nil {
		h.t.Fatalf("%s task failed: %v", task.Type, err)
	}
	if err := h.eng.Queue().Ack(bg, task.ID, owner); err != nil {
		h.t.Fatalf("Ack failed: %v", err)
	}
	return true
}

// drain handles tasks until the queue has nothing ready.
func (h *harness) drain() {
	h.t.Helper()
	for h.step() {
	}
}

func (h *harness) describe(id string) *api.WorkflowExecution {
	h.t.Helper()
	exec, err := h.eng.DescribeWorkflow(h.t.Context(), id)
	if err != nil {
		h.t.Fatalf("DescribeWorkflow failed: %v", err)
	}
	return exec
}

func (h *harness) signal(id string) {
	h.t.Helper()
	if err := h.eng.SignalWorkflow(h.t.Context(), id, "go", nil); err != nil {
		h.t.Fatalf("SignalWorkflow failed: %v", err)
	}
}

func countEvents(history []api.HistoryEvent, typ api.EventType) int {
	n := 0
	for _, ev := range history {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
