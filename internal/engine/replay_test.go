package engine

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/petrijr/signalflow/internal/persistence"
	"github.com/petrijr/signalflow/internal/taskqueue"
	"github.com/petrijr/signalflow/pkg/api"
)

func TestReplay_IsDeterministic(t *testing.T) {
	h := newHarness(t, NewInMemoryEngine(), approvalWorkflow(time.Minute))
	h.start("det", "x")
	h.drain()
	h.signal("det")

	history, err := h.eng.History(t.Context(), "det", "")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}

	first, err := replay(h.def, history)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	second, err := replay(h.def, history)
	if err != nil {
		t.Fatalf("second replay failed: %v", err)
	}

	names := func(cmds []api.Command) []string {
		var out []string
		for _, c := range cmds {
			out = append(out, string(c.Type)+":"+c.Name)
		}
		return out
	}
	if !slices.Equal(names(first.pending), names(second.pending)) {
		t.Fatalf("replays differ: %v vs %v", names(first.pending), names(second.pending))
	}
	if want := []string{"schedule_activity:finish"}; !slices.Equal(names(first.pending), want) {
		t.Fatalf("expected %v pending, got %v", want, names(first.pending))
	}
}

func TestReplay_FullyRecordedHistoryHasNoPendingCommands(t *testing.T) {
	h := newHarness(t, NewInMemoryEngine(), approvalWorkflow(0))
	h.start("done", "x")
	h.drain()
	h.signal("done")
	h.drain()

	history, _ := h.eng.History(t.Context(), "done", "")
	res, err := replay(h.def, history)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(res.pending) != 0 {
		t.Fatalf("expected no pending commands, got %+v", res.pending)
	}
}

func TestReplay_IgnoresDuplicateOutcomes(t *testing.T) {
	def := approvalWorkflow(0)
	history := []api.HistoryEvent{
		{ID: 1, Type: api.EventWorkflowStarted, Payload: "x"},
		{ID: 2, Type: api.EventActivityScheduled, Name: "work"},
		{ID: 3, Type: api.EventActivityCompleted, ScheduledID: 2, Name: "work", Payload: "r"},
		{ID: 4, Type: api.EventActivityCompleted, ScheduledID: 2, Name: "work", Payload: "r"},
	}
	res, err := replay(def, history)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(res.pending) != 1 || res.pending[0].Type != api.CommandAwaitSignal {
		t.Fatalf("expected a single await, got %+v", res.pending)
	}
}

// divergentState schedules a different first activity than approvalState.
type divergentState struct{}

func (divergentState) Apply(ev api.HistoryEvent) ([]api.Command, error) {
	if ev.Type == api.EventWorkflowStarted {
		return []api.Command{api.ScheduleActivity("something-else", nil, api.ActivityOptions{})}, nil
	}
	return nil, nil
}

func TestEngine_NondeterminismFailsRun(t *testing.T) {
	h := newHarness(t, NewInMemoryEngine(), approvalWorkflow(0))
	exec := h.start("nd", "x")
	h.drain()

	// The workflow code changed while the run was waiting.
	changed := api.WorkflowDefinition{Name: "approval", New: func() api.WorkflowState { return divergentState{} }}
	task := &taskqueue.Task{WorkflowID: "nd", RunID: exec.RunID, WorkflowType: "approval"}
	if err := h.eng.RunWorkflowTask(t.Context(), "w", task, changed); err != nil {
		t.Fatalf("RunWorkflowTask failed: %v", err)
	}

	got := h.describe("nd")
	if got.Status != api.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Failure == nil || got.Failure.Kind != api.FailureNondeterminism {
		t.Fatalf("expected nondeterminism failure, got %+v", got.Failure)
	}
	if !errors.Is(got.Err(), api.ErrNondeterminism) {
		t.Fatalf("expected ErrNondeterminism, got %v", got.Err())
	}
}

type failingState struct{}

func (failingState) Apply(api.HistoryEvent) ([]api.Command, error) {
	return nil, errors.New("decision bug")
}

func TestEngine_DecisionErrorFailsRun(t *testing.T) {
	def := api.WorkflowDefinition{Name: "approval", New: func() api.WorkflowState { return failingState{} }}
	h := newHarness(t, NewInMemoryEngine(), def)
	h.start("bug", nil)
	h.drain()

	got := h.describe("bug")
	if got.Status != api.StatusFailed || got.Failure.Message != "decision bug" {
		t.Fatalf("expected failed run with decision error, got %s %+v", got.Status, got.Failure)
	}
}

func TestEngine_LockedExecution(t *testing.T) {
	mem := persistence.NewInMemoryStore()
	eng := NewEngine(persistence.Persistence{Instances: mem, Events: mem}, taskqueue.NewInMemoryQueue())
	h := newHarness(t, eng, approvalWorkflow(0))
	exec := h.start("locked", "x")

	ok, err := mem.TryAcquireLease(t.Context(), "locked", "someone-else", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquireLease: ok=%v err=%v", ok, err)
	}

	task := &taskqueue.Task{WorkflowID: "locked", RunID: exec.RunID}
	err = eng.RunWorkflowTask(t.Context(), "w", task, h.def)
	if !errors.Is(err, api.ErrExecutionLocked) {
		t.Fatalf("expected ErrExecutionLocked, got %v", err)
	}
}

func TestEngine_StaleTaskIsDropped(t *testing.T) {
	h := newHarness(t, NewInMemoryEngine(), approvalWorkflow(0))
	h.start("stale", "x")

	task := &taskqueue.Task{WorkflowID: "stale", RunID: "an-old-run"}
	if err := h.eng.RunWorkflowTask(t.Context(), "w", task, h.def); err != nil {
		t.Fatalf("stale task must be dropped, got %v", err)
	}
	if got := h.describe("stale"); got.Status != api.StatusPending {
		t.Fatalf("stale task must not touch the run, got %s", got.Status)
	}
}
