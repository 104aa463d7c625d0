package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/signalflow/pkg/api"
)

// testInstanceStore exercises the InstanceStore contract shared by every backend.
func testInstanceStore(t *testing.T, store InstanceStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("save update get", func(t *testing.T) {
		exec := &api.WorkflowExecution{
			ID:           "wf-1",
			RunID:        "run-1",
			WorkflowType: "SimpleWorkflow",
			TaskQueue:    "simple-task-queue",
			Status:       api.StatusRunning,
			Input:        "hello",
			StartedAt:    time.Now().UTC().Truncate(time.Millisecond),
		}
		if err := store.SaveInstance(ctx, exec); err != nil {
			t.Fatalf("SaveInstance failed: %v", err)
		}
		if err := store.SaveInstance(ctx, exec); !errors.Is(err, ErrInstanceExists) {
			t.Fatalf("expected ErrInstanceExists on duplicate save, got %v", err)
		}

		exec.Status = api.StatusFailed
		exec.Phase = "Failed"
		exec.Failure = &api.Failure{Kind: api.FailureActivity, Message: "boom", Activity: "SimulateWork", Attempts: 3}
		exec.ClosedAt = time.Now().UTC().Truncate(time.Millisecond)
		if err := store.UpdateInstance(ctx, exec); err != nil {
			t.Fatalf("UpdateInstance failed: %v", err)
		}

		got, err := store.GetInstance(ctx, "wf-1")
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if got.RunID != "run-1" || got.Status != api.StatusFailed || got.Phase != "Failed" {
			t.Fatalf("unexpected execution: %+v", got)
		}
		if got.Input != "hello" {
			t.Fatalf("unexpected input: %v", got.Input)
		}
		if got.Failure == nil || got.Failure.Activity != "SimulateWork" || got.Failure.Attempts != 3 {
			t.Fatalf("unexpected failure: %+v", got.Failure)
		}
		if !got.StartedAt.Equal(exec.StartedAt) {
			t.Fatalf("StartedAt=%v, want %v", got.StartedAt, exec.StartedAt)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := store.GetInstance(ctx, "does-not-exist"); !errors.Is(err, ErrInstanceNotFound) {
			t.Fatalf("expected ErrInstanceNotFound, got %v", err)
		}
		err := store.UpdateInstance(ctx, &api.WorkflowExecution{ID: "does-not-exist", Status: api.StatusRunning})
		if !errors.Is(err, ErrInstanceNotFound) {
			t.Fatalf("expected ErrInstanceNotFound on update, got %v", err)
		}
	})

	t.Run("list with filters", func(t *testing.T) {
		for i, st := range []api.Status{api.StatusCompleted, api.StatusWaiting, api.StatusWaiting} {
			exec := &api.WorkflowExecution{
				ID:           "list-" + string(rune('a'+i)),
				RunID:        "r",
				WorkflowType: "Other",
				TaskQueue:    "q2",
				Status:       st,
				StartedAt:    time.Now(),
			}
			if err := store.SaveInstance(ctx, exec); err != nil {
				t.Fatalf("SaveInstance: %v", err)
			}
		}

		all, err := store.ListInstances(ctx, InstanceFilter{WorkflowType: "Other"})
		if err != nil {
			t.Fatalf("ListInstances: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 executions of type Other, got %d", len(all))
		}

		waiting, err := store.ListInstances(ctx, InstanceFilter{WorkflowType: "Other", Status: api.StatusWaiting})
		if err != nil {
			t.Fatalf("ListInstances: %v", err)
		}
		if len(waiting) != 2 {
			t.Fatalf("expected 2 waiting executions, got %d", len(waiting))
		}

		byQueue, err := store.ListInstances(ctx, InstanceFilter{TaskQueue: "q2", Status: api.StatusCompleted})
		if err != nil {
			t.Fatalf("ListInstances: %v", err)
		}
		if len(byQueue) != 1 || byQueue[0].ID != "list-a" {
			t.Fatalf("unexpected executions by queue: %+v", byQueue)
		}
	})

	t.Run("lease acquire renew release", func(t *testing.T) {
		exec := &api.WorkflowExecution{ID: "lease-1", RunID: "r", WorkflowType: "wf", Status: api.StatusWaiting, StartedAt: time.Now()}
		if err := store.SaveInstance(ctx, exec); err != nil {
			t.Fatalf("SaveInstance: %v", err)
		}

		acq, err := store.TryAcquireLease(ctx, exec.ID, "owner1", time.Second)
		if err != nil || !acq {
			t.Fatalf("TryAcquireLease owner1: acq=%v err=%v", acq, err)
		}
		acq, err = store.TryAcquireLease(ctx, exec.ID, "owner1", time.Second)
		if err != nil || !acq {
			t.Fatalf("expected re-entrant acquire for owner1: acq=%v err=%v", acq, err)
		}
		acq, err = store.TryAcquireLease(ctx, exec.ID, "owner2", time.Second)
		if err != nil {
			t.Fatalf("TryAcquireLease owner2: %v", err)
		}
		if acq {
			t.Fatalf("expected owner2 not to acquire while lease active")
		}

		if err := store.RenewLease(ctx, exec.ID, "owner1", time.Second); err != nil {
			t.Fatalf("RenewLease owner1: %v", err)
		}
		if err := store.RenewLease(ctx, exec.ID, "owner2", time.Second); !errors.Is(err, api.ErrLeaseNotHeld) {
			t.Fatalf("expected ErrLeaseNotHeld for owner2, got %v", err)
		}

		// UpdateInstance must not drop the lease.
		exec.Status = api.StatusRunning
		if err := store.UpdateInstance(ctx, exec); err != nil {
			t.Fatalf("UpdateInstance: %v", err)
		}
		if acq, _ := store.TryAcquireLease(ctx, exec.ID, "owner2", time.Second); acq {
			t.Fatalf("lease was lost by UpdateInstance")
		}

		if err := store.ReleaseLease(ctx, exec.ID, "owner1"); err != nil {
			t.Fatalf("ReleaseLease: %v", err)
		}
		if err := store.ReleaseLease(ctx, exec.ID, "owner1"); err != nil {
			t.Fatalf("ReleaseLease must be idempotent: %v", err)
		}

		acq, err = store.TryAcquireLease(ctx, exec.ID, "owner2", time.Second)
		if err != nil || !acq {
			t.Fatalf("expected owner2 to acquire after release: acq=%v err=%v", acq, err)
		}
	})

	t.Run("lease expires", func(t *testing.T) {
		exec := &api.WorkflowExecution{ID: "lease-2", RunID: "r", WorkflowType: "wf", Status: api.StatusWaiting, StartedAt: time.Now()}
		if err := store.SaveInstance(ctx, exec); err != nil {
			t.Fatalf("SaveInstance: %v", err)
		}

		acq, err := store.TryAcquireLease(ctx, exec.ID, "owner1", 30*time.Millisecond)
		if err != nil || !acq {
			t.Fatalf("TryAcquireLease owner1: acq=%v err=%v", acq, err)
		}

		time.Sleep(60 * time.Millisecond)

		acq, err = store.TryAcquireLease(ctx, exec.ID, "owner2", 30*time.Millisecond)
		if err != nil {
			t.Fatalf("TryAcquireLease owner2: %v", err)
		}
		if !acq {
			t.Fatalf("expected owner2 to acquire after expiry")
		}
	})

	t.Run("lease is exclusive under contention", func(t *testing.T) {
		exec := &api.WorkflowExecution{ID: "lease-3", RunID: "r", WorkflowType: "wf", Status: api.StatusRunning, StartedAt: time.Now()}
		if err := store.SaveInstance(ctx, exec); err != nil {
			t.Fatalf("SaveInstance: %v", err)
		}

		var winners atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				owner := "owner-" + string(rune('a'+i))
				if acq, err := store.TryAcquireLease(ctx, exec.ID, owner, time.Second); err == nil && acq {
					winners.Add(1)
				}
			}(i)
		}
		wg.Wait()

		if winners.Load() != 1 {
			t.Fatalf("expected exactly one lease winner, got %d", winners.Load())
		}
	})
}

// testEventStore exercises the EventStore contract shared by every backend.
func testEventStore(t *testing.T, store EventStore) {
	t.Helper()
	ctx := context.Background()

	events := []api.HistoryEvent{
		{WorkflowID: "wf-1", RunID: "run-1", Type: api.EventWorkflowStarted, Payload: "hello"},
		{WorkflowID: "wf-1", RunID: "run-1", Type: api.EventActivityScheduled, Name: "SimulateWork", Payload: "hello"},
		{WorkflowID: "wf-1", RunID: "run-2", Type: api.EventWorkflowStarted, Payload: "other run"},
		{WorkflowID: "wf-1", RunID: "run-1", Type: api.EventActivityFailed, Name: "SimulateWork", ScheduledID: 2,
			Attempt: 3, Failure: &api.Failure{Kind: api.FailureActivity, Message: "boom", Activity: "SimulateWork", Attempts: 3}},
		{WorkflowID: "wf-1", RunID: "run-1", Type: api.EventSignalWaitStarted, Name: "continue", Timeout: 5 * time.Second},
	}

	var last int64
	for _, ev := range events {
		id, err := store.AppendEvent(ctx, ev)
		if err != nil {
			t.Fatalf("AppendEvent(%s): %v", ev.Type, err)
		}
		if id <= last {
			t.Fatalf("event IDs must increase: got %d after %d", id, last)
		}
		last = id
	}

	got, err := store.ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 events for run-1, got %d", len(got))
	}

	wantTypes := []api.EventType{api.EventWorkflowStarted, api.EventActivityScheduled, api.EventActivityFailed, api.EventSignalWaitStarted}
	for i, ev := range got {
		if ev.Type != wantTypes[i] {
			t.Fatalf("event %d type=%s, want %s", i, ev.Type, wantTypes[i])
		}
		if i > 0 && ev.ID <= got[i-1].ID {
			t.Fatalf("events not ordered by ID: %d after %d", ev.ID, got[i-1].ID)
		}
		if ev.At.IsZero() {
			t.Fatalf("event %d has zero timestamp", i)
		}
	}
	if got[0].Payload != "hello" {
		t.Fatalf("unexpected payload: %v", got[0].Payload)
	}
	if got[1].Name != "SimulateWork" {
		t.Fatalf("unexpected name: %q", got[1].Name)
	}
	if got[2].Failure == nil || got[2].Failure.Attempts != 3 || got[2].Attempt != 3 || got[2].ScheduledID != 2 {
		t.Fatalf("unexpected failed event: %+v", got[2])
	}
	if got[3].Timeout != 5*time.Second {
		t.Fatalf("unexpected timeout: %v", got[3].Timeout)
	}

	empty, err := store.ListEvents(ctx, "missing")
	if err != nil {
		t.Fatalf("ListEvents(missing): %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no events, got %d", len(empty))
	}
}

func newExecutionFixture(id string) *api.WorkflowExecution {
	return &api.WorkflowExecution{
		ID:           id,
		RunID:        "run-" + id,
		WorkflowType: "SimpleWorkflow",
		TaskQueue:    "simple-task-queue",
		Status:       api.StatusRunning,
		Input:        "hello",
		Failure:      &api.Failure{Kind: api.FailureApplication, Message: "original"},
		StartedAt:    time.Now(),
	}
}
