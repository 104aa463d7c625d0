package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/signalflow/internal/taskqueue"
	"github.com/petrijr/signalflow/pkg/api"
)

// RunWorkflowTask replays the run addressed by task and executes the
// commands the workflow produced since the last task. It holds the execution
// lease for the whole task and returns api.ErrExecutionLocked when another
// owner holds it.
//
// Tasks for a superseded run or a closed run are dropped without error.
func (e *Engine) RunWorkflowTask(ctx context.Context, owner string, task *taskqueue.Task, def api.WorkflowDefinition) error {
	start := e.now()

	exec, release, err := e.lockRun(ctx, owner, task)
	if err != nil || exec == nil {
		return err
	}
	defer release()

	history, err := e.events.ListEvents(ctx, exec.RunID)
	if err != nil {
		return err
	}

	res, err := replay(def, history)
	if err != nil {
		if errors.Is(err, api.ErrNondeterminism) {
			e.workflowMetrics(exec).Counter(api.MetricNondeterminismErrors).Inc(1)
			e.logger.ErrorContext(ctx, "workflow replay diverged from history",
				slog.String("workflow_id", exec.ID),
				slog.String("run_id", exec.RunID),
				slog.Any("error", err),
			)
		}
		return e.closeRun(ctx, exec, api.FailWorkflow(err))
	}

	exec.CancelRequested = res.cancelRequested
	if exec.Status == api.StatusPending {
		exec.Status = api.StatusRunning
	}
	if p, ok := res.state.(api.Phaser); ok {
		exec.Phase = p.Phase()
	}

	for _, cmd := range res.pending {
		switch cmd.Type {
		case api.CommandScheduleActivity:
			if err := e.scheduleActivity(ctx, exec, cmd); err != nil {
				return err
			}
			exec.Status = api.StatusRunning
			exec.PendingSignal = ""

		case api.CommandAwaitSignal:
			if err := e.awaitSignal(ctx, exec, cmd); err != nil {
				return err
			}
			exec.Status = api.StatusWaiting
			exec.PendingSignal = cmd.Name

		case api.CommandCompleteWorkflow, api.CommandFailWorkflow:
			// Commands after the first terminal one are ignored.
			return e.closeRun(ctx, exec, cmd)

		default:
			return e.closeRun(ctx, exec, api.FailWorkflow(fmt.Errorf("unknown command type %q", cmd.Type)))
		}
	}

	if err := e.instances.UpdateInstance(ctx, exec); err != nil {
		return err
	}
	e.workflowMetrics(exec).Timer(api.MetricWorkflowTaskLatency).Record(e.now().Sub(start))
	return nil
}

// FireTimer records that a signal wait expired, unless the wait already
// ended. Like RunWorkflowTask it runs under the execution lease.
func (e *Engine) FireTimer(ctx context.Context, owner string, task *taskqueue.Task) error {
	exec, release, err := e.lockRun(ctx, owner, task)
	if err != nil || exec == nil {
		return err
	}
	defer release()

	history, err := e.events.ListEvents(ctx, exec.RunID)
	if err != nil {
		return err
	}

	var wait *api.HistoryEvent
	for i := range history {
		ev := history[i]
		switch {
		case ev.ID == task.TimerID && ev.Type == api.EventSignalWaitStarted:
			wait = &history[i]
		case wait == nil:
		case ev.Type == api.EventSignalReceived && ev.Name == wait.Name:
			return nil
		case ev.Type == api.EventSignalTimedOut && ev.ScheduledID == wait.ID:
			return nil
		}
	}
	if wait == nil {
		return fmt.Errorf("timer %d of run %s has no matching signal wait", task.TimerID, exec.RunID)
	}

	if _, err := e.events.AppendEvent(ctx, api.HistoryEvent{
		WorkflowID:  exec.ID,
		RunID:       exec.RunID,
		At:          e.now(),
		Type:        api.EventSignalTimedOut,
		ScheduledID: wait.ID,
		Name:        wait.Name,
		Timeout:     wait.Timeout,
	}); err != nil {
		return err
	}
	return e.enqueueWorkflowTask(ctx, exec)
}

// CompleteActivity records the result of an activity attempt and schedules a
// workflow task. A second result for the same activity is ignored.
func (e *Engine) CompleteActivity(ctx context.Context, task *taskqueue.Task, result any) error {
	return e.recordActivityResult(ctx, task, api.HistoryEvent{
		Type:    api.EventActivityCompleted,
		Payload: result,
	})
}

// FailActivity records the terminal failure of an activity. Errors carrying
// api.ActivityCancelled are recorded as activity.cancelled.
func (e *Engine) FailActivity(ctx context.Context, task *taskqueue.Task, cause error) error {
	typ := api.EventActivityFailed
	if api.IsActivityCancelled(cause) {
		typ = api.EventActivityCancelled
	}
	return e.recordActivityResult(ctx, task, api.HistoryEvent{
		Type:    typ,
		Failure: api.NewFailure(cause),
	})
}

// RetryActivity records a failed attempt that will be retried after delay.
// The caller re-queues the task.
func (e *Engine) RetryActivity(ctx context.Context, task *taskqueue.Task, cause error, delay time.Duration) error {
	_, err := e.events.AppendEvent(ctx, api.HistoryEvent{
		WorkflowID:  task.WorkflowID,
		RunID:       task.RunID,
		At:          e.now(),
		Type:        api.EventActivityRetrying,
		ScheduledID: task.ActivityID,
		Name:        task.ActivityName,
		Failure:     api.NewFailure(cause),
		Attempt:     task.Attempts + 1,
		Detail:      "retry in " + delay.String(),
	})
	if err != nil {
		return err
	}
	e.metrics.WithTags(map[string]string{
		"workflow_type": task.WorkflowType,
		"activity":      task.ActivityName,
	}).Counter(api.MetricActivityRetries).Inc(1)
	return nil
}

// CancelRequested reports whether the run asked for cancellation or is no
// longer the open run of its workflow ID.
func (e *Engine) CancelRequested(ctx context.Context, workflowID, runID string) (bool, error) {
	exec, err := e.DescribeWorkflow(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if exec.RunID != runID || exec.Status.Terminal() || exec.CancelRequested {
		return true, nil
	}

	history, err := e.events.ListEvents(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, ev := range history {
		if ev.Type == api.EventWorkflowCancelRequested {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) recordActivityResult(ctx context.Context, task *taskqueue.Task, ev api.HistoryEvent) error {
	exec, err := e.DescribeWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	if exec.RunID != task.RunID || exec.Status.Terminal() {
		return nil
	}

	history, err := e.events.ListEvents(ctx, task.RunID)
	if err != nil {
		return err
	}
	for _, h := range history {
		if h.ScheduledID != task.ActivityID {
			continue
		}
		switch h.Type {
		case api.EventActivityCompleted, api.EventActivityFailed, api.EventActivityCancelled:
			return nil
		}
	}

	ev.WorkflowID = task.WorkflowID
	ev.RunID = task.RunID
	ev.At = e.now()
	ev.ScheduledID = task.ActivityID
	ev.Name = task.ActivityName
	ev.Attempt = task.Attempts + 1
	if _, err := e.events.AppendEvent(ctx, ev); err != nil {
		return err
	}
	return e.enqueueWorkflowTask(ctx, exec)
}

// lockRun acquires the execution lease and loads the run task belongs to. A
// nil execution with a nil error means the task is obsolete.
func (e *Engine) lockRun(ctx context.Context, owner string, task *taskqueue.Task) (*api.WorkflowExecution, func(), error) {
	acquired, err := e.instances.TryAcquireLease(ctx, task.WorkflowID, owner, e.leaseTTL)
	if err != nil {
		return nil, nil, err
	}
	if !acquired {
		e.metrics.Counter(api.MetricLeaseContention).Inc(1)
		return nil, nil, api.ErrExecutionLocked
	}
	release := func() { e.releaseLease(ctx, task.WorkflowID, owner) }

	exec, err := e.DescribeWorkflow(ctx, task.WorkflowID)
	if err != nil {
		release()
		return nil, nil, err
	}
	if exec.RunID != task.RunID || exec.Status.Terminal() {
		release()
		return nil, nil, nil
	}
	return exec, release, nil
}

func (e *Engine) scheduleActivity(ctx context.Context, exec *api.WorkflowExecution, cmd api.Command) error {
	sched := api.ActivitySchedule{Input: cmd.Input, Options: cmd.Options}
	id, err := e.events.AppendEvent(ctx, api.HistoryEvent{
		WorkflowID: exec.ID,
		RunID:      exec.RunID,
		At:         e.now(),
		Type:       api.EventActivityScheduled,
		Name:       cmd.Name,
		Payload:    sched,
	})
	if err != nil {
		return err
	}
	return e.enqueue(ctx, taskqueue.Task{
		ID:           activityTaskID(exec.RunID, id),
		Type:         taskqueue.TaskTypeActivity,
		Queue:        exec.TaskQueue,
		WorkflowID:   exec.ID,
		RunID:        exec.RunID,
		WorkflowType: exec.WorkflowType,
		ActivityID:   id,
		ActivityName: cmd.Name,
		Input:        sched.Input,
		Options:      sched.Options,
	})
}

func (e *Engine) awaitSignal(ctx context.Context, exec *api.WorkflowExecution, cmd api.Command) error {
	wait := api.HistoryEvent{
		WorkflowID: exec.ID,
		RunID:      exec.RunID,
		At:         e.now(),
		Type:       api.EventSignalWaitStarted,
		Name:       cmd.Name,
		Timeout:    cmd.Timeout,
	}
	id, err := e.events.AppendEvent(ctx, wait)
	if err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return nil
	}
	wait.ID = id
	return e.enqueue(ctx, timerTask(exec, wait))
}

// closeRun records the terminal command and closes the execution.
func (e *Engine) closeRun(ctx context.Context, exec *api.WorkflowExecution, cmd api.Command) error {
	now := e.now()
	ev := api.HistoryEvent{
		WorkflowID: exec.ID,
		RunID:      exec.RunID,
		At:         now,
		Type:       cmd.RecordedAs(),
	}
	if cmd.Type == api.CommandCompleteWorkflow {
		ev.Payload = cmd.Result
		exec.Status = api.StatusCompleted
		exec.Output = cmd.Result
	} else {
		if cmd.Failure == nil {
			cmd.Failure = &api.Failure{Kind: api.FailureApplication, Message: "workflow failed"}
		}
		ev.Failure = cmd.Failure
		exec.Status = api.StatusFailed
		exec.Failure = cmd.Failure
	}
	if _, err := e.events.AppendEvent(ctx, ev); err != nil {
		return err
	}

	exec.PendingSignal = ""
	exec.ClosedAt = now
	if err := e.instances.UpdateInstance(ctx, exec); err != nil {
		return err
	}

	m := e.workflowMetrics(exec)
	if exec.Status == api.StatusCompleted {
		m.Counter(api.MetricWorkflowCompleted).Inc(1)
		e.observer.OnWorkflowCompleted(ctx, exec)
	} else {
		m.Counter(api.MetricWorkflowFailed).Inc(1)
		e.observer.OnWorkflowFailed(ctx, exec, exec.Err())
	}
	return nil
}
