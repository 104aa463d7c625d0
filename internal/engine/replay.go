package engine

import (
	"fmt"
	"strconv"

	"github.com/petrijr/signalflow/internal/taskqueue"
	"github.com/petrijr/signalflow/pkg/api"
)

// replayResult is what a workflow state decides after seeing a run's history.
type replayResult struct {
	state api.WorkflowState

	// pending are the commands not yet recorded in history, in order.
	pending []api.Command

	cancelRequested bool
}

// replay rebuilds a workflow state from history. Recorded command events must
// be a prefix of the commands the state produces; otherwise the returned
// error wraps api.ErrNondeterminism. An error returned by Apply is passed
// through unchanged.
//
// Each activity result and each signal timeout is applied at most once, so
// duplicate deliveries of the same outcome do not reach the state.
func replay(def api.WorkflowDefinition, history []api.HistoryEvent) (*replayResult, error) {
	res := &replayResult{state: def.New()}

	var (
		produced []api.Command
		recorded []api.HistoryEvent
		resolved = make(map[int64]bool)
	)
	for _, ev := range history {
		if ev.Type.IsCommand() {
			recorded = append(recorded, ev)
			continue
		}
		if !ev.Type.IsDecision() {
			continue
		}

		switch ev.Type {
		case api.EventActivityCompleted, api.EventActivityFailed, api.EventActivityCancelled, api.EventSignalTimedOut:
			if resolved[ev.ScheduledID] {
				continue
			}
			resolved[ev.ScheduledID] = true
		case api.EventWorkflowCancelRequested:
			if res.cancelRequested {
				continue
			}
			res.cancelRequested = true
		}

		cmds, err := res.state.Apply(ev)
		if err != nil {
			return res, err
		}
		produced = append(produced, cmds...)
	}

	if len(recorded) > len(produced) {
		return res, fmt.Errorf("%w: history records %d command(s) but replay produced %d",
			api.ErrNondeterminism, len(recorded), len(produced))
	}
	for i, ev := range recorded {
		if cmd := produced[i]; !cmd.Matches(ev) {
			return res, fmt.Errorf("%w: command %d recorded as %s %q, replay produced %s %q",
				api.ErrNondeterminism, i, ev.Type, ev.Name, cmd.Type, cmd.Name)
		}
	}
	res.pending = produced[len(recorded):]
	return res, nil
}

// outstandingTasks lists the activity and timer tasks a run still waits on
// according to its history.
func outstandingTasks(exec *api.WorkflowExecution, history []api.HistoryEvent) []taskqueue.Task {
	var (
		activities []api.HistoryEvent
		timers     []api.HistoryEvent
		resolved   = make(map[int64]bool)
		retries    = make(map[int64]int)
	)
	for _, ev := range history {
		switch ev.Type {
		case api.EventActivityScheduled:
			activities = append(activities, ev)
		case api.EventSignalWaitStarted:
			if ev.Timeout > 0 {
				timers = append(timers, ev)
			}
		case api.EventActivityCompleted, api.EventActivityFailed, api.EventActivityCancelled, api.EventSignalTimedOut:
			resolved[ev.ScheduledID] = true
		case api.EventActivityRetrying:
			retries[ev.ScheduledID]++
		case api.EventSignalReceived:
			// A signal ends every earlier wait on the same name.
			for _, t := range timers {
				if t.Name == ev.Name {
					resolved[t.ID] = true
				}
			}
		}
	}

	var out []taskqueue.Task
	for _, ev := range activities {
		if resolved[ev.ID] {
			continue
		}
		sched, _ := ev.Payload.(api.ActivitySchedule)
		out = append(out, taskqueue.Task{
			ID:           activityTaskID(exec.RunID, ev.ID),
			Type:         taskqueue.TaskTypeActivity,
			Queue:        exec.TaskQueue,
			WorkflowID:   exec.ID,
			RunID:        exec.RunID,
			WorkflowType: exec.WorkflowType,
			ActivityID:   ev.ID,
			ActivityName: ev.Name,
			Input:        sched.Input,
			Options:      sched.Options,
			Attempts:     retries[ev.ID],
		})
	}
	for _, ev := range timers {
		if resolved[ev.ID] {
			continue
		}
		out = append(out, timerTask(exec, ev))
	}
	return out
}

// Activity and timer tasks are named after the run and the event that
// scheduled them, so scheduling the same work twice enqueues it once.
func activityTaskID(runID string, scheduledID int64) string {
	return "activity-" + runID + "-" + strconv.FormatInt(scheduledID, 10)
}

func timerTaskID(runID string, waitID int64) string {
	return "timer-" + runID + "-" + strconv.FormatInt(waitID, 10)
}

func workflowTask(exec *api.WorkflowExecution) taskqueue.Task {
	return taskqueue.Task{
		Type:         taskqueue.TaskTypeWorkflow,
		Queue:        exec.TaskQueue,
		WorkflowID:   exec.ID,
		RunID:        exec.RunID,
		WorkflowType: exec.WorkflowType,
	}
}

func timerTask(exec *api.WorkflowExecution, wait api.HistoryEvent) taskqueue.Task {
	return taskqueue.Task{
		ID:           timerTaskID(exec.RunID, wait.ID),
		Type:         taskqueue.TaskTypeTimer,
		Queue:        exec.TaskQueue,
		WorkflowID:   exec.ID,
		RunID:        exec.RunID,
		WorkflowType: exec.WorkflowType,
		TimerID:      wait.ID,
		NotBefore:    wait.At.Add(wait.Timeout),
	}
}
