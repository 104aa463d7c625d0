package api

import "testing"

func TestCommand_Matches(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
		ev   HistoryEvent
		want bool
	}{
		{"same activity", ScheduleActivity("SimulateWork", "x", ActivityOptions{}), HistoryEvent{Type: EventActivityScheduled, Name: "SimulateWork"}, true},
		{"other activity", ScheduleActivity("SimulateWork", "x", ActivityOptions{}), HistoryEvent{Type: EventActivityScheduled, Name: "FinalizeWork"}, false},
		{"await vs schedule", AwaitSignal("continue", 0), HistoryEvent{Type: EventActivityScheduled, Name: "continue"}, false},
		{"await", AwaitSignal("continue", 0), HistoryEvent{Type: EventSignalWaitStarted, Name: "continue"}, true},
		{"complete", CompleteWorkflow("done"), HistoryEvent{Type: EventWorkflowCompleted}, true},
		{"fail", FailWorkflow(ErrCanceled), HistoryEvent{Type: EventWorkflowFailed}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cmd.Matches(tc.ev); got != tc.want {
				t.Fatalf("Matches=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestEventType_Classification(t *testing.T) {
	if !EventActivityScheduled.IsCommand() || EventActivityScheduled.IsDecision() {
		t.Fatalf("activity.scheduled is a command event")
	}
	if !EventSignalReceived.IsDecision() || EventSignalReceived.IsCommand() {
		t.Fatalf("signal.received is a decision event")
	}
	if EventActivityRetrying.IsCommand() || EventActivityRetrying.IsDecision() {
		t.Fatalf("activity.retrying is informational")
	}
}
