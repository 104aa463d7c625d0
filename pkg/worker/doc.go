// Package worker runs signalflow workflows and activities.
//
// A Worker polls one named task queue and handles three kinds of tasks:
//
//   - workflow tasks replay a run's history through its registered
//     WorkflowDefinition and let the engine execute the new commands
//   - timer tasks fire the deadline of a signal wait
//   - activity tasks invoke one attempt of a registered activity
//
// Activity attempts run with a context that is cancelled when the run's
// cancellation is requested, when the worker shuts down or when the
// attempt's StartToCloseTimeout expires. Failed attempts are retried with
// the activity's RetryPolicy; the retry is a new delivery of the same task,
// delayed by the policy's backoff.
//
// While a task is being handled the worker renews its queue lease every
// HeartbeatInterval, so long activities are not delivered twice.
//
// Several workers may poll the same queue. Workflow tasks of one run are
// serialised by the engine's execution lease.
package worker
