// Package api contains the core building blocks shared by the signalflow
// engine, its workers and its clients. It has no dependencies on storage or
// transport and is safe to import from any layer.
//
// Most users interact with the higher-level signalflow package, which
// re-exports selected types and helpers from this package.
//
// # Workflows
//
// A workflow is an explicit state value with a deterministic transition
// function. WorkflowDefinition binds a type name to a constructor of
// WorkflowState. For every workflow task the engine builds a fresh state and
// feeds it the run's decision events in history order:
//
//   - workflow.started
//   - activity.completed / activity.failed / activity.cancelled
//   - signal.received / signal.timed_out
//   - workflow.cancel_requested
//
// Apply answers each event with zero or more Commands: ScheduleActivity,
// AwaitSignal, CompleteWorkflow or FailWorkflow. Commands that were already
// executed are found in history and skipped, so Apply must return the same
// commands for the same history. A mismatch fails the run with
// ErrNondeterminism.
//
// # Activities
//
// Activities are plain functions (ActivityFunc) that may perform I/O. They
// run on workers, outside the workflow's deterministic replay, and are
// retried according to their RetryPolicy. An activity that returns because
// its context was cancelled surfaces as ActivityCancelled and is never
// retried.
//
// # Errors
//
// Failures are persisted as Failure records and converted back into typed
// errors (ActivityFailure, ActivityCancelled, WorkflowFailure) so callers can
// use errors.As regardless of which process produced them.
//
// # Observability
//
// Interceptors wrap the client, workflow and activity boundaries with
// middleware. MetricsHandler receives engine runtime metrics. Observer keeps
// simple lifecycle callbacks for logging (LoggingObserver) and in-memory
// counters (BasicMetrics).
package api
