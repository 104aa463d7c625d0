// Package signalflow provides an embeddable durable workflow engine for Go.
//
// Workflows are event-sourced: every run has an append-only history and
// its state is rebuilt by replaying that history through a deterministic
// WorkflowState. Side effects happen only in activities, which workers run
// with retries, timeouts and cooperative cancellation. A workflow can block
// on a named signal delivered from outside, optionally with a deadline.
//
// # Core Concepts
//
//  1. Engine: persists executions and history and schedules tasks.
//  2. Worker: polls a task queue and runs workflow and activity tasks.
//  3. Client: starts, signals, cancels and awaits workflow runs.
//  4. FlowBuilder: declares linear workflows without writing a state machine.
//  5. LocalRunner: all of the above in memory for tests and development.
//
// # Backends
//
// Executions, history and tasks can be stored in:
//
//   - memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - PostgreSQL
//   - Redis
//   - MongoDB
//
// Each backend has a WorkerBundle constructor, e.g. NewSQLiteBundle, that
// wires an engine, its task queue, a worker and a client.
//
// # Defining a flow
//
//	flow := signalflow.New("Approval").
//	    Activity("prepare", signalflow.ActivityOptions{}).
//	    AwaitSignal("approve", time.Hour).
//	    Activity("finalize", signalflow.ActivityOptions{
//	        RetryPolicy: signalflow.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute).Ptr(),
//	    })
//
// The workflow input is passed to the first activity, each result feeds the
// next activity and the run completes with the last result. A signal that
// arrives before its step is reached is remembered. An expired signal wait
// fails the run with ErrSignalTimeout, and a cancel request fails it with
// ErrCanceled.
//
// Workflows that need branching implement WorkflowState directly and are
// registered with Worker.RegisterWorkflow; see package workflows for an
// example.
//
// # Recovery
//
// After a crash, call WorkerBundle.RecoverStuckExecutions on startup to
// re-queue the work of every open run. Activities must therefore be safe to
// run more than once with the same input.
package signalflow
