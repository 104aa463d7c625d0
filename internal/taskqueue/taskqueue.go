package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/signalflow/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskTypeWorkflow asks a worker to replay a run and execute new commands.
	TaskTypeWorkflow TaskType = "workflow"
	// TaskTypeActivity asks a worker to invoke one activity attempt.
	TaskTypeActivity TaskType = "activity"
	// TaskTypeTimer fires a signal-wait deadline.
	TaskTypeTimer TaskType = "timer"
)

// ErrNotLeased is returned by Ack, Nack and RenewLease when the task does
// not exist or its lease is held by another owner.
var ErrNotLeased = errors.New("taskqueue: task not leased by owner")

// Task is a unit of work for a worker polling a named task queue.
type Task struct {
	ID    string
	Type  TaskType
	Queue string

	WorkflowID   string
	RunID        string
	WorkflowType string

	// Activity tasks
	ActivityID   int64
	ActivityName string
	Input        any
	Options      api.ActivityOptions

	// Timer tasks: ID of the signal.wait_started event the deadline belongs to.
	TimerID int64

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	// Attempts counts previous deliveries that ended in Nack. Activity
	// retries use it as the attempt counter.
	Attempts int

	// Headers carry context across the queue, e.g. W3C trace context of
	// the operation that scheduled the task.
	Headers map[string]string
}

// Queue is a lease-based task queue. A dequeued task stays invisible to
// other owners until it is acked, nacked or its lease expires, after which
// it is delivered again.
type Queue interface {
	// Enqueue adds a task to the queue. An empty ID is replaced by a new UUID.
	// Enqueueing an ID that is still queued or leased is a no-op, so
	// deterministic IDs make re-scheduling idempotent.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next eligible task of the named queue to owner,
	// blocking until one is available or the context is cancelled.
	Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a leased task.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack releases a leased task so it becomes eligible again at notBefore
	// with the given attempt count.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error

	// RenewLease extends the lease of a task held by owner.
	RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error

	// Len returns the approximate number of tasks queued, leased ones included.
	Len() int
}
