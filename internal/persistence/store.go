package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/signalflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a workflow execution is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists is returned by SaveInstance for a duplicate ID.
	ErrInstanceExists = errors.New("instance already exists")
)

// InstanceFilter is used to select executions from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	WorkflowType string
	Status       api.Status
	TaskQueue    string
}

// Match reports whether exec passes the filter.
func (f InstanceFilter) Match(exec *api.WorkflowExecution) bool {
	if f.WorkflowType != "" && exec.WorkflowType != f.WorkflowType {
		return false
	}
	if f.Status != "" && exec.Status != f.Status {
		return false
	}
	if f.TaskQueue != "" && exec.TaskQueue != f.TaskQueue {
		return false
	}
	return true
}

// InstanceStore handles storage of the latest run of each workflow ID.
type InstanceStore interface {
	// SaveInstance inserts a new execution. It returns ErrInstanceExists when
	// the ID is already present.
	SaveInstance(ctx context.Context, exec *api.WorkflowExecution) error
	// UpdateInstance overwrites an execution. Lease fields are untouched.
	UpdateInstance(ctx context.Context, exec *api.WorkflowExecution) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowExecution, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowExecution, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an execution.
	// If the execution is currently leased by another owner and the lease has not expired,
	// it returns acquired=false, err=nil.
	//
	// Implementations treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (acquired bool, err error)
	// RenewLease extends an existing lease owned by 'owner' for the given ttl.
	// It returns api.ErrLeaseNotHeld if owner does not hold the lease.
	RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, id, owner string) error
}

// EventStore is an append-only history store. Events are grouped by run ID.
type EventStore interface {
	// AppendEvent stores ev and returns its assigned ID. IDs increase
	// monotonically within a run.
	AppendEvent(ctx context.Context, ev api.HistoryEvent) (int64, error)
	// ListEvents returns all events of a run ordered by ID.
	ListEvents(ctx context.Context, runID string) ([]api.HistoryEvent, error)
}

// Persistence bundles the two store interfaces so the engine
// can depend on a single abstraction.
type Persistence struct {
	Instances InstanceStore
	Events    EventStore
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	return nil
}
