package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/signalflow/pkg/api"
)

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// InMemoryStore is a simple, goroutine-safe implementation of
// InstanceStore and EventStore backed by maps.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.WorkflowExecution
	leases    map[string]memoryLease
	events    map[string][]api.HistoryEvent
	nextID    int64
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.WorkflowExecution),
		leases:    make(map[string]memoryLease),
		events:    make(map[string][]api.HistoryEvent),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ InstanceStore = (*InMemoryStore)(nil)

var _ EventStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveInstance(ctx context.Context, exec *api.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[exec.ID]; ok {
		return ErrInstanceExists
	}
	s.instances[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, exec *api.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[exec.ID]; !ok {
		return ErrInstanceNotFound
	}
	s.instances[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return cloneExecution(exec), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowExecution
	for _, exec := range s.instances {
		if filter.Match(exec) {
			result = append(result, cloneExecution(exec))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[id]; !ok {
		return false, ErrInstanceNotFound
	}
	now := time.Now()
	cur, held := s.leases[id]
	if held && cur.owner != owner && now.Before(cur.expiresAt) {
		return false, nil
	}
	s.leases[id] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, held := s.leases[id]
	if !held || cur.owner != owner {
		return api.ErrLeaseNotHeld
	}
	s.leases[id] = memoryLease{owner: owner, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, held := s.leases[id]; held && cur.owner == owner {
		delete(s.leases, id)
	}
	return nil
}

func (s *InMemoryStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	ev.ID = s.nextID
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return ev.ID, nil
}

func (s *InMemoryStore) ListEvents(ctx context.Context, runID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[runID]
	out := make([]api.HistoryEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func cloneExecution(exec *api.WorkflowExecution) *api.WorkflowExecution {
	c := *exec
	if exec.Failure != nil {
		f := *exec.Failure
		c.Failure = &f
	}
	return &c
}
