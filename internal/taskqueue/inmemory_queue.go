package taskqueue

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	task         Task
	seq          int64
	leaseOwner   string
	leaseExpires time.Time
}

// InMemoryQueue is a Queue kept in process memory. It is safe for
// concurrent use and loses its contents on restart.
type InMemoryQueue struct {
	mu           sync.Mutex
	entries      map[string]*memoryEntry
	seq          int64
	notify       chan struct{}
	pollInterval time.Duration
}

// NewInMemoryQueue creates an empty in-memory queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		entries:      make(map[string]*memoryEntry),
		notify:       make(chan struct{}, 1),
		pollInterval: 10 * time.Millisecond,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prepare(&t, time.Now()); err != nil {
		return err
	}

	q.mu.Lock()
	if _, ok := q.entries[t.ID]; ok {
		q.mu.Unlock()
		return nil
	}
	q.seq++
	q.entries[t.ID] = &memoryEntry{task: t, seq: q.seq}
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if err := validateTTL(leaseTTL); err != nil {
		return nil, err
	}
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		if t := q.claim(queue, owner, leaseTTL); t != nil {
			return t, nil
		}

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

func (q *InMemoryQueue) claim(queue, owner string, leaseTTL time.Duration) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var best *memoryEntry
	for _, e := range q.entries {
		if e.task.Queue != queue || e.task.NotBefore.After(now) {
			continue
		}
		if e.leaseOwner != "" && now.Before(e.leaseExpires) {
			continue
		}
		if best == nil || e.task.NotBefore.Before(best.task.NotBefore) ||
			(e.task.NotBefore.Equal(best.task.NotBefore) && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil
	}

	best.leaseOwner = owner
	best.leaseExpires = now.Add(leaseTTL)
	t := best.task
	return &t
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok || e.leaseOwner != owner {
		return ErrNotLeased
	}
	delete(q.entries, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	q.mu.Lock()
	e, ok := q.entries[taskID]
	if !ok || e.leaseOwner != owner {
		q.mu.Unlock()
		return ErrNotLeased
	}
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	e.leaseOwner = ""
	e.leaseExpires = time.Time{}
	e.task.NotBefore = notBefore
	e.task.Attempts = attempts
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	if err := validateTTL(leaseTTL); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok || e.leaseOwner != owner {
		return ErrNotLeased
	}
	e.leaseExpires = time.Now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *InMemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
