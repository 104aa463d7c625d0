package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// testQueue exercises the Queue contract shared by every backend. Each call
// gets a fresh, empty queue from newQueue.
func testQueue(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Helper()

	t.Run("fifo within a queue", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		for _, id := range []string{"1", "2", "3"} {
			if err := q.Enqueue(ctx, Task{ID: id, Type: TaskTypeWorkflow, Queue: "q", WorkflowID: "wf-" + id}); err != nil {
				t.Fatalf("Enqueue %s: %v", id, err)
			}
		}
		if q.Len() != 3 {
			t.Fatalf("expected Len 3, got %d", q.Len())
		}

		for _, want := range []string{"1", "2", "3"} {
			got, err := q.Dequeue(ctx, "q", "w1", time.Second)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if got.ID != want || got.WorkflowID != "wf-"+want {
				t.Fatalf("unexpected task: got %q, want %q", got.ID, want)
			}
			if err := q.Ack(ctx, got.ID, "w1"); err != nil {
				t.Fatalf("Ack %s: %v", got.ID, err)
			}
		}
		if q.Len() != 0 {
			t.Fatalf("expected Len 0 after acks, got %d", q.Len())
		}
	})

	t.Run("queues are isolated by name", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		if err := q.Enqueue(ctx, Task{ID: "other", Type: TaskTypeWorkflow, Queue: "other"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		short, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
		defer cancel()
		if got, err := q.Dequeue(short, "q", "w1", time.Second); err == nil {
			t.Fatalf("expected no task for queue q, got %+v", got)
		}

		got, err := q.Dequeue(ctx, "other", "w1", time.Second)
		if err != nil || got.ID != "other" {
			t.Fatalf("Dequeue other: got=%v err=%v", got, err)
		}
	})

	t.Run("dequeue honors context cancellation", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := q.Dequeue(ctx, "q", "w1", time.Second)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context.DeadlineExceeded, got %v", err)
		}
	})

	t.Run("not before delays delivery", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		start := time.Now()
		if err := q.Enqueue(ctx, Task{ID: "later", Type: TaskTypeTimer, Queue: "q", NotBefore: start.Add(200 * time.Millisecond)}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		got, err := q.Dequeue(ctx, "q", "w1", time.Second)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
			t.Fatalf("task delivered too early after %v", elapsed)
		}
		if got.Type != TaskTypeTimer {
			t.Fatalf("unexpected type %q", got.Type)
		}
	})

	t.Run("leased task is invisible and redelivered after expiry", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		if err := q.Enqueue(ctx, Task{ID: "lease", Type: TaskTypeWorkflow, Queue: "q"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		got1, err := q.Dequeue(ctx, "q", "w1", 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue1: %v", err)
		}

		short, cancel := context.WithTimeout(ctx, 40*time.Millisecond)
		defer cancel()
		if got, err := q.Dequeue(short, "q", "w2", time.Second); err == nil {
			t.Fatalf("leased task delivered twice: %+v", got)
		}

		time.Sleep(120 * time.Millisecond)

		got2, err := q.Dequeue(ctx, "q", "w2", time.Second)
		if err != nil {
			t.Fatalf("Dequeue2: %v", err)
		}
		if got1.ID != got2.ID {
			t.Fatalf("expected same task ID, got %q vs %q", got1.ID, got2.ID)
		}

		// The first owner lost the lease.
		if err := q.Ack(ctx, got1.ID, "w1"); !errors.Is(err, ErrNotLeased) {
			t.Fatalf("expected ErrNotLeased for stale owner, got %v", err)
		}
		if err := q.Ack(ctx, got2.ID, "w2"); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	})

	t.Run("renew keeps the lease", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		if err := q.Enqueue(ctx, Task{ID: "renew", Type: TaskTypeActivity, Queue: "q"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		got, err := q.Dequeue(ctx, "q", "w1", 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		for i := 0; i < 3; i++ {
			time.Sleep(50 * time.Millisecond)
			if err := q.RenewLease(ctx, got.ID, "w1", 100*time.Millisecond); err != nil {
				t.Fatalf("RenewLease: %v", err)
			}
		}
		if err := q.RenewLease(ctx, got.ID, "w2", time.Second); !errors.Is(err, ErrNotLeased) {
			t.Fatalf("expected ErrNotLeased for other owner, got %v", err)
		}

		short, cancel := context.WithTimeout(ctx, 40*time.Millisecond)
		defer cancel()
		if other, err := q.Dequeue(short, "q", "w2", time.Second); err == nil {
			t.Fatalf("renewed task delivered to another owner: %+v", other)
		}
	})

	t.Run("nack reschedules with attempts", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		if err := q.Enqueue(ctx, Task{ID: "retry", Type: TaskTypeActivity, Queue: "q", ActivityName: "SimulateWork", Input: "hello"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		got, err := q.Dequeue(ctx, "q", "w1", time.Second)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if got.Attempts != 0 {
			t.Fatalf("expected 0 attempts, got %d", got.Attempts)
		}

		retryAt := time.Now().Add(100 * time.Millisecond)
		if err := q.Nack(ctx, got.ID, "w1", retryAt, got.Attempts+1); err != nil {
			t.Fatalf("Nack: %v", err)
		}
		if err := q.Nack(ctx, got.ID, "w1", retryAt, 5); !errors.Is(err, ErrNotLeased) {
			t.Fatalf("expected ErrNotLeased on second Nack, got %v", err)
		}

		again, err := q.Dequeue(ctx, "q", "w2", time.Second)
		if err != nil {
			t.Fatalf("Dequeue after Nack: %v", err)
		}
		if time.Now().Before(retryAt.Add(-10 * time.Millisecond)) {
			t.Fatalf("nacked task delivered before its notBefore")
		}
		if again.ID != got.ID || again.Attempts != 1 {
			t.Fatalf("unexpected redelivery: %+v", again)
		}
		if again.Input != "hello" || again.ActivityName != "SimulateWork" {
			t.Fatalf("task payload lost: %+v", again)
		}
	})

	t.Run("enqueue of a queued or leased id is a no-op", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		task := Task{ID: "timer-run-7", Type: TaskTypeTimer, Queue: "q", TimerID: 7}
		for i := 0; i < 3; i++ {
			if err := q.Enqueue(ctx, task); err != nil {
				t.Fatalf("Enqueue %d: %v", i, err)
			}
		}
		if q.Len() != 1 {
			t.Fatalf("expected Len 1 after duplicate enqueues, got %d", q.Len())
		}

		got, err := q.Dequeue(ctx, "q", "w1", time.Second)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue while leased: %v", err)
		}
		short, cancel := context.WithTimeout(ctx, 40*time.Millisecond)
		defer cancel()
		if other, err := q.Dequeue(short, "q", "w2", time.Second); err == nil {
			t.Fatalf("re-enqueue must not release the lease: %+v", other)
		}

		if err := q.Ack(ctx, got.ID, "w1"); err != nil {
			t.Fatalf("Ack: %v", err)
		}
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue after Ack: %v", err)
		}
		if q.Len() != 1 {
			t.Fatalf("acked id must be reusable, Len %d", q.Len())
		}
	})

	t.Run("headers travel with the task", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		headers := map[string]string{"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"}
		if err := q.Enqueue(ctx, Task{ID: "h", Type: TaskTypeActivity, Queue: "q", Headers: headers}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		got, err := q.Dequeue(ctx, "q", "w1", time.Second)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if got.Headers["traceparent"] != headers["traceparent"] {
			t.Fatalf("headers lost: %v", got.Headers)
		}
	})

	t.Run("concurrent consumers never share a task", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		const n = 20
		for i := 0; i < n; i++ {
			if err := q.Enqueue(ctx, Task{Type: TaskTypeWorkflow, Queue: "q"}); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				for {
					dctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
					task, err := q.Dequeue(dctx, "q", owner, 5*time.Second)
					cancel()
					if err != nil {
						return
					}
					mu.Lock()
					seen[task.ID]++
					mu.Unlock()
					_ = q.Ack(ctx, task.ID, owner)
				}
			}(string(rune('a' + w)))
		}
		wg.Wait()

		if len(seen) != n {
			t.Fatalf("expected %d distinct tasks, got %d", n, len(seen))
		}
		for id, c := range seen {
			if c != 1 {
				t.Fatalf("task %s delivered %d times", id, c)
			}
		}
	})
}
