package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteQueue is a persistent task queue backed by SQLite. Tasks of one
// queue are delivered by not_before, then in enqueue order.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the queue_tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			queue TEXT NOT NULL,
			payload BLOB NOT NULL,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_tasks_ready ON queue_tasks(queue, not_before, seq);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	if err := prepare(&t, time.Now()); err != nil {
		return err
	}
	payload, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, queue, payload, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		t.ID,
		t.Queue,
		payload,
		t.EnqueuedAt.UnixNano(),
		t.NotBefore.UnixNano(),
		t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if err := validateTTL(leaseTTL); err != nil {
		return nil, err
	}
	tmr := pollTimer()
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now()
		var (
			payload   []byte
			notBefore int64
			attempts  int
		)
		// A single UPDATE ... RETURNING claims the row atomically.
		err := q.db.QueryRowContext(ctx, `
			UPDATE queue_tasks
			SET lease_owner = ?, lease_expires_at = ?
			WHERE seq = (
				SELECT seq FROM queue_tasks
				WHERE queue = ? AND not_before <= ?
				  AND (lease_owner = '' OR lease_expires_at <= ?)
				ORDER BY not_before, seq
				LIMIT 1
			)
			RETURNING payload, not_before, attempts`,
			owner, now.Add(leaseTTL).UnixNano(), queue, now.UnixNano(), now.UnixNano(),
		).Scan(&payload, &notBefore, &attempts)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Nothing available: sleep a bit and retry.
				tmr.Reset(q.pollInterval)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-tmr.C:
					continue
				}
			}
			return nil, err
		}

		task, err := DecodeTask(payload)
		if err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		task.NotBefore = time.Unix(0, notBefore)
		task.Attempts = attempts
		return task, nil
	}
}

func (q *SQLiteQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_tasks WHERE id = ? AND lease_owner = ?`, taskID, owner)
	return leasedRowAffected(res, err)
}

func (q *SQLiteQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET lease_owner = '', lease_expires_at = 0, not_before = ?, attempts = ?
		WHERE id = ? AND lease_owner = ?`,
		notBefore.UnixNano(), attempts, taskID, owner,
	)
	return leasedRowAffected(res, err)
}

func (q *SQLiteQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	if err := validateTTL(leaseTTL); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(leaseTTL).UnixNano(), taskID, owner,
	)
	return leasedRowAffected(res, err)
}

func (q *SQLiteQueue) Len() int {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

// leasedRowAffected maps a zero-row Ack/Nack/RenewLease to ErrNotLeased.
func leasedRowAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotLeased
	}
	return nil
}
