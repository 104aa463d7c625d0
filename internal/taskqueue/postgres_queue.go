package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS queue_tasks (
//	    seq              BIGSERIAL PRIMARY KEY,
//	    id               TEXT NOT NULL UNIQUE,
//	    queue            TEXT NOT NULL,
//	    payload          BYTEA NOT NULL,
//	    enqueued_at      BIGINT NOT NULL,
//	    not_before       BIGINT NOT NULL,
//	    attempts         INTEGER NOT NULL DEFAULT 0,
//	    lease_owner      TEXT NOT NULL DEFAULT '',
//	    lease_expires_at BIGINT NOT NULL DEFAULT 0
//	);
//
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never block on
// each other's rows.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 100 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			seq              BIGSERIAL PRIMARY KEY,
			id               TEXT NOT NULL UNIQUE,
			queue            TEXT NOT NULL,
			payload          BYTEA NOT NULL,
			enqueued_at      BIGINT NOT NULL,
			not_before       BIGINT NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 0,
			lease_owner      TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_tasks_ready ON queue_tasks(queue, not_before, seq);
	`)
	return err
}

// Enqueue inserts a task into the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	if err := prepare(&t, time.Now()); err != nil {
		return err
	}
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, queue, payload, enqueued_at, not_before, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.Queue, data, t.EnqueuedAt.UnixNano(), t.NotBefore.UnixNano(), t.Attempts)
	return err
}

// Dequeue blocks (with polling) until a task is available or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if err := validateTTL(leaseTTL); err != nil {
		return nil, err
	}
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
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
			id        string
			payload   []byte
			notBefore int64
			attempts  int
		)
		err := q.db.QueryRowContext(ctx, `
			UPDATE queue_tasks
			SET lease_owner = $1, lease_expires_at = $2
			WHERE seq = (
				SELECT seq FROM queue_tasks
				WHERE queue = $3 AND not_before <= $4
				  AND (lease_owner = '' OR lease_expires_at <= $4)
				ORDER BY not_before, seq
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING id, payload, not_before, attempts
		`, owner, now.Add(leaseTTL).UnixNano(), queue, now.UnixNano()).Scan(&id, &payload, &notBefore, &attempts)

		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Nothing available yet: wait a bit and retry using reusable timer.
				tmr.Reset(q.pollInterval)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-tmr.C:
				}
				continue
			}
			return nil, err
		}

		task, err := DecodeTask(payload)
		if err != nil {
			return nil, fmt.Errorf("decode task %q failed: %w", id, err)
		}
		task.NotBefore = time.Unix(0, notBefore)
		task.Attempts = attempts
		return task, nil
	}
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		slog.Warn("PostgresQueue: Len failed", "error", err)
		return 0
	}
	return n
}

func (q *PostgresQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_tasks WHERE id = $1 AND lease_owner = $2`, taskID, owner)
	return leasedRowAffected(res, err)
}

func (q *PostgresQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET lease_owner = '', lease_expires_at = 0, not_before = $1, attempts = $2
		WHERE id = $3 AND lease_owner = $4
	`, notBefore.UnixNano(), attempts, taskID, owner)
	return leasedRowAffected(res, err)
}

func (q *PostgresQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	if err := validateTTL(leaseTTL); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3
	`, time.Now().Add(leaseTTL).UnixNano(), taskID, owner)
	return leasedRowAffected(res, err)
}
