package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/signalflow/pkg/api"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteInstanceStore struct {
	db *sql.DB
}

// Ensure SQLiteInstanceStore implements InstanceStore.
var _ InstanceStore = (*SQLiteInstanceStore)(nil)

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(db *sql.DB) (*SQLiteInstanceStore, error) {
	s := &SQLiteInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			task_queue TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			input BLOB,
			output BLOB,
			failure BLOB,
			pending_signal TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL DEFAULT 0,
			closed_at INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`)
	return err
}

const executionColumns = `id, run_id, workflow_type, task_queue, status, phase, input, output, failure,
	pending_signal, cancel_requested, started_at, closed_at`

func (s *SQLiteInstanceStore) SaveInstance(ctx context.Context, exec *api.WorkflowExecution) error {
	enc, err := encodeExecution(exec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.RunID,
		exec.WorkflowType,
		exec.TaskQueue,
		string(exec.Status),
		exec.Phase,
		enc.Input,
		enc.Output,
		enc.Failure,
		exec.PendingSignal,
		exec.CancelRequested,
		unixNano(exec.StartedAt),
		unixNano(exec.ClosedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrInstanceExists
	}
	return err
}

func (s *SQLiteInstanceStore) UpdateInstance(ctx context.Context, exec *api.WorkflowExecution) error {
	enc, err := encodeExecution(exec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET run_id = ?, workflow_type = ?, task_queue = ?, status = ?, phase = ?, input = ?, output = ?, failure = ?,
			pending_signal = ?, cancel_requested = ?, started_at = ?, closed_at = ?
		WHERE id = ?`,
		exec.RunID,
		exec.WorkflowType,
		exec.TaskQueue,
		string(exec.Status),
		exec.Phase,
		enc.Input,
		enc.Output,
		enc.Failure,
		exec.PendingSignal,
		exec.CancelRequested,
		unixNano(exec.StartedAt),
		unixNano(exec.ClosedAt),
		exec.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}

	return nil
}

func (s *SQLiteInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = ?`,
		id,
	)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return exec, nil
}

func (s *SQLiteInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions`
	var args []any
	var clauses []string

	if filter.WorkflowType != "" {
		clauses = append(clauses, "workflow_type = ?")
		args = append(args, filter.WorkflowType)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.TaskQueue != "" {
		clauses = append(clauses, "task_queue = ?")
		args = append(args, filter.TaskQueue)
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*api.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return executions, nil
}

func (s *SQLiteInstanceStore) TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (lease_owner = '' OR lease_expires_at <= ? OR lease_owner = ?)`,
		owner, now.Add(ttl).UnixNano(), id, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetInstance(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteInstanceStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(ttl).UnixNano(), id, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrLeaseNotHeld
	}
	return nil
}

func (s *SQLiteInstanceStore) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ?`,
		id, owner,
	)
	return err
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanExecution reads the columns listed in executionColumns.
func scanExecution(row rowScanner) (*api.WorkflowExecution, error) {
	var (
		exec      api.WorkflowExecution
		status    string
		enc       encodedExecution
		startedAt int64
		closedAt  int64
	)
	if err := row.Scan(
		&exec.ID, &exec.RunID, &exec.WorkflowType, &exec.TaskQueue, &status, &exec.Phase,
		&enc.Input, &enc.Output, &enc.Failure,
		&exec.PendingSignal, &exec.CancelRequested, &startedAt, &closedAt,
	); err != nil {
		return nil, err
	}

	exec.Status = api.Status(status)
	exec.StartedAt = fromUnixNano(startedAt)
	exec.ClosedAt = fromUnixNano(closedAt)
	if err := enc.decodeInto(&exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
