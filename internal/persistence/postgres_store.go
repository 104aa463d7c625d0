package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/petrijr/signalflow/pkg/api"
)

// PostgresInstanceStore is an InstanceStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresInstanceStore struct {
	db *sql.DB
}

// Ensure PostgresInstanceStore implements InstanceStore.
var _ InstanceStore = (*PostgresInstanceStore)(nil)

// NewPostgresInstanceStore initializes the required schema in the given
// database and returns a new PostgresInstanceStore.
func NewPostgresInstanceStore(db *sql.DB) (*PostgresInstanceStore, error) {
	s := &PostgresInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			task_queue TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			input BYTEA,
			output BYTEA,
			failure BYTEA,
			pending_signal TEXT NOT NULL DEFAULT '',
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			started_at BIGINT NOT NULL DEFAULT 0,
			closed_at BIGINT NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`)
	return err
}

func (s *PostgresInstanceStore) SaveInstance(ctx context.Context, exec *api.WorkflowExecution) error {
	enc, err := encodeExecution(exec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
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
	if isUniqueViolation(err) {
		return ErrInstanceExists
	}
	return err
}

func (s *PostgresInstanceStore) UpdateInstance(ctx context.Context, exec *api.WorkflowExecution) error {
	enc, err := encodeExecution(exec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET run_id           = $1,
		    workflow_type    = $2,
		    task_queue       = $3,
		    status           = $4,
		    phase            = $5,
		    input            = $6,
		    output           = $7,
		    failure          = $8,
		    pending_signal   = $9,
		    cancel_requested = $10,
		    started_at       = $11,
		    closed_at        = $12
		WHERE id = $13
	`,
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

func (s *PostgresInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = $1
	`,
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

func (s *PostgresInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions`
	var args []any
	var clauses []string

	if filter.WorkflowType != "" {
		clauses = append(clauses, fmt.Sprintf("workflow_type = $%d", len(args)+1))
		args = append(args, filter.WorkflowType)
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, string(filter.Status))
	}
	if filter.TaskQueue != "" {
		clauses = append(clauses, fmt.Sprintf("task_queue = $%d", len(args)+1))
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

func (s *PostgresInstanceStore) TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
		  AND (lease_owner = '' OR lease_expires_at <= $4 OR lease_owner = $1)
	`,
		owner, now.Add(ttl).UnixNano(), id, now.UnixNano(),
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

func (s *PostgresInstanceStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3
	`,
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

func (s *PostgresInstanceStore) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = $1 AND lease_owner = $2
	`,
		id, owner,
	)
	return err
}

// PostgresEventStore stores workflow history in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

var _ EventStore = (*PostgresEventStore)(nil)

func NewPostgresEventStore(db *sql.DB) (*PostgresEventStore, error) {
	s := &PostgresEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_events (
			id BIGSERIAL PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			scheduled_id BIGINT NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			failure BYTEA,
			attempt INTEGER NOT NULL DEFAULT 0,
			timeout_ns BIGINT NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_events_run_id ON workflow_events(run_id, id);
	`)
	return err
}

func (s *PostgresEventStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) (int64, error) {
	enc, err := encodeEvent(ev)
	if err != nil {
		return 0, err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO workflow_events (workflow_id, run_id, at, type, scheduled_id, name, payload, failure, attempt, timeout_ns, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`,
		ev.WorkflowID,
		ev.RunID,
		at.UnixNano(),
		string(ev.Type),
		ev.ScheduledID,
		ev.Name,
		enc.Payload,
		enc.Failure,
		ev.Attempt,
		int64(ev.Timeout),
		ev.Detail,
	).Scan(&id)
	return id, err
}

func (s *PostgresEventStore) ListEvents(ctx context.Context, runID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, run_id, at, type, scheduled_id, name, payload, failure, attempt, timeout_ns, detail
		FROM workflow_events
		WHERE run_id = $1
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.HistoryEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
