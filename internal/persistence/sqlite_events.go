package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/signalflow/pkg/api"
)

// SQLiteEventStore stores workflow history in SQLite.
type SQLiteEventStore struct {
	db *sql.DB
}

// Ensure SQLiteEventStore implements the interfaces.
var _ EventStore = (*SQLiteEventStore)(nil)

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			scheduled_id INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			payload BLOB,
			failure BLOB,
			attempt INTEGER NOT NULL DEFAULT 0,
			timeout_ns INTEGER NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_events_run_id ON workflow_events(run_id, id);
	`)
	return err
}

func (s *SQLiteEventStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) (int64, error) {
	enc, err := encodeEvent(ev)
	if err != nil {
		return 0, err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (workflow_id, run_id, at, type, scheduled_id, name, payload, failure, attempt, timeout_ns, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteEventStore) ListEvents(ctx context.Context, runID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, run_id, at, type, scheduled_id, name, payload, failure, attempt, timeout_ns, detail
		FROM workflow_events
		WHERE run_id = ?
		ORDER BY id ASC`, runID)
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

// scanEvent reads one row of the workflow_events column list shared by the
// SQL backends.
func scanEvent(row rowScanner) (api.HistoryEvent, error) {
	var (
		ev      api.HistoryEvent
		atN     int64
		typ     string
		enc     encodedEvent
		timeout int64
	)
	if err := row.Scan(&ev.ID, &ev.WorkflowID, &ev.RunID, &atN, &typ, &ev.ScheduledID, &ev.Name,
		&enc.Payload, &enc.Failure, &ev.Attempt, &timeout, &ev.Detail); err != nil {
		return ev, err
	}
	ev.At = time.Unix(0, atN)
	ev.Type = api.EventType(typ)
	ev.Timeout = time.Duration(timeout)
	if err := enc.decodeInto(&ev); err != nil {
		return ev, err
	}
	return ev, nil
}
