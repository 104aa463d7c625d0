package signalflow

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	return db
}

func shoutFlow() *FlowBuilder {
	return New("durable-shout").
		Activity("upper", ActivityOptions{}).
		AwaitSignal("go", 0).
		Activity("exclaim", ActivityOptions{})
}

// TestSQLiteBundle_DurableAcrossRestart demonstrates that a workflow waiting
// for a signal survives a simulated process restart, assuming workflows are
// re-registered on startup.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbPath := filepath.Join(t.TempDir(), "signalflow_bundle.db")
	activities := map[string]ActivityFunc{"upper": upper, "exclaim": exclaim}
	cfg := WorkerConfig{TaskQueue: "durable"}

	// --- Phase 1: run until the workflow blocks on its signal.

	db1 := openSQLite(t, dbPath)
	bundle1, err := NewSQLiteBundle(db1, cfg)
	require.NoError(t, err)
	require.NoError(t, bundle1.Register(shoutFlow(), activities))

	h, err := bundle1.Client.StartWorkflow(ctx, StartWorkflowOptions{ID: "durable-1", TaskQueue: cfg.TaskQueue}, "durable-shout", "hey")
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- bundle1.Worker.Run(runCtx) }()

	require.Eventually(t, func() bool {
		exec, err := bundle1.Engine.DescribeWorkflow(ctx, h.ID)
		return err == nil && exec.Status == StatusWaiting
	}, 5*time.Second, 10*time.Millisecond)

	stop()
	require.NoError(t, <-done)
	require.NoError(t, db1.Close())

	// --- Phase 2: new process, same database.

	db2 := openSQLite(t, dbPath)
	defer db2.Close()

	bundle2, err := NewSQLiteBundle(db2, cfg)
	require.NoError(t, err)
	require.NoError(t, bundle2.Register(shoutFlow(), activities))

	recovered, err := bundle2.RecoverStuckExecutions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	go func() { _ = bundle2.Worker.Run(ctx) }()

	h2, err := bundle2.Client.GetHandle(ctx, "durable-1")
	require.NoError(t, err)
	require.Equal(t, h.RunID, h2.RunID)
	require.NoError(t, h2.Signal(ctx, "go", nil))

	var out string
	require.NoError(t, h2.GetResult(ctx, &out))
	require.Equal(t, "HEY!", out)

	history, err := h2.History(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, history)
}
