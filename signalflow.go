package signalflow

import (
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/signalflow/internal/engine"
	"github.com/petrijr/signalflow/pkg/api"
	"github.com/petrijr/signalflow/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowDefinition   = api.WorkflowDefinition
	WorkflowState        = api.WorkflowState
	WorkflowExecution    = api.WorkflowExecution
	ExecutionFilter      = api.ExecutionFilter
	StartWorkflowOptions = api.StartWorkflowOptions
	HistoryEvent         = api.HistoryEvent
	Command              = api.Command
	Status               = api.Status
	ActivityFunc         = api.ActivityFunc
	ActivityOptions      = api.ActivityOptions
	RetryPolicy          = api.RetryPolicy
	Interceptors         = api.Interceptors
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	WorkerConfig         = worker.Config
	ApplicationError     = api.ApplicationError
	ActivityFailure      = api.ActivityFailure
	WorkflowFailure      = api.WorkflowFailure
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NonRetryable         = api.NonRetryable
)

// Re-export the errors callers match with errors.Is.

var (
	ErrExecutionNotFound       = api.ErrExecutionNotFound
	ErrExecutionAlreadyStarted = api.ErrExecutionAlreadyStarted
	ErrExecutionClosed         = api.ErrExecutionClosed
	ErrSignalTimeout           = api.ErrSignalTimeout
	ErrCanceled                = api.ErrCanceled
)

// Re-export status values for convenience.

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusWaiting   = api.StatusWaiting
	StatusFailed    = api.StatusFailed
	StatusCompleted = api.StatusCompleted
)

// Bundle constructors.
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryBundle keeps executions, history and tasks in process memory.
func NewInMemoryBundle(cfg WorkerConfig) (*WorkerBundle, error) {
	return newBundle(engine.NewInMemoryEngine(), cfg)
}

// NewSQLiteBundle keeps executions, history and tasks in db.
//
//	db, _ := sql.Open("sqlite", "file:signalflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := signalflow.NewSQLiteBundle(db, signalflow.WorkerConfig{TaskQueue: "orders"})
func NewSQLiteBundle(db *sql.DB, cfg WorkerConfig) (*WorkerBundle, error) {
	eng, err := engine.NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}
	return newBundle(eng, cfg)
}

// NewPostgresBundle keeps executions, history and tasks in PostgreSQL. db
// must use a registered driver such as github.com/jackc/pgx/v5/stdlib.
func NewPostgresBundle(db *sql.DB, cfg WorkerConfig) (*WorkerBundle, error) {
	eng, err := engine.NewPostgresEngine(db)
	if err != nil {
		return nil, err
	}
	return newBundle(eng, cfg)
}

// NewRedisBundle keeps executions, history and tasks in Redis under prefix.
func NewRedisBundle(client *redis.Client, prefix string, cfg WorkerConfig) (*WorkerBundle, error) {
	return newBundle(engine.NewRedisEngine(client, prefix), cfg)
}

// NewMongoBundle keeps executions, history and tasks in the dbName database.
func NewMongoBundle(client *mongo.Client, dbName string, cfg WorkerConfig) (*WorkerBundle, error) {
	return newBundle(engine.NewMongoEngine(client, dbName), cfg)
}
