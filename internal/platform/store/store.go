// Package store opens the persistence and task queue backend named in
// configuration.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/signalflow/internal/engine"
	"github.com/petrijr/signalflow/internal/persistence"
	"github.com/petrijr/signalflow/internal/taskqueue"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Config selects a backend. DSN is interpreted per backend: a SQLite data
// source, a PostgreSQL URL, a Redis URL or a MongoDB URI. It is ignored by
// the memory backend.
type Config struct {
	Backend  string `env:"SIGNALFLOW_STORE" envDefault:"sqlite" yaml:"backend"`
	DSN      string `env:"SIGNALFLOW_STORE_DSN" envDefault:"file:signalflow.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)" yaml:"dsn"`
	Prefix   string `env:"SIGNALFLOW_STORE_PREFIX" envDefault:"signalflow" yaml:"prefix"`
	Database string `env:"SIGNALFLOW_STORE_DATABASE" envDefault:"signalflow" yaml:"database"`
}

// Store is an opened backend.
type Store struct {
	Backend     string
	Persistence persistence.Persistence
	Queue       taskqueue.Queue

	close func(context.Context) error
}

// Open connects to the configured backend and prepares its schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case BackendMemory:
		mem := persistence.NewInMemoryStore()
		return &Store{
			Backend:     backend,
			Persistence: persistence.Persistence{Instances: mem, Events: mem},
			Queue:       taskqueue.NewInMemoryQueue(),
		}, nil

	case BackendSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite serialises writers, and every connection to :memory: is a
		// separate database.
		db.SetMaxOpenConns(1)
		return openSQL(ctx, backend, db, engine.SQLitePersistence, func(db *sql.DB) (taskqueue.Queue, error) {
			return taskqueue.NewSQLiteQueue(db)
		})

	case BackendPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return openSQL(ctx, backend, db, engine.PostgresPersistence, func(db *sql.DB) (taskqueue.Queue, error) {
			return taskqueue.NewPostgresQueue(db)
		})

	case BackendRedis:
		opts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		rs := persistence.NewRedisStore(client, cfg.Prefix)
		return &Store{
			Backend:     backend,
			Persistence: persistence.Persistence{Instances: rs, Events: rs},
			Queue:       taskqueue.NewRedisQueue(client, cfg.Prefix),
			close:       func(context.Context) error { return client.Close() },
		}, nil

	case BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		ms := persistence.NewMongoStore(client, cfg.Database, "")
		return &Store{
			Backend:     backend,
			Persistence: persistence.Persistence{Instances: ms, Events: ms},
			Queue:       taskqueue.NewMongoQueue(client, cfg.Database, ""),
			close:       client.Disconnect,
		}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func openSQL(
	ctx context.Context,
	backend string,
	db *sql.DB,
	newPersistence func(*sql.DB) (persistence.Persistence, error),
	newQueue func(*sql.DB) (taskqueue.Queue, error),
) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("ping %s: %w", backend, err), db.Close())
	}
	p, err := newPersistence(db)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	q, err := newQueue(db)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return &Store{
		Backend:     backend,
		Persistence: p,
		Queue:       q,
		close:       func(context.Context) error { return db.Close() },
	}, nil
}

// Close releases the backend's connections.
func (s *Store) Close(ctx context.Context) error {
	if s.close == nil {
		return nil
	}
	return s.close(ctx)
}
