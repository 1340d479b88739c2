package mailflow

import (
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	// SQL drivers for the sqlite and postgres storage drivers.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/petrijr/mailflow/internal/config"
	"github.com/petrijr/mailflow/internal/persistence"
	"github.com/petrijr/mailflow/internal/taskqueue"
)

// Config is the YAML-loadable engine configuration.
type Config = config.Config

// LoadConfig reads and validates a YAML config file.
var LoadConfig = config.Load

// ParseConfig decodes and validates YAML config bytes.
var ParseConfig = config.Parse

// DefaultConfig returns the configuration used when nothing is specified.
var DefaultConfig = config.Default

// Open builds a Bundle from configuration, opening whatever stores the
// config names. The returned close function releases those resources;
// call it after the workers have stopped.
//
// When storage.redis_addr is set, instances and correlations move to
// Redis while the primary driver keeps checkpoints, pending actions, and
// the batch queue.
func Open(cfg Config, ports Ports, opts BundleOptions) (*Bundle, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	if opts.Threshold == 0 {
		opts.Threshold = cfg.PriorityThreshold
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = cfg.RetryPolicy()
	}
	if opts.LeaseTTL == 0 {
		opts.LeaseTTL = cfg.LeaseTTL
	}
	if opts.Workers == 0 {
		opts.Workers = cfg.Workers
	}

	var (
		p       persistence.Persistence
		q       taskqueue.Queue
		closers []func() error
	)
	closeAll := func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	switch cfg.Storage.Driver {
	case "memory":
		p = persistence.NewInMemoryStore().Bundle()
		q = taskqueue.NewInMemoryQueue()

	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		closers = append(closers, db.Close)
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		sq, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		p = store.Bundle()
		q = sq

	case "postgres":
		db, err := sql.Open("pgx", cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		closers = append(closers, db.Close)
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		p = store.Bundle()
		q = taskqueue.NewInMemoryQueue()

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if addr := cfg.Storage.RedisAddr; addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		closers = append(closers, client.Close)
		rs := persistence.NewRedisStore(client, "mailflow")
		p.Instances = rs
		p.Correlations = rs
	}

	b, err := newBundle(p, q, ports, opts)
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	return b, closeAll, nil
}
