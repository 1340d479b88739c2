package mailflow

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/petrijr/mailflow/internal/digest"
	"github.com/petrijr/mailflow/internal/engine"
	"github.com/petrijr/mailflow/internal/gateway"
	"github.com/petrijr/mailflow/internal/persistence"
	"github.com/petrijr/mailflow/internal/taskqueue"
	workerpkg "github.com/petrijr/mailflow/pkg/worker"
)

// Gateway resolves decision callbacks from the messaging channel.
type Gateway = gateway.Gateway

// DecisionEvent is one inbound decision callback.
type DecisionEvent = gateway.Event

// Resolution is the gateway's answer to a decision event.
type Resolution = gateway.Resolution

// Scheduler drains batch queues into digests.
type Scheduler = digest.Scheduler

// WorkerPool drains the task queue.
type WorkerPool = workerpkg.Pool

// Payload types for enqueued tasks.
type (
	ItemPayload     = workerpkg.ItemPayload
	DecisionPayload = workerpkg.DecisionPayload
)

// Bundle wires together an Engine, the decision Gateway, the digest
// Scheduler, and a worker Pool consuming a shared task queue.
type Bundle struct {
	Engine    Engine
	Gateway   *Gateway
	Scheduler *Scheduler
	Worker    *WorkerPool

	// queue is kept unexported; the public surface is the Worker's
	// Enqueue methods.
	queue taskqueue.Queue
}

// QueueLen returns the approximate number of queued tasks.
func (b *Bundle) QueueLen() int { return b.queue.Len() }

// BundleOptions tunes a bundle. Zero values mean defaults: priority
// threshold 70, retry 3 attempts with exponential backoff from 500ms,
// lease TTL 30s, 4 workers, digests drained hourly by Scheduler.Run.
type BundleOptions struct {
	Observer  Observer
	Threshold int
	Retry     RetryPolicy
	LeaseTTL  time.Duration

	// Workers is the number of concurrent task-queue workers.
	Workers int

	// Logger receives worker-level logs. Nil means slog.Default().
	Logger *slog.Logger
}

const defaultBundleWorkers = 4

// NewInMemoryBundle wires a bundle on in-memory stores and an in-memory
// queue. Nothing survives the process; intended for tests.
func NewInMemoryBundle(ports Ports, opts BundleOptions) (*Bundle, error) {
	return newBundle(persistence.NewInMemoryStore().Bundle(), taskqueue.NewInMemoryQueue(), ports, opts)
}

// NewSQLiteBundle wires a durable bundle sharing one SQLite database for
// engine state and the task queue.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:mailflow.db?_journal=WAL")
//	bundle, err := mailflow.NewSQLiteBundle(db, ports, mailflow.BundleOptions{})
//	count, _ := bundle.Engine.RecoverStuck(ctx)
//	go bundle.Worker.Run(ctx)
//	go bundle.Scheduler.Run(ctx, time.Hour)
func NewSQLiteBundle(db *sql.DB, ports Ports, opts BundleOptions) (*Bundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store.Bundle(), q, ports, opts)
}

// NewPostgresBundle wires a bundle with engine state in PostgreSQL and an
// in-memory task queue. Tasks do not survive a restart, but instance
// recovery does not depend on them: RecoverStuck replays mid-flight
// instances from their checkpoints.
func NewPostgresBundle(db *sql.DB, ports Ports, opts BundleOptions) (*Bundle, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newBundle(store.Bundle(), taskqueue.NewInMemoryQueue(), ports, opts)
}

func newBundle(p persistence.Persistence, q taskqueue.Queue, ports Ports, opts BundleOptions) (*Bundle, error) {
	eng, err := engine.New(engine.Options{
		Persistence: p,
		Ports:       ports,
		Observer:    opts.Observer,
		Threshold:   opts.Threshold,
		Retry:       opts.Retry,
		LeaseTTL:    opts.LeaseTTL,
	})
	if err != nil {
		return nil, err
	}

	pol := opts.Retry
	if pol.MaxAttempts <= 0 {
		pol = engine.DefaultRetry
	}

	gw := gateway.New(eng, p, opts.Observer)
	sched := digest.New(p.Batch, ports.Notifier, pol, opts.Observer)

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultBundleWorkers
	}
	pool := workerpkg.NewPool(q, eng, gw, sched, workers, opts.Logger)

	return &Bundle{
		Engine:    eng,
		Gateway:   gw,
		Scheduler: sched,
		Worker:    pool,
		queue:     q,
	}, nil
}
