package mailflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/mailflow/internal/engine"
	"github.com/petrijr/mailflow/internal/persistence"
	"github.com/petrijr/mailflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine              = api.Engine
	Item                = api.Item
	Classification      = api.Classification
	Decision            = api.Decision
	DecisionInput       = api.DecisionInput
	ActionResult        = api.ActionResult
	Instance            = api.Instance
	Outcome             = api.Outcome
	InstanceListOptions = api.InstanceListOptions
	State               = api.State
	TerminalReason      = api.TerminalReason

	Ports            = api.Ports
	Classifier       = api.Classifier
	Notifier         = api.Notifier
	Mailbox          = api.Mailbox
	MessageRef       = api.MessageRef
	Notification     = api.Notification
	NotificationKind = api.NotificationKind
	DigestEntry      = api.DigestEntry
	RetryPolicy      = api.RetryPolicy

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	TransientError       = api.TransientError
	PermanentError       = api.PermanentError
	StaleCallbackError   = api.StaleCallbackError
	DuplicateActionError = api.DuplicateActionError
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	Transient         = api.Transient
	Permanent         = api.Permanent
	IsTransient       = api.IsTransient
	IsPermanent       = api.IsPermanent
	IsStaleCallback   = api.IsStaleCallback
	IsDuplicateAction = api.IsDuplicateAction

	ErrInstanceBusy         = api.ErrInstanceBusy
	ErrPrincipalMismatch    = api.ErrPrincipalMismatch
	ErrCancelAfterExecution = api.ErrCancelAfterExecution
)

// Re-export state and decision values for convenience.

const (
	StateCreated          = api.StateCreated
	StateClassified       = api.StateClassified
	StateRoutedImmediate  = api.StateRoutedImmediate
	StateRoutedBatch      = api.StateRoutedBatch
	StateAwaitingApproval = api.StateAwaitingApproval
	StateResolved         = api.StateResolved
	StateActionExecuted   = api.StateActionExecuted
	StateConfirmed        = api.StateConfirmed
	StateTerminal         = api.StateTerminal

	ReasonDone         = api.ReasonDone
	ReasonQueued       = api.ReasonQueued
	ReasonRejected     = api.ReasonRejected
	ReasonCancelled    = api.ReasonCancelled
	ReasonBlocked      = api.ReasonBlocked
	ReasonManualReview = api.ReasonManualReview

	DecisionApprove = api.DecisionApprove
	DecisionReject  = api.DecisionReject
	DecisionChange  = api.DecisionChange

	NotifyApprovalRequest = api.NotifyApprovalRequest
	NotifyDigest          = api.NotifyDigest
	NotifyActionFailed    = api.NotifyActionFailed
	NotifyCompleted       = api.NotifyCompleted
)

// EngineOptions tunes an engine beyond its ports.
// Zero values mean defaults: priority threshold 70, retry 3 attempts with
// exponential backoff from 500ms, lease TTL 30s.
type EngineOptions struct {
	Observer  Observer
	Threshold int
	Retry     RetryPolicy
	LeaseTTL  time.Duration
}

// Engine constructors. These wrap the internal/engine package so external
// callers never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
// Intended for tests and experiments; nothing survives the process.
func NewInMemoryEngine(ports Ports) (Engine, error) {
	return NewInMemoryEngineWithOptions(ports, EngineOptions{})
}

// NewInMemoryEngineWithOptions is NewInMemoryEngine with explicit options.
func NewInMemoryEngineWithOptions(ports Ports, opts EngineOptions) (Engine, error) {
	return newEngine(persistence.NewInMemoryStore().Bundle(), ports, opts)
}

// NewSQLiteEngine returns an Engine that persists instances, checkpoints,
// pending actions, batch entries, and correlations in a SQLite database.
func NewSQLiteEngine(db *sql.DB, ports Ports) (Engine, error) {
	return NewSQLiteEngineWithOptions(db, ports, EngineOptions{})
}

// NewSQLiteEngineWithOptions is NewSQLiteEngine with explicit options.
func NewSQLiteEngineWithOptions(db *sql.DB, ports Ports, opts EngineOptions) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(store.Bundle(), ports, opts)
}

// NewPostgresEngine returns an Engine that persists state in PostgreSQL.
// The *sql.DB is expected to use the pgx stdlib driver.
func NewPostgresEngine(db *sql.DB, ports Ports) (Engine, error) {
	return NewPostgresEngineWithOptions(db, ports, EngineOptions{})
}

// NewPostgresEngineWithOptions is NewPostgresEngine with explicit options.
func NewPostgresEngineWithOptions(db *sql.DB, ports Ports, opts EngineOptions) (Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(store.Bundle(), ports, opts)
}

// NewRedisEngine returns an Engine that keeps instances and correlations
// in Redis while checkpoints, pending actions, and the batch queue stay in
// memory. Suitable when Redis is the shared store for the hot path and the
// process is otherwise single-node.
func NewRedisEngine(client *redis.Client, ports Ports) (Engine, error) {
	return NewRedisEngineWithOptions(client, ports, EngineOptions{})
}

// NewRedisEngineWithOptions is NewRedisEngine with explicit options.
func NewRedisEngineWithOptions(client *redis.Client, ports Ports, opts EngineOptions) (Engine, error) {
	rs := persistence.NewRedisStore(client, "mailflow")
	p := persistence.NewInMemoryStore().Bundle()
	p.Instances = rs
	p.Correlations = rs
	return newEngine(p, ports, opts)
}

func newEngine(p persistence.Persistence, ports Ports, opts EngineOptions) (Engine, error) {
	return engine.New(engine.Options{
		Persistence: p,
		Ports:       ports,
		Observer:    opts.Observer,
		Threshold:   opts.Threshold,
		Retry:       opts.Retry,
		LeaseTTL:    opts.LeaseTTL,
	})
}

// Convenience helpers that just forward to the underlying Engine.

// Start runs triage for an item until it suspends or terminates.
func Start(ctx context.Context, eng Engine, item Item) (*Outcome, error) {
	return eng.Start(ctx, item)
}

// Resume delivers a decision to a suspended instance.
func Resume(ctx context.Context, eng Engine, instanceID string, decision DecisionInput) (*Outcome, error) {
	return eng.Resume(ctx, instanceID, decision)
}

// Cancel terminates a pre-execution instance with no side effects.
func Cancel(ctx context.Context, eng Engine, instanceID string) (*Outcome, error) {
	return eng.Cancel(ctx, instanceID)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*Instance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*Instance, error) {
	return eng.ListInstances(ctx, opts)
}

// RecoverStuck delegates to eng.RecoverStuck.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := mailflow.RecoverStuck(ctx, engine)
func RecoverStuck(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuck(ctx)
}
