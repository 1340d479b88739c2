package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/mailflow/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a triage instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrCorrelationNotFound is returned when no open correlation exists
	// for a correlation key.
	ErrCorrelationNotFound = errors.New("correlation not found")

	// ErrActionNotFound is returned when no pending action exists for an
	// idempotency key.
	ErrActionNotFound = errors.New("pending action not found")

	// ErrDuplicateKey is returned when inserting a record whose unique
	// key already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrMarkerNotFound is returned when a user has no dispatch marker.
	ErrMarkerNotFound = errors.New("dispatch marker not found")
)

// Pending action statuses. A record moves pending -> sent -> confirmed
// exactly once; failed marks retry exhaustion.
const (
	ActionPending   = "pending"
	ActionSent      = "sent"
	ActionFailed    = "failed"
	ActionConfirmed = "confirmed"
)

// Checkpoint is an immutable snapshot of instance state plus the pending
// step, keyed by (InstanceID, Seq). The checkpoint log is append-only; the
// engine replays the latest checkpoint on restart.
type Checkpoint struct {
	InstanceID string
	Seq        int64
	State      api.State

	// Step names the port call the engine was about to make ("pending")
	// or had just completed ("done") when the checkpoint was written.
	Step string

	// Snapshot is the gob-encoded instance at checkpoint time.
	Snapshot []byte

	CreatedAt time.Time
}

// PendingAction prevents duplicate side effects across retries and
// restarts. The idempotency key is checked at the action boundary before
// every external call.
type PendingAction struct {
	InstanceID     string
	Kind           string
	IdempotencyKey string
	Status         string

	// ExternalRef is the provider-side reference recorded when the call
	// succeeded (sent message id, notification id).
	ExternalRef string

	LastError string
	UpdatedAt time.Time
}

// BatchEntry is one non-priority item parked for the next digest.
// EntryID is stable across redispatches so the channel can deduplicate.
type BatchEntry struct {
	EntryID        string
	UserID         string
	InstanceID     string
	Category       string
	ProposedFolder string
	Summary        string
	ScheduledAt    time.Time
}

// Correlation maps an outbound approval notification to the instance
// awaiting its response. Created at notify time, consulted at callback
// time, deleted on resume.
type Correlation struct {
	CorrelationKey string
	InstanceID     string
	UserID         string
	MessageRef     string
	CreatedAt      time.Time
}

// DispatchMarker records the entries covered by a user's last digest
// dispatch. The scheduler reconciles against it so a crash between
// dispatch and entry deletion does not produce user-visible duplicates.
type DispatchMarker struct {
	UserID       string
	DigestID     string
	EntryIDs     []string
	DispatchedAt time.Time
}

// InstanceFilter selects instances from the store.
// Zero values mean "no filter" for that field.
type InstanceFilter struct {
	UserID   string
	State    api.State
	Terminal api.TerminalReason
}

// InstanceStore handles storage of triage instances. Per-instance leases
// give the single-writer guarantee: a duplicate callback arriving while an
// instance is mid-processing cannot double-resume it.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *api.Instance) error
	UpdateInstance(ctx context.Context, inst *api.Instance) error
	GetInstance(ctx context.Context, id string) (*api.Instance, error)

	// GetInstanceByCorrelation looks an instance up by its correlation
	// key, whether or not an open correlation still exists for it.
	GetInstanceByCorrelation(ctx context.Context, key string) (*api.Instance, error)

	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an
	// instance. If the instance is currently leased by another owner and
	// the lease has not expired, it returns acquired=false, err=nil.
	//
	// Implementations should treat a lease owned by the same owner as
	// re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends an existing lease owned by 'owner'.
	RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. Idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// CheckpointStore is the append-only checkpoint log.
type CheckpointStore interface {
	// AppendCheckpoint assigns the next sequence number for the instance
	// and persists the checkpoint. Returns the assigned sequence.
	AppendCheckpoint(ctx context.Context, cp *Checkpoint) (int64, error)

	// LatestCheckpoint returns the highest-sequence checkpoint for an
	// instance, or ErrInstanceNotFound if none exist.
	LatestCheckpoint(ctx context.Context, instanceID string) (*Checkpoint, error)

	ListCheckpoints(ctx context.Context, instanceID string) ([]*Checkpoint, error)
}

// PendingActionStore handles idempotency records for side-effecting calls.
type PendingActionStore interface {
	// CreatePendingAction inserts a new record. Returns ErrDuplicateKey
	// if the idempotency key already exists.
	CreatePendingAction(ctx context.Context, pa *PendingAction) error

	// GetPendingAction looks a record up by idempotency key.
	GetPendingAction(ctx context.Context, idempotencyKey string) (*PendingAction, error)

	UpdatePendingAction(ctx context.Context, pa *PendingAction) error
	ListPendingActions(ctx context.Context, instanceID string) ([]*PendingAction, error)
}

// BatchQueueStore handles batch digest entries and dispatch markers.
type BatchQueueStore interface {
	EnqueueBatch(ctx context.Context, e *BatchEntry) error
	ListBatch(ctx context.Context, userID string) ([]*BatchEntry, error)
	DeleteBatch(ctx context.Context, entryIDs []string) error

	// ListBatchUsers returns the distinct users with queued entries.
	ListBatchUsers(ctx context.Context) ([]string, error)

	SaveDispatchMarker(ctx context.Context, m *DispatchMarker) error
	GetDispatchMarker(ctx context.Context, userID string) (*DispatchMarker, error)
}

// CorrelationStore maps correlation keys to suspended instances.
type CorrelationStore interface {
	SaveCorrelation(ctx context.Context, c *Correlation) error
	GetCorrelation(ctx context.Context, key string) (*Correlation, error)

	// DeleteCorrelation removes an open correlation. Idempotent.
	DeleteCorrelation(ctx context.Context, key string) error
}

// Persistence bundles the stores the engine and its collaborators need.
// All five may be backed by one store (memory, SQLite, Postgres) or split
// across backends (for example Redis for correlations).
type Persistence struct {
	Instances    InstanceStore
	Checkpoints  CheckpointStore
	Actions      PendingActionStore
	Batch        BatchQueueStore
	Correlations CorrelationStore
}
