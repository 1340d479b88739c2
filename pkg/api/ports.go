package api

import (
	"context"
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(Notification{})
	gob.Register(DigestEntry{})
}

// Classifier scores and categorizes an inbound item.
//
// Failures should be reported through the error taxonomy in errors.go:
// wrap retryable conditions with Transient and hard rejections with
// Permanent. A bare error is treated as permanent.
type Classifier interface {
	Classify(ctx context.Context, item Item) (Classification, error)
}

// MessageRef identifies a delivered notification in the messaging channel.
type MessageRef string

// NotificationKind distinguishes the outbound notification shapes.
type NotificationKind string

const (
	NotifyApprovalRequest NotificationKind = "approval-request"
	NotifyDigest          NotificationKind = "digest"
	NotifyActionFailed    NotificationKind = "action-failed"
	NotifyCompleted       NotificationKind = "completed"
)

// DigestEntry is one queued, non-priority item inside a digest.
// EntryID is stable across redispatches so the channel can deduplicate.
type DigestEntry struct {
	EntryID        string
	InstanceID     string
	Category       string
	ProposedFolder string
	Summary        string
}

// Notification is pre-sanitized outbound content for the Notifier.
type Notification struct {
	Kind    NotificationKind
	Summary string

	// CorrelationKey links an approval request to the instance awaiting
	// the response. Empty for digests and failure alerts.
	CorrelationKey string

	// Actions lists the decisions the channel should offer
	// (approve/reject/change) for an approval request.
	Actions []Decision

	// DigestID and Entries are set for digest notifications only.
	DigestID string
	Entries  []DigestEntry
}

// Notifier delivers a notification to the user's messaging channel.
// It must either return a MessageRef or a typed failure; the caller is
// never left unable to distinguish "sent" from "not sent".
type Notifier interface {
	Notify(ctx context.Context, userID string, n Notification) (MessageRef, error)
}

// Mailbox mutates the mailbox behind an item: reply send and label/move.
// Same transient/permanent failure contract as Notifier.
type Mailbox interface {
	// SendReply sends body as a reply to the item and returns the
	// provider's reference for the sent message.
	SendReply(ctx context.Context, itemRef string, body string) (string, error)

	// ApplyLabel moves/labels the item into the given folder.
	ApplyLabel(ctx context.Context, itemRef string, folder string) error
}

// Ports bundles the external capabilities the engine depends on.
// Tests substitute fakes; production wires real API clients.
type Ports struct {
	Classifier Classifier
	Notifier   Notifier
	Mailbox    Mailbox
}

// Engine drives triage instances through the workflow.
type Engine interface {
	// Start creates the instance for an item and runs it until it
	// suspends or reaches a terminal state.
	Start(ctx context.Context, item Item) (*Outcome, error)

	// Resume drives a suspended instance through action execution with
	// the given decision. Resuming an already-terminal instance returns
	// its recorded outcome with Duplicate set; no side effect repeats.
	Resume(ctx context.Context, instanceID string, decision DecisionInput) (*Outcome, error)

	// Cancel terminates a pre-execution instance with no side effects.
	// It is rejected once the action has executed.
	Cancel(ctx context.Context, instanceID string) (*Outcome, error)

	// GetInstance looks up an instance by ID.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// ListInstances returns instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*Instance, error)

	// RecoverStuck scans for instances left mid-flight by a crash and
	// replays them from their latest checkpoint. Port calls are re-issued
	// under their original idempotency keys, so replay never duplicates a
	// side effect. Call on startup before accepting new work.
	// Returns the number of instances replayed.
	RecoverStuck(ctx context.Context) (int, error)
}

// RetryPolicy controls how a port call is retried on transient failure.
// MaxAttempts includes the first attempt; MaxAttempts <= 1 means no
// retries. Backoff grows by Multiplier each attempt, capped by MaxBackoff
// when MaxBackoff > 0.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// NextBackoff returns the delay to apply after the given delay, growing it
// by the policy's multiplier and capping at MaxBackoff.
func (p RetryPolicy) NextBackoff(cur time.Duration) time.Duration {
	m := p.Multiplier
	if m <= 0 {
		m = 2.0
	}
	next := time.Duration(float64(cur) * m)
	if p.MaxBackoff > 0 && next > p.MaxBackoff {
		return p.MaxBackoff
	}
	return next
}
