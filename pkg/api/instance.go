package api

import "time"

// State is the lifecycle state of a triage instance.
type State string

const (
	StateCreated          State = "CREATED"
	StateClassified       State = "CLASSIFIED"
	StateRoutedImmediate  State = "ROUTED_IMMEDIATE"
	StateRoutedBatch      State = "ROUTED_BATCH"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateResolved         State = "RESOLVED"
	StateActionExecuted   State = "ACTION_EXECUTED"
	StateConfirmed        State = "CONFIRMED"
	StateTerminal         State = "TERMINAL"
)

// TerminalReason qualifies StateTerminal.
type TerminalReason string

const (
	ReasonDone         TerminalReason = "done"
	ReasonQueued       TerminalReason = "queued"
	ReasonRejected     TerminalReason = "rejected"
	ReasonCancelled    TerminalReason = "cancelled"
	ReasonBlocked      TerminalReason = "blocked"
	ReasonManualReview TerminalReason = "manual-review"
)

// Instance is one execution of the triage workflow for one inbound item.
// Exactly one instance exists per item; CorrelationKey reconnects external
// approval callbacks to the instance awaiting them.
type Instance struct {
	ID             string
	CorrelationKey string
	ItemRef        string
	UserID         string

	Item Item

	State    State
	Terminal TerminalReason

	Classification *Classification
	Decision       *DecisionInput
	Result         *ActionResult

	PriorityScore int
	IsPriority    bool

	// Err holds the message that parked this instance (blocked or
	// manual-review). Empty otherwise.
	Err string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether the instance has reached its terminal state.
func (i *Instance) IsTerminal() bool { return i.State == StateTerminal }

// Suspended reports whether the instance is parked awaiting an external
// decision. No worker holds a suspended instance; resumption is a fresh
// unit of work keyed by CorrelationKey.
func (i *Instance) Suspended() bool { return i.State == StateAwaitingApproval }

// Outcome is the typed result of driving an instance one or more steps.
// Port failures never unwind out of the engine as raw errors; they surface
// here or as one of the typed errors in errors.go.
type Outcome struct {
	InstanceID string
	State      State
	Terminal   TerminalReason

	// Suspended is set when the instance parked in AWAITING_APPROVAL.
	Suspended bool

	// Duplicate is set when the outcome was replayed from a previously
	// recorded result rather than executed.
	Duplicate bool

	Result *ActionResult
}

// InstanceListOptions controls ListInstances filtering.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	UserID   string
	State    State
	Terminal TerminalReason
}
