package api

import (
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(Item{})
	gob.Register(Classification{})
	gob.Register(DecisionInput{})
	gob.Register(ActionResult{})
}

// Item is one inbound mail item as handed to the engine.
//
// Ref is the provider-side message identifier; it is the only field the
// mailbox port needs to mutate the underlying message.
type Item struct {
	Ref        string
	UserID     string
	From       string
	Subject    string
	Snippet    string
	ReceivedAt time.Time
}

// Classification is the classifier port's verdict for an item.
type Classification struct {
	Category       string
	ProposedFolder string

	// PriorityScore is 0-100; the router compares it against the
	// configured threshold.
	PriorityScore int

	Reasoning     string
	NeedsResponse bool

	// DraftReply is the proposed reply body when NeedsResponse is set.
	DraftReply string
}

// Decision is the human verdict delivered through the approval channel.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionChange  Decision = "change"
)

// Valid reports whether d is one of the known decision values.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionChange:
		return true
	}
	return false
}

// DecisionInput carries a decision plus the optional edits a "change"
// decision may provide.
type DecisionInput struct {
	Decision Decision

	// Reply replaces the classifier's draft reply when non-empty.
	Reply string

	// Folder replaces the classifier's proposed folder when non-empty.
	Folder string
}

// ActionResult reports what the action executor actually did.
// Partial failure is explicit: each sub-action succeeds or fails
// independently, and Errors carries one message per failed sub-action.
type ActionResult struct {
	ReplySent    bool
	LabelApplied bool
	Errors       []string
}

// Failed reports whether any sub-action failed.
func (r ActionResult) Failed() bool { return len(r.Errors) > 0 }
