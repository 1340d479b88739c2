// Package action executes the side effects a decision calls for: reply
// send and label apply. Every external call is guarded by a pending-action
// record so it executes at most once across retries and restarts.
package action

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/mailflow/internal/persistence"
	"github.com/petrijr/mailflow/internal/retry"
	"github.com/petrijr/mailflow/pkg/api"
)

// Sub-action kinds recorded in the pending-action table.
const (
	KindSendReply  = "send-reply"
	KindApplyLabel = "apply-label"
)

// ReplyKey is the idempotency key for an instance's reply send.
func ReplyKey(instanceID string) string { return instanceID + ":" + KindSendReply }

// LabelKey is the idempotency key for an instance's label apply.
func LabelKey(instanceID string) string { return instanceID + ":" + KindApplyLabel }

// Executor runs mailbox sub-actions with independent retry budgets.
// A failure in label-apply never skips or falsely reports reply-send, and
// vice versa; partial failure is explicit in the returned ActionResult.
type Executor struct {
	mailbox api.Mailbox
	actions persistence.PendingActionStore
	policy  api.RetryPolicy
	obs     api.Observer
}

// NewExecutor creates an Executor. A nil observer defaults to no-op.
func NewExecutor(mailbox api.Mailbox, actions persistence.PendingActionStore, policy api.RetryPolicy, obs api.Observer) *Executor {
	if obs == nil {
		obs = api.NoopObserver{}
	}
	return &Executor{
		mailbox: mailbox,
		actions: actions,
		policy:  policy,
		obs:     obs,
	}
}

// Execute runs the sub-actions the decision calls for and reports what
// actually happened. Reject is a no-op. The returned error is non-nil only
// when at least one sub-action exhausted its retries or failed
// permanently; the ActionResult is always meaningful.
func (x *Executor) Execute(ctx context.Context, inst *api.Instance, decision api.DecisionInput) (api.ActionResult, error) {
	var result api.ActionResult

	if decision.Decision == api.DecisionReject {
		return result, nil
	}

	cls := inst.Classification
	if cls == nil {
		return result, errors.New("instance has no classification")
	}

	// Reply is only sent when the classifier asked for a response.
	if cls.NeedsResponse {
		body := cls.DraftReply
		if decision.Decision == api.DecisionChange && decision.Reply != "" {
			body = decision.Reply
		}

		sent, err := x.runGuarded(ctx, inst, KindSendReply, ReplyKey(inst.ID), func(ctx context.Context) (string, error) {
			return x.mailbox.SendReply(ctx, inst.ItemRef, body)
		})
		result.ReplySent = sent
		if err != nil {
			result.Errors = append(result.Errors, KindSendReply+": "+err.Error())
		}
	}

	folder := cls.ProposedFolder
	if decision.Decision == api.DecisionChange && decision.Folder != "" {
		folder = decision.Folder
	}
	if folder != "" {
		applied, err := x.runGuarded(ctx, inst, KindApplyLabel, LabelKey(inst.ID), func(ctx context.Context) (string, error) {
			return "", x.mailbox.ApplyLabel(ctx, inst.ItemRef, folder)
		})
		result.LabelApplied = applied
		if err != nil {
			result.Errors = append(result.Errors, KindApplyLabel+": "+err.Error())
		}
	}

	if result.Failed() {
		return result, errors.New("action partially failed: " + result.Errors[0])
	}
	return result, nil
}

// runGuarded executes one sub-action behind its idempotency record.
// The record is checked before the external call: a key already sent or
// confirmed short-circuits to the recorded result and never re-executes.
func (x *Executor) runGuarded(ctx context.Context, inst *api.Instance, kind, key string, call func(ctx context.Context) (string, error)) (bool, error) {
	pa, err := x.actions.GetPendingAction(ctx, key)
	switch {
	case err == nil:
		if pa.Status == persistence.ActionSent || pa.Status == persistence.ActionConfirmed {
			// Recorded as done; replay must not repeat the side effect.
			return true, nil
		}
		// pending or failed: fall through and (re)attempt.
	case errors.Is(err, persistence.ErrActionNotFound):
		pa = &persistence.PendingAction{
			InstanceID:     inst.ID,
			Kind:           kind,
			IdempotencyKey: key,
			Status:         persistence.ActionPending,
		}
		if createErr := x.actions.CreatePendingAction(ctx, pa); createErr != nil {
			if !errors.Is(createErr, persistence.ErrDuplicateKey) {
				return false, createErr
			}
			// Lost a race; re-read and defer to the winner's record.
			existing, getErr := x.actions.GetPendingAction(ctx, key)
			if getErr != nil {
				return false, getErr
			}
			if existing.Status == persistence.ActionSent || existing.Status == persistence.ActionConfirmed {
				return true, nil
			}
			pa = existing
		}
	default:
		return false, err
	}

	var ref string
	callErr := retry.Do(ctx, x.policy, func(attempt int, err error, d time.Duration) {
		x.obs.OnPortCall(ctx, inst, "mailbox."+kind, attempt, err, d)
	}, func(ctx context.Context) error {
		r, err := call(ctx)
		if err == nil {
			ref = r
		}
		return err
	})

	if callErr != nil {
		pa.Status = persistence.ActionFailed
		pa.LastError = callErr.Error()
		if updErr := x.actions.UpdatePendingAction(ctx, pa); updErr != nil {
			return false, updErr
		}
		return false, callErr
	}

	pa.Status = persistence.ActionSent
	pa.ExternalRef = ref
	if err := x.actions.UpdatePendingAction(ctx, pa); err != nil {
		return false, err
	}

	// The provider acknowledged the call; only now confirm.
	pa.Status = persistence.ActionConfirmed
	if err := x.actions.UpdatePendingAction(ctx, pa); err != nil {
		return false, err
	}
	return true, nil
}
