// Package engine implements the triage state machine: one durable
// instance per inbound item, driven one checkpointed step at a time.
//
// Suspension is persisted state, not a parked goroutine: an instance in
// AWAITING_APPROVAL is owned by nobody until an approval callback resumes
// it by correlation key, so suspension duration is unbounded at zero
// standing cost.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/mailflow/internal/action"
	"github.com/petrijr/mailflow/internal/persistence"
	"github.com/petrijr/mailflow/internal/retry"
	"github.com/petrijr/mailflow/internal/router"
	"github.com/petrijr/mailflow/pkg/api"
)

// Pending-action kinds owned by the engine (the mailbox kinds live in the
// action package).
const (
	kindApprovalNotify = "approval-notify"
	kindFailureAlert   = "failure-alert"
	kindConfirmNotice  = "confirm-notice"
)

// DefaultRetry is the retry policy applied when Options.Retry is zero.
var DefaultRetry = api.RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	Multiplier:     2.0,
	MaxBackoff:     30 * time.Second,
}

// DefaultLeaseTTL bounds how long a crashed worker can strand an
// instance's lease.
const DefaultLeaseTTL = 30 * time.Second

// Options configures an engine.
type Options struct {
	Persistence persistence.Persistence
	Ports       api.Ports
	Observer    api.Observer

	// Threshold is the priority score at or above which items are routed
	// immediately. <= 0 means router.DefaultThreshold.
	Threshold int

	// Retry applies to every port call. Zero value means DefaultRetry.
	Retry api.RetryPolicy

	// LeaseTTL bounds per-instance leases. Zero means DefaultLeaseTTL.
	LeaseTTL time.Duration

	// Owner identifies this engine for lease purposes. Empty means a
	// random identity per engine.
	Owner string
}

type engineImpl struct {
	store    persistence.Persistence
	ports    api.Ports
	obs      api.Observer
	executor *action.Executor

	threshold int
	retryPol  api.RetryPolicy
	leaseTTL  time.Duration
	owner     string

	now func() time.Time
}

var _ api.Engine = (*engineImpl)(nil)

// New creates an Engine from the given options.
func New(opts Options) (api.Engine, error) {
	if opts.Persistence.Instances == nil || opts.Persistence.Checkpoints == nil ||
		opts.Persistence.Actions == nil || opts.Persistence.Batch == nil ||
		opts.Persistence.Correlations == nil {
		return nil, errors.New("engine: incomplete persistence")
	}
	if opts.Ports.Classifier == nil || opts.Ports.Notifier == nil || opts.Ports.Mailbox == nil {
		return nil, errors.New("engine: incomplete ports")
	}

	obs := opts.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}

	pol := opts.Retry
	if pol.MaxAttempts <= 0 {
		pol = DefaultRetry
	}

	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	owner := opts.Owner
	if owner == "" {
		owner = "engine-" + uuid.NewString()
	}

	return &engineImpl{
		store:     opts.Persistence,
		ports:     opts.Ports,
		obs:       obs,
		executor:  action.NewExecutor(opts.Ports.Mailbox, opts.Persistence.Actions, pol, obs),
		threshold: opts.Threshold,
		retryPol:  pol,
		leaseTTL:  ttl,
		owner:     owner,
		now:       time.Now,
	}, nil
}

func (e *engineImpl) Start(ctx context.Context, item api.Item) (*api.Outcome, error) {
	if item.Ref == "" {
		return nil, errors.New("item ref is required")
	}

	now := e.now()
	inst := &api.Instance{
		ID:             uuid.NewString(),
		CorrelationKey: uuid.NewString(),
		ItemRef:        item.Ref,
		UserID:         item.UserID,
		Item:           item,
		State:          api.StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.store.Instances.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("save instance: %w", err)
	}
	e.obs.OnInstanceStart(ctx, inst)

	acquired, err := e.store.Instances.TryAcquireLease(ctx, inst.ID, e.owner, e.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, api.ErrInstanceBusy
	}
	defer e.store.Instances.ReleaseLease(context.WithoutCancel(ctx), inst.ID, e.owner)

	return e.drive(ctx, inst)
}

func (e *engineImpl) Resume(ctx context.Context, instanceID string, decision api.DecisionInput) (*api.Outcome, error) {
	if !decision.Decision.Valid() {
		return nil, fmt.Errorf("invalid decision: %q", decision.Decision)
	}

	acquired, err := e.store.Instances.TryAcquireLease(ctx, instanceID, e.owner, e.leaseTTL)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("instance not found: %s", instanceID)
		}
		return nil, err
	}
	if !acquired {
		return nil, api.ErrInstanceBusy
	}
	defer e.store.Instances.ReleaseLease(context.WithoutCancel(ctx), instanceID, e.owner)

	inst, err := e.store.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	switch inst.State {
	case api.StateAwaitingApproval:
		// Normal resume path below.
	case api.StateResolved, api.StateActionExecuted, api.StateConfirmed:
		// Mid-execution replay after a crash: the stored decision wins.
		return e.drive(ctx, inst)
	case api.StateTerminal:
		// Duplicate resume: replay the recorded outcome, never the action.
		out := e.outcomeOf(inst)
		out.Duplicate = true
		return out, nil
	default:
		return nil, fmt.Errorf("cannot resume instance %s in state %s", instanceID, inst.State)
	}

	e.obs.OnResume(ctx, inst, decision.Decision)
	inst.Decision = &decision

	// Leaving AWAITING_APPROVAL closes the correlation either way.
	if err := e.store.Correlations.DeleteCorrelation(ctx, inst.CorrelationKey); err != nil {
		return nil, err
	}

	if decision.Decision == api.DecisionReject {
		inst.Result = &api.ActionResult{}
		if err := e.finish(ctx, inst, api.ReasonRejected); err != nil {
			return nil, err
		}
		return e.outcomeOf(inst), nil
	}

	if err := e.transition(ctx, inst, api.StateResolved); err != nil {
		return nil, err
	}
	if err := e.checkpoint(ctx, inst, "resume:done"); err != nil {
		return nil, err
	}

	return e.drive(ctx, inst)
}

func (e *engineImpl) Cancel(ctx context.Context, instanceID string) (*api.Outcome, error) {
	acquired, err := e.store.Instances.TryAcquireLease(ctx, instanceID, e.owner, e.leaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, api.ErrInstanceBusy
	}
	defer e.store.Instances.ReleaseLease(context.WithoutCancel(ctx), instanceID, e.owner)

	inst, err := e.store.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	switch inst.State {
	case api.StateCreated, api.StateClassified, api.StateRoutedImmediate,
		api.StateRoutedBatch, api.StateAwaitingApproval:
		// Cancellable: nothing side-effecting has happened yet.
	default:
		return nil, api.ErrCancelAfterExecution
	}

	if err := e.store.Correlations.DeleteCorrelation(ctx, inst.CorrelationKey); err != nil {
		return nil, err
	}
	if err := e.finish(ctx, inst, api.ReasonCancelled); err != nil {
		return nil, err
	}
	return e.outcomeOf(inst), nil
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	inst, err := e.store.Instances.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("instance not found: %s", id)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error) {
	return e.store.Instances.ListInstances(ctx, persistence.InstanceFilter{
		UserID:   opts.UserID,
		State:    opts.State,
		Terminal: opts.Terminal,
	})
}

// RecoverStuck replays instances a crashed process left mid-flight.
// AWAITING_APPROVAL is a legitimate parking state and is never touched.
func (e *engineImpl) RecoverStuck(ctx context.Context) (int, error) {
	midFlight := []api.State{
		api.StateCreated, api.StateClassified,
		api.StateRoutedImmediate, api.StateRoutedBatch,
		api.StateResolved, api.StateActionExecuted, api.StateConfirmed,
	}

	recovered := 0
	for _, state := range midFlight {
		instances, err := e.store.Instances.ListInstances(ctx, persistence.InstanceFilter{State: state})
		if err != nil {
			return recovered, err
		}
		for _, inst := range instances {
			acquired, err := e.store.Instances.TryAcquireLease(ctx, inst.ID, e.owner, e.leaseTTL)
			if err != nil || !acquired {
				continue
			}

			// Guarded port calls make the replay safe: anything already
			// sent short-circuits on its idempotency key.
			if _, err := e.drive(ctx, inst); err != nil {
				e.store.Instances.ReleaseLease(context.WithoutCancel(ctx), inst.ID, e.owner)
				return recovered, err
			}
			e.store.Instances.ReleaseLease(context.WithoutCancel(ctx), inst.ID, e.owner)
			recovered++
		}
	}
	return recovered, nil
}

// drive advances the instance until it suspends or terminates. Port
// failures never escape as errors; they park the instance and surface in
// the outcome. The returned error is reserved for persistence failures.
func (e *engineImpl) drive(ctx context.Context, inst *api.Instance) (*api.Outcome, error) {
	for {
		switch inst.State {
		case api.StateCreated:
			if err := e.stepClassify(ctx, inst); err != nil {
				return e.park(ctx, inst, api.ReasonManualReview, err)
			}

		case api.StateClassified:
			if err := e.stepRoute(ctx, inst); err != nil {
				return nil, err
			}

		case api.StateRoutedImmediate:
			if err := e.stepNotify(ctx, inst); err != nil {
				if isInfra(err) {
					return nil, err
				}
				return e.park(ctx, inst, api.ReasonBlocked, err)
			}
			e.obs.OnSuspend(ctx, inst)
			return e.outcomeOf(inst), nil

		case api.StateRoutedBatch:
			if err := e.stepEnqueueBatch(ctx, inst); err != nil {
				return nil, err
			}
			return e.outcomeOf(inst), nil

		case api.StateResolved:
			if err := e.stepExecute(ctx, inst); err != nil {
				if isInfra(err) {
					return nil, err
				}
				return e.park(ctx, inst, api.ReasonBlocked, err)
			}

		case api.StateActionExecuted:
			if err := e.stepConfirm(ctx, inst); err != nil {
				return nil, err
			}

		case api.StateConfirmed:
			if err := e.finish(ctx, inst, api.ReasonDone); err != nil {
				return nil, err
			}
			return e.outcomeOf(inst), nil

		case api.StateAwaitingApproval, api.StateTerminal:
			return e.outcomeOf(inst), nil

		default:
			return nil, fmt.Errorf("instance %s in unknown state %s", inst.ID, inst.State)
		}
	}
}

func (e *engineImpl) stepClassify(ctx context.Context, inst *api.Instance) error {
	if err := e.checkpoint(ctx, inst, "classify:pending"); err != nil {
		return infra(err)
	}

	var cls api.Classification
	err := retry.Do(ctx, e.retryPol, func(attempt int, err error, d time.Duration) {
		e.obs.OnPortCall(ctx, inst, "classifier.classify", attempt, err, d)
	}, func(ctx context.Context) error {
		c, err := e.ports.Classifier.Classify(ctx, inst.Item)
		if err == nil {
			cls = c
		}
		return err
	})
	if err != nil {
		return err
	}

	inst.Classification = &cls
	inst.PriorityScore = cls.PriorityScore
	if err := e.transition(ctx, inst, api.StateClassified); err != nil {
		return infra(err)
	}
	return infraIf(e.checkpoint(ctx, inst, "classify:done"))
}

func (e *engineImpl) stepRoute(ctx context.Context, inst *api.Instance) error {
	next := api.StateRoutedBatch
	if router.Decide(inst.PriorityScore, e.threshold) == router.RouteImmediate {
		next = api.StateRoutedImmediate
		inst.IsPriority = true
	}
	if err := e.transition(ctx, inst, next); err != nil {
		return err
	}
	return e.checkpoint(ctx, inst, "route:done")
}

func (e *engineImpl) stepNotify(ctx context.Context, inst *api.Instance) error {
	if err := e.checkpoint(ctx, inst, "notify:pending"); err != nil {
		return infra(err)
	}

	n := api.Notification{
		Kind:           api.NotifyApprovalRequest,
		Summary:        approvalSummary(inst),
		CorrelationKey: inst.CorrelationKey,
		Actions:        []api.Decision{api.DecisionApprove, api.DecisionReject, api.DecisionChange},
	}

	ref, err := e.notifyGuarded(ctx, inst, kindApprovalNotify, inst.ID+":"+kindApprovalNotify, n)
	if err != nil {
		return err
	}

	corr := &persistence.Correlation{
		CorrelationKey: inst.CorrelationKey,
		InstanceID:     inst.ID,
		UserID:         inst.UserID,
		MessageRef:     ref,
		CreatedAt:      e.now(),
	}
	if err := e.store.Correlations.SaveCorrelation(ctx, corr); err != nil &&
		!errors.Is(err, persistence.ErrDuplicateKey) {
		return infra(err)
	}

	if err := e.transition(ctx, inst, api.StateAwaitingApproval); err != nil {
		return infra(err)
	}
	return infraIf(e.checkpoint(ctx, inst, "notify:done"))
}

func (e *engineImpl) stepEnqueueBatch(ctx context.Context, inst *api.Instance) error {
	if err := e.checkpoint(ctx, inst, "batch:pending"); err != nil {
		return err
	}

	entry := &persistence.BatchEntry{
		// Entry id derives from the instance so replays dedupe.
		EntryID:     "be-" + inst.ID,
		UserID:      inst.UserID,
		InstanceID:  inst.ID,
		ScheduledAt: e.now(),
	}
	if cls := inst.Classification; cls != nil {
		entry.Category = cls.Category
		entry.ProposedFolder = cls.ProposedFolder
	}
	entry.Summary = inst.Item.Subject

	if err := e.store.Batch.EnqueueBatch(ctx, entry); err != nil &&
		!errors.Is(err, persistence.ErrDuplicateKey) {
		return err
	}

	return e.finish(ctx, inst, api.ReasonQueued)
}

func (e *engineImpl) stepExecute(ctx context.Context, inst *api.Instance) error {
	if inst.Decision == nil {
		return infra(fmt.Errorf("instance %s resolved without a decision", inst.ID))
	}

	if err := e.checkpoint(ctx, inst, "execute:pending"); err != nil {
		return infra(err)
	}

	result, execErr := e.executor.Execute(ctx, inst, *inst.Decision)
	inst.Result = &result
	if execErr != nil {
		// Persist the partial result before parking.
		inst.UpdatedAt = e.now()
		if err := e.store.Instances.UpdateInstance(ctx, inst); err != nil {
			return infra(err)
		}
		return execErr
	}

	if err := e.transition(ctx, inst, api.StateActionExecuted); err != nil {
		return infra(err)
	}
	return infraIf(e.checkpoint(ctx, inst, "execute:done"))
}

// stepConfirm sends the best-effort completion notice. Its failure is
// observed but never blocks the instance.
func (e *engineImpl) stepConfirm(ctx context.Context, inst *api.Instance) error {
	if err := e.checkpoint(ctx, inst, "confirm:pending"); err != nil {
		return err
	}

	n := api.Notification{
		Kind:    api.NotifyCompleted,
		Summary: confirmSummary(inst),
	}
	if _, err := e.notifyGuarded(ctx, inst, kindConfirmNotice, inst.ID+":"+kindConfirmNotice, n); err != nil && isInfra(err) {
		return err
	}

	if err := e.transition(ctx, inst, api.StateConfirmed); err != nil {
		return err
	}
	return e.checkpoint(ctx, inst, "confirm:done")
}

// notifyGuarded delivers a notification behind a pending-action record so
// replays never double-send.
func (e *engineImpl) notifyGuarded(ctx context.Context, inst *api.Instance, kind, key string, n api.Notification) (string, error) {
	pa, err := e.store.Actions.GetPendingAction(ctx, key)
	switch {
	case err == nil:
		if pa.Status == persistence.ActionSent || pa.Status == persistence.ActionConfirmed {
			return pa.ExternalRef, nil
		}
	case errors.Is(err, persistence.ErrActionNotFound):
		pa = &persistence.PendingAction{
			InstanceID:     inst.ID,
			Kind:           kind,
			IdempotencyKey: key,
			Status:         persistence.ActionPending,
		}
		if createErr := e.store.Actions.CreatePendingAction(ctx, pa); createErr != nil &&
			!errors.Is(createErr, persistence.ErrDuplicateKey) {
			return "", infra(createErr)
		}
	default:
		return "", infra(err)
	}

	var ref api.MessageRef
	callErr := retry.Do(ctx, e.retryPol, func(attempt int, err error, d time.Duration) {
		e.obs.OnPortCall(ctx, inst, "notifier.notify", attempt, err, d)
	}, func(ctx context.Context) error {
		r, err := e.ports.Notifier.Notify(ctx, inst.UserID, n)
		if err == nil {
			ref = r
		}
		return err
	})

	if callErr != nil {
		pa.Status = persistence.ActionFailed
		pa.LastError = callErr.Error()
		if err := e.store.Actions.UpdatePendingAction(ctx, pa); err != nil {
			return "", infra(err)
		}
		return "", callErr
	}

	pa.Status = persistence.ActionSent
	pa.ExternalRef = string(ref)
	if err := e.store.Actions.UpdatePendingAction(ctx, pa); err != nil {
		return "", infra(err)
	}
	pa.Status = persistence.ActionConfirmed
	if err := e.store.Actions.UpdatePendingAction(ctx, pa); err != nil {
		return "", infra(err)
	}
	return string(ref), nil
}

// park writes the blocked/manual-review marker and sends exactly one
// "needs attention" notification. The item is parked, not dropped, and
// sibling instances are unaffected.
func (e *engineImpl) park(ctx context.Context, inst *api.Instance, reason api.TerminalReason, cause error) (*api.Outcome, error) {
	inst.Err = cause.Error()
	if err := e.finishQuiet(ctx, inst, reason); err != nil {
		return nil, err
	}
	e.obs.OnBlocked(ctx, inst, cause)

	// One distinct failure alert, not one per retry attempt. Guarded so
	// a replay cannot send a second one; its own failure is tolerated.
	alert := api.Notification{
		Kind:    api.NotifyActionFailed,
		Summary: failureSummary(inst, cause),
	}
	_, _ = e.notifyGuarded(ctx, inst, kindFailureAlert, inst.ID+":"+kindFailureAlert, alert)

	return e.outcomeOf(inst), nil
}

func (e *engineImpl) finish(ctx context.Context, inst *api.Instance, reason api.TerminalReason) error {
	if err := e.finishQuiet(ctx, inst, reason); err != nil {
		return err
	}
	e.obs.OnCompleted(ctx, inst)
	return nil
}

func (e *engineImpl) finishQuiet(ctx context.Context, inst *api.Instance, reason api.TerminalReason) error {
	inst.Terminal = reason
	if err := e.transition(ctx, inst, api.StateTerminal); err != nil {
		return err
	}
	return e.checkpoint(ctx, inst, "terminal:"+string(reason))
}

func (e *engineImpl) transition(ctx context.Context, inst *api.Instance, to api.State) error {
	from := inst.State
	inst.State = to
	inst.UpdatedAt = e.now()
	if err := e.store.Instances.UpdateInstance(ctx, inst); err != nil {
		inst.State = from
		return err
	}
	e.obs.OnStateChange(ctx, inst, from, to)
	return nil
}

func (e *engineImpl) checkpoint(ctx context.Context, inst *api.Instance, step string) error {
	snap, err := persistence.EncodeValue(*inst)
	if err != nil {
		return err
	}
	_, err = e.store.Checkpoints.AppendCheckpoint(ctx, &persistence.Checkpoint{
		InstanceID: inst.ID,
		State:      inst.State,
		Step:       step,
		Snapshot:   snap,
		CreatedAt:  e.now(),
	})
	return err
}

func (e *engineImpl) outcomeOf(inst *api.Instance) *api.Outcome {
	return &api.Outcome{
		InstanceID: inst.ID,
		State:      inst.State,
		Terminal:   inst.Terminal,
		Suspended:  inst.State == api.StateAwaitingApproval,
		Result:     inst.Result,
	}
}

func approvalSummary(inst *api.Instance) string {
	s := "Priority mail from " + inst.Item.From + ": " + inst.Item.Subject
	if cls := inst.Classification; cls != nil && cls.NeedsResponse {
		s += " (reply drafted)"
	}
	return s
}

func confirmSummary(inst *api.Instance) string {
	return "Done: " + inst.Item.Subject
}

func failureSummary(inst *api.Instance, cause error) string {
	return "Action failed, needs attention: " + inst.Item.Subject + " (" + cause.Error() + ")"
}

// infraError wraps persistence failures so drive can tell them apart from
// port failures: the former abort, the latter park.
type infraError struct{ err error }

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

func infra(err error) error {
	if err == nil {
		return nil
	}
	return &infraError{err: err}
}

func infraIf(err error) error { return infra(err) }

func isInfra(err error) bool {
	var ie *infraError
	return errors.As(err, &ie)
}
