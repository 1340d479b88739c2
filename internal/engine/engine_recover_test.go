package engine

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/mailflow/internal/persistence"
	"github.com/petrijr/mailflow/pkg/api"
)

// seedInstance persists an instance as a crashed process would have left
// it, without going through Start.
func seedInstance(t *testing.T, store *persistence.InMemoryStore, inst *api.Instance) {
	t.Helper()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
		inst.UpdatedAt = inst.CreatedAt
	}
	if err := store.SaveInstance(context.Background(), inst); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}
}

func TestRecoverStuckReplaysFromCreated(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	seedInstance(t, env.store, &api.Instance{
		ID:             "crashed-1",
		CorrelationKey: "ck-crashed-1",
		ItemRef:        "msg-9",
		UserID:         "u-1",
		Item:           api.Item{Ref: "msg-9", UserID: "u-1", Subject: "Interrupted"},
		State:          api.StateCreated,
	})

	n, err := env.engine.RecoverStuck(ctx)
	if err != nil {
		t.Fatalf("RecoverStuck failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d instances, want 1", n)
	}

	inst, err := env.engine.GetInstance(ctx, "crashed-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if inst.State != api.StateAwaitingApproval {
		t.Fatalf("recovered instance in %s, want AWAITING_APPROVAL", inst.State)
	}
	if len(env.notifier.byKind(api.NotifyApprovalRequest)) != 1 {
		t.Fatal("recovery did not send the approval request")
	}
}

func TestRecoverStuckDoesNotResendNotification(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	// Crashed after notify succeeded but before the state advanced: the
	// pending-action record and the correlation already exist.
	inst := &api.Instance{
		ID:             "crashed-2",
		CorrelationKey: "ck-crashed-2",
		ItemRef:        "msg-10",
		UserID:         "u-1",
		Item:           api.Item{Ref: "msg-10", UserID: "u-1", Subject: "Nearly suspended"},
		State:          api.StateRoutedImmediate,
		Classification: &api.Classification{PriorityScore: 90, ProposedFolder: "Important"},
		PriorityScore:  90,
		IsPriority:     true,
	}
	seedInstance(t, env.store, inst)

	err := env.store.CreatePendingAction(ctx, &persistence.PendingAction{
		InstanceID:     inst.ID,
		Kind:           kindApprovalNotify,
		IdempotencyKey: inst.ID + ":" + kindApprovalNotify,
		Status:         persistence.ActionConfirmed,
		ExternalRef:    "m-earlier",
	})
	if err != nil {
		t.Fatalf("CreatePendingAction failed: %v", err)
	}
	err = env.store.SaveCorrelation(ctx, &persistence.Correlation{
		CorrelationKey: inst.CorrelationKey,
		InstanceID:     inst.ID,
		UserID:         inst.UserID,
		MessageRef:     "m-earlier",
	})
	if err != nil {
		t.Fatalf("SaveCorrelation failed: %v", err)
	}

	if _, err := env.engine.RecoverStuck(ctx); err != nil {
		t.Fatalf("RecoverStuck failed: %v", err)
	}

	got, err := env.engine.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.State != api.StateAwaitingApproval {
		t.Fatalf("recovered instance in %s, want AWAITING_APPROVAL", got.State)
	}
	if len(env.notifier.sent) != 0 {
		t.Fatalf("recovery re-sent %d notifications", len(env.notifier.sent))
	}
}

func TestRecoverStuckFinishesInterruptedExecution(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	// Crashed mid-execution: decision recorded, reply already sent and
	// confirmed, label never attempted.
	inst := &api.Instance{
		ID:             "crashed-3",
		CorrelationKey: "ck-crashed-3",
		ItemRef:        "msg-11",
		UserID:         "u-1",
		Item:           api.Item{Ref: "msg-11", UserID: "u-1", Subject: "Half executed"},
		State:          api.StateResolved,
		Classification: &api.Classification{
			PriorityScore:  90,
			ProposedFolder: "Important",
			NeedsResponse:  true,
			DraftReply:     "Draft.",
		},
		Decision:      &api.DecisionInput{Decision: api.DecisionApprove},
		PriorityScore: 90,
		IsPriority:    true,
	}
	seedInstance(t, env.store, inst)

	err := env.store.CreatePendingAction(ctx, &persistence.PendingAction{
		InstanceID:     inst.ID,
		Kind:           "send-reply",
		IdempotencyKey: inst.ID + ":send-reply",
		Status:         persistence.ActionConfirmed,
		ExternalRef:    "sent-msg-11",
	})
	if err != nil {
		t.Fatalf("CreatePendingAction failed: %v", err)
	}

	if _, err := env.engine.RecoverStuck(ctx); err != nil {
		t.Fatalf("RecoverStuck failed: %v", err)
	}

	got, err := env.engine.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.State != api.StateTerminal || got.Terminal != api.ReasonDone {
		t.Fatalf("recovered instance %s/%s, want terminal done", got.State, got.Terminal)
	}
	if got.Result == nil || !got.Result.ReplySent || !got.Result.LabelApplied {
		t.Fatalf("recovered result %+v", got.Result)
	}

	if env.mailbox.replyCalls != 0 {
		t.Fatalf("recovery re-sent the reply: %d calls", env.mailbox.replyCalls)
	}
	if env.mailbox.labelCalls != 1 {
		t.Fatalf("label attempted %d times, want 1", env.mailbox.labelCalls)
	}
}

func TestRecoverStuckLeavesSuspendedAlone(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sentBefore := len(env.notifier.sent)

	n, err := env.engine.RecoverStuck(ctx)
	if err != nil {
		t.Fatalf("RecoverStuck failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("recovered %d instances, want 0", n)
	}

	inst, err := env.engine.GetInstance(ctx, out.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if inst.State != api.StateAwaitingApproval {
		t.Fatalf("suspended instance moved to %s", inst.State)
	}
	if len(env.notifier.sent) != sentBefore {
		t.Fatal("recovery disturbed a suspended instance")
	}
}
