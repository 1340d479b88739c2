package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/petrijr/mailflow/pkg/api"
)

// runStoreTests exercises the store contract shared by every backend.
// IDs are prefixed per run so the suite is safe against a shared database.
func runStoreTests(t *testing.T, p Persistence) {
	t.Helper()
	prefix := fmt.Sprintf("t%d-", time.Now().UnixNano())

	t.Run("InstanceLifecycle", func(t *testing.T) {
		ctx := context.Background()
		inst := testInstance(prefix, "lifecycle")

		if err := p.Instances.SaveInstance(ctx, inst); err != nil {
			t.Fatalf("SaveInstance failed: %v", err)
		}
		if err := p.Instances.SaveInstance(ctx, inst); !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("duplicate SaveInstance: got %v, want ErrDuplicateKey", err)
		}

		got, err := p.Instances.GetInstance(ctx, inst.ID)
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if got.ItemRef != inst.ItemRef || got.State != api.StateCreated {
			t.Fatalf("round trip mismatch: %+v", got)
		}
		if got.Item.Subject != "Quarterly numbers" {
			t.Fatalf("item not persisted: %+v", got.Item)
		}

		got.State = api.StateClassified
		got.Classification = &api.Classification{
			Category:       "finance",
			ProposedFolder: "Finance",
			PriorityScore:  82,
			NeedsResponse:  true,
			DraftReply:     "On it.",
		}
		got.PriorityScore = 82
		got.UpdatedAt = time.Now()
		if err := p.Instances.UpdateInstance(ctx, got); err != nil {
			t.Fatalf("UpdateInstance failed: %v", err)
		}

		again, err := p.Instances.GetInstance(ctx, inst.ID)
		if err != nil {
			t.Fatalf("GetInstance after update failed: %v", err)
		}
		if again.State != api.StateClassified {
			t.Fatalf("state not updated: %s", again.State)
		}
		if again.Classification == nil || again.Classification.PriorityScore != 82 {
			t.Fatalf("classification not persisted: %+v", again.Classification)
		}

		if _, err := p.Instances.GetInstance(ctx, prefix+"nope"); !errors.Is(err, ErrInstanceNotFound) {
			t.Fatalf("missing instance: got %v, want ErrInstanceNotFound", err)
		}
		if err := p.Instances.UpdateInstance(ctx, testInstance(prefix, "ghost")); !errors.Is(err, ErrInstanceNotFound) {
			t.Fatalf("update of missing instance: got %v, want ErrInstanceNotFound", err)
		}
	})

	t.Run("InstanceByCorrelation", func(t *testing.T) {
		ctx := context.Background()
		inst := testInstance(prefix, "bycorr")

		if err := p.Instances.SaveInstance(ctx, inst); err != nil {
			t.Fatalf("SaveInstance failed: %v", err)
		}

		got, err := p.Instances.GetInstanceByCorrelation(ctx, inst.CorrelationKey)
		if err != nil {
			t.Fatalf("GetInstanceByCorrelation failed: %v", err)
		}
		if got.ID != inst.ID {
			t.Fatalf("wrong instance: got %s, want %s", got.ID, inst.ID)
		}

		if _, err := p.Instances.GetInstanceByCorrelation(ctx, prefix+"unknown-key"); !errors.Is(err, ErrInstanceNotFound) {
			t.Fatalf("unknown correlation: got %v, want ErrInstanceNotFound", err)
		}
	})

	t.Run("ListInstancesFilter", func(t *testing.T) {
		ctx := context.Background()
		user := prefix + "list-user"

		for i, state := range []api.State{api.StateCreated, api.StateAwaitingApproval, api.StateTerminal} {
			inst := testInstance(prefix, fmt.Sprintf("list-%d", i))
			inst.UserID = user
			inst.State = state
			if state == api.StateTerminal {
				inst.Terminal = api.ReasonQueued
			}
			if err := p.Instances.SaveInstance(ctx, inst); err != nil {
				t.Fatalf("SaveInstance %d failed: %v", i, err)
			}
		}

		all, err := p.Instances.ListInstances(ctx, InstanceFilter{UserID: user})
		if err != nil {
			t.Fatalf("ListInstances failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 instances for user, got %d", len(all))
		}

		waiting, err := p.Instances.ListInstances(ctx, InstanceFilter{UserID: user, State: api.StateAwaitingApproval})
		if err != nil {
			t.Fatalf("ListInstances by state failed: %v", err)
		}
		if len(waiting) != 1 {
			t.Fatalf("expected 1 waiting instance, got %d", len(waiting))
		}

		queued, err := p.Instances.ListInstances(ctx, InstanceFilter{UserID: user, Terminal: api.ReasonQueued})
		if err != nil {
			t.Fatalf("ListInstances by terminal failed: %v", err)
		}
		if len(queued) != 1 {
			t.Fatalf("expected 1 queued instance, got %d", len(queued))
		}
	})

	t.Run("CheckpointSequence", func(t *testing.T) {
		ctx := context.Background()
		instID := prefix + "cp-inst"

		if _, err := p.Checkpoints.LatestCheckpoint(ctx, instID); !errors.Is(err, ErrInstanceNotFound) {
			t.Fatalf("no checkpoints: got %v, want ErrInstanceNotFound", err)
		}

		for i, step := range []string{"classify:pending", "classify:done", "route:done"} {
			seq, err := p.Checkpoints.AppendCheckpoint(ctx, &Checkpoint{
				InstanceID: instID,
				State:      api.StateCreated,
				Step:       step,
				Snapshot:   []byte{byte(i)},
			})
			if err != nil {
				t.Fatalf("AppendCheckpoint %q failed: %v", step, err)
			}
			if seq != int64(i+1) {
				t.Fatalf("step %q: got seq %d, want %d", step, seq, i+1)
			}
		}

		latest, err := p.Checkpoints.LatestCheckpoint(ctx, instID)
		if err != nil {
			t.Fatalf("LatestCheckpoint failed: %v", err)
		}
		if latest.Seq != 3 || latest.Step != "route:done" {
			t.Fatalf("latest = seq %d step %q, want seq 3 step route:done", latest.Seq, latest.Step)
		}

		cps, err := p.Checkpoints.ListCheckpoints(ctx, instID)
		if err != nil {
			t.Fatalf("ListCheckpoints failed: %v", err)
		}
		if len(cps) != 3 {
			t.Fatalf("expected 3 checkpoints, got %d", len(cps))
		}
		for i, cp := range cps {
			if cp.Seq != int64(i+1) {
				t.Fatalf("checkpoint %d has seq %d", i, cp.Seq)
			}
		}
	})

	t.Run("PendingActions", func(t *testing.T) {
		ctx := context.Background()
		instID := prefix + "pa-inst"
		key := instID + ":send-reply"

		if _, err := p.Actions.GetPendingAction(ctx, key); !errors.Is(err, ErrActionNotFound) {
			t.Fatalf("missing action: got %v, want ErrActionNotFound", err)
		}

		pa := &PendingAction{
			InstanceID:     instID,
			Kind:           "send-reply",
			IdempotencyKey: key,
			Status:         ActionPending,
		}
		if err := p.Actions.CreatePendingAction(ctx, pa); err != nil {
			t.Fatalf("CreatePendingAction failed: %v", err)
		}
		if err := p.Actions.CreatePendingAction(ctx, pa); !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("duplicate create: got %v, want ErrDuplicateKey", err)
		}

		pa.Status = ActionSent
		pa.ExternalRef = "prov-123"
		if err := p.Actions.UpdatePendingAction(ctx, pa); err != nil {
			t.Fatalf("UpdatePendingAction failed: %v", err)
		}

		got, err := p.Actions.GetPendingAction(ctx, key)
		if err != nil {
			t.Fatalf("GetPendingAction failed: %v", err)
		}
		if got.Status != ActionSent || got.ExternalRef != "prov-123" {
			t.Fatalf("action not updated: %+v", got)
		}

		all, err := p.Actions.ListPendingActions(ctx, instID)
		if err != nil {
			t.Fatalf("ListPendingActions failed: %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("expected 1 action, got %d", len(all))
		}
	})

	t.Run("BatchQueueAndMarker", func(t *testing.T) {
		ctx := context.Background()
		user := prefix + "batch-user"

		for i := 0; i < 3; i++ {
			e := &BatchEntry{
				EntryID:     fmt.Sprintf("%sentry-%d", prefix, i),
				UserID:      user,
				InstanceID:  fmt.Sprintf("%sbatch-inst-%d", prefix, i),
				Category:    "newsletter",
				Summary:     "Weekly update",
				ScheduledAt: time.Now().Add(time.Duration(i) * time.Second),
			}
			if err := p.Batch.EnqueueBatch(ctx, e); err != nil {
				t.Fatalf("EnqueueBatch %d failed: %v", i, err)
			}
		}

		dup := &BatchEntry{EntryID: prefix + "entry-0", UserID: user, ScheduledAt: time.Now()}
		if err := p.Batch.EnqueueBatch(ctx, dup); !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("duplicate entry: got %v, want ErrDuplicateKey", err)
		}

		entries, err := p.Batch.ListBatch(ctx, user)
		if err != nil {
			t.Fatalf("ListBatch failed: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}

		users, err := p.Batch.ListBatchUsers(ctx)
		if err != nil {
			t.Fatalf("ListBatchUsers failed: %v", err)
		}
		found := false
		for _, u := range users {
			if u == user {
				found = true
			}
		}
		if !found {
			t.Fatalf("user %s missing from ListBatchUsers: %v", user, users)
		}

		if _, err := p.Batch.GetDispatchMarker(ctx, user); !errors.Is(err, ErrMarkerNotFound) {
			t.Fatalf("missing marker: got %v, want ErrMarkerNotFound", err)
		}

		marker := &DispatchMarker{
			UserID:       user,
			DigestID:     prefix + "dg-1",
			EntryIDs:     []string{prefix + "entry-0", prefix + "entry-1"},
			DispatchedAt: time.Now(),
		}
		if err := p.Batch.SaveDispatchMarker(ctx, marker); err != nil {
			t.Fatalf("SaveDispatchMarker failed: %v", err)
		}

		got, err := p.Batch.GetDispatchMarker(ctx, user)
		if err != nil {
			t.Fatalf("GetDispatchMarker failed: %v", err)
		}
		if got.DigestID != marker.DigestID || len(got.EntryIDs) != 2 {
			t.Fatalf("marker mismatch: %+v", got)
		}

		// Overwrite is allowed: one marker per user.
		marker.DigestID = prefix + "dg-2"
		marker.EntryIDs = []string{prefix + "entry-2"}
		if err := p.Batch.SaveDispatchMarker(ctx, marker); err != nil {
			t.Fatalf("marker overwrite failed: %v", err)
		}

		if err := p.Batch.DeleteBatch(ctx, []string{prefix + "entry-0", prefix + "entry-1"}); err != nil {
			t.Fatalf("DeleteBatch failed: %v", err)
		}
		// Deleting already-deleted ids is a no-op.
		if err := p.Batch.DeleteBatch(ctx, []string{prefix + "entry-0"}); err != nil {
			t.Fatalf("repeat DeleteBatch failed: %v", err)
		}

		left, err := p.Batch.ListBatch(ctx, user)
		if err != nil {
			t.Fatalf("ListBatch after delete failed: %v", err)
		}
		if len(left) != 1 || left[0].EntryID != prefix+"entry-2" {
			t.Fatalf("expected only entry-2 left, got %+v", left)
		}
	})

	t.Run("Correlations", func(t *testing.T) {
		ctx := context.Background()
		key := prefix + "corr-key"

		if _, err := p.Correlations.GetCorrelation(ctx, key); !errors.Is(err, ErrCorrelationNotFound) {
			t.Fatalf("missing correlation: got %v, want ErrCorrelationNotFound", err)
		}

		c := &Correlation{
			CorrelationKey: key,
			InstanceID:     prefix + "corr-inst",
			UserID:         prefix + "corr-user",
			MessageRef:     "msg-9",
			CreatedAt:      time.Now(),
		}
		if err := p.Correlations.SaveCorrelation(ctx, c); err != nil {
			t.Fatalf("SaveCorrelation failed: %v", err)
		}
		if err := p.Correlations.SaveCorrelation(ctx, c); !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("duplicate correlation: got %v, want ErrDuplicateKey", err)
		}

		got, err := p.Correlations.GetCorrelation(ctx, key)
		if err != nil {
			t.Fatalf("GetCorrelation failed: %v", err)
		}
		if got.InstanceID != c.InstanceID || got.MessageRef != "msg-9" {
			t.Fatalf("correlation mismatch: %+v", got)
		}

		if err := p.Correlations.DeleteCorrelation(ctx, key); err != nil {
			t.Fatalf("DeleteCorrelation failed: %v", err)
		}
		// Idempotent delete.
		if err := p.Correlations.DeleteCorrelation(ctx, key); err != nil {
			t.Fatalf("repeat DeleteCorrelation failed: %v", err)
		}
		if _, err := p.Correlations.GetCorrelation(ctx, key); !errors.Is(err, ErrCorrelationNotFound) {
			t.Fatalf("deleted correlation: got %v, want ErrCorrelationNotFound", err)
		}
	})
}

func testInstance(prefix, suffix string) *api.Instance {
	now := time.Now()
	return &api.Instance{
		ID:             prefix + suffix,
		CorrelationKey: prefix + "ck-" + suffix,
		ItemRef:        "msg-" + suffix,
		UserID:         prefix + "user",
		Item: api.Item{
			Ref:        "msg-" + suffix,
			UserID:     prefix + "user",
			From:       "cfo@example.com",
			Subject:    "Quarterly numbers",
			ReceivedAt: now,
		},
		State:     api.StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
