package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/mailflow/internal/persistence"
	"github.com/petrijr/mailflow/pkg/api"
)

type fakeClassifier struct {
	mu     sync.Mutex
	calls  int
	result api.Classification
	errs   []error // consumed per call; nil entry means success
}

func (c *fakeClassifier) Classify(ctx context.Context, item api.Item) (api.Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return api.Classification{}, err
		}
	}
	return c.result, nil
}

type sentNotification struct {
	UserID string
	N      api.Notification
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []sentNotification
	errFn func(n api.Notification) error
}

func (f *fakeNotifier) Notify(ctx context.Context, userID string, n api.Notification) (api.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errFn != nil {
		if err := f.errFn(n); err != nil {
			return "", err
		}
	}
	f.sent = append(f.sent, sentNotification{UserID: userID, N: n})
	return api.MessageRef("m-" + n.CorrelationKey), nil
}

func (f *fakeNotifier) byKind(kind api.NotificationKind) []sentNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentNotification
	for _, s := range f.sent {
		if s.N.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

type fakeMailbox struct {
	mu         sync.Mutex
	replyCalls int
	labelCalls int
	replyErrs  []error
	labelErrs  []error
	lastBody   string
	lastFolder string
}

func (m *fakeMailbox) SendReply(ctx context.Context, itemRef, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replyCalls++
	m.lastBody = body
	if len(m.replyErrs) > 0 {
		err := m.replyErrs[0]
		m.replyErrs = m.replyErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "sent-" + itemRef, nil
}

func (m *fakeMailbox) ApplyLabel(ctx context.Context, itemRef, folder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labelCalls++
	m.lastFolder = folder
	if len(m.labelErrs) > 0 {
		err := m.labelErrs[0]
		m.labelErrs = m.labelErrs[1:]
		return err
	}
	return nil
}

type testEnv struct {
	engine     api.Engine
	store      *persistence.InMemoryStore
	classifier *fakeClassifier
	notifier   *fakeNotifier
	mailbox    *fakeMailbox
	metrics    *api.BasicMetrics
}

func newTestEnv(t *testing.T, cls api.Classification) *testEnv {
	t.Helper()
	return newTestEnvWith(t, &fakeClassifier{result: cls}, &fakeNotifier{}, &fakeMailbox{})
}

func newTestEnvWith(t *testing.T, c *fakeClassifier, n *fakeNotifier, m *fakeMailbox) *testEnv {
	t.Helper()

	store := persistence.NewInMemoryStore()
	metrics := &api.BasicMetrics{}
	eng, err := New(Options{
		Persistence: store.Bundle(),
		Ports:       api.Ports{Classifier: c, Notifier: n, Mailbox: m},
		Observer:    metrics,
		Retry:       api.RetryPolicy{MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &testEnv{engine: eng, store: store, classifier: c, notifier: n, mailbox: m, metrics: metrics}
}

func priorityClassification() api.Classification {
	return api.Classification{
		Category:       "contract",
		ProposedFolder: "Important",
		PriorityScore:  85,
		NeedsResponse:  true,
		DraftReply:     "Reviewing now, reply by EOD.",
	}
}

func batchClassification() api.Classification {
	return api.Classification{
		Category:       "newsletter",
		ProposedFolder: "Newsletters",
		PriorityScore:  20,
	}
}

func testItem() api.Item {
	return api.Item{
		Ref:        "msg-1",
		UserID:     "u-1",
		From:       "partner@example.com",
		Subject:    "Contract deadline",
		ReceivedAt: time.Now(),
	}
}

func TestPriorityItemSuspendsForApproval(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !out.Suspended {
		t.Fatalf("priority item did not suspend: %+v", out)
	}
	if out.State != api.StateAwaitingApproval {
		t.Fatalf("state %s, want AWAITING_APPROVAL", out.State)
	}

	approvals := env.notifier.byKind(api.NotifyApprovalRequest)
	if len(approvals) != 1 {
		t.Fatalf("expected 1 approval request, got %d", len(approvals))
	}
	n := approvals[0].N
	if n.CorrelationKey == "" {
		t.Fatal("approval request has no correlation key")
	}
	if len(n.Actions) != 3 {
		t.Fatalf("approval request offers %v", n.Actions)
	}

	// Suspension means an open correlation and nothing else pending.
	corr, err := env.store.GetCorrelation(ctx, n.CorrelationKey)
	if err != nil {
		t.Fatalf("GetCorrelation failed: %v", err)
	}
	if corr.InstanceID != out.InstanceID {
		t.Fatalf("correlation points at %s, want %s", corr.InstanceID, out.InstanceID)
	}

	if env.mailbox.replyCalls != 0 || env.mailbox.labelCalls != 0 {
		t.Fatal("mailbox touched before approval")
	}
}

func TestApproveExecutesActionsOnce(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final, err := env.engine.Resume(ctx, out.InstanceID, api.DecisionInput{Decision: api.DecisionApprove})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if final.State != api.StateTerminal || final.Terminal != api.ReasonDone {
		t.Fatalf("final outcome %+v, want terminal done", final)
	}
	if final.Result == nil || !final.Result.ReplySent || !final.Result.LabelApplied {
		t.Fatalf("result %+v, want reply sent and label applied", final.Result)
	}

	if env.mailbox.replyCalls != 1 {
		t.Fatalf("reply sent %d times, want exactly 1", env.mailbox.replyCalls)
	}
	if env.mailbox.lastBody != "Reviewing now, reply by EOD." {
		t.Fatalf("approve used body %q", env.mailbox.lastBody)
	}
	if env.mailbox.lastFolder != "Important" {
		t.Fatalf("approve used folder %q", env.mailbox.lastFolder)
	}

	// Approval consumed the correlation.
	inst, err := env.engine.GetInstance(ctx, out.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if _, err := env.store.GetCorrelation(ctx, inst.CorrelationKey); !errors.Is(err, persistence.ErrCorrelationNotFound) {
		t.Fatalf("correlation still open after resume: %v", err)
	}
}

func TestLowScoreItemQueuesForDigest(t *testing.T) {
	env := newTestEnv(t, batchClassification())
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if out.Suspended {
		t.Fatal("batch item suspended")
	}
	if out.State != api.StateTerminal || out.Terminal != api.ReasonQueued {
		t.Fatalf("outcome %+v, want terminal queued", out)
	}

	entries, err := env.store.ListBatch(ctx, "u-1")
	if err != nil {
		t.Fatalf("ListBatch failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 batch entry, got %d", len(entries))
	}
	if entries[0].InstanceID != out.InstanceID || entries[0].Category != "newsletter" {
		t.Fatalf("entry %+v", entries[0])
	}

	if len(env.notifier.byKind(api.NotifyApprovalRequest)) != 0 {
		t.Fatal("batch item sent an approval request")
	}
	if env.mailbox.replyCalls != 0 || env.mailbox.labelCalls != 0 {
		t.Fatal("batch item touched the mailbox")
	}
}

func TestRejectEndsWithNoSideEffects(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final, err := env.engine.Resume(ctx, out.InstanceID, api.DecisionInput{Decision: api.DecisionReject})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if final.Terminal != api.ReasonRejected {
		t.Fatalf("terminal %s, want rejected", final.Terminal)
	}
	if final.Result == nil || final.Result.ReplySent || final.Result.LabelApplied {
		t.Fatalf("reject result %+v, want explicit no-op", final.Result)
	}
	if env.mailbox.replyCalls != 0 || env.mailbox.labelCalls != 0 {
		t.Fatal("reject touched the mailbox")
	}
}

func TestChangeOverridesDraft(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final, err := env.engine.Resume(ctx, out.InstanceID, api.DecisionInput{
		Decision: api.DecisionChange,
		Reply:    "Actually, next week works better.",
		Folder:   "Follow-up",
	})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if final.Terminal != api.ReasonDone {
		t.Fatalf("terminal %s, want done", final.Terminal)
	}
	if env.mailbox.lastBody != "Actually, next week works better." {
		t.Fatalf("change used body %q", env.mailbox.lastBody)
	}
	if env.mailbox.lastFolder != "Follow-up" {
		t.Fatalf("change used folder %q", env.mailbox.lastFolder)
	}
}

func TestActionFailureParksBlockedWithOneAlert(t *testing.T) {
	transient := api.Transient("apply-label", errors.New("provider timeout"))
	mb := &fakeMailbox{labelErrs: []error{transient, transient, transient}}
	env := newTestEnvWith(t, &fakeClassifier{result: priorityClassification()}, &fakeNotifier{}, mb)
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	final, err := env.engine.Resume(ctx, out.InstanceID, api.DecisionInput{Decision: api.DecisionApprove})
	if err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if final.Terminal != api.ReasonBlocked {
		t.Fatalf("terminal %s, want blocked", final.Terminal)
	}

	// The label got its full retry budget; the reply was sent and stays
	// truthfully reported despite the label failure.
	if mb.labelCalls != 3 {
		t.Fatalf("label attempted %d times, want 3", mb.labelCalls)
	}
	if final.Result == nil || !final.Result.ReplySent || final.Result.LabelApplied {
		t.Fatalf("result %+v", final.Result)
	}

	alerts := env.notifier.byKind(api.NotifyActionFailed)
	if len(alerts) != 1 {
		t.Fatalf("expected exactly 1 failure alert, got %d", len(alerts))
	}

	inst, err := env.engine.GetInstance(ctx, out.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if inst.Err == "" {
		t.Fatal("blocked instance has no recorded error")
	}
}

func TestBlockedInstanceDoesNotAffectSiblings(t *testing.T) {
	transient := api.Transient("apply-label", errors.New("provider timeout"))
	mb := &fakeMailbox{labelErrs: []error{transient, transient, transient}}
	env := newTestEnvWith(t, &fakeClassifier{result: priorityClassification()}, &fakeNotifier{}, mb)
	ctx := context.Background()

	blocked, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := env.engine.Resume(ctx, blocked.InstanceID, api.DecisionInput{Decision: api.DecisionApprove}); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	// A second item sails through; the mailbox has recovered.
	item2 := testItem()
	item2.Ref = "msg-2"
	out2, err := env.engine.Start(ctx, item2)
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	final2, err := env.engine.Resume(ctx, out2.InstanceID, api.DecisionInput{Decision: api.DecisionApprove})
	if err != nil {
		t.Fatalf("second Resume failed: %v", err)
	}
	if final2.Terminal != api.ReasonDone {
		t.Fatalf("sibling terminal %s, want done", final2.Terminal)
	}
}

func TestDuplicateResumeReplaysOutcome(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first, err := env.engine.Resume(ctx, out.InstanceID, api.DecisionInput{Decision: api.DecisionApprove})
	if err != nil {
		t.Fatalf("first Resume failed: %v", err)
	}

	second, err := env.engine.Resume(ctx, out.InstanceID, api.DecisionInput{Decision: api.DecisionApprove})
	if err != nil {
		t.Fatalf("duplicate Resume failed: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("duplicate resume not flagged")
	}
	if second.Terminal != first.Terminal {
		t.Fatalf("replayed terminal %s, want %s", second.Terminal, first.Terminal)
	}
	if second.Result == nil || !second.Result.ReplySent {
		t.Fatalf("replayed result %+v", second.Result)
	}

	if env.mailbox.replyCalls != 1 || env.mailbox.labelCalls != 1 {
		t.Fatalf("duplicate resume re-executed actions: %d/%d calls",
			env.mailbox.replyCalls, env.mailbox.labelCalls)
	}
}

func TestClassifierExhaustionParksManualReview(t *testing.T) {
	transient := api.Transient("classify", errors.New("model overloaded"))
	c := &fakeClassifier{errs: []error{transient, transient, transient}}
	env := newTestEnvWith(t, c, &fakeNotifier{}, &fakeMailbox{})
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if out.Terminal != api.ReasonManualReview {
		t.Fatalf("terminal %s, want manual-review", out.Terminal)
	}
	if c.calls != 3 {
		t.Fatalf("classifier attempted %d times, want 3", c.calls)
	}
	if len(env.notifier.byKind(api.NotifyActionFailed)) != 1 {
		t.Fatal("parked instance did not alert")
	}
}

func TestPermanentClassifierFailureDoesNotRetry(t *testing.T) {
	c := &fakeClassifier{errs: []error{api.Permanent("classify", errors.New("malformed item"))}}
	env := newTestEnvWith(t, c, &fakeNotifier{}, &fakeMailbox{})

	out, err := env.engine.Start(context.Background(), testItem())
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if out.Terminal != api.ReasonManualReview {
		t.Fatalf("terminal %s, want manual-review", out.Terminal)
	}
	if c.calls != 1 {
		t.Fatalf("permanent failure retried: %d calls", c.calls)
	}
}

func TestCancelBeforeExecution(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancelled, err := env.engine.Cancel(ctx, out.InstanceID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Terminal != api.ReasonCancelled {
		t.Fatalf("terminal %s, want cancelled", cancelled.Terminal)
	}
	if env.mailbox.replyCalls != 0 || env.mailbox.labelCalls != 0 {
		t.Fatal("cancel had side effects")
	}

	// The correlation is gone; a late decision replays the cancellation.
	late, err := env.engine.Resume(ctx, out.InstanceID, api.DecisionInput{Decision: api.DecisionApprove})
	if err != nil {
		t.Fatalf("late Resume failed: %v", err)
	}
	if !late.Duplicate || late.Terminal != api.ReasonCancelled {
		t.Fatalf("late resume outcome %+v", late)
	}
}

func TestCancelAfterExecutionRejected(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := env.engine.Resume(ctx, out.InstanceID, api.DecisionInput{Decision: api.DecisionApprove}); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if _, err := env.engine.Cancel(ctx, out.InstanceID); !errors.Is(err, api.ErrCancelAfterExecution) {
		t.Fatalf("Cancel after execution: got %v, want ErrCancelAfterExecution", err)
	}
}

func TestResumeValidatesDecision(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := env.engine.Resume(ctx, out.InstanceID, api.DecisionInput{Decision: "maybe"}); err == nil {
		t.Fatal("invalid decision accepted")
	}
}

func TestStartWritesCheckpointTrail(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cps, err := env.store.ListCheckpoints(ctx, out.InstanceID)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(cps) == 0 {
		t.Fatal("no checkpoints written")
	}
	if cps[0].Step != "classify:pending" {
		t.Fatalf("first checkpoint %q, want classify:pending", cps[0].Step)
	}
	last := cps[len(cps)-1]
	if last.Step != "notify:done" {
		t.Fatalf("last checkpoint %q, want notify:done", last.Step)
	}
	if len(last.Snapshot) == 0 {
		t.Fatal("checkpoint has no snapshot")
	}
}

func TestObserverSeesLifecycle(t *testing.T) {
	env := newTestEnv(t, priorityClassification())
	ctx := context.Background()

	out, err := env.engine.Start(ctx, testItem())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := env.engine.Resume(ctx, out.InstanceID, api.DecisionInput{Decision: api.DecisionApprove}); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	snap := env.metrics.Snapshot()
	if snap.InstancesStarted != 1 {
		t.Fatalf("started %d, want 1", snap.InstancesStarted)
	}
	if snap.InstancesSuspended != 1 {
		t.Fatalf("suspended %d, want 1", snap.InstancesSuspended)
	}
	if snap.InstancesResumed != 1 {
		t.Fatalf("resumed %d, want 1", snap.InstancesResumed)
	}
	if snap.InstancesCompleted != 1 {
		t.Fatalf("completed %d, want 1", snap.InstancesCompleted)
	}
	if snap.PortCalls == 0 {
		t.Fatal("no port calls observed")
	}
}
