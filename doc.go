// Package mailflow is a durable, human-in-the-loop triage engine for
// inbound mail. Each arriving item becomes a persistent workflow instance
// that is classified, routed by priority, and either held for the user's
// explicit approval or parked for a batch digest. Side effects (reply
// send, label apply, notifications) execute exactly once per instance,
// across retries and process restarts.
//
// The core ideas:
//
//   - Suspension is data, not a goroutine. A priority item waiting for
//     approval holds no thread; the instance is persisted in
//     AWAITING_APPROVAL with an opaque correlation key, and a decision
//     callback re-enters the engine through that key hours or days later.
//
//   - Every step is checkpointed. The engine writes an append-only
//     checkpoint before and after each external call, so a crash at any
//     point replays from the last checkpoint on startup (RecoverStuck).
//
//   - Side effects are guarded. Each external call is preceded by a
//     pending-action record keyed by a deterministic idempotency key;
//     replays and duplicate callbacks short-circuit on the record instead
//     of re-executing the call.
//
//   - Failures park, never crash. A permanently failing action moves its
//     one instance to a blocked terminal state with a single "needs
//     attention" alert; sibling instances are untouched.
//
// Minimal usage:
//
//	eng, err := mailflow.NewInMemoryEngine(mailflow.Ports{
//		Classifier: myClassifier,
//		Notifier:   myMessenger,
//		Mailbox:    myMailAPI,
//	})
//	if err != nil { ... }
//
//	out, err := eng.Start(ctx, mailflow.Item{
//		Ref:     "msg-123",
//		UserID:  "u-1",
//		From:    "boss@example.com",
//		Subject: "Contract deadline",
//	})
//	// out.Suspended == true for priority items; resume later:
//	out, err = eng.Resume(ctx, out.InstanceID, mailflow.DecisionInput{
//		Decision: mailflow.DecisionApprove,
//	})
//
// For durable deployments use NewSQLiteBundle or NewPostgresBundle, which
// wire the engine together with a task queue, the decision gateway, the
// digest scheduler, and a worker pool sharing one database.
package mailflow
