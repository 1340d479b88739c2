// Package digest drains a user's batch queue into a single digest
// notification. Dispatch is at-least-once; the dispatch marker plus stable
// entry ids keep redelivery invisible to the user.
package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/mailflow/internal/persistence"
	"github.com/petrijr/mailflow/internal/retry"
	"github.com/petrijr/mailflow/pkg/api"
)

// Scheduler assembles and dispatches batch digests.
type Scheduler struct {
	batch    persistence.BatchQueueStore
	notifier api.Notifier
	policy   api.RetryPolicy
	obs      api.Observer

	now func() time.Time
}

// New creates a Scheduler. A nil observer defaults to no-op.
func New(batch persistence.BatchQueueStore, notifier api.Notifier, policy api.RetryPolicy, obs api.Observer) *Scheduler {
	if obs == nil {
		obs = api.NoopObserver{}
	}
	return &Scheduler{
		batch:    batch,
		notifier: notifier,
		policy:   policy,
		obs:      obs,
		now:      time.Now,
	}
}

// DrainAndDispatch sends one digest covering all of userID's queued
// entries and removes them from the queue. It returns the number of
// entries dispatched; zero with a nil error means the queue was empty.
//
// Ordering is notify, then marker, then delete. A crash after notify
// redispatches under the same entry ids, which the channel deduplicates;
// a crash after the marker is repaired by reconcile on the next tick
// without a second notification.
func (s *Scheduler) DrainAndDispatch(ctx context.Context, userID string) (int, error) {
	if err := s.reconcile(ctx, userID); err != nil {
		return 0, err
	}

	entries, err := s.batch.ListBatch(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	digestID := "dg-" + uuid.NewString()
	n := api.Notification{
		Kind:     api.NotifyDigest,
		Summary:  fmt.Sprintf("%d items handled while you were away", len(entries)),
		DigestID: digestID,
		Entries:  make([]api.DigestEntry, 0, len(entries)),
	}
	entryIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		entryIDs = append(entryIDs, e.EntryID)
		n.Entries = append(n.Entries, api.DigestEntry{
			EntryID:        e.EntryID,
			InstanceID:     e.InstanceID,
			Category:       e.Category,
			ProposedFolder: e.ProposedFolder,
			Summary:        e.Summary,
		})
	}

	err = retry.Do(ctx, s.policy, func(attempt int, err error, d time.Duration) {
		s.obs.OnPortCall(ctx, nil, "notifier.digest", attempt, err, d)
	}, func(ctx context.Context) error {
		_, err := s.notifier.Notify(ctx, userID, n)
		return err
	})
	if err != nil {
		// Entries stay queued; the next tick retries the whole digest.
		return 0, err
	}

	marker := &persistence.DispatchMarker{
		UserID:       userID,
		DigestID:     digestID,
		EntryIDs:     entryIDs,
		DispatchedAt: s.now(),
	}
	if err := s.batch.SaveDispatchMarker(ctx, marker); err != nil {
		return 0, err
	}
	if err := s.batch.DeleteBatch(ctx, entryIDs); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// DrainAll dispatches a digest for every user with queued entries.
func (s *Scheduler) DrainAll(ctx context.Context) (int, error) {
	users, err := s.batch.ListBatchUsers(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, u := range users {
		n, err := s.DrainAndDispatch(ctx, u)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Run dispatches digests on a fixed interval until ctx is done. Errors
// from a tick are reported to the observer and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.DrainAll(ctx); err != nil {
				s.obs.OnPortCall(ctx, nil, "digest.tick", 1, err, 0)
			}
		}
	}
}

// reconcile finishes an interrupted dispatch: entries the last marker
// already covered are deleted without being redispatched.
func (s *Scheduler) reconcile(ctx context.Context, userID string) error {
	marker, err := s.batch.GetDispatchMarker(ctx, userID)
	if err != nil {
		if errors.Is(err, persistence.ErrMarkerNotFound) {
			return nil
		}
		return err
	}
	if len(marker.EntryIDs) == 0 {
		return nil
	}
	return s.batch.DeleteBatch(ctx, marker.EntryIDs)
}
