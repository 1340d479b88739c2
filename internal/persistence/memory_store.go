package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/mailflow/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of every store
// interface, backed by maps. Non-durable; intended for tests and local
// development.
type InMemoryStore struct {
	mu sync.RWMutex

	instances    map[string]*api.Instance
	leases       map[string]memLease
	checkpoints  map[string][]*Checkpoint
	actions      map[string]*PendingAction // by idempotency key
	batch        map[string]*BatchEntry    // by entry id
	markers      map[string]*DispatchMarker
	correlations map[string]*Correlation

	now func() time.Time
}

type memLease struct {
	owner   string
	expires time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances:    make(map[string]*api.Instance),
		leases:       make(map[string]memLease),
		checkpoints:  make(map[string][]*Checkpoint),
		actions:      make(map[string]*PendingAction),
		batch:        make(map[string]*BatchEntry),
		markers:      make(map[string]*DispatchMarker),
		correlations: make(map[string]*Correlation),
		now:          time.Now,
	}
}

var (
	_ InstanceStore      = (*InMemoryStore)(nil)
	_ CheckpointStore    = (*InMemoryStore)(nil)
	_ PendingActionStore = (*InMemoryStore)(nil)
	_ BatchQueueStore    = (*InMemoryStore)(nil)
	_ CorrelationStore   = (*InMemoryStore)(nil)
)

// Bundle returns a Persistence with every store backed by s.
func (s *InMemoryStore) Bundle() Persistence {
	return Persistence{
		Instances:    s,
		Checkpoints:  s,
		Actions:      s,
		Batch:        s,
		Correlations: s,
	}
}

func copyInstance(inst *api.Instance) *api.Instance {
	c := *inst
	if inst.Classification != nil {
		cl := *inst.Classification
		c.Classification = &cl
	}
	if inst.Decision != nil {
		d := *inst.Decision
		c.Decision = &d
	}
	if inst.Result != nil {
		r := *inst.Result
		r.Errors = append([]string(nil), inst.Result.Errors...)
		c.Result = &r
	}
	return &c
}

func (s *InMemoryStore) SaveInstance(ctx context.Context, inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrDuplicateKey
	}
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return ErrInstanceNotFound
	}
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return copyInstance(inst), nil
}

func (s *InMemoryStore) GetInstanceByCorrelation(ctx context.Context, key string) (*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instances {
		if inst.CorrelationKey == key {
			return copyInstance(inst), nil
		}
	}
	return nil, ErrInstanceNotFound
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Instance
	for _, inst := range s.instances {
		if filter.UserID != "" && inst.UserID != filter.UserID {
			continue
		}
		if filter.State != "" && inst.State != filter.State {
			continue
		}
		if filter.Terminal != "" && inst.Terminal != filter.Terminal {
			continue
		}
		result = append(result, copyInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[instanceID]; !ok {
		return false, ErrInstanceNotFound
	}

	now := s.now()
	l, held := s.leases[instanceID]
	if held && l.owner != owner && l.expires.After(now) {
		return false, nil
	}

	s.leases[instanceID] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, held := s.leases[instanceID]
	if !held || l.owner != owner {
		return ErrInstanceNotFound
	}
	s.leases[instanceID] = memLease{owner: owner, expires: s.now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.leases[instanceID]; held && l.owner == owner {
		delete(s.leases, instanceID)
	}
	return nil
}

func (s *InMemoryStore) AppendCheckpoint(ctx context.Context, cp *Checkpoint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := int64(len(s.checkpoints[cp.InstanceID]) + 1)
	saved := *cp
	saved.Seq = seq
	saved.Snapshot = append([]byte(nil), cp.Snapshot...)
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = s.now()
	}
	s.checkpoints[cp.InstanceID] = append(s.checkpoints[cp.InstanceID], &saved)
	return seq, nil
}

func (s *InMemoryStore) LatestCheckpoint(ctx context.Context, instanceID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.checkpoints[instanceID]
	if len(cps) == 0 {
		return nil, ErrInstanceNotFound
	}
	cp := *cps[len(cps)-1]
	return &cp, nil
}

func (s *InMemoryStore) ListCheckpoints(ctx context.Context, instanceID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.checkpoints[instanceID]
	out := make([]*Checkpoint, 0, len(cps))
	for _, cp := range cps {
		c := *cp
		out = append(out, &c)
	}
	return out, nil
}

func (s *InMemoryStore) CreatePendingAction(ctx context.Context, pa *PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[pa.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	saved := *pa
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = s.now()
	}
	s.actions[pa.IdempotencyKey] = &saved
	return nil
}

func (s *InMemoryStore) GetPendingAction(ctx context.Context, key string) (*PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pa, ok := s.actions[key]
	if !ok {
		return nil, ErrActionNotFound
	}
	c := *pa
	return &c, nil
}

func (s *InMemoryStore) UpdatePendingAction(ctx context.Context, pa *PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[pa.IdempotencyKey]; !ok {
		return ErrActionNotFound
	}
	saved := *pa
	saved.UpdatedAt = s.now()
	s.actions[pa.IdempotencyKey] = &saved
	return nil
}

func (s *InMemoryStore) ListPendingActions(ctx context.Context, instanceID string) ([]*PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PendingAction
	for _, pa := range s.actions {
		if pa.InstanceID == instanceID {
			c := *pa
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdempotencyKey < out[j].IdempotencyKey })
	return out, nil
}

func (s *InMemoryStore) EnqueueBatch(ctx context.Context, e *BatchEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batch[e.EntryID]; ok {
		return ErrDuplicateKey
	}
	saved := *e
	s.batch[e.EntryID] = &saved
	return nil
}

func (s *InMemoryStore) ListBatch(ctx context.Context, userID string) ([]*BatchEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*BatchEntry
	for _, e := range s.batch {
		if e.UserID == userID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (s *InMemoryStore) DeleteBatch(ctx context.Context, entryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range entryIDs {
		delete(s.batch, id)
	}
	return nil
}

func (s *InMemoryStore) ListBatchUsers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var users []string
	for _, e := range s.batch {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			users = append(users, e.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *InMemoryStore) SaveDispatchMarker(ctx context.Context, m *DispatchMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *m
	saved.EntryIDs = append([]string(nil), m.EntryIDs...)
	s.markers[m.UserID] = &saved
	return nil
}

func (s *InMemoryStore) GetDispatchMarker(ctx context.Context, userID string) (*DispatchMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markers[userID]
	if !ok {
		return nil, ErrMarkerNotFound
	}
	c := *m
	c.EntryIDs = append([]string(nil), m.EntryIDs...)
	return &c, nil
}

func (s *InMemoryStore) SaveCorrelation(ctx context.Context, c *Correlation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.correlations[c.CorrelationKey]; ok {
		return ErrDuplicateKey
	}
	saved := *c
	s.correlations[c.CorrelationKey] = &saved
	return nil
}

func (s *InMemoryStore) GetCorrelation(ctx context.Context, key string) (*Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.correlations[key]
	if !ok {
		return nil, ErrCorrelationNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *InMemoryStore) DeleteCorrelation(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.correlations, key)
	return nil
}
