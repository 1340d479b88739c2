package persistence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/mailflow/pkg/api"
)

// RedisStore implements InstanceStore and CorrelationStore backed by
// Redis. It uses a simple key structure:
//
//	<prefix>inst:<id>             => gob-encoded instance payload
//	<prefix>inst-by-corr:<key>    => instance id
//	<prefix>idx:all               => SET of all instance IDs
//	<prefix>idx:state:<state>     => SET of instance IDs per state
//	<prefix>lease:<id>            => lease owner, with TTL
//	<prefix>corr:<key>            => gob-encoded correlation
//
// The indexes are best-effort; they are always updated on Save/Update,
// and ListInstances uses them for filtering. Correlations in Redis make a
// natural pairing with a SQL instance store in deployments where callback
// lookup volume dominates.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ InstanceStore    = (*RedisStore)(nil)
	_ CorrelationStore = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore with the given key prefix, for
// example "mailflow:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

type redisInstancePayload struct {
	Instance api.Instance
}

func (s *RedisStore) instKey(id string) string     { return s.prefix + "inst:" + id }
func (s *RedisStore) corrIdxKey(key string) string { return s.prefix + "inst-by-corr:" + key }
func (s *RedisStore) stateKey(st api.State) string { return s.prefix + "idx:state:" + string(st) }
func (s *RedisStore) leaseKey(id string) string    { return s.prefix + "lease:" + id }
func (s *RedisStore) corrKey(key string) string    { return s.prefix + "corr:" + key }
func (s *RedisStore) allKey() string               { return s.prefix + "idx:all" }

func (s *RedisStore) writeInstance(ctx context.Context, inst *api.Instance, prevState api.State) error {
	payload, err := EncodeValue(redisInstancePayload{Instance: *inst})
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.instKey(inst.ID), payload, 0)
	pipe.Set(ctx, s.corrIdxKey(inst.CorrelationKey), inst.ID, 0)
	pipe.SAdd(ctx, s.allKey(), inst.ID)
	if prevState != "" && prevState != inst.State {
		pipe.SRem(ctx, s.stateKey(prevState), inst.ID)
	}
	pipe.SAdd(ctx, s.stateKey(inst.State), inst.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SaveInstance(ctx context.Context, inst *api.Instance) error {
	ok, err := s.client.SetNX(ctx, s.instKey(inst.ID), "", 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateKey
	}
	return s.writeInstance(ctx, inst, "")
}

func (s *RedisStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	prev, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	return s.writeInstance(ctx, inst, prev.State)
}

func (s *RedisStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	data, err := s.client.Get(ctx, s.instKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		// Placeholder written by SaveInstance's SETNX before the payload.
		return nil, ErrInstanceNotFound
	}

	payload, err := DecodeValue[redisInstancePayload](data)
	if err != nil {
		return nil, err
	}
	inst := payload.Instance
	return &inst, nil
}

func (s *RedisStore) GetInstanceByCorrelation(ctx context.Context, key string) (*api.Instance, error) {
	id, err := s.client.Get(ctx, s.corrIdxKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, id)
}

func (s *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	setKey := s.allKey()
	if filter.State != "" {
		setKey = s.stateKey(filter.State)
	}

	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	var out []*api.Instance
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if errors.Is(err, ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.UserID != "" && inst.UserID != filter.UserID {
			continue
		}
		if filter.Terminal != "" && inst.Terminal != filter.Terminal {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *RedisStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return false, err
	}

	ok, err := s.client.SetNX(ctx, s.leaseKey(instanceID), owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	// Re-entrant for the same owner.
	holder, err := s.client.Get(ctx, s.leaseKey(instanceID)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		return s.client.SetNX(ctx, s.leaseKey(instanceID), owner, ttl).Result()
	}
	if err != nil {
		return false, err
	}
	if holder == owner {
		return true, s.client.Set(ctx, s.leaseKey(instanceID), owner, ttl).Err()
	}
	return false, nil
}

func (s *RedisStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	holder, err := s.client.Get(ctx, s.leaseKey(instanceID)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && holder != owner) {
		return errors.New("lease not held by " + owner)
	}
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.leaseKey(instanceID), owner, ttl).Err()
}

func (s *RedisStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	holder, err := s.client.Get(ctx, s.leaseKey(instanceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if holder == owner {
		return s.client.Del(ctx, s.leaseKey(instanceID)).Err()
	}
	return nil
}

func (s *RedisStore) SaveCorrelation(ctx context.Context, c *Correlation) error {
	payload, err := EncodeValue(*c)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.corrKey(c.CorrelationKey), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateKey
	}
	return nil
}

func (s *RedisStore) GetCorrelation(ctx context.Context, key string) (*Correlation, error) {
	data, err := s.client.Get(ctx, s.corrKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCorrelationNotFound
	}
	if err != nil {
		return nil, err
	}

	c, err := DecodeValue[Correlation](data)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisStore) DeleteCorrelation(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.corrKey(key)).Err()
}
