package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/goliatone/go-workflow"
)

// RedisClient captures the commands RedisStore needs. Get returns nil, nil
// for missing keys.
type RedisClient interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, expiration time.Duration) (bool, error)
	// CompareAndSet writes value only while key still holds expected, nil
	// expected meaning absent. The check and the write are atomic on the server.
	CompareAndSet(ctx context.Context, key string, expected, value []byte, expiration time.Duration) (bool, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisStore persists checkpoints as encoded values keyed by execution and
// tracks them in a set for queries. A save swaps the payload it read for the
// new one, so writers in different processes still see version conflicts.
type RedisStore struct {
	client RedisClient
	codec  Codec
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore builds a store on client.
func NewRedisStore(client RedisClient, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{
		client: client,
		codec:  o.codec,
		prefix: o.keyPrefix,
		ttl:    o.ttl,
		now:    o.now,
	}
}

func (s *RedisStore) checkpointKey(workflowID, executionID string) string {
	return s.prefix + "checkpoint:" + strings.TrimSpace(workflowID) + ":" + strings.TrimSpace(executionID)
}

func (s *RedisStore) leaseKey(workflowID, executionID string) string {
	return s.prefix + "lease:" + strings.TrimSpace(workflowID) + ":" + strings.TrimSpace(executionID)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "executions"
}

func (s *RedisStore) configured() error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	return nil
}

func (s *RedisStore) CreateExecution(ctx context.Context, workflowID, executionID string, ec *workflow.ExecutionContext) (*Checkpoint, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	cp := New(workflowID, executionID, ec)
	if err := cp.validate(); err != nil {
		return nil, err
	}
	if _, err := applyVersion(cp, nil, s.now()); err != nil {
		return nil, err
	}
	payload, err := s.codec.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/redis: encode: %w", err)
	}
	key := s.checkpointKey(cp.WorkflowID, cp.ExecutionID)

	ok, err := s.client.SetNX(ctx, key, payload, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/redis: create: %w", err)
	}
	if !ok {
		return nil, ErrExecutionExists
	}
	if err := s.client.SAdd(ctx, s.indexKey(), key); err != nil {
		return nil, fmt.Errorf("checkpoint/redis: index: %w", err)
	}
	return cp, nil
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) (int, error) {
	if err := s.configured(); err != nil {
		return 0, err
	}
	if err := cp.validate(); err != nil {
		return 0, err
	}
	next := cp.Clone()
	key := s.checkpointKey(next.WorkflowID, next.ExecutionID)

	current, raw, err := s.loadRaw(ctx, key)
	if err != nil {
		return 0, err
	}
	version, err := applyVersion(next, current, s.now())
	if err != nil {
		return 0, err
	}
	payload, err := s.codec.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("checkpoint/redis: encode: %w", err)
	}
	swapped, err := s.client.CompareAndSet(ctx, key, raw, payload, s.ttl)
	if err != nil {
		return 0, fmt.Errorf("checkpoint/redis: save: %w", err)
	}
	if !swapped {
		return 0, ErrVersionConflict
	}
	if current == nil {
		if err := s.client.SAdd(ctx, s.indexKey(), key); err != nil {
			return 0, fmt.Errorf("checkpoint/redis: index: %w", err)
		}
	}
	return version, nil
}

func (s *RedisStore) LoadLatestCheckpoint(ctx context.Context, workflowID, executionID string) (*Checkpoint, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	return s.loadKey(ctx, s.checkpointKey(workflowID, executionID))
}

func (s *RedisStore) loadKey(ctx context.Context, key string) (*Checkpoint, error) {
	cp, _, err := s.loadRaw(ctx, key)
	return cp, err
}

// loadRaw also returns the stored bytes, the expected value of a later swap.
func (s *RedisStore) loadRaw(ctx context.Context, key string) (*Checkpoint, []byte, error) {
	raw, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint/redis: load: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil, nil
	}
	var cp Checkpoint
	if err := s.codec.Unmarshal(raw, &cp); err != nil {
		return nil, nil, fmt.Errorf("checkpoint/redis: decode %s: %w", key, err)
	}
	return &cp, raw, nil
}

// TryAcquireLease follows the SET NX pattern: a fresh claim wins outright,
// the current owner extends the expiry, anyone else waits for the key to lapse.
func (s *RedisStore) TryAcquireLease(ctx context.Context, workflowID, executionID, owner string, ttl time.Duration) (bool, error) {
	if err := s.configured(); err != nil {
		return false, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return false, errors.New("lease owner required")
	}
	if ttl <= 0 {
		ttl = workflow.DefaultLeaseDuration
	}
	key := s.leaseKey(workflowID, executionID)

	ok, err := s.client.SetNX(ctx, key, []byte(owner), ttl)
	if err != nil {
		return false, fmt.Errorf("checkpoint/redis: acquire lease: %w", err)
	}
	if ok {
		return true, nil
	}
	current, err := s.client.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("checkpoint/redis: read lease: %w", err)
	}
	if current == nil {
		// expired between the two calls
		return s.client.SetNX(ctx, key, []byte(owner), ttl)
	}
	if string(current) != owner {
		return false, nil
	}
	if err := s.client.Expire(ctx, key, ttl); err != nil {
		return false, fmt.Errorf("checkpoint/redis: renew lease: %w", err)
	}
	return true, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, workflowID, executionID, owner string) error {
	if err := s.configured(); err != nil {
		return err
	}
	key := s.leaseKey(workflowID, executionID)
	current, err := s.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("checkpoint/redis: read lease: %w", err)
	}
	if string(current) != strings.TrimSpace(owner) {
		return nil
	}
	return s.client.Del(ctx, key)
}

// scan loads every indexed checkpoint, pruning index entries whose key expired.
func (s *RedisStore) scan(ctx context.Context, visit func(key string, cp *Checkpoint, size int) error) error {
	keys, err := s.client.SMembers(ctx, s.indexKey())
	if err != nil {
		return fmt.Errorf("checkpoint/redis: list executions: %w", err)
	}
	for _, key := range keys {
		raw, err := s.client.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("checkpoint/redis: load: %w", err)
		}
		if len(raw) == 0 {
			_ = s.client.SRem(ctx, s.indexKey(), key)
			continue
		}
		var cp Checkpoint
		if err := s.codec.Unmarshal(raw, &cp); err != nil {
			return fmt.Errorf("checkpoint/redis: decode %s: %w", key, err)
		}
		if err := visit(key, &cp, len(raw)); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) QueryExecutions(ctx context.Context, workflowID string, q Query) ([]*Checkpoint, error) {
	if err := s.configured(); err != nil {
		return nil, err
	}
	workflowID = strings.TrimSpace(workflowID)
	var out []*Checkpoint
	err := s.scan(ctx, func(_ string, cp *Checkpoint, _ int) error {
		if workflowID != "" && cp.WorkflowID != workflowID {
			return nil
		}
		if q.Matches(cp) {
			out = append(out, cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q.page(out), nil
}

func (s *RedisStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	if err := s.configured(); err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-age)
	removed := 0
	err := s.scan(ctx, func(key string, cp *Checkpoint, _ int) error {
		if !cp.LastUpdated.Before(cutoff) {
			return nil
		}
		if err := s.client.Del(ctx, key, s.leaseKey(cp.WorkflowID, cp.ExecutionID)); err != nil {
			return fmt.Errorf("checkpoint/redis: delete %s: %w", key, err)
		}
		if err := s.client.SRem(ctx, s.indexKey(), key); err != nil {
			return fmt.Errorf("checkpoint/redis: unindex %s: %w", key, err)
		}
		removed++
		return nil
	})
	return removed, err
}

func (s *RedisStore) Statistics(ctx context.Context) (Stats, error) {
	if err := s.configured(); err != nil {
		return Stats{}, err
	}
	var (
		stats Stats
		size  int
	)
	err := s.scan(ctx, func(_ string, cp *Checkpoint, n int) error {
		stats.count(cp.Status)
		size += n
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	if stats.Total > 0 {
		stats.AverageSize = float64(size) / float64(stats.Total)
	}
	return stats, nil
}

// GoRedisClient adapts a go-redis client to RedisClient.
type GoRedisClient struct {
	client goredis.UniversalClient
}

var _ RedisClient = (*GoRedisClient)(nil)

// NewGoRedisClient wraps client.
func NewGoRedisClient(client goredis.UniversalClient) *GoRedisClient {
	return &GoRedisClient{client: client}
}

func (c *GoRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	return raw, err
}

func (c *GoRedisClient) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *GoRedisClient) SetNX(ctx context.Context, key string, value []byte, expiration time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, expiration).Result()
}

// CompareAndSet watches key and commits the SET in a MULTI block, so a
// concurrent write between the read and the commit aborts the transaction.
func (c *GoRedisClient) CompareAndSet(ctx context.Context, key string, expected, value []byte, expiration time.Duration) (bool, error) {
	err := c.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if !bytes.Equal(current, expected) {
			return goredis.TxFailedErr
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, value, expiration)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *GoRedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.client.Expire(ctx, key, expiration).Err()
}

func (c *GoRedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *GoRedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return c.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (c *GoRedisClient) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return c.client.SRem(ctx, key, toAny(members)...).Err()
}

func (c *GoRedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.client.SMembers(ctx, key).Result()
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
