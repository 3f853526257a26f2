// Package redis provides a checkpoint.Store backed by Redis, for deployments
// that already run Redis and do not want a DynamoDB dependency for
// checkpointing. Items are stored as JSON under a key derived from the batch
// key; SET NX/XX provide the same insert/update conditions the DynamoDB store
// expresses with condition expressions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/checkpoint"
	"goa.design/shardflow/faults"
)

const keyPrefix = "shardflow:checkpoint:"

// Client mirrors the subset of the go-redis client required by the store. It
// matches *redis.Client (and *redis.ClusterClient) so callers can pass either
// the real client or a mock in tests.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	SetXX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store implements checkpoint.Store on top of Redis.
type Store struct {
	client Client
	ttl    time.Duration
}

// New constructs a Redis checkpoint store. A zero ttl stores items without
// expiry.
func New(client Client, ttl time.Duration) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis: client is required")
	}
	return &Store{client: client, ttl: ttl}, nil
}

// Load implements checkpoint.Store. Returns (nil, nil) when the key has never
// been saved (or its item expired).
func (s *Store) Load(ctx context.Context, key batch.Key) (*checkpoint.Item, error) {
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Transient("load checkpoint item", err)
	}
	var it checkpoint.Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, faults.Fatal("unmarshal checkpoint item", err)
	}
	return &it, nil
}

// Save implements checkpoint.Store. Inserts use SET NX, updates SET XX; a
// false reply means the condition lost and maps to
// checkpoint.ErrConditionFailed.
func (s *Store) Save(ctx context.Context, it *checkpoint.Item, insert bool) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return faults.Fatal("marshal checkpoint item", err)
	}
	key := redisKey(it.Key())
	var cmd *redis.BoolCmd
	if insert {
		cmd = s.client.SetNX(ctx, key, raw, s.ttl)
	} else {
		cmd = s.client.SetXX(ctx, key, raw, s.ttl)
	}
	ok, err := cmd.Result()
	if err != nil {
		return faults.Transient("save checkpoint item", err)
	}
	if !ok {
		return checkpoint.ErrConditionFailed
	}
	return nil
}

// Delete implements checkpoint.Store. Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, key batch.Key) error {
	if err := s.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return faults.Transient("delete checkpoint item", err)
	}
	return nil
}

func redisKey(key batch.Key) string {
	return keyPrefix + key.StreamConsumerID + ":" + key.ShardOrEventID
}
