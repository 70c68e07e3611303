package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of the redis client RedisStore uses
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps inbox entries as JSON strings that expire with their TTL
type RedisStore struct {
	client RedisClient
	prefix string
}

// NewRedisStore creates a store; keys are prefixed with prefix
func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "rxscan:inbox:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, *Entry, error) {
	data, err := json.Marshal(Entry{Status: StatusStarted, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return false, nil, err
	}
	ok, err := s.client.SetNX(ctx, s.prefix+key, data, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return true, nil, nil
	}

	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return s.Claim(ctx, key, ttl)
	}
	if err != nil {
		return false, nil, fmt.Errorf("redis get: %w", err)
	}
	var existing Entry
	if err := json.Unmarshal(raw, &existing); err != nil {
		return false, nil, fmt.Errorf("decode inbox entry: %w", err)
	}
	return false, &existing, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, data, ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
