package photocache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis.
// It is designed to work with github.com/redis/go-redis/v9. Entries are
// written without TTL; the cache never expires results on its own.
type RedisStore struct {
	client *redis.Client
	prefix string // Optional key prefix (e.g., "photocache:")
}

// NewRedisStore creates a new Redis-backed store.
// The prefix parameter allows namespacing keys to avoid conflicts.
// If prefix is empty, "photocache:" is used by default.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "photocache:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// NewRedisStoreFromURL creates a Redis store from a connection URL.
// Example: "redis://localhost:6379/0" or "redis://:password@localhost:6379/1"
func NewRedisStoreFromURL(url string, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisStore(client, prefix), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, data []byte) error {
	// TTL 0: entries live until cleared or overwritten.
	return s.client.Set(ctx, s.prefix+key, data, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis delete failed: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Usage(ctx context.Context) (Usage, error) {
	var u Usage
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		n, err := s.client.StrLen(ctx, iter.Val()).Result()
		if err != nil {
			return Usage{}, fmt.Errorf("redis strlen failed: %w", err)
		}
		u.Entries++
		u.Bytes += n
	}
	if err := iter.Err(); err != nil {
		return Usage{}, fmt.Errorf("redis scan failed: %w", err)
	}
	return u, nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
