package keystore

import (
	"context"
	"fmt"

	"geo_torii/internal/dataType"

	"github.com/redis/go-redis/v9"
)

const redisAllowedField = "allowed_addresses"

// RedisStore keeps one hash per API key at <prefix><api_key> with an
// allowed_addresses field holding the JSON array.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func OpenRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis acl: empty dsn")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping acl redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Lookup(ctx context.Context, apiKey string) (*dataType.AccessControlEntry, error) {
	fields, err := s.client.HGetAll(ctx, s.prefix+apiKey).Result()
	if err != nil {
		return nil, fmt.Errorf("query acl: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	entry := &dataType.AccessControlEntry{APIKey: apiKey}
	if v, ok := fields[redisAllowedField]; ok {
		entry.AllowedAddresses = &v
	}
	return entry, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
