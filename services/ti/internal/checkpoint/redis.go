package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
)

// DefaultRedisPrefix prefixes every checkpoint key in Redis.
const DefaultRedisPrefix = "ti:checkpoint"

// RedisStore keeps checkpoints as plain Redis strings under a key prefix.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "checkpoint", "backend", "redis"),
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// Get reads the value of key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Store(err, "read checkpoint").WithDetail("key", key)
	}
	return value, true, nil
}

// Put overwrites the value of key. Checkpoints never expire.
func (s *RedisStore) Put(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return apperrors.Store(err, "write checkpoint").WithDetail("key", key)
	}
	s.logger.Debug("checkpoint saved", "key", key)
	return nil
}

// Keys lists the stored keys without their prefix.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key("*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix+":"))
	}
	if err := iter.Err(); err != nil {
		return nil, apperrors.Store(err, "list checkpoints")
	}
	return keys, nil
}
