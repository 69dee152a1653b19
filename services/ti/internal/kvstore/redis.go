package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/pkg/errors"
	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/ioc"
)

// DefaultRedisPrefix prefixes the Redis keys of every collection.
const DefaultRedisPrefix = "ti:kv"

// RedisStore keeps each collection as a Redis hash of _key to JSON record.
// Defined collections are members of the "<prefix>:collections" set.
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
		logger: logger.With("component", "kvstore", "backend", "redis"),
	}
}

func (s *RedisStore) collectionsKey() string {
	return s.prefix + ":collections"
}

func (s *RedisStore) hashKey(name string) string {
	return s.prefix + ":" + name
}

// CollectionExists reports whether the collection was created.
func (s *RedisStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.collectionsKey(), name).Result()
	if err != nil {
		return false, apperrors.Store(err, "check collection").WithDetail("collection", name)
	}
	return ok, nil
}

// CreateCollection registers the collection.
func (s *RedisStore) CreateCollection(ctx context.Context, name string) error {
	if err := s.client.SAdd(ctx, s.collectionsKey(), name).Err(); err != nil {
		return apperrors.Store(err, "create collection").WithDetail("collection", name)
	}
	return nil
}

// UpsertBatch writes every record in a single pipelined HSET.
func (s *RedisStore) UpsertBatch(ctx context.Context, name string, records []ioc.Record) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]interface{}, 0, 2*len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		values = append(values, r.Key, data)
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.collectionsKey(), name)
	pipe.HSet(ctx, s.hashKey(name), values...)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Store(err, "upsert records").WithDetail("collection", name)
	}
	s.logger.Debug("batch saved", "collection", name, "records", len(records))
	return nil
}

// DeleteByKey removes a record. A missing key is a NotFound error.
func (s *RedisStore) DeleteByKey(ctx context.Context, name, key string) error {
	n, err := s.client.HDel(ctx, s.hashKey(name), key).Result()
	if err != nil {
		return apperrors.Store(err, "delete record").WithDetail("collection", name).WithDetail("key", key)
	}
	if n == 0 {
		return apperrors.NotFound("record").WithDetail("collection", name).WithDetail("key", key)
	}
	return nil
}

// Get reads one record.
func (s *RedisStore) Get(ctx context.Context, name, key string) (ioc.Record, bool, error) {
	data, err := s.client.HGet(ctx, s.hashKey(name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ioc.Record{}, false, nil
	}
	if err != nil {
		return ioc.Record{}, false, apperrors.Store(err, "read record").WithDetail("collection", name)
	}
	var r ioc.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return ioc.Record{}, false, err
	}
	return r, true, nil
}

// Count returns the number of records in a collection.
func (s *RedisStore) Count(ctx context.Context, name string) (int64, error) {
	n, err := s.client.HLen(ctx, s.hashKey(name)).Result()
	if err != nil {
		return 0, apperrors.Store(err, "count records").WithDetail("collection", name)
	}
	return n, nil
}
