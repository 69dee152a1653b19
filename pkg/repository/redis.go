package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns a lease.
var ErrLockHeld = errors.New("lock held by another process")

// ErrLockLost is the cancellation cause of a holder whose lease expired or
// was taken over.
var ErrLockLost = errors.New("lock lost")

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addresses        []string      `json:"addresses" yaml:"addresses"`
	Password         string        `json:"password" yaml:"password"`
	DB               int           `json:"db" yaml:"db"`
	MaxRetries       int           `json:"max_retries" yaml:"max_retries"`
	PoolSize         int           `json:"pool_size" yaml:"pool_size"`
	DialTimeout      time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout      time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ClusterMode      bool          `json:"cluster_mode" yaml:"cluster_mode"`
	MasterName       string        `json:"master_name" yaml:"master_name"` // For Sentinel mode
	SentinelPassword string        `json:"sentinel_password" yaml:"sentinel_password"`
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addresses:    []string{"localhost:6379"},
		MaxRetries:   3,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisConn represents a Redis connection wrapper.
type RedisConn struct {
	client redis.UniversalClient
	config RedisConfig
}

// NewRedisConn creates a new Redis connection and verifies it with a ping.
func NewRedisConn(cfg RedisConfig) (*RedisConn, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("redis: at least one address is required")
	}

	var client redis.UniversalClient
	switch {
	case cfg.ClusterMode:
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Password:     cfg.Password,
			MaxRetries:   cfg.MaxRetries,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	case cfg.MasterName != "":
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.Addresses,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.Password,
			DB:               cfg.DB,
			MaxRetries:       cfg.MaxRetries,
			PoolSize:         cfg.PoolSize,
			DialTimeout:      cfg.DialTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			WriteTimeout:     cfg.WriteTimeout,
		})
	default:
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addresses[0],
			Password:     cfg.Password,
			DB:           cfg.DB,
			MaxRetries:   cfg.MaxRetries,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisConn{client: client, config: cfg}, nil
}

// Close closes the Redis connection.
func (c *RedisConn) Close() error {
	return c.client.Close()
}

// Ping tests the connection.
func (c *RedisConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// IsHealthy returns true if the connection is healthy.
func (c *RedisConn) IsHealthy(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// Client returns the underlying Redis client.
func (c *RedisConn) Client() redis.UniversalClient {
	return c.client
}

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the lock only when the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLock hands out short leases so that a source is processed by a single
// process at a time when several connectors share a Redis.
type RedisLock struct {
	conn   *RedisConn
	prefix string
	ttl    time.Duration
}

// NewRedisLock creates a lease manager. Keys are "<prefix>:lock:<name>".
func NewRedisLock(conn *RedisConn, prefix string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLock{conn: conn, prefix: prefix, ttl: ttl}
}

func (l *RedisLock) key(name string) string {
	if l.prefix == "" {
		return "lock:" + name
	}
	return l.prefix + ":lock:" + name
}

// WithLock executes fn while holding the lease for name. ErrLockHeld is
// returned without calling fn when another holder owns it.
func (l *RedisLock) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	token := uuid.NewString()

	ok, err := l.conn.client.SetNX(ctx, l.key(name), token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrLockHeld)
	}

	defer func() {
		// The caller's context may already be cancelled at this point.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		releaseScript.Run(releaseCtx, l.conn.client, []string{l.key(name)}, token)
	}()

	leaseCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	done := make(chan struct{})
	defer close(done)
	go l.renew(leaseCtx, name, token, done, cancel)

	return fn(leaseCtx)
}

// renew extends the lease every third of its TTL until done is closed. The
// holder is cancelled with ErrLockLost once the lease is no longer its own.
func (l *RedisLock) renew(ctx context.Context, name, token string, done <-chan struct{}, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := renewScript.Run(ctx, l.conn.client, []string{l.key(name)}, token, l.ttl.Milliseconds()).Int()
			if err != nil {
				// retried on the next tick while the lease is still valid
				continue
			}
			if n == 0 {
				cancel(fmt.Errorf("%s: %w", name, ErrLockLost))
				return
			}
		}
	}
}
