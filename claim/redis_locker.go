package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock only if it is still held by the caller,
// so a slow claimant cannot release a lock that already expired and was
// re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX on a shared Redis. Meant
// for deployments where the document hierarchy lives on a network
// filesystem whose exclusive-create semantics cannot be trusted. Stale
// locks expire through the key TTL, so Sweep has nothing to do.
type RedisLocker struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// RedisLockerConfig configures a RedisLocker.
type RedisLockerConfig struct {
	// Addr is the Redis server address, host:port.
	Addr string `yaml:"addr"`

	// Password is the optional Redis password.
	Password string `yaml:"password"`

	// DB is the Redis database number.
	DB int `yaml:"db"`

	// KeyPrefix namespaces the lock keys.
	KeyPrefix string `yaml:"key_prefix"`

	// TTL bounds how long a leaked lock can block a task.
	TTL time.Duration `yaml:"ttl"`
}

// DefaultRedisLockerConfig returns sensible defaults.
func DefaultRedisLockerConfig() RedisLockerConfig {
	return RedisLockerConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "taskfold:lock:",
		TTL:       30 * time.Second,
	}
}

// NewRedisLocker connects a locker to Redis.
func NewRedisLocker(config RedisLockerConfig, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "taskfold:lock:"
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return &RedisLocker{
		client:    client,
		keyPrefix: config.KeyPrefix,
		ttl:       config.TTL,
		logger:    logger.With(zap.String("component", "redis_locker")),
	}
}

// NewRedisLockerWithClient wraps an existing client, used by tests.
func NewRedisLockerWithClient(client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger.With(zap.String("component", "redis_locker")),
	}
}

func (l *RedisLocker) key(taskID string) string {
	return l.keyPrefix + taskID
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, taskID, holder string) error {
	ok, err := l.client.SetNX(ctx, l.key(taskID), holder, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire redis lock for %s: %w", taskID, err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, taskID, holder string) error {
	released, err := releaseScript.Run(ctx, l.client, []string{l.key(taskID)}, holder).Int()
	if err != nil {
		return fmt.Errorf("release redis lock for %s: %w", taskID, err)
	}
	if released == 0 {
		l.logger.Debug("lock already expired or re-acquired",
			zap.String("task_id", taskID),
			zap.String("holder", holder),
		)
	}
	return nil
}

// Sweep implements Locker. Redis expires stale locks through the TTL.
func (l *RedisLocker) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

// Close closes the underlying Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

var _ Locker = (*RedisLocker)(nil)
