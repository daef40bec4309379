package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds the configuration for the Redis snapshot store
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string        // Key holding the snapshot
	Timeout  time.Duration // Per operation timeout
}

// DefaultRedisConfig returns the default Redis snapshot configuration
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:    "localhost:6379",
		Key:     "tataru:translation-cache",
		Timeout: 5 * time.Second,
	}
}

// RedisPersister keeps the cache snapshot under a single Redis key,
// so several assistant instances can share a warm cache.
type RedisPersister struct {
	client  *redis.Client
	key     string
	timeout time.Duration
	logger  *zap.Logger
}

// NewRedisPersister connects to Redis and pings it before returning
func NewRedisPersister(ctx context.Context, cfg *RedisConfig, logger *zap.Logger) (*RedisPersister, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("connected to redis", zap.String("redis_address", cfg.Addr))

	key := cfg.Key
	if key == "" {
		key = DefaultRedisConfig().Key
	}

	return &RedisPersister{
		client:  rdb,
		key:     key,
		timeout: cfg.Timeout,
		logger:  logger.With(zap.String("component", "RedisPersister")),
	}, nil
}

// Load reads the snapshot. A missing key yields an empty snapshot.
func (p *RedisPersister) Load(ctx context.Context) ([]Entry, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	data, err := p.client.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", p.key, err)
	}
	return decodeSnapshot(data)
}

// Save replaces the snapshot. SET is atomic so readers see the old or the new snapshot.
func (p *RedisPersister) Save(ctx context.Context, entries []Entry) error {
	data, err := encodeSnapshot(entries)
	if err != nil {
		return err
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	if err := p.client.Set(ctx, p.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", p.key, err)
	}

	p.logger.Debug("snapshot stored", zap.Int("entries", len(entries)))
	return nil
}

// Close closes the Redis client connection
func (p *RedisPersister) Close() error {
	return p.client.Close()
}

func (p *RedisPersister) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}
