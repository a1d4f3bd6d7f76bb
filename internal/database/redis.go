package database

import (
	"context"
	"fmt"
	"time"

	"github.com/radiusdt/shoptraffic/internal/config"
	"github.com/radiusdt/shoptraffic/internal/dedup"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDB holds the client shared by dedup replicas and the namespace its
// keys live under.
type RedisDB struct {
	Client    *redis.Client
	keyPrefix string
	opTimeout time.Duration
	logger    *zap.Logger
}

func redisOptions(cfg config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
		PoolTimeout:  cfg.OpTimeout,
		// a failed command falls back to the local cache instead
		MaxRetries: -1,
	}
}

// NewRedisDB connects to Redis and verifies the connection.
func NewRedisDB(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisDB, error) {
	client := redis.NewClient(redisOptions(cfg))

	if err := pingWithRetry(ctx, func(ctx context.Context) error { return client.Ping(ctx).Err() }, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.String("key_prefix", cfg.KeyPrefix),
		zap.Duration("op_timeout", cfg.OpTimeout),
	)

	return &RedisDB{
		Client:    client,
		keyPrefix: cfg.KeyPrefix,
		opTimeout: cfg.OpTimeout,
		logger:    logger,
	}, nil
}

// DedupAdmitter builds a shared admitter under this connection's namespace
// and command timeout. Extra options are applied last.
func (r *RedisDB) DedupAdmitter(fallback *dedup.Cache, logger *zap.Logger, opts ...dedup.RedisOption) *dedup.RedisAdmitter {
	base := []dedup.RedisOption{
		dedup.WithKeyPrefix(r.keyPrefix + "dedup:"),
		dedup.WithOpTimeout(r.opTimeout),
	}
	return dedup.NewRedisAdmitter(r.Client, fallback, logger, append(base, opts...)...)
}

// Close closes the client.
func (r *RedisDB) Close() error {
	if r.Client != nil {
		stats := r.Client.PoolStats()
		r.logger.Info("Redis connection closed",
			zap.Uint32("timeouts", stats.Timeouts),
			zap.Uint32("total_conns", stats.TotalConns),
		)
		return r.Client.Close()
	}
	return nil
}

// Health pings Redis.
func (r *RedisDB) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}
