package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "shoptraffic:dedup:"
	defaultOpTimeout = 100 * time.Millisecond
	resetScanBatch   = 500
)

// RedisAdmitter shares admissions across replicas with SET NX. When Redis is
// unreachable or slower than the op timeout it degrades to the local fallback
// cache, which makes dedup per-replica until Redis recovers.
type RedisAdmitter struct {
	client     redis.UniversalClient
	fallback   *Cache
	logger     *zap.Logger
	prefix     string
	opTimeout  time.Duration
	onFallback func()
}

// RedisOption configures a RedisAdmitter.
type RedisOption func(*RedisAdmitter)

// WithKeyPrefix sets the namespace of dedup keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisAdmitter) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithOpTimeout bounds each Redis command.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(r *RedisAdmitter) {
		if d > 0 {
			r.opTimeout = d
		}
	}
}

// WithFallbackHook is called each time an admission is served locally.
func WithFallbackHook(fn func()) RedisOption {
	return func(r *RedisAdmitter) { r.onFallback = fn }
}

// NewRedisAdmitter wires a Redis client with a local fallback.
func NewRedisAdmitter(client redis.UniversalClient, fallback *Cache, logger *zap.Logger, opts ...RedisOption) *RedisAdmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RedisAdmitter{
		client:    client,
		fallback:  fallback,
		logger:    logger,
		prefix:    defaultKeyPrefix,
		opTimeout: defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Admit implements Admitter.
func (r *RedisAdmitter) Admit(ctx context.Context, key string, window time.Duration) bool {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	ok, err := r.client.SetNX(opCtx, r.prefix+key, 1, window).Result()
	if err != nil {
		r.logger.Warn("redis dedup unavailable, using local cache",
			zap.String("key", key),
			zap.Error(err),
		)
		if r.onFallback != nil {
			r.onFallback()
		}
		return r.fallback.Admit(ctx, key, window)
	}
	if ok {
		// mirrored locally so an outage inside the window still suppresses
		r.fallback.Admit(ctx, key, window)
	}
	return ok
}

// Release implements Admitter.
func (r *RedisAdmitter) Release(ctx context.Context, key string) {
	r.fallback.Release(ctx, key)

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	if err := r.client.Del(opCtx, r.prefix+key).Err(); err != nil {
		r.logger.Warn("redis dedup release failed", zap.String("key", key), zap.Error(err))
	}
}

// Reset implements Admitter. It removes every key under the admitter's
// prefix. The scan is bounded by ctx only.
func (r *RedisAdmitter) Reset(ctx context.Context) error {
	_ = r.fallback.Reset(ctx)

	iter := r.client.Scan(ctx, 0, r.prefix+"*", resetScanBatch).Iterator()
	batch := make([]string, 0, resetScanBatch)
	removed := 0
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			removed += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		removed += len(batch)
	}
	r.logger.Info("redis dedup keys removed", zap.String("prefix", r.prefix), zap.Int("count", removed))
	return nil
}
