package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BloomConfig configures the RedisBloom filter key.
type BloomConfig struct {
	Key       string        // e.g. "proximity:seen"
	TTL       time.Duration // sliding expiry, reset on every add
	Capacity  int           // BF.RESERVE capacity
	ErrorRate float64       // BF.RESERVE false positive rate
}

// DefaultBloomConfig returns the filter settings used by the worker.
func DefaultBloomConfig() BloomConfig {
	return BloomConfig{
		Key:       "proximity:seen",
		TTL:       30 * 24 * time.Hour,
		Capacity:  200_000,
		ErrorRate: 0.001,
	}
}

// RedisBloom implements Filter with RedisBloom BF.* commands.
type RedisBloom struct {
	client redis.UniversalClient
	cfg    BloomConfig
	logger *zap.Logger
}

// NewRedisBloom wraps client and reserves the filter if the key is absent.
// A failed BF.RESERVE is logged and ignored; BF.ADD auto-creates the filter
// with module defaults.
func NewRedisBloom(ctx context.Context, client redis.UniversalClient, cfg BloomConfig, logger *zap.Logger) *RedisBloom {
	rb := &RedisBloom{client: client, cfg: cfg, logger: logger}

	exists, err := client.Exists(ctx, cfg.Key).Result()
	if err == nil && exists == 0 {
		err := client.Do(ctx, "BF.RESERVE", cfg.Key, fmt.Sprintf("%f", cfg.ErrorRate), cfg.Capacity).Err()
		if err != nil {
			logger.Warn("BF.RESERVE failed, relying on auto-create",
				zap.String("key", cfg.Key),
				zap.Error(err),
			)
		}
	}
	return rb
}

// Exists runs BF.EXISTS.
func (r *RedisBloom) Exists(ctx context.Context, key string) (bool, error) {
	res, err := r.client.Do(ctx, "BF.EXISTS", r.cfg.Key, key).Result()
	if err != nil {
		return false, err
	}
	switch v := res.(type) {
	case int64:
		return v == 1, nil
	case bool:
		return v, nil
	case string:
		return v == "1", nil
	default:
		return false, fmt.Errorf("unexpected BF.EXISTS response type %T", res)
	}
}

// Add runs BF.ADD and slides the key's expiry forward.
func (r *RedisBloom) Add(ctx context.Context, key string) error {
	if err := r.client.Do(ctx, "BF.ADD", r.cfg.Key, key).Err(); err != nil {
		return err
	}
	return r.client.Expire(ctx, r.cfg.Key, r.cfg.TTL).Err()
}
