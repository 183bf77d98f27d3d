package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for RedisGuard.
type RedisConfig struct {
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Window    time.Duration `mapstructure:"window"`
}

// RedisGuard coordinates cooldowns across instances with SET NX EX, so two
// processes racing on the same key cannot both acquire it.
type RedisGuard struct {
	rdb    redis.UniversalClient
	prefix string
	window time.Duration
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisGuard, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Address, err)
	}
	return NewRedisWithClient(rdb, cfg.KeyPrefix, cfg.Window), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb redis.UniversalClient, prefix string, window time.Duration) *RedisGuard {
	if window <= 0 {
		window = DefaultWindow
	}
	if prefix == "" {
		prefix = "wazuhsync:cooldown:"
	}
	return &RedisGuard{rdb: rdb, prefix: prefix, window: window}
}

// TryAcquire sets the key only if absent; the TTL implements the window.
func (g *RedisGuard) TryAcquire(ctx context.Context, key Key) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, g.prefix+key.String(), time.Now().UTC().Unix(), g.window).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown setnx %s: %w", key, err)
	}
	return ok, nil
}

// Close releases the underlying connection pool.
func (g *RedisGuard) Close() error {
	return g.rdb.Close()
}
