package config

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// InitRedis returns a lock client, or nil when Redis is not configured.
func InitRedis(ctx context.Context, cfg *Config) (*redis.Client, *redislock.Client, error) {
	if !cfg.RedisEnabled() {
		return nil, nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		PoolSize: 50,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddress, err)
	}
	return rdb, redislock.New(rdb), nil
}
