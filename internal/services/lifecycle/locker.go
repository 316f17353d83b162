package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// Locker serializes transitions of one batch across server instances.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

type NopLocker struct{}

func (NopLocker) Lock(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client *redislock.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrBatchLocked
	}
	if err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
