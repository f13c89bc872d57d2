package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"famledger/internal/domain/reconciliation"
)

// DefaultTTL bounds how long a crashed instance can hold a batch lock.
const DefaultTTL = 30 * time.Second

type obtainer interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// RedisLocker implements reconciliation.BatchLocker with a Redis lease.
type RedisLocker struct {
	client obtainer
	ttl    time.Duration
	logger logrus.FieldLogger
}

// NewRedisLocker creates a locker backed by rdb
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, logger logrus.FieldLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		logger: logger.WithField("component", "redis_locker"),
	}
}

// Lock obtains key without retrying. A held key yields
// reconciliation.ErrBatchInProgress.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		l.logger.WithField("key", key).Warn("Could not obtain batch lock")
		return nil, reconciliation.ErrBatchInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}

	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.WithField("key", key).Warn("Batch lock expired before release")
			return nil
		}
		return err
	}, nil
}

// Connect opens a Redis client and checks it with a ping.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}
