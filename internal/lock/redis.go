package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if we still own it
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// RedisLocker provides a Redis-based lock, used when the storage directory
// is shared between machines and a lock file is not reliable
type RedisLocker struct {
	client        *redis.Client
	key           string
	ttl           time.Duration
	retryInterval time.Duration
}

// NewRedisLocker creates a locker on key. The TTL bounds how long a crashed
// holder can block others.
func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:        client,
		key:           key,
		ttl:           ttl,
		retryInterval: defaultRetryInterval,
	}
}

// Lock implements Locker
func (l *RedisLocker) Lock(ctx context.Context) (Lease, error) {
	token := uuid.New().String()
	for {
		// SETNX: Set if not exists
		acquired, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if acquired {
			return &redisLease{client: l.client, key: l.key, token: token}, nil
		}
		if err := wait(ctx, l.retryInterval); err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
	}
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

// Release deletes the key if the token still matches
func (l *redisLease) Release(ctx context.Context) error {
	res, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if res == int64(0) {
		return ErrNotHeld
	}
	return nil
}
