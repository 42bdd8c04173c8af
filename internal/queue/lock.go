package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// KeyLock is a best-effort mutual exclusion lock shared by every replica
// talking to the same redis. A holder that outlives ttl loses the lock.
type KeyLock struct {
	redis *redis.Client
	ttl   time.Duration
	retry time.Duration
}

func NewKeyLock(rdb *redis.Client, ttl time.Duration) *KeyLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &KeyLock{redis: rdb, ttl: ttl, retry: 25 * time.Millisecond}
}

func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	key = "codemate:lock:" + key
	token := newJobID()
	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock setnx: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		_ = releaseLockScript.Run(context.Background(), l.redis, []string{key}, token).Err()
	}, nil
}
