package lock

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Redis is a Locker shared by every daemon instance pointing at the same
// Redis. Each hold is leased for ttl; a crashed holder frees the key when
// the lease runs out.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedis creates a distributed locker. ttl must exceed the longest craft.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "craftd:lock:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, poll: 25 * time.Millisecond}
}

// Acquire implements Locker by polling SET NX until it wins or wait runs out.
func (r *Redis) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	token := uuid.NewString()
	redisKey := r.prefix + key

	var deadline time.Time
	if wait > 0 {
		deadline = time.Now().Add(wait)
	}

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return func() {
				// Release must succeed even if the caller's ctx is gone.
				relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := unlockScript.Run(relCtx, r.client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
					log.Printf("lock: release %s failed: %v", key, err)
				}
			}, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.poll):
		}
	}
}
