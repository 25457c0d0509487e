package cooldown

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gravitas-games/crafting/internal/store"
)

// Only ever move a timestamp forward; refresh the expiry on every write.
var recordScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
	local cur = tonumber(redis.call("get", key) or "0")
	if tonumber(ARGV[1]) > cur then
		redis.call("set", key, ARGV[1], "px", ARGV[2])
	else
		redis.call("pexpire", key, ARGV[2])
	end
end
return #KEYS`)

// RedisStore keeps cooldown timestamps in Redis so several daemon instances
// share them. Entries expire after the retention window, which stands in
// for explicit pruning.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

var _ store.Cooldowns = (*RedisStore)(nil)

// NewRedisStore creates a store. retention must exceed the longest cooldown.
func NewRedisStore(client *redis.Client, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "craftd:cooldown:"
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) key(k store.CooldownKey) string {
	recipe := string(k.Recipe)
	if recipe == "" {
		recipe = "*"
	}
	return s.prefix + string(k.Player) + ":" + recipe
}

// LastSuccess implements store.Cooldowns.
func (s *RedisStore) LastSuccess(ctx context.Context, k store.CooldownKey) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, s.key(k)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cooldown %s: bad value %q", s.key(k), v)
	}
	return decodeStamp(ms), true, nil
}

// RecordSuccess implements store.Cooldowns.
func (s *RedisStore) RecordSuccess(ctx context.Context, at time.Time, keys ...store.CooldownKey) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = s.key(k)
	}
	return recordScript.Run(ctx, s.client, redisKeys, encodeStamp(at), s.retention.Milliseconds()).Err()
}

// encodeStamp stores at as Unix milliseconds rounded up, so a stored
// success is never earlier than the real one and cooldowns cannot end early.
// Milliseconds stay exact in the Lua double compare.
func encodeStamp(at time.Time) int64 {
	ms := at.UnixMilli()
	if at.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return ms
}

func decodeStamp(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// PruneBefore implements store.Cooldowns. Redis expires entries on its own.
func (s *RedisStore) PruneBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}
