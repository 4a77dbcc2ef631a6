package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is the atomic sliding-window-log check. Running it as a
// single Lua script makes prune+count+insert indivisible against concurrent
// checks for the same key from any gateway instance — this is the one place
// where correctness depends on atomicity, not merely speed.
//
// KEYS[1] — counter key
// ARGV[1] — window length in milliseconds
// ARGV[2] — limit
// ARGV[3] — current time in epoch milliseconds
// ARGV[4] — unique member for this request (two requests landing on the same
//           millisecond must not collapse into one sorted-set entry)
//
// Returns {1, remaining} when admitted, {0, 0} when over the limit.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local current = redis.call('ZCARD', key)

if current < limit then
    redis.call('ZADD', key, now, ARGV[4])
    redis.call('PEXPIRE', key, window)
    return {1, limit - current - 1}
end

return {0, 0}
`)

// RedisStore implements Store against a shared Redis instance. It is the
// production backend: counters live in Redis sorted sets keyed per
// (customer, key, window), so quota is enforced consistently across every
// gateway instance pointing at the same Redis.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore creates a Store backed by the given Redis client.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// CheckWindow runs the atomic Lua check for one key-window.
func (s *RedisStore) CheckWindow(ctx context.Context, key string, window time.Duration, limit int) (bool, int64, error) {
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, s.rdb, []string{key},
		window.Milliseconds(), limit, now, member).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("sliding window check failed: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("sliding window script returned %d values, want 2", len(res))
	}

	allowed, ok := res[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("sliding window script returned non-integer verdict %T", res[0])
	}
	remaining, ok := res[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("sliding window script returned non-integer remainder %T", res[1])
	}

	return allowed == 1, remaining, nil
}

// CurrentUsage counts in-window entries without consuming quota.
func (s *RedisStore) CurrentUsage(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now().UnixMilli()
	cutoff := now - window.Milliseconds()

	if err := s.rdb.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return 0, fmt.Errorf("failed to prune window %s: %w", key, err)
	}

	count, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count window %s: %w", key, err)
	}
	return count, nil
}

// Reset deletes a counter key.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to reset window %s: %w", key, err)
	}
	return nil
}
