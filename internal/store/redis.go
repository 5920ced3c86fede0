package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const quotaKeyPrefix = "mina:quota:"

// decrementScript seeds a missing counter with the default allowance and
// decrements it without going below zero, atomically.
var decrementScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then v = tonumber(v) else v = tonumber(ARGV[1]) end
if v > 0 then v = v - 1 end
redis.call('SET', KEYS[1], v)
return v
`)

// RedisQuotas keeps the per-user session counters in Redis.
type RedisQuotas struct {
	rdb          *redis.Client
	defaultQuota int
}

func NewRedisQuotas(ctx context.Context, redisURL string, defaultQuota int) (*RedisQuotas, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisQuotas{rdb: rdb, defaultQuota: defaultQuota}, nil
}

func (q *RedisQuotas) Remaining(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUnknownUser
	}
	v, err := q.rdb.Get(ctx, quotaKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return q.defaultQuota, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("corrupt quota for %s: %w", userID, err)
	}
	return n, nil
}

func (q *RedisQuotas) Decrement(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUnknownUser
	}
	n, err := decrementScript.Run(ctx, q.rdb, []string{quotaKeyPrefix + userID}, q.defaultQuota).Int()
	if err != nil {
		return 0, fmt.Errorf("decrement quota: %w", err)
	}
	return n, nil
}

func (q *RedisQuotas) Close() error { return q.rdb.Close() }
