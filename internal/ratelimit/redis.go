package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// slidingWindow trims the set to the window, then admits and records the
// request only if the set is below the limit. Runs atomically in Redis.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// Redis is a sliding window limiter shared by every process using the same
// Redis instance.
type Redis struct {
	client *redis.Client
	prefix string
	window time.Duration
	limit  int
	now    func() time.Time
}

func NewRedis(client *redis.Client, limit int, window time.Duration) *Redis {
	return &Redis{
		client: client,
		prefix: "skillswap:ratelimit:",
		window: window,
		limit:  limit,
		now:    time.Now,
	}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + key},
		now, r.window.Milliseconds(), r.limit, strconv.FormatInt(now, 10)+"-"+uuid.NewString()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
