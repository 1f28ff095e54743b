package resilience

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// takeScript refills and takes one token atomically.
// ARGV: capacity, refill window (ms), now (ms).
// Returns {allowed, remaining, retry_after_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local data = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end
local rate = capacity / refill_ms
local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
end
local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) / rate)
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', KEYS[1], refill_ms)
return {allowed, math.floor(tokens), retry}
`)

// RedisStore keeps token buckets in Redis so limits hold across instances.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// NewRedisStoreFromURL dials REDIS_URL style addresses and pings.
func NewRedisStoreFromURL(ctx context.Context, url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedisStore(c), nil
}

func (s *RedisStore) Take(ctx context.Context, key string, budget Budget) (Decision, error) {
	res, err := takeScript.Run(ctx, s.client, []string{redisKeyPrefix + key},
		budget.Capacity, budget.Refill.Milliseconds(), s.now().UnixMilli()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis: take token: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("redis: unexpected script result %v", res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

func (s *RedisStore) ForgetPrefix(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis: scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// Sweep is a no-op: every bucket carries a PEXPIRE equal to its refill window.
func (s *RedisStore) Sweep(context.Context) (int, error) { return 0, nil }

// Close releases the client.
func (s *RedisStore) Close() error { return s.client.Close() }
