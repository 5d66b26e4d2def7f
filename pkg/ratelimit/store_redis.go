package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// recordAndCountScript keeps one sorted set per key, scored by request time
// in milliseconds. Members are unique so two requests in the same millisecond
// are both counted.
//
// KEYS[1] window key
// ARGV[1] now (ms)
// ARGV[2] purge cutoff (ms, inclusive)
// ARGV[3] member
// ARGV[4] ceiling (0 = always keep)
// ARGV[5] window (ms) used as key TTL
var recordAndCountScript = redis.NewScript(`
local key = KEYS[1]
local ceiling = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
redis.call('ZADD', key, ARGV[1], ARGV[3])
local count = redis.call('ZCARD', key)

if ceiling > 0 and count > ceiling then
    redis.call('ZREM', key, ARGV[3])
end

redis.call('PEXPIRE', key, ARGV[5])

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest < 2 then
    return {count, '0'}
end
return {count, oldest[2]}
`)

const (
	defaultRedisKeyPrefix = "admission:window:"
	defaultRedisTimeout   = 250 * time.Millisecond
)

// RedisStoreConfig holds configuration for RedisStore.
type RedisStoreConfig struct {
	// KeyPrefix is prepended to every window key.
	// Default: "admission:window:"
	KeyPrefix string

	// OpTimeout bounds each round-trip. A call that exceeds it fails with
	// ErrStoreUnavailable.
	// Default: 250ms
	OpTimeout time.Duration
}

// RedisStore is a WindowStore backed by Redis sorted sets, so all gateway
// instances share the same windows. Atomicity per key comes from running
// the purge, insert and count as a single Lua script.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
	timeout   time.Duration
}

// NewRedisStore creates a Redis-backed window store.
// It accepts any redis.Cmdable (e.g. *redis.Client or *redis.ClusterClient).
func NewRedisStore(client redis.Cmdable, cfg RedisStoreConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultRedisKeyPrefix
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultRedisTimeout
	}
	return &RedisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		timeout:   cfg.OpTimeout,
	}
}

// RecordAndCount implements WindowStore.
func (s *RedisStore) RecordAndCount(ctx context.Context, key string, now time.Time, window time.Duration, ceiling int) (WindowState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	nowMS := now.UnixMilli()
	windowMS := window.Milliseconds()
	if windowMS < 1 {
		windowMS = 1
	}

	raw, err := recordAndCountScript.Run(ctx, s.client,
		[]string{s.keyPrefix + key},
		nowMS,
		nowMS-windowMS,
		uuid.NewString(),
		ceiling,
		windowMS,
	).Slice()
	if err != nil {
		return WindowState{}, fmt.Errorf("%w: record and count: %w", ErrStoreUnavailable, err)
	}

	return parseWindowReply(raw)
}

// Ping checks connectivity to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func parseWindowReply(raw []interface{}) (WindowState, error) {
	if len(raw) != 2 {
		return WindowState{}, fmt.Errorf("%w: unexpected reply length %d", ErrStoreUnavailable, len(raw))
	}

	count, ok := raw[0].(int64)
	if !ok {
		return WindowState{}, fmt.Errorf("%w: unexpected count type %T", ErrStoreUnavailable, raw[0])
	}

	var state WindowState
	state.Count = int(count)

	scoreStr, ok := raw[1].(string)
	if !ok {
		return WindowState{}, fmt.Errorf("%w: unexpected score type %T", ErrStoreUnavailable, raw[1])
	}
	score, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		return WindowState{}, fmt.Errorf("%w: parse score: %w", ErrStoreUnavailable, err)
	}
	if score > 0 {
		state.Oldest = time.UnixMilli(int64(score))
	}

	return state, nil
}
