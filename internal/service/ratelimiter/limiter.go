// Package ratelimiter throttles outbound AI calls across every worker
// process. The bucket state lives in Redis and is mutated atomically by a
// Lua script; an optional Postgres mirror lets buckets survive a Redis
// restart without resetting provider quotas.
package ratelimiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// BucketConfig sizes one token bucket.
type BucketConfig struct {
	Capacity     int64
	RefillPerSec float64
}

// PerMinute builds a bucket that admits n calls per minute with burst
// capacity n. Non-positive n yields a zero config, which Allow treats as
// "no limit configured".
func PerMinute(n int) BucketConfig {
	if n <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:     int64(n),
		RefillPerSec: float64(n) / 60.0,
	}
}

// bucketTTL evicts buckets that have been idle long enough to be full again.
const bucketTTL = time.Hour

// luaTakeTokens refills the bucket from the elapsed time, then takes cost
// tokens if available. Returns {allowed, tokens_floored, retry_after_ms}.
// State is two hash fields; the key expires after idle periods.
const luaTakeTokens = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_per_sec = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tokens = capacity
local refilled_at = now

local state = redis.call("HMGET", key, "tokens", "refilled_at")
if state[1] then
  tokens = tonumber(state[1])
end
if state[2] then
  refilled_at = tonumber(state[2])
end

local elapsed = now - refilled_at
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * refill_per_sec)
end

local allowed = 0
local retry_after_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
elseif refill_per_sec > 0 then
  retry_after_ms = math.ceil((cost - tokens) * 1000 / refill_per_sec)
end

redis.call("HMSET", key, "tokens", tokens, "refilled_at", now)
redis.call("EXPIRE", key, ttl)

return { allowed, math.floor(tokens), retry_after_ms }
`

// TokenBucket is a distributed token-bucket limiter keyed by logical bucket
// name. A nil *TokenBucket is valid and admits everything, so callers can
// wire it unconditionally and leave Redis unconfigured.
type TokenBucket struct {
	rdb    *redis.Client
	pool   *pgxpool.Pool
	script *redis.Script

	mu      sync.RWMutex
	buckets map[string]BucketConfig
}

// NewTokenBucket wires the limiter. pool may be nil to disable the Postgres
// mirror. Returns nil when rdb is nil.
func NewTokenBucket(rdb *redis.Client, pool *pgxpool.Pool, buckets map[string]BucketConfig) *TokenBucket {
	if rdb == nil {
		return nil
	}
	if buckets == nil {
		buckets = map[string]BucketConfig{}
	}
	return &TokenBucket{
		rdb:     rdb,
		pool:    pool,
		script:  redis.NewScript(luaTakeTokens),
		buckets: buckets,
	}
}

// SetBucketConfig installs or replaces the configuration for a bucket.
// Safe for concurrent use.
func (l *TokenBucket) SetBucketConfig(key string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[key] = cfg
}

// Allow takes cost tokens from the named bucket. Unknown or unconfigured
// buckets always admit. Redis failures admit too and return the error so
// callers can log the degradation.
func (l *TokenBucket) Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.buckets[key]
	l.mu.RUnlock()
	if !ok || cfg.Capacity <= 0 || cfg.RefillPerSec <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	now := time.Now()
	nowSec := float64(now.UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.rdb, []string{"rate:" + key},
		cfg.Capacity, cfg.RefillPerSec, nowSec, cost, int(bucketTTL.Seconds())).Result()
	if err != nil {
		slog.Error("rate limiter script failed, admitting call",
			slog.String("bucket", key), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		slog.Error("rate limiter script returned unexpected shape",
			slog.String("bucket", key), slog.Any("result", res))
		return true, 0, nil
	}
	allowed := asInt64(vals[0]) == 1
	tokens := asInt64(vals[1])
	retryAfter := time.Duration(asInt64(vals[2])) * time.Millisecond

	if l.pool != nil {
		l.mirror(ctx, key, cfg, tokens, now)
	}
	return allowed, retryAfter, nil
}

// mirror persists the bucket snapshot so WarmFromPostgres can restore it
// after a Redis flush. Mirror failures are logged, never surfaced.
func (l *TokenBucket) mirror(ctx context.Context, key string, cfg BucketConfig, tokens int64, refilledAt time.Time) {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO rate_limit_buckets (bucket_key, capacity, refill_per_sec, tokens, refilled_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bucket_key) DO UPDATE SET
		   capacity = EXCLUDED.capacity,
		   refill_per_sec = EXCLUDED.refill_per_sec,
		   tokens = EXCLUDED.tokens,
		   refilled_at = EXCLUDED.refilled_at`,
		key, cfg.Capacity, cfg.RefillPerSec, tokens, refilledAt)
	if err != nil {
		slog.Error("rate limit bucket mirror failed",
			slog.String("bucket", key), slog.Any("error", err))
	}
}

// WarmFromPostgres seeds Redis with the last mirrored bucket snapshots.
// Call once at startup, before the first Allow.
func (l *TokenBucket) WarmFromPostgres(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return nil
	}
	rows, err := l.pool.Query(ctx,
		`SELECT bucket_key, tokens, EXTRACT(EPOCH FROM refilled_at) FROM rate_limit_buckets`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var tokens, refilledAtSec float64
		if err := rows.Scan(&key, &tokens, &refilledAtSec); err != nil {
			return err
		}
		err := l.rdb.HSet(ctx, "rate:"+key, "tokens", tokens, "refilled_at", refilledAtSec).Err()
		if err != nil {
			slog.Error("bucket warm failed", slog.String("bucket", key), slog.Any("error", err))
			continue
		}
		l.rdb.Expire(ctx, "rate:"+key, bucketTTL)
	}
	return rows.Err()
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
