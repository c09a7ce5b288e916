package redisstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vending-service/internal/client"
	"vending-service/internal/config"
	"vending-service/internal/limiter"
	"vending-service/internal/util"
)

const (
	rateLimitPrefix = "vending_rate_limit:"
	failurePrefix   = "vending_failures:"
	blockPrefix     = "vending_block:"
)

// slidingWindowScript removes expired entries, counts the remainder and
// records the new hit in one atomic round trip.
const slidingWindowScript = `
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local current_count = redis.call('ZCARD', key)

	if current_count < limit then
		redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
		redis.call('EXPIRE', key, math.ceil(tonumber(ARGV[4])))
		return {1, current_count + 1}
	else
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		return {0, current_count, tonumber(oldest[2])}
	end
`

// RateLimitCache is the Redis-backed limiter.Guard for multi-instance
// deployments, where kiosk traffic for one machine can land on any
// replica.
type RateLimitCache struct {
	client           *client.RedisClient
	limits           limiter.Limits
	failureThreshold int
	failureWindow    time.Duration
	blockDuration    time.Duration
}

func NewRateLimitCache(redisClient *client.RedisClient, cfg config.RateLimitConfig) *RateLimitCache {
	return &RateLimitCache{
		client:           redisClient,
		limits:           limiter.LimitsFromConfig(cfg),
		failureThreshold: cfg.FailureThreshold,
		failureWindow:    cfg.FailureWindow,
		blockDuration:    cfg.BlockDuration,
	}
}

// CheckAndRecord implements limiter.Guard.
func (c *RateLimitCache) CheckAndRecord(ctx context.Context, key string, bucket limiter.Bucket) error {
	limit, ok := c.limits[bucket]
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().Unix()
	windowStart := now - int64(limit.Window.Seconds())
	redisKey := rateLimitPrefix + string(bucket) + ":" + key

	result, err := c.client.Eval(ctx, slidingWindowScript, []string{redisKey},
		now, windowStart, limit.Max, int(limit.Window.Seconds()))
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.String("bucket", string(bucket)),
			zap.Error(err))
		return fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) < 2 {
		return fmt.Errorf("unexpected result format from sliding window script")
	}

	if resultSlice[0].(int64) == 1 {
		return nil
	}

	retryAfter := limit.Window
	if len(resultSlice) == 3 {
		if oldest, ok := resultSlice[2].(int64); ok {
			retryAfter = time.Unix(oldest, 0).Add(limit.Window).Sub(time.Unix(now, 0))
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
	}
	return &limiter.RateLimitedError{Bucket: bucket, RetryAfter: retryAfter}
}

// RecordFailure implements limiter.Guard.
func (c *RateLimitCache) RecordFailure(ctx context.Context, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, failurePrefix+ip, c.failureWindow)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}

	if count >= int64(c.failureThreshold) {
		if _, err := c.client.SetNX(ctx, blockPrefix+ip, "blocked", c.blockDuration); err != nil {
			return fmt.Errorf("failed to set block: %w", err)
		}
		util.Warn("Client IP blocked after repeated failures",
			zap.String("ip", ip),
			zap.Int64("failures", count),
			zap.Duration("block_duration", c.blockDuration))
	}
	return nil
}

// RecordSuccess implements limiter.Guard.
func (c *RateLimitCache) RecordSuccess(ctx context.Context, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, failurePrefix+ip, blockPrefix+ip); err != nil {
		return fmt.Errorf("failed to clear failure state: %w", err)
	}
	return nil
}

// IsBlocked implements limiter.Guard.
func (c *RateLimitCache) IsBlocked(ctx context.Context, ip string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ttl, err := c.client.TTL(ctx, blockPrefix+ip)
	if err != nil {
		return 0, fmt.Errorf("failed to check block: %w", err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}
