package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"vending-service/internal/config"
)

const guardShards = 16

// SlidingWindowGuard is the in-memory Guard. State is sharded by key
// hash so concurrent kiosks rarely contend on the same mutex; each
// check-and-increment happens under a single shard lock.
type SlidingWindowGuard struct {
	limits           Limits
	failureThreshold int
	failureWindow    time.Duration
	blockDuration    time.Duration
	purgeHorizon     time.Duration
	nowFn            func() time.Time

	shards [guardShards]*guardShard
}

type guardShard struct {
	mu        sync.Mutex
	windows   map[string][]time.Time
	blocks    map[string]*blockState
	lastPurge time.Time
}

type blockState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// NewSlidingWindowGuard builds a guard from configuration with the real
// clock.
func NewSlidingWindowGuard(cfg config.RateLimitConfig) *SlidingWindowGuard {
	return newGuard(LimitsFromConfig(cfg), cfg, time.Now)
}

// NewSlidingWindowGuardWithClock is the test constructor; backoff and
// eviction timing are driven by nowFn instead of the wall clock.
func NewSlidingWindowGuardWithClock(cfg config.RateLimitConfig, nowFn func() time.Time) *SlidingWindowGuard {
	return newGuard(LimitsFromConfig(cfg), cfg, nowFn)
}

func newGuard(limits Limits, cfg config.RateLimitConfig, nowFn func() time.Time) *SlidingWindowGuard {
	g := &SlidingWindowGuard{
		limits:           limits,
		failureThreshold: cfg.FailureThreshold,
		failureWindow:    cfg.FailureWindow,
		blockDuration:    cfg.BlockDuration,
		purgeHorizon:     2 * limits.MaxWindow(),
		nowFn:            nowFn,
	}
	if g.purgeHorizon < 2*cfg.FailureWindow {
		g.purgeHorizon = 2 * cfg.FailureWindow
	}
	for i := range g.shards {
		g.shards[i] = &guardShard{
			windows: make(map[string][]time.Time),
			blocks:  make(map[string]*blockState),
		}
	}
	return g
}

func (g *SlidingWindowGuard) shardFor(key string) *guardShard {
	return g.shards[murmur3.Sum32([]byte(key))%guardShards]
}

// CheckAndRecord implements Guard. The check and the increment are one
// atomic step under the shard lock.
func (g *SlidingWindowGuard) CheckAndRecord(_ context.Context, key string, bucket Bucket) error {
	limit, ok := g.limits[bucket]
	if !ok {
		return nil
	}

	entryKey := string(bucket) + ":" + key
	now := g.nowFn()
	shard := g.shardFor(entryKey)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	g.purgeLocked(shard, now)

	cutoff := now.Add(-limit.Window)
	times := pruneBefore(shard.windows[entryKey], cutoff)

	if len(times) >= limit.Max {
		shard.windows[entryKey] = times
		oldest := times[0]
		return &RateLimitedError{
			Bucket:     bucket,
			RetryAfter: oldest.Add(limit.Window).Sub(now),
		}
	}

	shard.windows[entryKey] = append(times, now)
	return nil
}

// RecordFailure implements Guard.
func (g *SlidingWindowGuard) RecordFailure(_ context.Context, ip string) error {
	now := g.nowFn()
	shard := g.shardFor(ip)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	state := shard.blocks[ip]
	if state == nil {
		state = &blockState{}
		shard.blocks[ip] = state
	}

	state.failures = pruneBefore(state.failures, now.Add(-g.failureWindow))
	state.failures = append(state.failures, now)

	if len(state.failures) >= g.failureThreshold {
		state.blockedUntil = now.Add(g.blockDuration)
	}
	return nil
}

// RecordSuccess implements Guard. Any success resets the failure history
// and lifts an active block.
func (g *SlidingWindowGuard) RecordSuccess(_ context.Context, ip string) error {
	shard := g.shardFor(ip)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.blocks, ip)
	return nil
}

// IsBlocked implements Guard.
func (g *SlidingWindowGuard) IsBlocked(_ context.Context, ip string) (time.Duration, error) {
	now := g.nowFn()
	shard := g.shardFor(ip)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	state := shard.blocks[ip]
	if state == nil || !now.Before(state.blockedUntil) {
		return 0, nil
	}
	return state.blockedUntil.Sub(now), nil
}

// purgeLocked lazily evicts entries older than the purge horizon. Runs at
// most once per horizon per shard so hot paths stay cheap.
func (g *SlidingWindowGuard) purgeLocked(shard *guardShard, now time.Time) {
	if now.Sub(shard.lastPurge) < g.purgeHorizon {
		return
	}
	shard.lastPurge = now
	cutoff := now.Add(-g.purgeHorizon)

	for key, times := range shard.windows {
		times = pruneBefore(times, cutoff)
		if len(times) == 0 {
			delete(shard.windows, key)
		} else {
			shard.windows[key] = times
		}
	}
	for ip, state := range shard.blocks {
		state.failures = pruneBefore(state.failures, cutoff)
		if len(state.failures) == 0 && now.After(state.blockedUntil) {
			delete(shard.blocks, ip)
		}
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return times
	}
	return append(times[:0:0], times[idx:]...)
}
