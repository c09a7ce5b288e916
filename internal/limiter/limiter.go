package limiter

import (
	"context"
	"fmt"
	"time"

	"vending-service/internal/config"
)

// Bucket names the independent sliding-window counters the guard keeps.
type Bucket string

const (
	BucketIPSessionStatus Bucket = "ip_session_status"
	BucketIPSessionCreate Bucket = "ip_session_create"
	BucketSessionActivity Bucket = "session_activity"
	BucketMachineCreate   Bucket = "machine_create"
)

// Limit is one bucket's threshold over its window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Limits maps buckets to their configured thresholds.
type Limits map[Bucket]Limit

// LimitsFromConfig builds the per-bucket thresholds from configuration.
func LimitsFromConfig(cfg config.RateLimitConfig) Limits {
	return Limits{
		BucketIPSessionStatus: {Max: cfg.IPStatusPerMin, Window: time.Minute},
		BucketIPSessionCreate: {Max: cfg.IPCreatePerMin, Window: time.Minute},
		BucketSessionActivity: {Max: cfg.SessionPerMin, Window: time.Minute},
		BucketMachineCreate:   {Max: cfg.MachinePerMin, Window: time.Minute},
	}
}

// MaxWindow returns the largest configured window. Entries older than
// twice this horizon are eligible for purge.
func (l Limits) MaxWindow() time.Duration {
	max := time.Minute
	for _, limit := range l {
		if limit.Window > max {
			max = limit.Window
		}
	}
	return max
}

// RateLimitedError is the expected-backpressure rejection. It carries
// enough structure for the caller to back off correctly.
type RateLimitedError struct {
	Bucket     Bucket
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on bucket %s, retry after %s", e.Bucket, e.RetryAfter)
}

// BlockedError is returned while an IP is serving an abuse block.
type BlockedError struct {
	RetryAfter time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("client blocked, retry after %s", e.RetryAfter)
}

// Guard is the rate-limiting and abuse-tracking surface. Check and record
// are a single atomic step; implementations must be race-free under
// concurrent kiosk traffic.
type Guard interface {
	// CheckAndRecord increments the bucket counter for key and returns a
	// *RateLimitedError when the threshold is exceeded.
	CheckAndRecord(ctx context.Context, key string, bucket Bucket) error

	// RecordFailure notes a failed attempt for ip. Reaching the failure
	// threshold within the tracking window starts a fixed-duration block.
	RecordFailure(ctx context.Context, ip string) error

	// RecordSuccess clears ip's failure history and any active block.
	RecordSuccess(ctx context.Context, ip string) error

	// IsBlocked returns how long ip remains blocked; zero means not
	// blocked.
	IsBlocked(ctx context.Context, ip string) (time.Duration, error)
}
