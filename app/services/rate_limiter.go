package services

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/vendor-relay/config"
	"github.com/amirphl/vendor-relay/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Vendor tiers
const (
	TierPrivacySafe = "PRIVACY_SAFE"
	TierSelective   = "SELECTIVE"
	TierFullAccess  = "FULL_ACCESS"
)

// RateLimitDecision is the outcome of one rate limit check
type RateLimitDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RateLimiter gates requests per vendor with a sliding-window log
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, vendorID, tier string) (*RateLimitDecision, error)
}

// tierLimit resolves a tier's limit; unknown tiers get the most restrictive bracket
func tierLimit(cfg config.RateLimitConfig, tier string) int {
	if limit := cfg.TierLimit(tier); limit > 0 {
		return limit
	}
	return cfg.PrivacySafeLimit
}

func normalizeTier(tier string) string {
	tier = strings.ToUpper(tier)
	switch tier {
	case TierPrivacySafe, TierSelective, TierFullAccess:
		return tier
	default:
		return TierPrivacySafe
	}
}

// slidingWindowScript trims the log to the window, admits the request when
// under the limit and reports the oldest retained timestamp.
// KEYS[1] log key; ARGV: now ms, window ms, limit, member
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = now
local head = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if head[2] then
  oldest = tonumber(head[2])
end
return {allowed, count, oldest}
`)

// RedisRateLimiter keeps one sorted set per vendor and tier
type RedisRateLimiter struct {
	rc     redis.Scripter
	cfg    config.RateLimitConfig
	prefix string
	logger *log.Logger
	now    func() time.Time
}

// NewRedisRateLimiter creates a limiter shared by every instance using the same Redis
func NewRedisRateLimiter(rc redis.Scripter, cfg config.RateLimitConfig, prefix string, logger *log.Logger) *RedisRateLimiter {
	return &RedisRateLimiter{rc: rc, cfg: cfg, prefix: prefix, logger: logger, now: utils.UTCNow}
}

func (l *RedisRateLimiter) key(vendorID, tier string) string {
	return fmt.Sprintf("%sratelimit:%s:%s", l.prefix, vendorID, tier)
}

// CheckRateLimit implements RateLimiter. Redis failures fail open.
func (l *RedisRateLimiter) CheckRateLimit(ctx context.Context, vendorID, tier string) (*RateLimitDecision, error) {
	tier = normalizeTier(tier)
	limit := tierLimit(l.cfg, tier)
	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := l.cfg.Window.Milliseconds()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, l.rc, []string{l.key(vendorID, tier)}, nowMs, windowMs, limit, member).Int64Slice()
	if err != nil || len(res) != 3 {
		if err == nil {
			err = fmt.Errorf("unexpected script reply of length %d", len(res))
		}
		l.logger.Printf("rate limiter unavailable, failing open for vendor %s: %v", vendorID, err)
		rateLimitDecisions.WithLabelValues(tier, "fail_open").Inc()
		return &RateLimitDecision{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   now.Add(l.cfg.Window),
		}, nil
	}

	allowed, count, oldest := res[0] == 1, int(res[1]), res[2]
	resetAt := time.UnixMilli(oldest + windowMs).UTC()
	return decide(tier, allowed, limit, count, now, resetAt), nil
}

func decide(tier string, allowed bool, limit, count int, now, resetAt time.Time) *RateLimitDecision {
	d := &RateLimitDecision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
	if !allowed {
		d.RetryAfter = max(resetAt.Sub(now), time.Millisecond)
		rateLimitDecisions.WithLabelValues(tier, "denied").Inc()
	} else {
		rateLimitDecisions.WithLabelValues(tier, "allowed").Inc()
	}
	return d
}

// MemoryRateLimiter is the single-process variant used when Redis is disabled
type MemoryRateLimiter struct {
	mu   sync.Mutex
	logs map[string][]time.Time
	cfg  config.RateLimitConfig
	now  func() time.Time
}

// NewMemoryRateLimiter creates an in-process limiter
func NewMemoryRateLimiter(cfg config.RateLimitConfig) *MemoryRateLimiter {
	return &MemoryRateLimiter{logs: make(map[string][]time.Time), cfg: cfg, now: utils.UTCNow}
}

// CheckRateLimit implements RateLimiter
func (l *MemoryRateLimiter) CheckRateLimit(ctx context.Context, vendorID, tier string) (*RateLimitDecision, error) {
	tier = normalizeTier(tier)
	limit := tierLimit(l.cfg, tier)
	key := vendorID + ":" + tier

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)
	entries := l.logs[key]
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	entries = entries[i:]

	allowed := len(entries) < limit
	if allowed {
		entries = append(entries, now)
	}
	if len(entries) == 0 {
		delete(l.logs, key)
	} else {
		l.logs[key] = entries
	}

	resetAt := now.Add(l.cfg.Window)
	if len(entries) > 0 {
		resetAt = entries[0].Add(l.cfg.Window)
	}
	return decide(tier, allowed, limit, len(entries), now, resetAt), nil
}

// Err returns a RateLimitExceededError for a denied decision and nil otherwise
func (d *RateLimitDecision) Err(vendorID string) error {
	if d.Allowed {
		return nil
	}
	return &RateLimitExceededError{
		VendorID:   vendorID,
		Limit:      d.Limit,
		ResetAt:    d.ResetAt,
		RetryAfter: d.RetryAfter,
	}
}

// RetryAfterSeconds rounds a back-off up to whole seconds for the Retry-After header
func RetryAfterSeconds(d time.Duration) int {
	return int(math.Max(1, math.Ceil(d.Seconds())))
}
