package gatekeeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/payledger/pkg/cache"
)

const slidingWindow = 60 * time.Second

// RateLimiter decides whether a request keyed by (provider, client IP)
// may proceed under the configured per-minute ceiling.
type RateLimiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, error)
}

// LocalRateLimiter is a per-key deque of timestamps trimmed on each
// admission, guarded by a mutex. It is correct for a single instance but
// unbounded in the key dimension under attack: keys are never evicted.
// RedisRateLimiter is the shared-store alternative.
type LocalRateLimiter struct {
	mu      sync.Mutex
	windows map[string][]int64
	limit   int
}

func NewLocalRateLimiter(limitPerMinute int) *LocalRateLimiter {
	return &LocalRateLimiter{
		windows: make(map[string][]int64),
		limit:   limitPerMinute,
	}
}

// Allow drops entries older than now-60, rejects if the remaining window
// length is already at the cap, else appends now.
func (l *LocalRateLimiter) Allow(_ context.Context, key string, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-slidingWindow).Unix()
	window := l.windows[key]

	i := 0
	for i < len(window) && window[i] <= cutoff {
		i++
	}
	window = window[i:]

	if len(window) >= l.limit {
		l.windows[key] = window
		return false, nil
	}

	window = append(window, now.Unix())
	l.windows[key] = window
	return true, nil
}

// RedisRateLimiter implements the same sliding-window semantics against a
// shared Redis sorted set, so rate limits hold across multiple instances
// instead of being per-process.
type RedisRateLimiter struct {
	cache *cache.Cache
	limit int
}

func NewRedisRateLimiter(c *cache.Cache, limitPerMinute int) *RedisRateLimiter {
	return &RedisRateLimiter{cache: c, limit: limitPerMinute}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, now time.Time) (bool, error) {
	redisKey := fmt.Sprintf("webhook:ratelimit:%s", key)
	cutoff := now.Add(-slidingWindow).Unix()

	if err := r.cache.ZRemRangeByScore(ctx, redisKey, 0, cutoff); err != nil {
		return false, err
	}

	count, err := r.cache.ZCard(ctx, redisKey)
	if err != nil {
		return false, err
	}
	if count >= int64(r.limit) {
		return false, nil
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), count)
	if err := r.cache.ZAdd(ctx, redisKey, float64(now.Unix()), member); err != nil {
		return false, err
	}
	_ = r.cache.Expire(ctx, redisKey, slidingWindow+time.Second)
	return true, nil
}
