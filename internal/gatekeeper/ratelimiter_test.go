package gatekeeper

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/payledger/pkg/cache"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestRedisLimiter(t *testing.T, limit int) *RedisRateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisRateLimiter(cache.NewCacheFromClient(client), limit)
}

func TestRedisRateLimiterBoundary(t *testing.T) {
	const cap = 3
	limiter := newTestRedisLimiter(t, cap)
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < cap; i++ {
		allowed, err := limiter.Allow(ctx, "stripe:203.0.113.5", now)
		require.NoError(t, err)
		require.True(t, allowed, "request %d should be allowed", i)
	}

	allowed, err := limiter.Allow(ctx, "stripe:203.0.113.5", now)
	require.NoError(t, err)
	require.False(t, allowed, "request at cap should be rejected")
}

func TestRedisRateLimiterSlidingWindowExpires(t *testing.T) {
	limiter := newTestRedisLimiter(t, 1)
	ctx := context.Background()
	start := time.Now()

	allowed, err := limiter.Allow(ctx, "stripe:203.0.113.5", start)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "stripe:203.0.113.5", start.Add(61*time.Second))
	require.NoError(t, err)
	require.True(t, allowed, "entries older than the 60s window are trimmed before counting")
}
