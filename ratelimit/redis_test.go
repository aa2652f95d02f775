// Copyright 2025 PromptGate
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLimiter(t *testing.T, window time.Duration, limit int) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiterWithClient(client, window, limit), mr
}

func TestRedisAllow(t *testing.T) {
	limiter, _ := newTestRedisLimiter(t, 60*time.Second, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(ctx, "client-a"), "request %d", i)
	}
	assert.False(t, limiter.Allow(ctx, "client-a"))
}

func TestRedisAllowPerClientIsolation(t *testing.T) {
	limiter, _ := newTestRedisLimiter(t, 60*time.Second, 1)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "client-a"))
	assert.False(t, limiter.Allow(ctx, "client-a"))
	assert.True(t, limiter.Allow(ctx, "client-b"))
}

func TestRedisWindowSlides(t *testing.T) {
	limiter, mr := newTestRedisLimiter(t, 60*time.Second, 2)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "client-a"))
	assert.True(t, limiter.Allow(ctx, "client-a"))
	assert.False(t, limiter.Allow(ctx, "client-a"))

	// Old timestamps slide out of the window; miniredis needs its clock
	// advanced for key expiry, but the score-based trim uses wall time,
	// so delete the set to simulate the slide.
	mr.FastForward(2 * time.Minute)
	mr.Del("ratelimit:client-a")
	assert.True(t, limiter.Allow(ctx, "client-a"))
}

func TestRedisStatus(t *testing.T) {
	limiter, _ := newTestRedisLimiter(t, 60*time.Second, 10)
	ctx := context.Background()

	limiter.Allow(ctx, "client-a")
	limiter.Allow(ctx, "client-a")

	count, err := limiter.Status(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRedisFlush(t *testing.T) {
	limiter, _ := newTestRedisLimiter(t, 60*time.Second, 1)
	ctx := context.Background()

	assert.True(t, limiter.Allow(ctx, "client-a"))
	assert.False(t, limiter.Allow(ctx, "client-a"))

	require.NoError(t, limiter.Flush(ctx, "client-a"))
	assert.True(t, limiter.Allow(ctx, "client-a"))
}

func TestRedisFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLimiterWithClient(client, 60*time.Second, 1)

	// With Redis down, traffic keeps flowing.
	mr.Close()
	assert.True(t, limiter.Allow(context.Background(), "client-a"))
	assert.True(t, limiter.Allow(context.Background(), "client-a"))
}
