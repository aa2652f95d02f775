// Copyright 2025 PromptGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"promptgate/gateway/shared/logger"
)

// RedisLimiter is a Redis-backed sliding-window limiter for deployments
// where multiple gateway instances must share counters. It fails open on
// Redis errors: an unreachable Redis must not take the gateway down with it.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
	limit  int
	log    *logger.Logger
}

// NewRedisLimiter connects to Redis and verifies connectivity.
func NewRedisLimiter(redisURL string, window time.Duration, limit int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: connecting to redis: %w", err)
	}

	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	return &RedisLimiter{
		client: client,
		window: window,
		limit:  limit,
		log:    logger.New("redis-rate-limiter"),
	}, nil
}

// NewRedisLimiterWithClient wraps an existing client, primarily for tests.
func NewRedisLimiterWithClient(client *redis.Client, window time.Duration, limit int) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		window: window,
		limit:  limit,
		log:    logger.New("redis-rate-limiter"),
	}
}

// Allow checks the sliding window for the client key using a sorted set of
// request timestamps. All four Redis operations run in one pipeline.
func (l *RedisLimiter) Allow(ctx context.Context, clientKey string) bool {
	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s", clientKey)

	pipe := l.client.Pipeline()

	// Drop timestamps that slid out of the window.
	minScore := now.Add(-l.window).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))

	// Count what's left, then record this request.
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*l.window)

	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open: a Redis outage must not block governed traffic.
		l.log.Warn("", "", "redis rate limit check failed, failing open", map[string]any{
			"client_key": clientKey, "error": err.Error(),
		})
		return true
	}

	return countCmd.Val() < int64(l.limit)
}

// Status returns the number of requests currently inside the window.
func (l *RedisLimiter) Status(ctx context.Context, clientKey string) (int, error) {
	key := fmt.Sprintf("ratelimit:%s", clientKey)
	minScore := time.Now().Add(-l.window).UnixNano()

	count, err := l.client.ZCount(ctx, key, fmt.Sprintf("%d", minScore), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: reading window for %s: %w", clientKey, err)
	}
	return int(count), nil
}

// Flush removes all rate limit data for a client key (admin operation).
func (l *RedisLimiter) Flush(ctx context.Context, clientKey string) error {
	key := fmt.Sprintf("ratelimit:%s", clientKey)
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ratelimit: flushing %s: %w", clientKey, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
