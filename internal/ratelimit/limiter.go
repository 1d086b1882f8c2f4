// Package ratelimit throttles requests per client key.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a client may make another request.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// RedisConfig configures a fixed-window Redis limiter.
type RedisConfig struct {
	Client   redis.UniversalClient
	Prefix   string
	Requests int
	Window   time.Duration
	Clock    func() time.Time
}

// RedisLimiter counts requests per key in fixed windows shared by every
// instance talking to the same Redis.
type RedisLimiter struct {
	client   redis.UniversalClient
	prefix   string
	requests int
	window   time.Duration
	clock    func() time.Time
}

// NewRedisLimiter constructs a RedisLimiter.
func NewRedisLimiter(cfg RedisConfig) (*RedisLimiter, error) {
	if cfg.Client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		return nil, errors.New("ratelimit: requests and window must be positive")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RedisLimiter{
		client:   cfg.Client,
		prefix:   cfg.Prefix,
		requests: cfg.Requests,
		window:   cfg.Window,
		clock:    clock,
	}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.clock()
	windowStart := now.Truncate(l.window)
	bucket := l.prefix + "ratelimit:" + key + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis: %w", err)
	}

	count := int(incr.Val())
	remaining := l.requests - count
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{Allowed: count <= l.requests, Limit: l.requests, Remaining: remaining}
	if !decision.Allowed {
		decision.RetryAfter = windowStart.Add(l.window).Sub(now)
	}
	return decision, nil
}
