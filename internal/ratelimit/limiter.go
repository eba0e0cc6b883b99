// Package ratelimit throttles inbound chat traffic with fixed windows kept
// in Redis, so the limit holds across every relay node. A window is one
// counter key created by INCR and expired when the window closes.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a limit of Limit hits per Window for keys under Key.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:event:"
	Limit  int           // max hits per window
	Window time.Duration // window length
}

// EventRule limits the chat events one sender can submit.
func EventRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:event:", Limit: limit, Window: window}
}

// CallbackRule limits bot replies accepted for one room.
func CallbackRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:callback:", Limit: limit, Window: window}
}

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, logger: logger.With("component", "ratelimit")}
}

// Allow records one hit for identifier and reports whether it is within
// rule. When Redis fails the hit is allowed and the error returned, so an
// outage never blocks chat traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		l.logger.Warn("limit check failed, allowing", "key", key, "error", err)
		return true, err
	}
	return int(incr.Val()) <= rule.Limit, nil
}

// RetryAfter returns how long until identifier's window closes. It is zero
// when no window is open.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Remaining returns how many hits identifier has left in the current
// window. Redis errors report the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	count, err := l.client.Get(ctx, rule.Key+identifier).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}
