package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l := NewLimiter(newTestRedis(t), nil)
	ctx := context.Background()
	rule := EventRule(3, 10*time.Second)

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "c1", rule)
		if err != nil || !ok {
			t.Fatalf("hit %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "c1", rule)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Error("fourth hit should be limited")
	}

	if ok, _ := l.Allow(ctx, "c2", rule); !ok {
		t.Error("other identifiers must not share the window")
	}
}

func TestAllow_WindowHasExpiry(t *testing.T) {
	client := newTestRedis(t)
	l := NewLimiter(client, nil)
	ctx := context.Background()
	rule := CallbackRule(10, time.Minute)

	_, _ = l.Allow(ctx, "r1", rule)
	_, _ = l.Allow(ctx, "r1", rule)

	ttl, err := l.RetryAfter(ctx, "r1", rule)
	if err != nil {
		t.Fatalf("RetryAfter: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("retry after = %s, want within (0, 1m]", ttl)
	}

	remaining, err := l.Remaining(ctx, "r1", rule)
	if err != nil || remaining != 8 {
		t.Errorf("remaining = %d (%v), want 8", remaining, err)
	}
}

func TestRemaining_Untouched(t *testing.T) {
	l := NewLimiter(newTestRedis(t), nil)

	remaining, err := l.Remaining(context.Background(), "nobody", EventRule(20, time.Second))
	if err != nil || remaining != 20 {
		t.Errorf("remaining = %d (%v), want 20", remaining, err)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	l := NewLimiter(client, nil)

	ok, err := l.Allow(context.Background(), "c1", EventRule(1, time.Second))
	if err == nil {
		t.Fatal("expected an error from an unreachable redis")
	}
	if !ok {
		t.Error("limiter must allow when redis is down")
	}
}
