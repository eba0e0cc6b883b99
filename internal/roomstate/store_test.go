package roomstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a RedisStore on DB 15 of a local Redis instance and
// flushes it before and after the test. Tests that call this helper require
// a running Redis on localhost:6379.
func newTestStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})
	return NewRedisStore(client), client
}

func TestIsBotMode_AbsentDefaultsToBot(t *testing.T) {
	store, _ := newTestStore(t)

	bot, err := store.IsBotMode(context.Background(), "room_absent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bot {
		t.Error("expected bot mode for a room without a record")
	}
}

func TestSetBotMode_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.SetBotMode(ctx, "room_a", false); err != nil {
		t.Fatalf("SetBotMode(false): %v", err)
	}
	bot, err := store.IsBotMode(ctx, "room_a")
	if err != nil {
		t.Fatalf("IsBotMode: %v", err)
	}
	if bot {
		t.Error("expected agent mode after SetBotMode(false)")
	}

	if err := store.SetBotMode(ctx, "room_a", true); err != nil {
		t.Fatalf("SetBotMode(true): %v", err)
	}
	bot, _ = store.IsBotMode(ctx, "room_a")
	if !bot {
		t.Error("expected bot mode after SetBotMode(true)")
	}
}

func TestSetBotMode_RefreshesTTL(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	if err := store.SetBotMode(ctx, "room_ttl", false); err != nil {
		t.Fatalf("SetBotMode: %v", err)
	}
	// Shorten the expiry as if the record had aged, then write again.
	client.Expire(ctx, KeyPrefix+"room_ttl", time.Minute)
	if err := store.SetBotMode(ctx, "room_ttl", false); err != nil {
		t.Fatalf("SetBotMode: %v", err)
	}

	ttl, err := store.TTLRemaining(ctx, "room_ttl")
	if err != nil {
		t.Fatalf("TTLRemaining: %v", err)
	}
	if ttl <= 23*time.Hour || ttl > TTL {
		t.Errorf("expected TTL refreshed to ~24h, got %s", ttl)
	}
}

func TestIsBotMode_UnexpectedValueIsBot(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	client.Set(ctx, KeyPrefix+"room_odd", "maybe", time.Minute)
	bot, err := store.IsBotMode(ctx, "room_odd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bot {
		t.Error("only an explicit false record should mean agent mode")
	}
}

func TestStoreUnavailable(t *testing.T) {
	// Nothing listens on this port; the dial fails fast.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	store := NewRedisStore(client)
	ctx := context.Background()

	bot, err := store.IsBotMode(ctx, "room_down")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if !bot {
		t.Error("expected fail-open bot mode on store error")
	}

	if err := store.SetBotMode(ctx, "room_down", false); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable from SetBotMode, got %v", err)
	}
}
