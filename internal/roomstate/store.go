// Package roomstate holds the authoritative bot-mode flag for each room.
// Records are stored as simple key-value pairs with a sliding TTL:
//
//	Key:   chat:botmode:<roomId>
//	Value: "true" | "false"
//	TTL:   24h, refreshed on every write
//
// An absent key means the room is handled by the bot.
package roomstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for bot-mode records.
	KeyPrefix = "chat:botmode:"

	// TTL is the lifetime of a bot-mode record after its last write.
	TTL = 24 * time.Hour
)

// ErrStoreUnavailable wraps any failure of the backing store other than an
// absent key.
var ErrStoreUnavailable = errors.New("roomstate: store unavailable")

// Store is the room-state contract the router and scheduler depend on.
// Implementations must be safe for concurrent use across processes without
// client-side locking.
type Store interface {
	// IsBotMode returns true when no record exists or the record is true.
	// On error the returned value is true so callers can fail open.
	IsBotMode(ctx context.Context, roomID string) (bool, error)

	// SetBotMode writes the flag and resets its expiry to TTL.
	SetBotMode(ctx context.Context, roomID string, botMode bool) error
}

// RedisStore implements Store on a Redis GET / SET EX pair.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a store using the provided Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttl: TTL}
}

func (s *RedisStore) IsBotMode(ctx context.Context, roomID string) (bool, error) {
	val, err := s.client.Get(ctx, KeyPrefix+roomID).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, roomID, err)
	}
	// Anything other than an explicit false keeps the room with the bot.
	return val != "false", nil
}

func (s *RedisStore) SetBotMode(ctx context.Context, roomID string, botMode bool) error {
	err := s.client.Set(ctx, KeyPrefix+roomID, strconv.FormatBool(botMode), s.ttl).Err()
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStoreUnavailable, roomID, err)
	}
	return nil
}

// TTLRemaining reports how long the room's record has left. It returns zero
// when the record is absent.
func (s *RedisStore) TTLRemaining(ctx context.Context, roomID string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, KeyPrefix+roomID).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: ttl %s: %v", ErrStoreUnavailable, roomID, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
