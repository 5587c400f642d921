// Redis-backed Store implementation. Sliding windows are sorted sets keyed
// by event timestamp; tokens are plain keys with TTLs.

package kvstore

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisStore implements Store on a single Redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings the Redis endpoint.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	log.Printf("[KVSTORE] Connected to redis at %s (db %d).", addr, db)
	return &RedisStore{client: client}, nil
}

// RecordWindow adds one event to the sorted set, trims everything outside
// the window, and returns the remaining cardinality. The commands run in
// one MULTI/EXEC pipeline so concurrent callers cannot interleave a stale
// count.
func (s *RedisStore) RecordWindow(ctx context.Context, key string, at time.Time, window time.Duration) (int64, error) {
	cutoff := at.Add(-window).UnixNano()
	var card *redis.IntCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Members need uniqueness or same-nanosecond events collapse;
		// a uuid suffix keeps every event distinct.
		member := strconv.FormatInt(at.UnixNano(), 10) + ":" + uuid.NewString()
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(at.UnixNano()), Member: member})
		pipe.ZRemRangeByScore(ctx, key, "0", "("+strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, window+time.Second)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record window event: %w", err)
	}
	return card.Val(), nil
}

// CountWindow trims and counts without recording.
func (s *RedisStore) CountWindow(ctx context.Context, key string, at time.Time, window time.Duration) (int64, error) {
	cutoff := at.Add(-window).UnixNano()
	var card *redis.IntCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "0", "("+strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count window: %w", err)
	}
	return card.Val(), nil
}

// SetToken stores value under key with a TTL.
func (s *RedisStore) SetToken(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set token: %w", err)
	}
	return nil
}

// GetToken reads a token value.
func (s *RedisStore) GetToken(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}
	return val, nil
}

// TakeToken reads and deletes in one round trip (GETDEL), making the token
// single-use under concurrent presentation.
func (s *RedisStore) TakeToken(ctx context.Context, key string) (string, error) {
	val, err := s.client.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to take token: %w", err)
	}
	return val, nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// IncrWithTTL increments and stamps the TTL on first increment.
func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	// One script keeps INCR and the first-use PEXPIRE atomic; later
	// increments leave the TTL alone.
	n, err := redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then redis.call("PEXPIRE", KEYS[1], ARGV[1]) end
return n`).Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return n, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
