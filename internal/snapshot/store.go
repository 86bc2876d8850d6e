package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a second cache tier shared between processes. Load returns
// nil, nil when the key is absent.
type Store interface {
	Load(ctx context.Context, key Key) (*Entry, error)
	Save(ctx context.Context, key Key, entry *Entry) error
	Delete(ctx context.Context, key Key) error
}

// DefaultKeyPrefix namespaces snapshot keys in Redis.
const DefaultKeyPrefix = "tenancy-assistant:snapshot:"

// RedisStore keeps snapshots in Redis with the entry's remaining TTL as
// the key expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", addr, err)
	}
	return NewRedisStore(client, ""), nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type storedEntry struct {
	Kind          Kind            `json:"kind"`
	CompartmentID string          `json:"compartmentId"`
	Period        string          `json:"period,omitempty"`
	ComputedAt    time.Time       `json:"computedAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	Payload       json.RawMessage `json:"payload"`
}

func (s *RedisStore) redisKey(key Key) string {
	return s.prefix + key.String()
}

func (s *RedisStore) Load(ctx context.Context, key Key) (*Entry, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var se storedEntry
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, fmt.Errorf("decoding stored snapshot %s: %w", key, err)
	}
	return &Entry{
		Snapshot: &Snapshot{
			Kind:          se.Kind,
			CompartmentID: se.CompartmentID,
			Period:        se.Period,
			ComputedAt:    se.ComputedAt,
			Payload:       se.Payload,
		},
		ExpiresAt: se.ExpiresAt,
	}, nil
}

func (s *RedisStore) Save(ctx context.Context, key Key, entry *Entry) error {
	ttl := entry.ExpiresAt.Sub(entry.Snapshot.ComputedAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry.Snapshot.Payload)
	if err != nil {
		return fmt.Errorf("encoding snapshot payload %s: %w", key, err)
	}
	data, err := json.Marshal(storedEntry{
		Kind:          entry.Snapshot.Kind,
		CompartmentID: entry.Snapshot.CompartmentID,
		Period:        entry.Snapshot.Period,
		ComputedAt:    entry.Snapshot.ComputedAt,
		ExpiresAt:     entry.ExpiresAt,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
