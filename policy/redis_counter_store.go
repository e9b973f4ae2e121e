package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore is a CounterStore backed by a Redis (or
// Redis-compatible) server, matching artifact.RedisStore's and
// vault.RedisSessionStore's external-persistence pattern, so admission
// counters for rate windows, cost quotas, and concurrency survive a
// restart and are shared across replicas.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore returns a RedisCounterStore using client. Keys are
// namespaced under prefix (e.g. "kestrel:policy") to share a Redis instance
// safely with unrelated data.
func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "kestrel:policy"
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

func (s *RedisCounterStore) key(tenantID string) string {
	return s.prefix + ":" + tenantID
}

// Load returns tenantID's last persisted snapshot, or ok=false if none
// exists yet.
func (s *RedisCounterStore) Load(tenantID string) (CounterSnapshot, bool, error) {
	raw, err := s.client.Get(context.Background(), s.key(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CounterSnapshot{}, false, nil
	}
	if err != nil {
		return CounterSnapshot{}, false, fmt.Errorf("policy: redis get counters: %w", err)
	}
	var snap CounterSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return CounterSnapshot{}, false, fmt.Errorf("policy: unmarshal counters: %w", err)
	}
	return snap, true, nil
}

// Save persists tenantID's current snapshot with no expiry: admission
// counters are long-lived state the engine itself resets by its own rate
// and quota windows, not data Redis should evict on a TTL.
func (s *RedisCounterStore) Save(tenantID string, snap CounterSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("policy: marshal counters: %w", err)
	}
	if err := s.client.Set(context.Background(), s.key(tenantID), payload, 0).Err(); err != nil {
		return fmt.Errorf("policy: redis set counters: %w", err)
	}
	return nil
}
