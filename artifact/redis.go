package artifact

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is an ExternalStore backed by a Redis (or Redis-compatible)
// server, for deployments that run the runtime across multiple processes
// and need artifact payloads reachable from whichever process serves a
// later read — the "external" storage mode config.Config exposes alongside
// the single-process FilesystemStore.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore returns a RedisStore using client. Keys are namespaced
// under prefix (e.g. "kestrel:artifacts") to share a Redis instance safely
// with unrelated data.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "kestrel:artifacts"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(jobID, artifactID string) string {
	return s.prefix + ":" + jobID + ":" + artifactID
}

// Put writes payload under a key derived from jobID and artifactID. SET is
// a single round trip and already atomic from the point of view of any
// concurrent Get, so no separate temp-key-then-rename dance is needed the
// way it is for a filesystem write.
func (s *RedisStore) Put(jobID, artifactID string, payload []byte) (ExternalHandle, error) {
	key := s.key(jobID, artifactID)
	if err := s.client.Set(context.Background(), key, payload, 0).Err(); err != nil {
		return ExternalHandle{}, fmt.Errorf("artifact: redis set %s: %w", key, err)
	}
	return ExternalHandle{Store: "redis", Key: key}, nil
}

// Get reads back a previously stored payload.
func (s *RedisStore) Get(handle ExternalHandle) ([]byte, error) {
	payload, err := s.client.Get(context.Background(), handle.Key).Bytes()
	if err != nil {
		return nil, fmt.Errorf("artifact: redis get %s: %w", handle.Key, err)
	}
	return payload, nil
}
