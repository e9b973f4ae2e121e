package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore is a SessionStore backed by a Redis (or
// Redis-compatible) server, so unlock sessions survive a Vault restart and
// are visible to every process in a clustered deployment, matching
// artifact.RedisStore's external-persistence pattern for artifact payloads.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStore returns a RedisSessionStore using client. Keys are
// namespaced under prefix (e.g. "kestrel:sessions") to share a Redis
// instance safely with unrelated data.
func NewRedisSessionStore(client *redis.Client, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "kestrel:sessions"
	}
	return &RedisSessionStore{client: client, prefix: prefix}
}

func (s *RedisSessionStore) key(token string) string {
	return s.prefix + ":" + token
}

type redisSession struct {
	Token        string    `json:"token"`
	TenantID     string    `json:"tenant_id"`
	WrappedKey   []byte    `json:"wrapped_key"`
	WrappedNonce []byte    `json:"wrapped_nonce"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store writes sess under token with a TTL set to the time remaining until
// sess.ExpiresAt, so an expired session is reclaimed by Redis itself instead
// of leaking indefinitely.
func (s *RedisSessionStore) Store(token string, sess Session) error {
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("vault: refusing to store already-expired session")
	}
	payload, err := json.Marshal(redisSession{
		Token:        sess.Token,
		TenantID:     sess.TenantID,
		WrappedKey:   sess.WrappedKey,
		WrappedNonce: sess.WrappedNonce,
		ExpiresAt:    sess.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("vault: marshal session: %w", err)
	}
	if err := s.client.Set(context.Background(), s.key(token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("vault: redis set session: %w", err)
	}
	return nil
}

// Load reads back the session stored under token.
func (s *RedisSessionStore) Load(token string) (Session, bool, error) {
	raw, err := s.client.Get(context.Background(), s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("vault: redis get session: %w", err)
	}
	var rs redisSession
	if err := json.Unmarshal(raw, &rs); err != nil {
		return Session{}, false, fmt.Errorf("vault: unmarshal session: %w", err)
	}
	return Session{
		Token:        rs.Token,
		TenantID:     rs.TenantID,
		WrappedKey:   rs.WrappedKey,
		WrappedNonce: rs.WrappedNonce,
		ExpiresAt:    rs.ExpiresAt,
	}, true, nil
}

// Delete removes token's session. Deleting an absent token is not an error.
func (s *RedisSessionStore) Delete(token string) error {
	if err := s.client.Del(context.Background(), s.key(token)).Err(); err != nil {
		return fmt.Errorf("vault: redis delete session: %w", err)
	}
	return nil
}
