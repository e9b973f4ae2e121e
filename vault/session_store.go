package vault

import (
	"sync"
	"time"
)

// Session is the wrapped-key record a unlock session holds: enough to
// re-derive the tenant's master key without storing it unwrapped.
type Session struct {
	Token        string
	TenantID     string
	WrappedKey   []byte
	WrappedNonce []byte
	ExpiresAt    time.Time
}

// SessionStore persists Vault's ephemeral unlock sessions between
// CreateSession and UnlockWithSession. The default MemorySessionStore keeps
// sessions in process memory only, so a Vault restart invalidates every
// outstanding session; RedisSessionStore backs the same interface with
// redis so sessions survive a restart and are visible across replicas of a
// clustered deployment.
type SessionStore interface {
	// Store upserts sess under token, replacing any existing record.
	Store(token string, sess Session) error
	// Load returns the session stored under token, or ok=false if absent.
	Load(token string) (sess Session, ok bool, err error)
	// Delete removes token's session. Deleting an absent token is not an
	// error.
	Delete(token string) error
}

// MemorySessionStore is the default in-process SessionStore, backed by a
// sync.Map since unlock traffic is read-heavy relative to session creation.
type MemorySessionStore struct {
	sessions sync.Map // token -> Session
}

// NewMemorySessionStore returns an empty in-process SessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (m *MemorySessionStore) Store(token string, sess Session) error {
	m.sessions.Store(token, sess)
	return nil
}

func (m *MemorySessionStore) Load(token string) (Session, bool, error) {
	raw, ok := m.sessions.Load(token)
	if !ok {
		return Session{}, false, nil
	}
	return raw.(Session), true, nil
}

func (m *MemorySessionStore) Delete(token string) error {
	m.sessions.Delete(token)
	return nil
}
