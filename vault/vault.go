// Package vault is the authenticated, per-tenant encrypted credential store.
// Keys are derived from a process-wide pepper and a per-tenant password
// (never persisted); secrets are sealed with AES-256-GCM, with the
// associated data binding tenant, provider, and scope so that tampering
// with any of those fields invalidates decryption. The crypto and
// atomic-write discipline follow the same shape as a local encrypted
// secrets file backend in the reference corpus, adapted here to PBKDF2 (the
// spec's required KDF) and to a multi-tenant, in-memory store instead of a
// single-user file.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kestrel-run/kestrel/kerrors"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"
)

const (
	// PBKDF2Iterations is the minimum iteration count required by the spec.
	PBKDF2Iterations = 100_000
	keyLength        = 32 // 256-bit AES key
	nonceSize        = 12 // 96-bit GCM nonce
	saltSize         = 32

	// DefaultSessionTTL is used by CreateSession when ttl <= 0.
	DefaultSessionTTL = time.Hour
)

// SecretInput is the plaintext payload passed to Store.
type SecretInput struct {
	Provider  string
	Plaintext string
	// Scopes restricts retrieval to the listed tool IDs. Empty means any
	// tool may retrieve the secret.
	Scopes    []string
	ExpiresAt *time.Time
}

// SecretMetadata is returned by List; it never carries plaintext.
type SecretMetadata struct {
	Provider  string
	Scopes    []string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

type secretRecord struct {
	provider   string
	ciphertext []byte
	nonce      []byte
	scopes     []string
	expiresAt  *time.Time
	createdAt  time.Time
}

// Vault holds per-tenant secret records and ephemeral unlock sessions. All
// methods are safe for concurrent use. Secret records are keyed by
// (tenant, provider); the per-tenant map is guarded by a single RWMutex
// since insertions are rare relative to lookups and decryption itself is
// CPU-bound and runs outside the lock.
type Vault struct {
	pepper []byte

	mu      sync.RWMutex
	records map[string]map[string]*secretRecord

	sessions SessionStore

	// deriveGroup coalesces concurrent PBKDF2 derivations for the same
	// tenant/password pair: a burst of requests unlocking the same tenant
	// at once (e.g. several jobs admitted in the same instant) shares one
	// 100,000-iteration computation instead of paying for each in full.
	deriveGroup singleflight.Group
}

// New constructs a Vault bound to the given 32-byte pepper, with sessions
// held in an in-process MemorySessionStore. A pepper of the wrong length is
// a process-start failure per the spec, so New rejects it rather than
// silently truncating or padding.
func New(pepper []byte) (*Vault, error) {
	return NewWithSessionStore(pepper, NewMemorySessionStore())
}

// NewWithSessionStore constructs a Vault whose unlock sessions are
// persisted through store, e.g. a RedisSessionStore so sessions survive a
// restart or are shared across a clustered deployment's replicas.
func NewWithSessionStore(pepper []byte, store SessionStore) (*Vault, error) {
	if len(pepper) != 32 {
		return nil, fmt.Errorf("vault: pepper must be exactly 32 bytes, got %d", len(pepper))
	}
	return &Vault{
		pepper:   append([]byte(nil), pepper...),
		records:  make(map[string]map[string]*secretRecord),
		sessions: store,
	}, nil
}

// DeriveMasterKey derives the 256-bit master key for tenantID from the
// tenant's password: salt = SHA-256(pepper || tenant_id), key =
// PBKDF2-HMAC-SHA256(password, salt, iterations, 32).
func (v *Vault) DeriveMasterKey(tenantID, password string) []byte {
	groupSum := sha256.Sum256([]byte(tenantID + "\x00" + password))
	groupKey := hex.EncodeToString(groupSum[:])

	key, _, _ := v.deriveGroup.Do(groupKey, func() (any, error) {
		salt := v.tenantSalt(tenantID)
		return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, keyLength, sha256.New), nil
	})
	return key.([]byte)
}

func (v *Vault) tenantSalt(tenantID string) []byte {
	h := sha256.Sum256(append(append([]byte(nil), v.pepper...), []byte(tenantID)...))
	return h[:]
}

// Store encrypts input.Plaintext under masterKey and upserts it as
// (tenantID, input.Provider). Replacing an existing record discards the old
// ciphertext entirely.
func (v *Vault) Store(tenantID string, masterKey []byte, input SecretInput) error {
	aad := associatedData(tenantID, input.Provider, input.Scopes)
	ciphertext, nonce, err := seal(masterKey, []byte(input.Plaintext), aad)
	if err != nil {
		return fmt.Errorf("vault: seal secret: %w", err)
	}

	rec := &secretRecord{
		provider:   input.Provider,
		ciphertext: ciphertext,
		nonce:      nonce,
		scopes:     append([]string(nil), input.Scopes...),
		expiresAt:  input.ExpiresAt,
		createdAt:  time.Now(),
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	byProvider, ok := v.records[tenantID]
	if !ok {
		byProvider = make(map[string]*secretRecord)
		v.records[tenantID] = byProvider
	}
	byProvider[input.Provider] = rec
	return nil
}

// Retrieve decrypts the secret for (tenantID, provider) using masterKey, iff
// a record exists, is unexpired, and requestingToolID is within scope.
// Decryption failure (wrong key or tampered ciphertext/AAD) always surfaces
// as kerrors.ErrAuth — it is never treated as "absent" and is never
// recovered from.
func (v *Vault) Retrieve(tenantID, provider string, masterKey []byte, requestingToolID string) (string, error) {
	v.mu.RLock()
	byProvider, ok := v.records[tenantID]
	var rec *secretRecord
	if ok {
		rec, ok = byProvider[provider]
	}
	v.mu.RUnlock()
	if !ok {
		return "", nil
	}

	if rec.expiresAt != nil && !time.Now().Before(*rec.expiresAt) {
		return "", nil // expired secrets are treated as absent
	}
	if len(rec.scopes) > 0 && !containsString(rec.scopes, requestingToolID) {
		return "", nil
	}

	aad := associatedData(tenantID, provider, rec.scopes)
	plaintext, err := open(masterKey, rec.nonce, rec.ciphertext, aad)
	if err != nil {
		return "", kerrors.ErrAuth
	}
	return string(plaintext), nil
}

// List returns metadata (never plaintext) for every secret stored for
// tenantID.
func (v *Vault) List(tenantID string) []SecretMetadata {
	v.mu.RLock()
	defer v.mu.RUnlock()
	byProvider := v.records[tenantID]
	out := make([]SecretMetadata, 0, len(byProvider))
	for _, rec := range byProvider {
		out = append(out, SecretMetadata{
			Provider:  rec.provider,
			Scopes:    append([]string(nil), rec.scopes...),
			ExpiresAt: rec.expiresAt,
			CreatedAt: rec.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// CreateSession derives the master key from password, wraps it under a
// pepper-derived session key, and returns an opaque session token. ttl <= 0
// uses DefaultSessionTTL; policy, not the vault, enforces an upper bound.
func (v *Vault) CreateSession(tenantID, password string, ttl time.Duration) (token string, expiresAt time.Time, err error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	masterKey := v.DeriveMasterKey(tenantID, password)

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", time.Time{}, fmt.Errorf("vault: generate session token: %w", err)
	}
	token = hex.EncodeToString(tokenBytes)

	wrapKey := v.sessionWrapKey()
	wrapped, nonce, err := seal(wrapKey, masterKey, []byte(tenantID))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("vault: wrap session key: %w", err)
	}

	expiresAt = time.Now().Add(ttl)
	if err := v.sessions.Store(token, Session{
		Token:        token,
		TenantID:     tenantID,
		WrappedKey:   wrapped,
		WrappedNonce: nonce,
		ExpiresAt:    expiresAt,
	}); err != nil {
		return "", time.Time{}, fmt.Errorf("vault: store session: %w", err)
	}
	return token, expiresAt, nil
}

// UnlockWithSession returns the master key wrapped by token, iff the token
// exists, is unexpired, and was issued for tenantID. The store's Load is
// already keyed on the exact token, but the session's own record of the
// token and its tenant ID are both re-checked here with
// subtle.ConstantTimeCompare so neither comparison leaks timing
// information to a caller probing for a valid token or tenant ID.
func (v *Vault) UnlockWithSession(tenantID, token string) ([]byte, error) {
	sess, ok, err := v.sessions.Load(token)
	if err != nil {
		return nil, fmt.Errorf("vault: load session: %w", err)
	}
	if !ok {
		return nil, kerrors.ErrSessionExpired
	}

	if !time.Now().Before(sess.ExpiresAt) {
		_ = v.sessions.Delete(token)
		return nil, kerrors.ErrSessionExpired
	}
	if subtle.ConstantTimeCompare([]byte(sess.Token), []byte(token)) != 1 {
		return nil, kerrors.ErrSessionExpired
	}
	if subtle.ConstantTimeCompare([]byte(sess.TenantID), []byte(tenantID)) != 1 {
		return nil, kerrors.ErrSessionExpired
	}

	wrapKey := v.sessionWrapKey()
	masterKey, err := open(wrapKey, sess.WrappedNonce, sess.WrappedKey, []byte(sess.TenantID))
	if err != nil {
		return nil, kerrors.ErrAuth
	}
	return masterKey, nil
}

// sessionWrapKey derives a vault-wide key (distinct from any tenant key)
// used only to wrap session master keys at rest in the session map.
func (v *Vault) sessionWrapKey() []byte {
	h := sha256.Sum256(append(append([]byte(nil), v.pepper...), []byte("session-wrap")...))
	return h[:]
}

func associatedData(tenantID, provider string, scopes []string) []byte {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	scopesHash := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return []byte(tenantID + "\x00" + provider + "\x00" + hex.EncodeToString(scopesHash[:]))
}

func seal(key, plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	return ciphertext, nonce, nil
}

func open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, aad)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

