package vault_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-run/kestrel/kerrors"
	"github.com/kestrel-run/kestrel/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(make([]byte, 32))
	require.NoError(t, err)
	return v
}

func TestNewRejectsWrongPepperLength(t *testing.T) {
	_, err := vault.New([]byte("too-short"))
	require.Error(t, err)
}

func TestStoreAndRetrieveRoundTrip(t *testing.T) {
	v := newTestVault(t)
	key := v.DeriveMasterKey("tenant-1", "correct horse battery staple")

	err := v.Store("tenant-1", key, vault.SecretInput{
		Provider:  "dataforseo",
		Plaintext: "super-secret-value",
	})
	require.NoError(t, err)

	plaintext, err := v.Retrieve("tenant-1", "dataforseo", key, "audit-website")
	require.NoError(t, err)
	assert.Equal(t, "super-secret-value", plaintext)
}

func TestRetrieveWrongKeyIsAuthError(t *testing.T) {
	v := newTestVault(t)
	key := v.DeriveMasterKey("tenant-1", "correct password")
	require.NoError(t, v.Store("tenant-1", key, vault.SecretInput{Provider: "dataforseo", Plaintext: "value"}))

	wrongKey := v.DeriveMasterKey("tenant-1", "wrong password")
	_, err := v.Retrieve("tenant-1", "dataforseo", wrongKey, "audit-website")
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrAuth))
}

func TestRetrieveEnforcesScopes(t *testing.T) {
	// A scoped secret is returned only to a requesting tool listed in its
	// scopes; any other tool sees it as absent.
	v := newTestVault(t)
	key := v.DeriveMasterKey("tenant-1", "correct password")
	require.NoError(t, v.Store("tenant-1", key, vault.SecretInput{
		Provider:  "dataforseo",
		Plaintext: "value",
		Scopes:    []string{"audit-website"},
	}))

	// retrieving with an out-of-scope tool returns absent, not a crash
	plaintext, err := v.Retrieve("tenant-1", "dataforseo", key, "discover-businesses")
	require.NoError(t, err)
	assert.Empty(t, plaintext)

	// the in-scope tool still works
	plaintext, err = v.Retrieve("tenant-1", "dataforseo", key, "audit-website")
	require.NoError(t, err)
	assert.Equal(t, "value", plaintext)
}

func TestRetrieveAbsentSecretReturnsEmptyNoError(t *testing.T) {
	v := newTestVault(t)
	key := v.DeriveMasterKey("tenant-1", "pw")
	plaintext, err := v.Retrieve("tenant-1", "unknown-provider", key, "audit-website")
	require.NoError(t, err)
	assert.Empty(t, plaintext)
}

func TestRetrieveExpiredSecretTreatedAsAbsent(t *testing.T) {
	v := newTestVault(t)
	key := v.DeriveMasterKey("tenant-1", "pw")
	past := time.Now().Add(-time.Minute)
	require.NoError(t, v.Store("tenant-1", key, vault.SecretInput{
		Provider:  "dataforseo",
		Plaintext: "value",
		ExpiresAt: &past,
	}))

	plaintext, err := v.Retrieve("tenant-1", "dataforseo", key, "audit-website")
	require.NoError(t, err)
	assert.Empty(t, plaintext)
}

func TestListNeverReturnsPlaintext(t *testing.T) {
	v := newTestVault(t)
	key := v.DeriveMasterKey("tenant-1", "pw")
	require.NoError(t, v.Store("tenant-1", key, vault.SecretInput{
		Provider: "dataforseo",
		Plaintext: "value",
		Scopes:    []string{"audit-website"},
	}))

	metadata := v.List("tenant-1")
	require.Len(t, metadata, 1)
	assert.Equal(t, "dataforseo", metadata[0].Provider)
	assert.Equal(t, []string{"audit-website"}, metadata[0].Scopes)
}

func TestCreateSessionAndUnlock(t *testing.T) {
	v := newTestVault(t)
	key := v.DeriveMasterKey("tenant-1", "pw")
	require.NoError(t, v.Store("tenant-1", key, vault.SecretInput{Provider: "dataforseo", Plaintext: "value"}))

	token, expiresAt, err := v.CreateSession("tenant-1", "pw", time.Hour)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	unlocked, err := v.UnlockWithSession("tenant-1", token)
	require.NoError(t, err)

	plaintext, err := v.Retrieve("tenant-1", "dataforseo", unlocked, "audit-website")
	require.NoError(t, err)
	assert.Equal(t, "value", plaintext)
}

func TestSessionExpiry(t *testing.T) {
	v := newTestVault(t)
	token, _, err := v.CreateSession("tenant-4", "pw", 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	_, err = v.UnlockWithSession("tenant-4", token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrSessionExpired))
}

func TestUnlockWithSessionWrongTenantFails(t *testing.T) {
	v := newTestVault(t)
	token, _, err := v.CreateSession("tenant-1", "pw", time.Hour)
	require.NoError(t, err)

	_, err = v.UnlockWithSession("tenant-2", token)
	require.Error(t, err)
}

func TestUnlockWithSessionUnknownTokenFails(t *testing.T) {
	v := newTestVault(t)
	_, err := v.UnlockWithSession("tenant-1", "does-not-exist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrSessionExpired))
}

func TestDeriveMasterKeyConcurrentCallsAgree(t *testing.T) {
	v := newTestVault(t)

	const n = 20
	keys := make([][]byte, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			keys[i] = v.DeriveMasterKey("tenant-1", "correct horse battery staple")
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.True(t, bytes.Equal(keys[0], keys[i]), "all concurrent derivations must agree on the same key")
	}
}
