package registry_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/kestrel-run/kestrel/kerrors"
	"github.com/kestrel-run/kestrel/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDefinition(id string) registry.Definition {
	return registry.Definition{
		ID:      id,
		Version: "1.0.0",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"url": {"type": "string"}},
			"required": ["url"]
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"ok": {"type": "boolean"}}
		}`),
		RequiredSecrets: []string{"dataforseo"},
		NetworkPolicy: registry.NetworkPolicy{
			AllowedDomains: []string{"*.example.com"},
		},
		CostClass:        registry.CostMedium,
		EstimatedCostUSD: 0.10,
		RetryPolicy: registry.RetryPolicy{
			MaxAttempts: 3,
			BackoffMs:   500,
			Multiplier:  2,
		},
		TimeoutMs: 30_000,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(sampleDefinition("audit-website")))

	def, ok := r.Get("audit-website")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", def.Version)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(sampleDefinition("audit-website")))

	err := r.Register(sampleDefinition("audit-website"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrDuplicate))
}

func TestRegisterRejectsBadID(t *testing.T) {
	r := registry.New()
	def := sampleDefinition("Audit Website")
	err := r.Register(def)
	require.Error(t, err)
	var verr *kerrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGetAbsentToolReturnsFalse(t *testing.T) {
	r := registry.New()
	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestValidateInputAcceptsConformingValue(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(sampleDefinition("audit-website")))

	result := r.ValidateInput("audit-website", map[string]any{"url": "https://example.com"})
	assert.True(t, result.OK())
}

func TestValidateInputRejectsMissingRequiredField(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(sampleDefinition("audit-website")))

	result := r.ValidateInput("audit-website", map[string]any{})
	require.False(t, result.OK())
	assert.True(t, errors.Is(result.Err, kerrors.ErrValidation))
}

func TestValidateInputUnknownWorkflow(t *testing.T) {
	r := registry.New()
	result := r.ValidateInput("does-not-exist", map[string]any{})
	require.False(t, result.OK())
	assert.True(t, errors.Is(result.Err, kerrors.ErrUnknownWorkflow))
}

func TestIsDomainAllowedWildcardSuffix(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(sampleDefinition("audit-website")))

	assert.True(t, r.IsDomainAllowed("audit-website", "sub.example.com"))
	assert.True(t, r.IsDomainAllowed("audit-website", "example.com"))
	assert.False(t, r.IsDomainAllowed("audit-website", "evil.com"))
}

func TestIsDomainAllowedBlockedWins(t *testing.T) {
	policy := registry.NetworkPolicy{
		AllowedDomains: []string{"*"},
		BlockedDomains: []string{"evil.com"},
	}
	assert.True(t, policy.IsDomainAllowed("anything.com"))
	assert.False(t, policy.IsDomainAllowed("evil.com"))
}

func TestIsDomainAllowedLocalhostRequiresExplicitFlag(t *testing.T) {
	policy := registry.NetworkPolicy{AllowedDomains: []string{"*"}}
	assert.False(t, policy.IsDomainAllowed("localhost"))

	policy.AllowLocalhost = true
	assert.True(t, policy.IsDomainAllowed("localhost"))
}

func TestRegisterRejectsOutOfRangeTimeout(t *testing.T) {
	r := registry.New()
	def := sampleDefinition("audit-website")
	def.TimeoutMs = 999
	err := r.Register(def)
	require.Error(t, err)
}

func TestConcurrentReadsDoNotRace(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(sampleDefinition("audit-website")))

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = r.Get("audit-website")
			_ = r.List()
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}
