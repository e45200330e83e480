package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/rendis/aegis/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultStoreAndGet(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	req := buildRequest("vault.store", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "api_key",
		"value":           "shpat_a1b2c3d4e5f6a1b2c3d4",
		"metadata":        map[string]any{"shop": "demo.myshopify.com"},
	})
	result, err := s.handleVaultStore(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	// The descriptor never carries the plaintext.
	text := extractText(t, result)
	assert.NotContains(t, text, "shpat_a1b2c3d4e5f6a1b2c3d4")
	assert.Contains(t, text, "shopify")

	req = buildRequest("vault.get", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "api_key",
	})
	result, err = s.handleVaultGet(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var got struct {
		Found      bool                  `json:"found"`
		Credential *vault.CredentialData `json:"credential"`
	}
	unmarshalResult(t, result, &got)
	require.True(t, got.Found)
	require.NotNil(t, got.Credential)
	assert.Equal(t, "shpat_a1b2c3d4e5f6a1b2c3d4", got.Credential.Value)
	assert.Equal(t, "demo.myshopify.com", got.Credential.Metadata["shop"])
}

func TestVaultStoreMissingParams(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	// Missing value.
	req := buildRequest("vault.store", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "api_key",
	})
	result, err := s.handleVaultStore(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Missing service.
	req = buildRequest("vault.store", map[string]any{
		"org_id":          "org-1",
		"credential_type": "api_key",
		"value":           "x",
	})
	result, err = s.handleVaultStore(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestVaultStoreInvalidType(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("vault.store", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "password",
		"value":           "hunter2hunter2",
	})
	result, err := s.handleVaultStore(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestVaultStoreBadExpiry(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("vault.store", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "api_key",
		"value":           "shpat_a1b2c3d4e5f6",
		"expires_at":      "tomorrow",
	})
	result, err := s.handleVaultStore(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "RFC3339")
}

func TestVaultStoreRegistersPlaintextWithRedactor(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("vault.store", map[string]any{
		"org_id":          "org-1",
		"service":         "stripe",
		"credential_type": "api_key",
		"value":           "sk_live_q9w8e7r6t5y4u3i2o1",
	})
	result, err := s.handleVaultStore(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	redacted := s.redactor.RedactText("calling stripe with sk_live_q9w8e7r6t5y4u3i2o1 now")
	assert.NotContains(t, redacted, "sk_live_q9w8e7r6t5y4u3i2o1")
	assert.Contains(t, redacted, "[REDACTED]")
}

func TestVaultGetNotFound(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("vault.get", map[string]any{
		"org_id":          "org-1",
		"service":         "missing",
		"credential_type": "api_key",
	})
	result, err := s.handleVaultGet(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var got struct {
		Found bool `json:"found"`
	}
	unmarshalResult(t, result, &got)
	assert.False(t, got.Found)
}

func TestVaultGetExpired(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	req := buildRequest("vault.store", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "oauth_token",
		"value":           "shpat_expired_token_value",
		"expires_at":      past,
	})
	result, err := s.handleVaultStore(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	req = buildRequest("vault.get", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "oauth_token",
	})
	result, err = s.handleVaultGet(ctx, req)
	require.NoError(t, err)

	var got struct {
		Found bool `json:"found"`
	}
	unmarshalResult(t, result, &got)
	assert.False(t, got.Found)
}

func TestVaultVerify(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	req := buildRequest("vault.verify", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "api_key",
	})
	result, err := s.handleVaultVerify(ctx, req)
	require.NoError(t, err)

	var got struct {
		Valid bool `json:"valid"`
	}
	unmarshalResult(t, result, &got)
	assert.False(t, got.Valid)

	storeReq := buildRequest("vault.store", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "api_key",
		"value":           "shpat_a1b2c3d4e5f6",
	})
	storeResult, err := s.handleVaultStore(ctx, storeReq)
	require.NoError(t, err)
	require.False(t, storeResult.IsError)

	result, err = s.handleVaultVerify(ctx, req)
	require.NoError(t, err)
	unmarshalResult(t, result, &got)
	assert.True(t, got.Valid)
}

func TestVaultRotate(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	storeReq := buildRequest("vault.store", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "api_key",
		"value":           "shpat_a1b2c3d4e5f6",
	})
	storeResult, err := s.handleVaultStore(ctx, storeReq)
	require.NoError(t, err)
	require.False(t, storeResult.IsError)

	req := buildRequest("vault.rotate", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "api_key",
	})
	result, err := s.handleVaultRotate(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var rotated vault.StoredCredential
	unmarshalResult(t, result, &rotated)
	assert.False(t, rotated.RotationRequired)

	// The secret is unchanged by rotation.
	getReq := buildRequest("vault.get", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "api_key",
	})
	getResult, err := s.handleVaultGet(ctx, getReq)
	require.NoError(t, err)
	var got struct {
		Found      bool                  `json:"found"`
		Credential *vault.CredentialData `json:"credential"`
	}
	unmarshalResult(t, getResult, &got)
	require.True(t, got.Found)
	assert.Equal(t, "shpat_a1b2c3d4e5f6", got.Credential.Value)
}

func TestVaultRotateNotFound(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("vault.rotate", map[string]any{
		"org_id":          "org-1",
		"service":         "missing",
		"credential_type": "api_key",
	})
	result, err := s.handleVaultRotate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "rotate failed")
}

func TestVaultList(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	for _, seed := range []struct{ service, credType, value string }{
		{"shopify", "api_key", "shpat_a1b2c3d4e5f6"},
		{"shopify", "webhook_secret", "whsec_f6e5d4c3b2a1"},
		{"stripe", "api_key", "sk_live_q9w8e7r6t5y4"},
	} {
		req := buildRequest("vault.store", map[string]any{
			"org_id":          "org-1",
			"service":         seed.service,
			"credential_type": seed.credType,
			"value":           seed.value,
		})
		result, err := s.handleVaultStore(ctx, req)
		require.NoError(t, err)
		require.False(t, result.IsError)
	}

	req := buildRequest("vault.list", map[string]any{"org_id": "org-1"})
	result, err := s.handleVaultList(ctx, req)
	require.NoError(t, err)

	var got struct {
		Credentials []*vault.StoredCredential `json:"credentials"`
	}
	unmarshalResult(t, result, &got)
	assert.Len(t, got.Credentials, 3)

	// Descriptors only, no secret material.
	text := extractText(t, result)
	assert.NotContains(t, text, "shpat_")
	assert.NotContains(t, text, "sk_live_")

	req = buildRequest("vault.list", map[string]any{
		"org_id":  "org-1",
		"service": "stripe",
	})
	result, err = s.handleVaultList(ctx, req)
	require.NoError(t, err)
	unmarshalResult(t, result, &got)
	require.Len(t, got.Credentials, 1)
	assert.Equal(t, "stripe", got.Credentials[0].Service)
}

func TestVaultListMissingOrg(t *testing.T) {
	s := newTestServer(t)

	req := buildRequest("vault.list", map[string]any{})
	result, err := s.handleVaultList(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestVaultDelete(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	storeReq := buildRequest("vault.store", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "api_key",
		"value":           "shpat_a1b2c3d4e5f6",
	})
	storeResult, err := s.handleVaultStore(ctx, storeReq)
	require.NoError(t, err)
	require.False(t, storeResult.IsError)

	req := buildRequest("vault.delete", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "api_key",
	})
	result, err := s.handleVaultDelete(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	getReq := buildRequest("vault.get", map[string]any{
		"org_id":          "org-1",
		"service":         "shopify",
		"credential_type": "api_key",
	})
	getResult, err := s.handleVaultGet(ctx, getReq)
	require.NoError(t, err)
	var got struct {
		Found bool `json:"found"`
	}
	unmarshalResult(t, getResult, &got)
	assert.False(t, got.Found)

	// Deleting again still succeeds.
	result, err = s.handleVaultDelete(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
}
