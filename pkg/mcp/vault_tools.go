package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/aegis/internal/logging"
	"github.com/rendis/aegis/internal/vault"
	"github.com/rendis/aegis/pkg/schema"
)

// --- Tool definitions ---

func vaultStoreTool() mcp.Tool {
	return mcp.NewTool("vault.store",
		mcp.WithDescription("Encrypt and store a credential for a service. Overwrites any existing credential for the same (org, service, type) tuple"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization that owns the credential")),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service the credential authenticates against (e.g. shopify, woocommerce)")),
		mcp.WithString("credential_type", mcp.Required(),
			mcp.Enum("api_key", "oauth_token", "basic_auth", "webhook_secret", "custom"),
			mcp.Description("Kind of credential being stored"),
		),
		mcp.WithString("value", mcp.Required(), mcp.Description("The secret value. Encrypted at rest; never echoed back")),
		mcp.WithObject("metadata", mcp.Description("Non-secret metadata stored alongside the credential")),
		mcp.WithString("expires_at", mcp.Description("RFC3339 expiry; after this instant the credential behaves as absent")),
	)
}

func vaultGetTool() mcp.Tool {
	return mcp.NewTool("vault.get",
		mcp.WithDescription("Decrypt and return a stored credential. Returns found=false when no live credential exists"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization that owns the credential")),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service the credential authenticates against")),
		mcp.WithString("credential_type", mcp.Required(),
			mcp.Enum("api_key", "oauth_token", "basic_auth", "webhook_secret", "custom"),
			mcp.Description("Kind of credential to fetch"),
		),
	)
}

func vaultVerifyTool() mcp.Tool {
	return mcp.NewTool("vault.verify",
		mcp.WithDescription("Check whether a live credential exists without decrypting it"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization that owns the credential")),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service the credential authenticates against")),
		mcp.WithString("credential_type", mcp.Required(),
			mcp.Enum("api_key", "oauth_token", "basic_auth", "webhook_secret", "custom"),
			mcp.Description("Kind of credential to check"),
		),
	)
}

func vaultRotateTool() mcp.Tool {
	return mcp.NewTool("vault.rotate",
		mcp.WithDescription("Re-encrypt a credential under the active encryption key. The secret value is unchanged"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization that owns the credential")),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service the credential authenticates against")),
		mcp.WithString("credential_type", mcp.Required(),
			mcp.Enum("api_key", "oauth_token", "basic_auth", "webhook_secret", "custom"),
			mcp.Description("Kind of credential to rotate"),
		),
	)
}

func vaultListTool() mcp.Tool {
	return mcp.NewTool("vault.list",
		mcp.WithDescription("List credential descriptors for an organization. Never includes secret values"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization to list credentials for")),
		mcp.WithString("service", mcp.Description("Restrict to one service")),
	)
}

func vaultDeleteTool() mcp.Tool {
	return mcp.NewTool("vault.delete",
		mcp.WithDescription("Delete a stored credential. Deleting a missing credential is not an error"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization that owns the credential")),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service the credential authenticates against")),
		mcp.WithString("credential_type", mcp.Required(),
			mcp.Enum("api_key", "oauth_token", "basic_auth", "webhook_secret", "custom"),
			mcp.Description("Kind of credential to delete"),
		),
	)
}

// --- Handlers ---

// requireTuple parses the (org, service, credential_type) arguments shared
// by most vault tools.
func requireTuple(req mcp.CallToolRequest) (org, service string, credType schema.CredentialType, errResult *mcp.CallToolResult) {
	org, err := req.RequireString("org_id")
	if err != nil {
		return "", "", "", mcp.NewToolResultError("org_id is required")
	}
	service, err = req.RequireString("service")
	if err != nil {
		return "", "", "", mcp.NewToolResultError("service is required")
	}
	ct, err := req.RequireString("credential_type")
	if err != nil {
		return "", "", "", mcp.NewToolResultError("credential_type is required")
	}
	return org, service, schema.CredentialType(ct), nil
}

// handleVaultStore encrypts and persists a credential.
func (s *AegisServer) handleVaultStore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, service, credType, errResult := requireTuple(req)
	if errResult != nil {
		return errResult, nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError("value is required"), nil
	}
	expiresAt, timeErr := argTime(req, "expires_at")
	if timeErr != nil {
		return mcp.NewToolResultError(timeErr.Error()), nil
	}
	metadata := mcp.ParseStringMap(req, "metadata", nil)

	// Track the plaintext before anything can log or journal it.
	s.registerSecret(value)
	s.captureSession(ctx, org)
	ctx = logging.WithOrgID(ctx, org)

	cred, storeErr := s.vault.Store(ctx, org, service, credType, vault.StoreParams{
		Value:     value,
		Metadata:  metadata,
		ExpiresAt: expiresAt,
	})
	if storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("store failed: %v", storeErr)), nil
	}
	return marshalResult(cred)
}

// handleVaultGet decrypts and returns a credential.
func (s *AegisServer) handleVaultGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, service, credType, errResult := requireTuple(req)
	if errResult != nil {
		return errResult, nil
	}

	s.captureSession(ctx, org)
	ctx = logging.WithOrgID(ctx, org)

	cred, err := s.vault.Get(ctx, org, service, credType)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get failed: %v", err)), nil
	}
	if cred == nil {
		return marshalResult(map[string]any{"found": false})
	}

	// The released plaintext must never show up anywhere else.
	s.registerSecret(cred.Value)

	return marshalResult(map[string]any{
		"found":      true,
		"credential": cred,
	})
}

// handleVaultVerify reports credential existence without decrypting.
func (s *AegisServer) handleVaultVerify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, service, credType, errResult := requireTuple(req)
	if errResult != nil {
		return errResult, nil
	}

	valid, err := s.vault.Verify(ctx, org, service, credType)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("verify failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"valid": valid})
}

// handleVaultRotate re-encrypts a credential under the active key.
func (s *AegisServer) handleVaultRotate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, service, credType, errResult := requireTuple(req)
	if errResult != nil {
		return errResult, nil
	}

	s.captureSession(ctx, org)
	ctx = logging.WithOrgID(ctx, org)

	cred, err := s.vault.Rotate(ctx, org, service, credType)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rotate failed: %v", err)), nil
	}
	return marshalResult(cred)
}

// handleVaultList lists credential descriptors.
func (s *AegisServer) handleVaultList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	service := req.GetString("service", "")

	creds, listErr := s.vault.List(ctx, org, service)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"credentials": creds})
}

// handleVaultDelete removes a credential.
func (s *AegisServer) handleVaultDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, service, credType, errResult := requireTuple(req)
	if errResult != nil {
		return errResult, nil
	}

	ctx = logging.WithOrgID(ctx, org)

	if err := s.vault.Delete(ctx, org, service, credType); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true})
}
