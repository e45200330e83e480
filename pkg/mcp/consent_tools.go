package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/aegis/internal/consent"
	"github.com/rendis/aegis/internal/logging"
)

// --- Tool definitions ---

func consentGrantTool() mcp.Tool {
	return mcp.NewTool("consent.grant",
		mcp.WithDescription("Record a user's consent for an agent to perform an operation. Each grant is a new history row"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization the consent belongs to")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User who granted the consent")),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service the consent covers (e.g. shopify)")),
		mcp.WithString("operation", mcp.Required(), mcp.Description("Operation the consent covers (e.g. sync_products)")),
		mcp.WithArray("permissions", mcp.Required(), mcp.Description("Granted permissions; must not be empty")),
		mcp.WithString("expires_at", mcp.Description("RFC3339 expiry; omit for an open-ended grant")),
	)
}

func consentVerifyTool() mcp.Tool {
	return mcp.NewTool("consent.verify",
		mcp.WithDescription("Check whether active consent exists for an operation. Call this before acting on a user's behalf"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization to check")),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service the operation targets")),
		mcp.WithString("operation", mcp.Required(), mcp.Description("Operation to check consent for")),
	)
}

func consentHasPermissionTool() mcp.Tool {
	return mcp.NewTool("consent.has_permission",
		mcp.WithDescription("Check whether active consent exists AND includes a specific permission"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization to check")),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service the operation targets")),
		mcp.WithString("operation", mcp.Required(), mcp.Description("Operation to check consent for")),
		mcp.WithString("permission", mcp.Required(), mcp.Description("Permission that must be present in the grant")),
	)
}

func consentRevokeTool() mcp.Tool {
	return mcp.NewTool("consent.revoke",
		mcp.WithDescription("Revoke consent. Target one grant by consent_id, the live grant for a service+operation, or every active grant for a service"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization the consent belongs to")),
		mcp.WithString("consent_id", mcp.Description("Revoke one specific grant by ID")),
		mcp.WithString("service", mcp.Description("Service to revoke consent for")),
		mcp.WithString("operation", mcp.Description("Operation to revoke consent for; omit to revoke all active grants for the service")),
	)
}

func consentListTool() mcp.Tool {
	return mcp.NewTool("consent.list",
		mcp.WithDescription("List consent records for an organization, oldest grant first"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization to list consents for")),
		mcp.WithString("service", mcp.Description("Restrict to one service")),
		mcp.WithBoolean("active_only", mcp.Description("Only include grants still flagged active")),
	)
}

func consentStatsTool() mcp.Tool {
	return mcp.NewTool("consent.stats",
		mcp.WithDescription("Aggregate consent counts for an organization: total, active, revoked, expired"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization to summarize")),
	)
}

// --- Handlers ---

// handleConsentGrant records a new consent grant.
func (s *AegisServer) handleConsentGrant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	service, err := req.RequireString("service")
	if err != nil {
		return mcp.NewToolResultError("service is required"), nil
	}
	operation, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}
	permissions := argStringSlice(req, "permissions")
	expiresAt, timeErr := argTime(req, "expires_at")
	if timeErr != nil {
		return mcp.NewToolResultError(timeErr.Error()), nil
	}

	s.captureSession(ctx, org)
	ctx = logging.WithOrgID(ctx, org)

	rec, grantErr := s.consent.Grant(ctx, org, userID, consent.GrantParams{
		Service:     service,
		Operation:   operation,
		Permissions: permissions,
		ExpiresAt:   expiresAt,
	})
	if grantErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("grant failed: %v", grantErr)), nil
	}
	return marshalResult(rec)
}

// handleConsentVerify checks for active consent.
func (s *AegisServer) handleConsentVerify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	service, err := req.RequireString("service")
	if err != nil {
		return mcp.NewToolResultError("service is required"), nil
	}
	operation, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}

	s.captureSession(ctx, org)

	result, verifyErr := s.consent.Verify(ctx, org, service, operation)
	if verifyErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("verify failed: %v", verifyErr)), nil
	}
	return marshalResult(result)
}

// handleConsentHasPermission checks consent plus permission membership.
func (s *AegisServer) handleConsentHasPermission(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	service, err := req.RequireString("service")
	if err != nil {
		return mcp.NewToolResultError("service is required"), nil
	}
	operation, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}
	permission, err := req.RequireString("permission")
	if err != nil {
		return mcp.NewToolResultError("permission is required"), nil
	}

	allowed, permErr := s.consent.HasPermission(ctx, org, service, operation, permission)
	if permErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("permission check failed: %v", permErr)), nil
	}
	return marshalResult(map[string]any{"allowed": allowed})
}

// handleConsentRevoke revokes by ID, by tuple, or service-wide.
func (s *AegisServer) handleConsentRevoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	consentID := req.GetString("consent_id", "")
	service := req.GetString("service", "")
	operation := req.GetString("operation", "")

	ctx = logging.WithOrgID(ctx, org)

	switch {
	case consentID != "":
		if revokeErr := s.consent.RevokeByID(ctx, org, consentID); revokeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("revoke failed: %v", revokeErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "consent_id": consentID})

	case service != "" && operation != "":
		if revokeErr := s.consent.Revoke(ctx, org, service, operation); revokeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("revoke failed: %v", revokeErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "service": service, "operation": operation})

	case service != "":
		count, revokeErr := s.consent.RevokeAllForService(ctx, org, service)
		if revokeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("revoke failed: %v", revokeErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "service": service, "revoked_count": count})

	default:
		return mcp.NewToolResultError("either consent_id or service is required"), nil
	}
}

// handleConsentList lists consent records.
func (s *AegisServer) handleConsentList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}

	records, listErr := s.consent.List(ctx, org, consent.ListFilter{
		Service:    req.GetString("service", ""),
		ActiveOnly: argBool(req, "active_only"),
	})
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"consents": records})
}

// handleConsentStats summarizes an organization's consents.
func (s *AegisServer) handleConsentStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	org, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}

	stats, statsErr := s.consent.Stats(ctx, org)
	if statsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats failed: %v", statsErr)), nil
	}
	return marshalResult(stats)
}
