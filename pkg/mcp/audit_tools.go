package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/aegis/internal/audit"
	"github.com/rendis/aegis/internal/logging"
	"github.com/rendis/aegis/pkg/schema"
)

// --- Tool definitions ---

func auditLogStepTool() mcp.Tool {
	return mcp.NewTool("audit.log_step",
		mcp.WithDescription("Record one step of an agent session in the audit trail. Step numbers are strictly increasing per session; sensitive values are redacted before persistence"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Agent session this step belongs to")),
		mcp.WithNumber("step_number", mcp.Required(), mcp.Description("Position of this step in the session; must exceed every previously recorded step")),
		mcp.WithString("action", mcp.Required(), mcp.Description("What the agent did (e.g. fetch_products)")),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Identity performing the action")),
		mcp.WithString("org_id", mcp.Description("Organization the session acts for")),
		mcp.WithObject("payload", mcp.Description("Structured step details; redacted recursively")),
	)
}

func auditSecurityEventTool() mcp.Tool {
	return mcp.NewTool("audit.security_event",
		mcp.WithDescription("Record a security event. Security events are always retained, separate from session steps"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization the event belongs to")),
		mcp.WithString("event_type", mcp.Required(),
			mcp.Enum("auth_failure", "permission_denied", "suspicious_pattern"),
			mcp.Description("Category of security event"),
		),
		mcp.WithObject("details", mcp.Description("Event details; redacted before persistence")),
	)
}

func auditExportTool() mcp.Tool {
	return mcp.NewTool("audit.export",
		mcp.WithDescription("Export audit entries for an organization, ordered by session and step. Optionally reshape the export with a jq expression"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization to export")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (session_id, actor, action, since, until, limit, offset)")),
		mcp.WithString("jq", mcp.Description("jq expression applied to the exported entries")),
	)
}

func auditStatsTool() mcp.Tool {
	return mcp.NewTool("audit.stats",
		mcp.WithDescription("Aggregate audit statistics for an organization: entry totals, per-actor counts, session count, security events by type"),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization to summarize")),
	)
}

func auditScanGapsTool() mcp.Tool {
	return mcp.NewTool("audit.scan_gaps",
		mcp.WithDescription("Scan a session's audit trail for missing step numbers. An empty result means the trail is contiguous"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to scan")),
	)
}

// --- Handlers ---

// handleAuditLogStep appends one redacted step to a session's trail.
func (s *AegisServer) handleAuditLogStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	stepNumber, ok := argInt64(req, "step_number")
	if !ok {
		return mcp.NewToolResultError("step_number is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("actor is required"), nil
	}
	orgID := req.GetString("org_id", "")
	payload := mcp.ParseStringMap(req, "payload", nil)

	if regErr := s.ensureActor(ctx, actor); regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to register actor: %v", regErr)), nil
	}
	if orgID != "" {
		s.captureSession(ctx, orgID)
	}

	// Attribution flows through context so the trail and the logs agree.
	ctx = logging.WithIDs(ctx, orgID, sessionID, actor)

	if logErr := s.audit.LogStep(ctx, sessionID, stepNumber, action, payload, actor); logErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("log step failed: %v", logErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"session_id":  sessionID,
		"step_number": stepNumber,
	})
}

// handleAuditSecurityEvent records an always-retained security event.
func (s *AegisServer) handleAuditSecurityEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	eventType, err := req.RequireString("event_type")
	if err != nil {
		return mcp.NewToolResultError("event_type is required"), nil
	}
	details := mcp.ParseStringMap(req, "details", nil)

	ctx = logging.WithOrgID(ctx, orgID)

	if logErr := s.audit.LogSecurityEvent(ctx, orgID, schema.SecurityEventType(eventType), details); logErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("security event failed: %v", logErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "event_type": eventType})
}

// handleAuditExport exports entries, optionally reshaped through jq.
func (s *AegisServer) handleAuditExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	ef := audit.ExportFilter{
		Limit:  extractInt(filter, "limit", 0),
		Offset: extractInt(filter, "offset", 0),
	}
	if sessionID, ok := filter["session_id"].(string); ok {
		ef.SessionID = sessionID
	}
	if actor, ok := filter["actor"].(string); ok {
		ef.Actor = actor
	}
	if action, ok := filter["action"].(string); ok {
		ef.Action = action
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, parseErr := time.Parse(time.RFC3339, since)
		if parseErr != nil {
			return mcp.NewToolResultError("since must be RFC3339"), nil
		}
		ef.Since = &t
	}
	if until, ok := filter["until"].(string); ok && until != "" {
		t, parseErr := time.Parse(time.RFC3339, until)
		if parseErr != nil {
			return mcp.NewToolResultError("until must be RFC3339"), nil
		}
		ef.Until = &t
	}

	entries, exportErr := s.audit.Export(ctx, orgID, ef)
	if exportErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("export failed: %v", exportErr)), nil
	}

	if jqExpr := req.GetString("jq", ""); jqExpr != "" {
		transformed, trErr := s.audit.Transform(ctx, entries, jqExpr)
		if trErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("transform failed: %v", trErr)), nil
		}
		return marshalResult(map[string]any{"result": transformed})
	}
	return marshalResult(map[string]any{"entries": entries})
}

// handleAuditStats summarizes an organization's audit trail.
func (s *AegisServer) handleAuditStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}

	stats, statsErr := s.audit.Statistics(ctx, orgID)
	if statsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats failed: %v", statsErr)), nil
	}
	return marshalResult(stats)
}

// handleAuditScanGaps reports missing step numbers for a session.
func (s *AegisServer) handleAuditScanGaps(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	missing, scanErr := s.audit.ScanForGaps(ctx, sessionID)
	if scanErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("scan failed: %v", scanErr)), nil
	}
	if missing == nil {
		missing = []int64{}
	}
	return marshalResult(map[string]any{
		"session_id":    sessionID,
		"missing_steps": missing,
		"contiguous":    len(missing) == 0,
	})
}
