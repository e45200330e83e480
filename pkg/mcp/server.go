// Package mcp exposes the trust core to agent consumers as MCP tools.
// Every vault, consent, and audit operation is reachable over the
// stdio transport; the tool layer registers secret values with the
// audit redactor so plaintext never leaks into trails or logs except
// as the explicit result of vault.get.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/aegis/internal/audit"
	"github.com/rendis/aegis/internal/consent"
	"github.com/rendis/aegis/internal/store"
	"github.com/rendis/aegis/internal/vault"
)

// AegisServerDeps holds the dependencies for creating an AegisServer.
type AegisServerDeps struct {
	Vault    *vault.Vault
	Consent  *consent.Manager
	Audit    *audit.Logger
	Redactor *audit.Redactor
	Store    store.Store
	Logger   *slog.Logger
}

// AegisServer wraps an MCP server with trust-core tool handlers.
type AegisServer struct {
	vault     *vault.Vault
	consent   *consent.Manager
	audit     *audit.Logger
	redactor  *audit.Redactor
	store     store.Store
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewAegisServer creates a new AegisServer with all tools registered.
func NewAegisServer(deps AegisServerDeps) *AegisServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AegisServer{
		vault:    deps.Vault,
		consent:  deps.Consent,
		audit:    deps.Audit,
		redactor: deps.Redactor,
		store:    deps.Store,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"aegis",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Aegis is the trust core for autonomous agents: an encrypted credential vault, a consent ledger, and a tamper-evident audit trail. Check consent.verify before acting on a user's behalf, fetch secrets with vault.get only when needed, and record every step you take with audit.log_step."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AegisServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AegisServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the org-to-session registry, populated as agents call tools.
func (s *AegisServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns all registered MCP tools as ServerTool entries.
func (s *AegisServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: vaultStoreTool(), Handler: s.handleVaultStore},
		{Tool: vaultGetTool(), Handler: s.handleVaultGet},
		{Tool: vaultVerifyTool(), Handler: s.handleVaultVerify},
		{Tool: vaultRotateTool(), Handler: s.handleVaultRotate},
		{Tool: vaultListTool(), Handler: s.handleVaultList},
		{Tool: vaultDeleteTool(), Handler: s.handleVaultDelete},
		{Tool: consentGrantTool(), Handler: s.handleConsentGrant},
		{Tool: consentVerifyTool(), Handler: s.handleConsentVerify},
		{Tool: consentHasPermissionTool(), Handler: s.handleConsentHasPermission},
		{Tool: consentRevokeTool(), Handler: s.handleConsentRevoke},
		{Tool: consentListTool(), Handler: s.handleConsentList},
		{Tool: consentStatsTool(), Handler: s.handleConsentStats},
		{Tool: auditLogStepTool(), Handler: s.handleAuditLogStep},
		{Tool: auditSecurityEventTool(), Handler: s.handleAuditSecurityEvent},
		{Tool: auditExportTool(), Handler: s.handleAuditExport},
		{Tool: auditStatsTool(), Handler: s.handleAuditStats},
		{Tool: auditScanGapsTool(), Handler: s.handleAuditScanGaps},
	}
}
