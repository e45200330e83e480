package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// OrgNotifier pushes notifications to an organization's connected agent.
// The maintenance scheduler uses it to announce rotation-due credentials.
type OrgNotifier interface {
	Notify(ctx context.Context, orgID string, payload map[string]any) error
}

// MCPNotifier implements OrgNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP transport.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the org's connected session.
// Best-effort: returns nil if the org has no live session.
func (n *MCPNotifier) Notify(_ context.Context, orgID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(orgID)
	if !ok {
		return nil // org not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send, not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
