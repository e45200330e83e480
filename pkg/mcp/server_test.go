package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/aegis/internal/audit"
	"github.com/rendis/aegis/internal/consent"
	"github.com/rendis/aegis/internal/encryption"
	"github.com/rendis/aegis/internal/store"
	"github.com/rendis/aegis/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer wires a server over a real libsql store in a temp directory,
// with a real keyring and real services. Handler tests exercise the full
// stack down to SQLite.
func newTestServer(t *testing.T) *AegisServer {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "aegis.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	master := make([]byte, 32)
	for i := range master {
		master[i] = byte(i)
	}
	keyring, err := encryption.NewKeyring(encryption.KeyringConfig{MasterKey: master})
	require.NoError(t, err)

	logger := slog.Default()

	v, err := vault.NewVault(st, keyring, logger)
	require.NoError(t, err)
	cm, err := consent.NewManager(st, logger)
	require.NoError(t, err)
	redactor := audit.NewRedactor()
	al, err := audit.NewLogger(st, redactor, logger)
	require.NoError(t, err)

	return NewAegisServer(AegisServerDeps{
		Vault:    v,
		Consent:  cm,
		Audit:    al,
		Redactor: redactor,
		Store:    st,
		Logger:   logger,
	})
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func TestNewAegisServer(t *testing.T) {
	s := NewAegisServer(AegisServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s := NewAegisServer(AegisServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 17)

	expectedTools := []string{
		"vault.store",
		"vault.get",
		"vault.verify",
		"vault.rotate",
		"vault.list",
		"vault.delete",
		"consent.grant",
		"consent.verify",
		"consent.has_permission",
		"consent.revoke",
		"consent.list",
		"consent.stats",
		"audit.log_step",
		"audit.security_event",
		"audit.export",
		"audit.stats",
		"audit.scan_gaps",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"vault_store", "vault.store", "Encrypt and store a credential for a service. Overwrites any existing credential for the same (org, service, type) tuple"},
		{"vault_get", "vault.get", "Decrypt and return a stored credential. Returns found=false when no live credential exists"},
		{"vault_verify", "vault.verify", "Check whether a live credential exists without decrypting it"},
		{"vault_rotate", "vault.rotate", "Re-encrypt a credential under the active encryption key. The secret value is unchanged"},
		{"vault_list", "vault.list", "List credential descriptors for an organization. Never includes secret values"},
		{"vault_delete", "vault.delete", "Delete a stored credential. Deleting a missing credential is not an error"},
		{"consent_grant", "consent.grant", "Record a user's consent for an agent to perform an operation. Each grant is a new history row"},
		{"consent_verify", "consent.verify", "Check whether active consent exists for an operation. Call this before acting on a user's behalf"},
		{"consent_has_permission", "consent.has_permission", "Check whether active consent exists AND includes a specific permission"},
		{"consent_revoke", "consent.revoke", "Revoke consent. Target one grant by consent_id, the live grant for a service+operation, or every active grant for a service"},
		{"consent_list", "consent.list", "List consent records for an organization, oldest grant first"},
		{"consent_stats", "consent.stats", "Aggregate consent counts for an organization: total, active, revoked, expired"},
		{"audit_log_step", "audit.log_step", "Record one step of an agent session in the audit trail. Step numbers are strictly increasing per session; sensitive values are redacted before persistence"},
		{"audit_security_event", "audit.security_event", "Record a security event. Security events are always retained, separate from session steps"},
		{"audit_export", "audit.export", "Export audit entries for an organization, ordered by session and step. Optionally reshape the export with a jq expression"},
		{"audit_stats", "audit.stats", "Aggregate audit statistics for an organization: entry totals, per-actor counts, session count, security events by type"},
		{"audit_scan_gaps", "audit.scan_gaps", "Scan a session's audit trail for missing step numbers. An empty result means the trail is contiguous"},
	}

	s := NewAegisServer(AegisServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
