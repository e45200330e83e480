package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/aegis/internal/identity"
)

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// argInt64 reads an integer argument, accepting JSON numbers and numeric strings.
func argInt64(req mcp.CallToolRequest, key string) (int64, bool) {
	v, ok := req.GetArguments()[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return int64(val), true
	case int:
		return int64(val), true
	case int64:
		return val, true
	case string:
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// argBool reads a boolean argument, accepting JSON booleans and "true"/"false".
func argBool(req mcp.CallToolRequest, key string) bool {
	v, ok := req.GetArguments()[key]
	if !ok {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	}
	return false
}

// argStringSlice reads an array argument as a string slice.
func argStringSlice(req mcp.CallToolRequest, key string) []string {
	v, ok := req.GetArguments()[key]
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// argTime reads an optional RFC3339 timestamp argument.
func argTime(req mcp.CallToolRequest, key string) (*time.Time, error) {
	raw := req.GetString(key, "")
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC3339: %v", key, err)
	}
	return &t, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// ensureActor registers the acting identity on first contact.
func (s *AegisServer) ensureActor(ctx context.Context, actor string) error {
	if s.store == nil {
		return nil
	}
	_, err := identity.EnsureRegistered(ctx, s.store, actor, actor, "", nil)
	return err
}

// captureSession maps the org ID to its current MCP session for notifications.
func (s *AegisServer) captureSession(ctx context.Context, orgID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(orgID, session.SessionID())
	}
}

// registerSecret tracks plaintext values with the redactor so they can
// never appear verbatim in audit trails or logs.
func (s *AegisServer) registerSecret(values ...string) {
	if s.redactor != nil {
		s.redactor.Register(values...)
	}
}
