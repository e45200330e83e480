package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	// Initially empty.
	assert.Equal(t, "", OrgID(ctx))
	assert.Equal(t, "", SessionID(ctx))
	assert.Equal(t, "", Actor(ctx))

	// Set values.
	ctx = WithOrgID(ctx, "org-123")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithActor(ctx, "agent:checkout")

	// Round-trip.
	assert.Equal(t, "org-123", OrgID(ctx))
	assert.Equal(t, "sess-1", SessionID(ctx))
	assert.Equal(t, "agent:checkout", Actor(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := context.Background()
	ctx = WithOrgID(ctx, "org-abc")
	ctx = WithSessionID(ctx, "sess-x")
	ctx = WithActor(ctx, "agent:7")

	enriched := LogWith(ctx, logger)
	enriched.Info("test message")

	output := buf.String()
	assert.Contains(t, output, "org_id=org-abc")
	assert.Contains(t, output, "session_id=sess-x")
	assert.Contains(t, output, "actor=agent:7")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Only set org ID; session and actor should not appear.
	ctx := WithOrgID(context.Background(), "org-only")

	enriched := LogWith(ctx, logger)
	enriched.Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "org_id=org-only")
	assert.NotContains(t, output, "session_id")
	assert.NotContains(t, output, "actor=")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// No correlation values, no extra attrs.
	enriched := LogWith(context.Background(), logger)
	enriched.Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "org_id")
	assert.NotContains(t, output, "session_id")
	assert.NotContains(t, output, "actor=")
	assert.Contains(t, output, "no context")
}

func TestWithIDs(t *testing.T) {
	ctx := WithIDs(context.Background(), "org-1", "sess-2", "agent:3")
	assert.Equal(t, "org-1", OrgID(ctx))
	assert.Equal(t, "sess-2", SessionID(ctx))
	assert.Equal(t, "agent:3", Actor(ctx))
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithIDs(context.Background(), "org-auto", "sess-auto", "agent:auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"org_id":"org-auto"`)
	assert.Contains(t, output, `"session_id":"sess-auto"`)
	assert.Contains(t, output, `"actor":"agent:auto"`)
	assert.Contains(t, output, "auto inject")
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "org_id")
	assert.NotContains(t, output, "session_id")
	assert.NotContains(t, output, `"actor"`)
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerPartialContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithOrgID(context.Background(), "org-only")
	logger.InfoContext(ctx, "partial")

	output := buf.String()
	assert.Contains(t, output, `"org_id":"org-only"`)
	assert.NotContains(t, output, "session_id")
	assert.NotContains(t, output, `"actor"`)
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "vault")}))

	ctx := WithOrgID(context.Background(), "org-attr")
	logger.InfoContext(ctx, "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"org_id":"org-attr"`)
	assert.Contains(t, output, `"component":"vault"`)
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithGroup("vault"))

	ctx := WithOrgID(context.Background(), "org-grp")
	logger.InfoContext(ctx, "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "org-grp")
	assert.Contains(t, output, "grouped")
}
