// Package audit appends a tamper-evident, redacted action trail. Entries
// are immutable once written; step numbers are strictly increasing within
// a session and collisions are rejected at write time. Security events are
// a distinct, always-retained category beside the ordinary step trail.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/aegis/internal/logging"
	"github.com/rendis/aegis/internal/store"
	"github.com/rendis/aegis/pkg/schema"
)

// AuditStore is the persistence surface the logger needs.
// Satisfied by store.Store.
type AuditStore interface {
	AppendAuditEntry(ctx context.Context, entry *store.AuditEntry) error
	ListAuditEntries(ctx context.Context, orgID string, filter store.AuditFilter) ([]*store.AuditEntry, error)
	SessionSteps(ctx context.Context, sessionID string) ([]int64, error)
	AuditStats(ctx context.Context, orgID string) (*store.AuditStats, error)
	CreateSecurityEvent(ctx context.Context, event *store.SecurityEvent) error
	ListSecurityEvents(ctx context.Context, orgID string, filter store.SecurityEventFilter) ([]*store.SecurityEvent, error)
}

// ExportFilter narrows an audit trail export.
type ExportFilter struct {
	SessionID string
	Actor     string
	Action    string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// Logger appends and exports the audit trail.
type Logger struct {
	store    AuditStore
	redactor *Redactor
	logger   *slog.Logger
	jq       *jqCache
}

// NewLogger wires an audit logger over its store and redactor. Audit
// entries are compliance-critical, so a missing collaborator is a
// construction-time error rather than a silent no-op trail.
func NewLogger(s AuditStore, redactor *Redactor, logger *slog.Logger) (*Logger, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "audit logger requires a store")
	}
	if redactor == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "audit logger requires a redactor")
	}
	if logger == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "audit logger requires a logger")
	}
	return &Logger{store: s, redactor: redactor, logger: logger, jq: newJQCache()}, nil
}

// LogStep appends one step to a session's trail. The action text and every
// string inside the payload are redacted before anything is persisted. A
// step number that duplicates or regresses the session's sequence is
// rejected with DUPLICATE_STEP and nothing is written. The owning
// organization is read from the context correlation when present.
// Persistence failures surface to the caller; a dropped audit entry is
// never silent.
func (l *Logger) LogStep(ctx context.Context, sessionID string, stepNumber int64, action string, payload map[string]any, actor string) error {
	if sessionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "session id is required")
	}
	if stepNumber < 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "step number must be positive, got %d", stepNumber)
	}
	if action == "" {
		return schema.NewError(schema.ErrCodeValidation, "action is required")
	}
	if actor == "" {
		return schema.NewError(schema.ErrCodeValidation, "actor is required")
	}

	var rawPayload json.RawMessage
	if payload != nil {
		redacted := l.redactor.RedactMap(payload)
		raw, err := json.Marshal(redacted)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		rawPayload = raw
	}

	entry := &store.AuditEntry{
		OrgID:      logging.OrgID(ctx),
		SessionID:  sessionID,
		StepNumber: stepNumber,
		Actor:      actor,
		Action:     l.redactor.RedactText(action),
		Payload:    rawPayload,
		Timestamp:  time.Now().UTC(),
	}
	if err := l.store.AppendAuditEntry(ctx, entry); err != nil {
		return err
	}

	l.logger.DebugContext(ctx, "audit step recorded",
		slog.String("session_id", sessionID),
		slog.Int64("step", stepNumber),
		slog.String("actor", actor),
	)
	return nil
}

// LogSecurityEvent records an always-retained security occurrence for an
// organization. The event type must be one of auth_failure,
// permission_denied, suspicious_pattern. Details are redacted like any
// payload.
func (l *Logger) LogSecurityEvent(ctx context.Context, orgID string, eventType schema.SecurityEventType, details map[string]any) error {
	if orgID == "" {
		return schema.NewError(schema.ErrCodeValidation, "org id is required")
	}
	if !schema.ValidSecurityEventType(eventType) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid security event type %q: must be one of auth_failure, permission_denied, suspicious_pattern", eventType)
	}

	var rawDetails json.RawMessage
	if details != nil {
		redacted := l.redactor.RedactMap(details)
		raw, err := json.Marshal(redacted)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		rawDetails = raw
	}

	event := &store.SecurityEvent{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Type:      eventType,
		Details:   rawDetails,
		Timestamp: time.Now().UTC(),
	}
	if err := l.store.CreateSecurityEvent(ctx, event); err != nil {
		return err
	}

	l.logger.WarnContext(ctx, "security event recorded",
		slog.String("org_id", orgID),
		slog.String("event_type", string(eventType)),
	)
	return nil
}

// Export returns an organization's audit entries ordered by session and
// step number.
func (l *Logger) Export(ctx context.Context, orgID string, filter ExportFilter) ([]*store.AuditEntry, error) {
	if orgID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "org id is required")
	}
	return l.store.ListAuditEntries(ctx, orgID, store.AuditFilter{
		SessionID: filter.SessionID,
		Actor:     filter.Actor,
		Action:    filter.Action,
		Since:     filter.Since,
		Until:     filter.Until,
		Limit:     filter.Limit,
		Offset:    filter.Offset,
	})
}

// SecurityEvents returns an organization's security events, newest first.
func (l *Logger) SecurityEvents(ctx context.Context, orgID string, filter store.SecurityEventFilter) ([]*store.SecurityEvent, error) {
	if orgID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "org id is required")
	}
	return l.store.ListSecurityEvents(ctx, orgID, filter)
}

// Statistics aggregates an organization's trail: entry and session totals,
// per-actor counts, and security events by type.
func (l *Logger) Statistics(ctx context.Context, orgID string) (*store.AuditStats, error) {
	if orgID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "org id is required")
	}
	return l.store.AuditStats(ctx, orgID)
}

// ScanForGaps reports step numbers missing from a session's trail, for
// compliance review. Gaps are holes between the session's observed first
// and last step; an unknown session has none. Writes allow gaps (only
// duplicates and regressions are rejected), so this scan is the post-hoc
// check that a trail is contiguous.
func (l *Logger) ScanForGaps(ctx context.Context, sessionID string) ([]int64, error) {
	if sessionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "session id is required")
	}
	steps, err := l.store.SessionSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(steps) < 2 {
		return nil, nil
	}

	var gaps []int64
	for i := 1; i < len(steps); i++ {
		for missing := steps[i-1] + 1; missing < steps[i]; missing++ {
			gaps = append(gaps, missing)
		}
	}
	return gaps, nil
}
