package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/aegis/pkg/schema"
)

// CredentialRecord is the persisted representation of one encrypted secret.
// At most one row exists per (org_id, service, credential_type) tuple; the
// storage layer enforces this with a unique index and conditional writes.
type CredentialRecord struct {
	OrgID            string                `json:"organization_id"`
	Service          string                `json:"service"`
	CredentialType   schema.CredentialType `json:"credential_type"`
	EncryptedValue   []byte                `json:"-"` // ciphertext, never serialized
	EncryptionKeyID  string                `json:"encryption_key_id"`
	Metadata         map[string]any        `json:"metadata,omitempty"`
	ExpiresAt        *time.Time            `json:"expires_at,omitempty"`
	LastRotatedAt    time.Time             `json:"last_rotated_at"`
	RotationRequired bool                  `json:"rotation_required"`
	CreatedAt        time.Time             `json:"created_at"`
}

// Expired reports whether the record's expiry has passed at the given instant.
func (c *CredentialRecord) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// ConsentRecord is one permission grant for a (org, service, operation) tuple.
// Grants insert new rows so history is retained; revocation mutates in place.
type ConsentRecord struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"organization_id"`
	UserID         string     `json:"user_id"`
	Service        string     `json:"service"`
	Operation      string     `json:"operation"`
	Permissions    []string   `json:"permissions"`
	GrantedAt      time.Time  `json:"granted_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	IsActive       bool       `json:"is_active"`
	ConsentVersion string     `json:"consent_version"`
}

// Expired reports whether the grant's expiry has passed at the given instant.
// Expiry is computed at read time; the stored is_active flag is not consulted.
func (c *ConsentRecord) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// HasPermission reports whether p is a member of the granted permission set.
func (c *ConsentRecord) HasPermission(p string) bool {
	for _, granted := range c.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

// AuditEntry is an immutable entry in the per-session action trail.
// StepNumber is strictly increasing within a session; the storage layer
// rejects duplicates and regressions.
type AuditEntry struct {
	ID         int64           `json:"id"`
	OrgID      string          `json:"organization_id,omitempty"`
	SessionID  string          `json:"session_id"`
	StepNumber int64           `json:"step_number"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SecurityEvent is an always-retained security occurrence, kept separate
// from ordinary step entries.
type SecurityEvent struct {
	ID        string                   `json:"id"`
	OrgID     string                   `json:"organization_id"`
	Type      schema.SecurityEventType `json:"event_type"`
	Details   json.RawMessage          `json:"details,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// Agent represents a registered actor identity.
type Agent struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"` // llm, system, human, service
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	LastSeenAt *time.Time      `json:"last_seen_at,omitempty"`
}

// --- Filter types ---

// CredentialFilter specifies criteria for listing credentials.
type CredentialFilter struct {
	OrgID            string `json:"organization_id,omitempty"`
	Service          string `json:"service,omitempty"`
	RotationRequired *bool  `json:"rotation_required,omitempty"`
	Limit            int    `json:"limit,omitempty"`
}

// ConsentFilter specifies criteria for listing consent records.
type ConsentFilter struct {
	OrgID      string `json:"organization_id,omitempty"`
	Service    string `json:"service,omitempty"`
	Operation  string `json:"operation,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// AuditFilter specifies criteria for exporting audit entries.
type AuditFilter struct {
	SessionID string     `json:"session_id,omitempty"`
	Actor     string     `json:"actor,omitempty"`
	Action    string     `json:"action,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// SecurityEventFilter specifies criteria for listing security events.
type SecurityEventFilter struct {
	Type  schema.SecurityEventType `json:"event_type,omitempty"`
	Since *time.Time               `json:"since,omitempty"`
	Limit int                      `json:"limit,omitempty"`
}

// AuditStats are the aggregates reported for an organization's audit trail.
type AuditStats struct {
	TotalEntries       int64            `json:"total_entries"`
	SessionCount       int64            `json:"session_count"`
	EntriesByActor     map[string]int64 `json:"entries_by_actor"`
	SecurityEventCount int64            `json:"security_event_count"`
	SecurityByType     map[string]int64 `json:"security_events_by_type"`
}
