package store

import (
	"context"
	"time"

	"github.com/rendis/aegis/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Credentials (one row per (org, service, credential_type) tuple)
	UpsertCredential(ctx context.Context, rec *CredentialRecord) error
	GetCredential(ctx context.Context, orgID, service string, credType schema.CredentialType) (*CredentialRecord, error)
	ListCredentials(ctx context.Context, filter CredentialFilter) ([]*CredentialRecord, error)
	DeleteCredential(ctx context.Context, orgID, service string, credType schema.CredentialType) error
	RotateCredential(ctx context.Context, orgID, service string, credType schema.CredentialType, ciphertext []byte, keyID string, rotatedAt time.Time) error
	MarkStaleCredentials(ctx context.Context, cutoff time.Time) (int64, error)

	// Consents (append-on-grant, mutate-on-revoke)
	CreateConsent(ctx context.Context, rec *ConsentRecord) error
	GetConsent(ctx context.Context, orgID, id string) (*ConsentRecord, error)
	GetActiveConsent(ctx context.Context, orgID, service, operation string) (*ConsentRecord, error)
	ListConsents(ctx context.Context, filter ConsentFilter) ([]*ConsentRecord, error)
	RevokeConsent(ctx context.Context, orgID, id string, at time.Time) error
	RevokeActiveConsents(ctx context.Context, orgID, service, operation string, at time.Time) (int64, error)
	RevokeServiceConsents(ctx context.Context, orgID, service string, at time.Time) (int64, error)
	ExtendConsent(ctx context.Context, orgID, service, operation string, newExpiry time.Time) error

	// Audit trail (append-only, step-ordered per session)
	AppendAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, orgID string, filter AuditFilter) ([]*AuditEntry, error)
	SessionSteps(ctx context.Context, sessionID string) ([]int64, error)
	AuditStats(ctx context.Context, orgID string) (*AuditStats, error)

	// Security events (always retained)
	CreateSecurityEvent(ctx context.Context, event *SecurityEvent) error
	ListSecurityEvents(ctx context.Context, orgID string, filter SecurityEventFilter) ([]*SecurityEvent, error)

	// Agents
	RegisterAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgentSeen(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]*Agent, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
