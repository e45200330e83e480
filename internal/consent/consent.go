// Package consent manages time-bound, permission-scoped authorization
// records. Grants insert new rows so history is retained; revocation
// mutates the targeted record in place; expiry is computed at read time
// and is never swept into storage.
package consent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/aegis/internal/store"
	"github.com/rendis/aegis/pkg/schema"
)

// Reason strings returned by Verify. These are part of the contract with
// callers that surface denial reasons to users.
const (
	ReasonNoConsent = "No consent granted for this operation"
	ReasonExpired   = "Consent has expired"
)

// ConsentStore is the persistence surface the manager needs.
// Satisfied by store.Store.
type ConsentStore interface {
	CreateConsent(ctx context.Context, rec *store.ConsentRecord) error
	GetConsent(ctx context.Context, orgID, id string) (*store.ConsentRecord, error)
	GetActiveConsent(ctx context.Context, orgID, service, operation string) (*store.ConsentRecord, error)
	ListConsents(ctx context.Context, filter store.ConsentFilter) ([]*store.ConsentRecord, error)
	RevokeConsent(ctx context.Context, orgID, id string, at time.Time) error
	RevokeActiveConsents(ctx context.Context, orgID, service, operation string, at time.Time) (int64, error)
	RevokeServiceConsents(ctx context.Context, orgID, service string, at time.Time) (int64, error)
	ExtendConsent(ctx context.Context, orgID, service, operation string, newExpiry time.Time) error
}

// GrantParams carries the scope of a new consent grant.
type GrantParams struct {
	Service     string
	Operation   string
	Permissions []string
	ExpiresAt   *time.Time
}

// VerifyResult is the outcome of a consent check. When HasConsent is false,
// Reason explains why in user-facing terms; Record is attached whenever a
// record was found, even an expired one, so denials stay explainable.
type VerifyResult struct {
	HasConsent bool                 `json:"has_consent"`
	Reason     string               `json:"reason,omitempty"`
	Record     *store.ConsentRecord `json:"record,omitempty"`
}

// ListFilter narrows List output. ActiveOnly filters on the stored flag;
// a flagged-active record past its expiry still lists (expiry is a read-time
// property of Verify, not a stored state).
type ListFilter struct {
	Service    string
	ActiveOnly bool
}

// Stats aggregates an organization's consent records. Revoked and Expired
// are independent tallies (a record can be both); Active counts records
// that are flagged active and not past expiry.
type Stats struct {
	Total   int64 `json:"total"`
	Active  int64 `json:"active"`
	Revoked int64 `json:"revoked"`
	Expired int64 `json:"expired"`
}

// Manager grants, verifies, and revokes consent records.
type Manager struct {
	store  ConsentStore
	logger *slog.Logger
}

// NewManager wires a consent manager over its store. Both collaborators
// are required.
func NewManager(s ConsentStore, logger *slog.Logger) (*Manager, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "consent manager requires a store")
	}
	if logger == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "consent manager requires a logger")
	}
	return &Manager{store: s, logger: logger}, nil
}

// Grant records a new consent for (org, service, operation). A grant with
// no permissions is rejected before anything is persisted. Each grant is a
// new row; earlier grants for the tuple are retained as history.
func (m *Manager) Grant(ctx context.Context, orgID, userID string, params GrantParams) (*store.ConsentRecord, error) {
	if orgID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "org id is required")
	}
	if userID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "user id is required")
	}
	if params.Service == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "service is required")
	}
	if params.Operation == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "operation is required")
	}
	perms, err := normalizePermissions(params.Permissions)
	if err != nil {
		return nil, err
	}

	rec := &store.ConsentRecord{
		ID:             uuid.New().String(),
		OrgID:          orgID,
		UserID:         userID,
		Service:        params.Service,
		Operation:      params.Operation,
		Permissions:    perms,
		GrantedAt:      time.Now().UTC(),
		ExpiresAt:      params.ExpiresAt,
		IsActive:       true,
		ConsentVersion: schema.ConsentVersion,
	}
	if err := m.store.CreateConsent(ctx, rec); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "consent granted",
		slog.String("consent_id", rec.ID),
		slog.String("org_id", orgID),
		slog.String("service", params.Service),
		slog.String("operation", params.Operation),
		slog.Int("permissions", len(perms)),
	)
	return rec, nil
}

// Verify checks whether a live consent covers (org, service, operation).
// No live record yields ReasonNoConsent; a live record past its expiry
// yields ReasonExpired even though the row may still be flagged active in
// storage. Revoked-only history reads the same as no consent at all.
func (m *Manager) Verify(ctx context.Context, orgID, service, operation string) (*VerifyResult, error) {
	rec, err := m.store.GetActiveConsent(ctx, orgID, service, operation)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return &VerifyResult{HasConsent: false, Reason: ReasonNoConsent}, nil
		}
		return nil, err
	}
	if rec.Expired(time.Now().UTC()) {
		return &VerifyResult{HasConsent: false, Reason: ReasonExpired, Record: rec}, nil
	}
	return &VerifyResult{HasConsent: true, Record: rec}, nil
}

// HasPermission reports whether a live consent covers the tuple AND names
// the given permission. Membership is never inferred from the service or
// operation alone.
func (m *Manager) HasPermission(ctx context.Context, orgID, service, operation, permission string) (bool, error) {
	if permission == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "permission is required")
	}
	result, err := m.Verify(ctx, orgID, service, operation)
	if err != nil {
		return false, err
	}
	if !result.HasConsent {
		return false, nil
	}
	return result.Record.HasPermission(permission), nil
}

// Revoke revokes the live consent record(s) for (org, service, operation).
// Nothing live to revoke is NOT_FOUND.
func (m *Manager) Revoke(ctx context.Context, orgID, service, operation string) error {
	count, err := m.store.RevokeActiveConsents(ctx, orgID, service, operation, time.Now().UTC())
	if err != nil {
		return err
	}
	if count == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"no active consent for %s/%s/%s", orgID, service, operation)
	}
	m.logger.InfoContext(ctx, "consent revoked",
		slog.String("org_id", orgID),
		slog.String("service", service),
		slog.String("operation", operation),
		slog.Int64("count", count),
	)
	return nil
}

// RevokeByID revokes a single consent record. Revoking an unknown or
// already-revoked record is NOT_FOUND.
func (m *Manager) RevokeByID(ctx context.Context, orgID, id string) error {
	if err := m.store.RevokeConsent(ctx, orgID, id, time.Now().UTC()); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "consent revoked",
		slog.String("org_id", orgID),
		slog.String("consent_id", id),
	)
	return nil
}

// RevokeAllForService revokes every live consent the organization holds for
// a service and returns how many were revoked. Other organizations and
// other services are untouched. Zero is a valid outcome.
func (m *Manager) RevokeAllForService(ctx context.Context, orgID, service string) (int64, error) {
	count, err := m.store.RevokeServiceConsents(ctx, orgID, service, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logger.InfoContext(ctx, "service consents revoked",
			slog.String("org_id", orgID),
			slog.String("service", service),
			slog.Int64("count", count),
		)
	}
	return count, nil
}

// List returns the organization's consent records ordered by grant time.
func (m *Manager) List(ctx context.Context, orgID string, filter ListFilter) ([]*store.ConsentRecord, error) {
	if orgID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "org id is required")
	}
	return m.store.ListConsents(ctx, store.ConsentFilter{
		OrgID:      orgID,
		Service:    filter.Service,
		ActiveOnly: filter.ActiveOnly,
	})
}

// GetByID returns a consent record, or nil when the organization holds no
// record with that id.
func (m *Manager) GetByID(ctx context.Context, orgID, id string) (*store.ConsentRecord, error) {
	rec, err := m.store.GetConsent(ctx, orgID, id)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// Extend moves the expiry of the live consent for (org, service, operation).
// No live record is NOT_FOUND.
func (m *Manager) Extend(ctx context.Context, orgID, service, operation string, newExpiresAt time.Time) error {
	if newExpiresAt.IsZero() {
		return schema.NewError(schema.ErrCodeValidation, "new expiry is required")
	}
	if err := m.store.ExtendConsent(ctx, orgID, service, operation, newExpiresAt); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "consent extended",
		slog.String("org_id", orgID),
		slog.String("service", service),
		slog.String("operation", operation),
		slog.Time("expires_at", newExpiresAt),
	)
	return nil
}

// Stats classifies the organization's consent records. Revoked and Expired
// overlap when a record is both; an expired record never counts as Active
// regardless of its stored flag.
func (m *Manager) Stats(ctx context.Context, orgID string) (*Stats, error) {
	if orgID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "org id is required")
	}
	recs, err := m.store.ListConsents(ctx, store.ConsentFilter{OrgID: orgID})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stats := &Stats{Total: int64(len(recs))}
	for _, rec := range recs {
		expired := rec.Expired(now)
		if rec.RevokedAt != nil {
			stats.Revoked++
		}
		if expired {
			stats.Expired++
		}
		if rec.IsActive && !expired {
			stats.Active++
		}
	}
	return stats, nil
}

// normalizePermissions rejects empty sets and blank entries, and collapses
// duplicates preserving first occurrence.
func normalizePermissions(perms []string) ([]string, error) {
	if len(perms) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"permissions must not be empty: a permission-less grant is never written")
	}
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if p == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "permissions must not contain blank entries")
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}
