// Package vault stores encrypted third-party credentials per organization.
// Plaintext exists only in memory: it is encrypted before any write and
// only decrypted again on an explicit Get. All other operations work on
// descriptors that carry everything except the secret material.
package vault

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/aegis/internal/encryption"
	"github.com/rendis/aegis/internal/store"
	"github.com/rendis/aegis/pkg/schema"
)

// DefaultRotationThresholdDays is the staleness cutoff used when a sweep
// does not specify one.
const DefaultRotationThresholdDays = 90

// CredentialStore is the persistence surface the vault needs.
// Satisfied by store.Store.
type CredentialStore interface {
	UpsertCredential(ctx context.Context, rec *store.CredentialRecord) error
	GetCredential(ctx context.Context, orgID, service string, credType schema.CredentialType) (*store.CredentialRecord, error)
	ListCredentials(ctx context.Context, filter store.CredentialFilter) ([]*store.CredentialRecord, error)
	DeleteCredential(ctx context.Context, orgID, service string, credType schema.CredentialType) error
	RotateCredential(ctx context.Context, orgID, service string, credType schema.CredentialType, ciphertext []byte, keyID string, rotatedAt time.Time) error
	MarkStaleCredentials(ctx context.Context, cutoff time.Time) (int64, error)
}

// StoreParams carries the secret value and optional attributes for a store call.
type StoreParams struct {
	Value     string
	Metadata  map[string]any
	ExpiresAt *time.Time
}

// StoredCredential describes a stored credential without its secret material.
type StoredCredential struct {
	OrgID            string                `json:"org_id"`
	Service          string                `json:"service"`
	CredentialType   schema.CredentialType `json:"credential_type"`
	EncryptionKeyID  string                `json:"encryption_key_id"`
	Metadata         map[string]any        `json:"metadata,omitempty"`
	ExpiresAt        *time.Time            `json:"expires_at,omitempty"`
	LastRotatedAt    time.Time             `json:"last_rotated_at"`
	RotationRequired bool                  `json:"rotation_required"`
	CreatedAt        time.Time             `json:"created_at"`
}

// CredentialData is a descriptor together with the decrypted secret value.
type CredentialData struct {
	StoredCredential
	Value string `json:"value"`
}

// Vault encrypts, stores, and serves organization credentials.
type Vault struct {
	store    CredentialStore
	provider encryption.Provider
	logger   *slog.Logger
}

// NewVault wires a vault over its store and encryption provider.
// All three collaborators are required.
func NewVault(s CredentialStore, provider encryption.Provider, logger *slog.Logger) (*Vault, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "vault requires a credential store")
	}
	if provider == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "vault requires an encryption provider")
	}
	if logger == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "vault requires a logger")
	}
	return &Vault{store: s, provider: provider, logger: logger}, nil
}

// Store encrypts the value and writes the credential for (org, service, type)
// as a single conditional upsert. An existing row for the tuple is overwritten
// in place; its rotation clock restarts and any pending rotation flag is
// cleared. The returned descriptor never contains the plaintext.
func (v *Vault) Store(ctx context.Context, orgID, service string, credType schema.CredentialType, params StoreParams) (*StoredCredential, error) {
	if err := validateTuple(orgID, service, credType); err != nil {
		return nil, err
	}
	if params.Value == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "credential value is required")
	}

	ciphertext, keyID, err := v.provider.Encrypt([]byte(params.Value))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &store.CredentialRecord{
		OrgID:           orgID,
		Service:         service,
		CredentialType:  credType,
		EncryptedValue:  ciphertext,
		EncryptionKeyID: keyID,
		Metadata:        params.Metadata,
		ExpiresAt:       params.ExpiresAt,
		LastRotatedAt:   now,
		CreatedAt:       now,
	}
	if err := v.store.UpsertCredential(ctx, rec); err != nil {
		return nil, err
	}

	v.logger.InfoContext(ctx, "credential stored",
		slog.String("org_id", orgID),
		slog.String("service", service),
		slog.String("credential_type", string(credType)),
		slog.String("key_id", keyID),
	)
	return descriptor(rec), nil
}

// Get returns the decrypted credential, or nil when no live credential
// exists for the tuple. An expired credential behaves exactly like a
// missing one so stale secrets never leak to callers. A record that
// exists but cannot be decrypted is an error, never a nil result.
func (v *Vault) Get(ctx context.Context, orgID, service string, credType schema.CredentialType) (*CredentialData, error) {
	rec, err := v.store.GetCredential(ctx, orgID, service, credType)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if rec.Expired(time.Now().UTC()) {
		return nil, nil
	}

	plaintext, err := v.provider.Decrypt(rec.EncryptedValue, rec.EncryptionKeyID)
	if err != nil {
		return nil, err
	}
	return &CredentialData{
		StoredCredential: *descriptor(rec),
		Value:            string(plaintext),
	}, nil
}

// List returns descriptors for an organization, optionally narrowed to one
// service. Secret material is never included.
func (v *Vault) List(ctx context.Context, orgID, service string) ([]*StoredCredential, error) {
	if orgID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "org id is required")
	}
	recs, err := v.store.ListCredentials(ctx, store.CredentialFilter{OrgID: orgID, Service: service})
	if err != nil {
		return nil, err
	}
	out := make([]*StoredCredential, 0, len(recs))
	for _, rec := range recs {
		out = append(out, descriptor(rec))
	}
	return out, nil
}

// Delete removes the credential for the tuple. Deleting a tuple that does
// not exist succeeds, so callers can converge on "absent" without a prior
// read.
func (v *Vault) Delete(ctx context.Context, orgID, service string, credType schema.CredentialType) error {
	if err := validateTuple(orgID, service, credType); err != nil {
		return err
	}
	if err := v.store.DeleteCredential(ctx, orgID, service, credType); err != nil {
		return err
	}
	v.logger.InfoContext(ctx, "credential deleted",
		slog.String("org_id", orgID),
		slog.String("service", service),
		slog.String("credential_type", string(credType)),
	)
	return nil
}

// Rotate re-encrypts the stored value under the active key, restarts the
// rotation clock, and clears any pending rotation flag. The secret value
// itself is unchanged. Unlike Get, an expired credential still rotates;
// only a missing tuple is an error.
func (v *Vault) Rotate(ctx context.Context, orgID, service string, credType schema.CredentialType) (*StoredCredential, error) {
	if err := validateTuple(orgID, service, credType); err != nil {
		return nil, err
	}

	rec, err := v.store.GetCredential(ctx, orgID, service, credType)
	if err != nil {
		return nil, err
	}
	plaintext, err := v.provider.Decrypt(rec.EncryptedValue, rec.EncryptionKeyID)
	if err != nil {
		return nil, err
	}
	ciphertext, keyID, err := v.provider.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	rotatedAt := time.Now().UTC()
	if err := v.store.RotateCredential(ctx, orgID, service, credType, ciphertext, keyID, rotatedAt); err != nil {
		return nil, err
	}

	v.logger.InfoContext(ctx, "credential rotated",
		slog.String("org_id", orgID),
		slog.String("service", service),
		slog.String("credential_type", string(credType)),
		slog.String("old_key_id", rec.EncryptionKeyID),
		slog.String("new_key_id", keyID),
	)

	rec.EncryptedValue = ciphertext
	rec.EncryptionKeyID = keyID
	rec.LastRotatedAt = rotatedAt
	rec.RotationRequired = false
	return descriptor(rec), nil
}

// MarkStaleForRotation flags credentials whose last rotation is older than
// the threshold and returns how many were flagged. Already-flagged rows are
// skipped, so a repeated sweep reports only newly stale credentials.
// A non-positive threshold falls back to DefaultRotationThresholdDays.
func (v *Vault) MarkStaleForRotation(ctx context.Context, thresholdDays int) (int64, error) {
	if thresholdDays <= 0 {
		thresholdDays = DefaultRotationThresholdDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -thresholdDays)
	count, err := v.store.MarkStaleCredentials(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		v.logger.InfoContext(ctx, "credentials flagged for rotation",
			slog.Int64("count", count),
			slog.Int("threshold_days", thresholdDays),
		)
	}
	return count, nil
}

// Verify reports whether a live, non-expired credential exists for the
// tuple. It never touches the ciphertext.
func (v *Vault) Verify(ctx context.Context, orgID, service string, credType schema.CredentialType) (bool, error) {
	rec, err := v.store.GetCredential(ctx, orgID, service, credType)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return !rec.Expired(time.Now().UTC()), nil
}

func validateTuple(orgID, service string, credType schema.CredentialType) error {
	if orgID == "" {
		return schema.NewError(schema.ErrCodeValidation, "org id is required")
	}
	if service == "" {
		return schema.NewError(schema.ErrCodeValidation, "service is required")
	}
	if !schema.ValidCredentialType(credType) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid credential type %q: must be one of api_key, oauth_token, basic_auth, webhook_secret, custom", credType)
	}
	return nil
}

func descriptor(rec *store.CredentialRecord) *StoredCredential {
	return &StoredCredential{
		OrgID:            rec.OrgID,
		Service:          rec.Service,
		CredentialType:   rec.CredentialType,
		EncryptionKeyID:  rec.EncryptionKeyID,
		Metadata:         rec.Metadata,
		ExpiresAt:        rec.ExpiresAt,
		LastRotatedAt:    rec.LastRotatedAt,
		RotationRequired: rec.RotationRequired,
		CreatedAt:        rec.CreatedAt,
	}
}
