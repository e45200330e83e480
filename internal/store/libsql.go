package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/aegis/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Credentials ---

// UpsertCredential inserts or overwrites the credential row for the record's
// (org, service, credential_type) tuple in one conditional write. On conflict
// the ciphertext, key id, metadata, expiry and rotation state are replaced;
// created_at is preserved.
func (s *LibSQLStore) UpsertCredential(ctx context.Context, rec *CredentialRecord) error {
	metadata, err := marshalMap(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal credential metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (org_id, service, credential_type, encrypted_value, encryption_key_id, metadata, expires_at, last_rotated_at, rotation_required, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(org_id, service, credential_type) DO UPDATE SET
		   encrypted_value=excluded.encrypted_value, encryption_key_id=excluded.encryption_key_id,
		   metadata=excluded.metadata, expires_at=excluded.expires_at,
		   last_rotated_at=excluded.last_rotated_at, rotation_required=excluded.rotation_required`,
		rec.OrgID, rec.Service, string(rec.CredentialType), rec.EncryptedValue, rec.EncryptionKeyID,
		metadata, nullTime(rec.ExpiresAt), timeOrNow(rec.LastRotatedAt), rec.RotationRequired, timeOrNow(rec.CreatedAt),
	)
	if err != nil {
		return storageError("upsert credential", credTuple(rec.OrgID, rec.Service, rec.CredentialType), err)
	}
	return nil
}

func (s *LibSQLStore) GetCredential(ctx context.Context, orgID, service string, credType schema.CredentialType) (*CredentialRecord, error) {
	rec := &CredentialRecord{}
	var credTypeStr string
	var metadata sql.NullString
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id, service, credential_type, encrypted_value, encryption_key_id, metadata, expires_at, last_rotated_at, rotation_required, created_at
		 FROM credentials WHERE org_id = ? AND service = ? AND credential_type = ?`,
		orgID, service, string(credType),
	).Scan(&rec.OrgID, &rec.Service, &credTypeStr, &rec.EncryptedValue, &rec.EncryptionKeyID,
		&metadata, &expiresAt, &rec.LastRotatedAt, &rec.RotationRequired, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("credential", credTuple(orgID, service, credType))
	}
	if err != nil {
		return nil, err
	}
	rec.CredentialType = schema.CredentialType(credTypeStr)
	rec.Metadata = unmarshalMap(metadata)
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	return rec, nil
}

func (s *LibSQLStore) ListCredentials(ctx context.Context, filter CredentialFilter) ([]*CredentialRecord, error) {
	var where []string
	var args []any

	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.Service != "" {
		where = append(where, "service = ?")
		args = append(args, filter.Service)
	}
	if filter.RotationRequired != nil {
		where = append(where, "rotation_required = ?")
		args = append(args, *filter.RotationRequired)
	}

	query := `SELECT org_id, service, credential_type, encrypted_value, encryption_key_id, metadata, expires_at, last_rotated_at, rotation_required, created_at FROM credentials`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY service, credential_type"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*CredentialRecord
	for rows.Next() {
		rec := &CredentialRecord{}
		var credTypeStr string
		var metadata sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&rec.OrgID, &rec.Service, &credTypeStr, &rec.EncryptedValue, &rec.EncryptionKeyID,
			&metadata, &expiresAt, &rec.LastRotatedAt, &rec.RotationRequired, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.CredentialType = schema.CredentialType(credTypeStr)
		rec.Metadata = unmarshalMap(metadata)
		if expiresAt.Valid {
			rec.ExpiresAt = &expiresAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteCredential removes the tuple's row. Deleting an absent tuple is a
// no-op, not an error.
func (s *LibSQLStore) DeleteCredential(ctx context.Context, orgID, service string, credType schema.CredentialType) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE org_id = ? AND service = ? AND credential_type = ?`,
		orgID, service, string(credType),
	)
	if err != nil {
		return storageError("delete credential", credTuple(orgID, service, credType), err)
	}
	return nil
}

// RotateCredential replaces the tuple's ciphertext and key id, stamps the
// rotation time and clears the rotation_required flag. Metadata, expiry and
// created_at are untouched.
func (s *LibSQLStore) RotateCredential(ctx context.Context, orgID, service string, credType schema.CredentialType, ciphertext []byte, keyID string, rotatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET encrypted_value = ?, encryption_key_id = ?, last_rotated_at = ?, rotation_required = 0
		 WHERE org_id = ? AND service = ? AND credential_type = ?`,
		ciphertext, keyID, timeOrNow(rotatedAt), orgID, service, string(credType),
	)
	if err != nil {
		return storageError("rotate credential", credTuple(orgID, service, credType), err)
	}
	return checkRowsAffected(res, "credential", credTuple(orgID, service, credType))
}

// MarkStaleCredentials flags every row last rotated before the cutoff and not
// already flagged. Returns the number of rows flagged.
func (s *LibSQLStore) MarkStaleCredentials(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET rotation_required = 1 WHERE last_rotated_at < ? AND rotation_required = 0`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Consents ---

func (s *LibSQLStore) CreateConsent(ctx context.Context, rec *ConsentRecord) error {
	permissions, err := json.Marshal(rec.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO consents (id, org_id, user_id, service, operation, permissions, granted_at, expires_at, revoked_at, is_active, consent_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OrgID, rec.UserID, rec.Service, rec.Operation, string(permissions),
		timeOrNow(rec.GrantedAt), nullTime(rec.ExpiresAt), nullTime(rec.RevokedAt),
		rec.IsActive, rec.ConsentVersion,
	)
	if err != nil {
		return storageError("create consent", rec.ID, err)
	}
	return nil
}

func (s *LibSQLStore) GetConsent(ctx context.Context, orgID, id string) (*ConsentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, user_id, service, operation, permissions, granted_at, expires_at, revoked_at, is_active, consent_version
		 FROM consents WHERE id = ? AND org_id = ?`, id, orgID,
	)
	rec, err := scanConsent(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("consent", id)
	}
	return rec, err
}

// GetActiveConsent returns the most recent non-revoked active grant for the
// (org, service, operation) tuple. Expiry is not consulted here; callers
// compute it at read time.
func (s *LibSQLStore) GetActiveConsent(ctx context.Context, orgID, service, operation string) (*ConsentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, user_id, service, operation, permissions, granted_at, expires_at, revoked_at, is_active, consent_version
		 FROM consents WHERE org_id = ? AND service = ? AND operation = ? AND is_active = 1 AND revoked_at IS NULL
		 ORDER BY granted_at DESC LIMIT 1`, orgID, service, operation,
	)
	rec, err := scanConsent(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("consent", consentTuple(orgID, service, operation))
	}
	return rec, err
}

func (s *LibSQLStore) ListConsents(ctx context.Context, filter ConsentFilter) ([]*ConsentRecord, error) {
	var where []string
	var args []any

	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.Service != "" {
		where = append(where, "service = ?")
		args = append(args, filter.Service)
	}
	if filter.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, filter.Operation)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1 AND revoked_at IS NULL")
	}

	query := `SELECT id, org_id, user_id, service, operation, permissions, granted_at, expires_at, revoked_at, is_active, consent_version FROM consents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY granted_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ConsentRecord
	for rows.Next() {
		rec, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RevokeConsent marks a single grant revoked by id. Returns NOT_FOUND if the
// record does not exist in the org or is already revoked.
func (s *LibSQLStore) RevokeConsent(ctx context.Context, orgID, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consents SET revoked_at = ?, is_active = 0 WHERE id = ? AND org_id = ? AND revoked_at IS NULL`,
		timeOrNow(at), id, orgID,
	)
	if err != nil {
		return storageError("revoke consent", id, err)
	}
	return checkRowsAffected(res, "consent", id)
}

// RevokeActiveConsents revokes every live grant for the (org, service,
// operation) tuple and returns how many rows were touched.
func (s *LibSQLStore) RevokeActiveConsents(ctx context.Context, orgID, service, operation string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consents SET revoked_at = ?, is_active = 0
		 WHERE org_id = ? AND service = ? AND operation = ? AND is_active = 1 AND revoked_at IS NULL`,
		timeOrNow(at), orgID, service, operation,
	)
	if err != nil {
		return 0, storageError("revoke consents", consentTuple(orgID, service, operation), err)
	}
	return res.RowsAffected()
}

// RevokeServiceConsents revokes every live grant for a service across all of
// its operations, scoped to one org.
func (s *LibSQLStore) RevokeServiceConsents(ctx context.Context, orgID, service string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consents SET revoked_at = ?, is_active = 0
		 WHERE org_id = ? AND service = ? AND is_active = 1 AND revoked_at IS NULL`,
		timeOrNow(at), orgID, service,
	)
	if err != nil {
		return 0, storageError("revoke service consents", orgID+"/"+service, err)
	}
	return res.RowsAffected()
}

// ExtendConsent updates the expiry of the most recent live grant for the
// tuple. Returns NOT_FOUND when no live grant exists.
func (s *LibSQLStore) ExtendConsent(ctx context.Context, orgID, service, operation string, newExpiry time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consents SET expires_at = ? WHERE id = (
		   SELECT id FROM consents
		   WHERE org_id = ? AND service = ? AND operation = ? AND is_active = 1 AND revoked_at IS NULL
		   ORDER BY granted_at DESC LIMIT 1)`,
		newExpiry, orgID, service, operation,
	)
	if err != nil {
		return storageError("extend consent", consentTuple(orgID, service, operation), err)
	}
	return checkRowsAffected(res, "consent", consentTuple(orgID, service, operation))
}

// scanTarget abstracts *sql.Row and *sql.Rows for shared scan code.
type scanTarget interface {
	Scan(dest ...any) error
}

func scanConsent(row scanTarget) (*ConsentRecord, error) {
	rec := &ConsentRecord{}
	var permissions string
	var expiresAt, revokedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.OrgID, &rec.UserID, &rec.Service, &rec.Operation,
		&permissions, &rec.GrantedAt, &expiresAt, &revokedAt, &rec.IsActive, &rec.ConsentVersion)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(permissions), &rec.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		rec.RevokedAt = &revokedAt.Time
	}
	return rec, nil
}

// --- Security events ---

func (s *LibSQLStore) CreateSecurityEvent(ctx context.Context, event *SecurityEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (id, org_id, event_type, details, timestamp) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.OrgID, string(event.Type), nullRaw(event.Details), timeOrNow(event.Timestamp),
	)
	if err != nil {
		return storageError("create security event", event.ID, err)
	}
	return nil
}

func (s *LibSQLStore) ListSecurityEvents(ctx context.Context, orgID string, filter SecurityEventFilter) ([]*SecurityEvent, error) {
	var where []string
	var args []any

	if orgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, orgID)
	}
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, org_id, event_type, details, timestamp FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		ev := &SecurityEvent{}
		var typ string
		var details sql.NullString
		if err := rows.Scan(&ev.ID, &ev.OrgID, &typ, &details, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Type = schema.SecurityEventType(typ)
		ev.Details = rawOrNil(details)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Agents ---

func (s *LibSQLStore) RegisterAgent(ctx context.Context, agent *Agent) error {
	metadata, err := nullableJSON(agent.Metadata)
	if err != nil {
		return fmt.Errorf("marshal agent metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, type, metadata, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, type=excluded.type, metadata=excluded.metadata`,
		agent.ID, agent.Name, agent.Type, metadata, timeOrNow(agent.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	var metadata sql.NullString
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Type, &metadata, &a.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	a.Metadata = rawOrNil(metadata)
	if lastSeen.Valid {
		a.LastSeenAt = &lastSeen.Time
	}
	return a, nil
}

func (s *LibSQLStore) UpdateAgentSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "agent", id)
}

func (s *LibSQLStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM agents ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		var metadata sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &metadata, &a.CreatedAt, &lastSeen); err != nil {
			return nil, err
		}
		a.Metadata = rawOrNil(metadata)
		if lastSeen.Valid {
			a.LastSeenAt = &lastSeen.Time
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Helpers ---

func credTuple(orgID, service string, credType schema.CredentialType) string {
	return orgID + "/" + service + "/" + string(credType)
}

func consentTuple(orgID, service, operation string) string {
	return orgID + "/" + service + "/" + operation
}

func storeNotFound(resource, id string) *schema.AegisError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storageError(op, id string, err error) *schema.AegisError {
	return schema.NewErrorf(schema.ErrCodeStorage, "%s %q: %v", op, id, err).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return string(raw), nil
}

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}
