package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/aegis/pkg/schema"
)

// AppendAuditEntry appends one entry to the session's trail, enforcing a
// strictly increasing step_number per session. Duplicate and regressing step
// numbers are rejected with DUPLICATE_STEP inside the same transaction that
// would have written them, backed by the UNIQUE(session_id, step_number)
// constraint.
func (s *LibSQLStore) AppendAuditEntry(ctx context.Context, entry *AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction. Execute a
	// write-intent statement first so the write lock is held before the
	// max(step_number) read, keeping concurrent appenders serialized.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var lastStep int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_number), 0) FROM audit_entries WHERE session_id = ?`, entry.SessionID,
	).Scan(&lastStep)
	if err != nil {
		return fmt.Errorf("read last step: %w", err)
	}

	if entry.StepNumber <= lastStep {
		var count int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM audit_entries WHERE session_id = ? AND step_number = ?`,
			entry.SessionID, entry.StepNumber,
		).Scan(&count); err != nil {
			return fmt.Errorf("check duplicate step: %w", err)
		}
		if count > 0 {
			return schema.NewErrorf(schema.ErrCodeDuplicateStep,
				"duplicate step %d in session %s", entry.StepNumber, entry.SessionID)
		}
		return schema.NewErrorf(schema.ErrCodeDuplicateStep,
			"step %d regresses the sequence for session %s (last step %d)",
			entry.StepNumber, entry.SessionID, lastStep)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_entries (org_id, session_id, step_number, actor, action, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullStr(entry.OrgID), entry.SessionID, entry.StepNumber, entry.Actor, entry.Action,
		nullRaw(entry.Payload), entry.Timestamp,
	)
	if err != nil {
		return storageError("append audit entry", entry.SessionID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns entries for an org (all orgs when orgID is empty)
// matching the filter, ordered by session and step number.
func (s *LibSQLStore) ListAuditEntries(ctx context.Context, orgID string, filter AuditFilter) ([]*AuditEntry, error) {
	var where []string
	var args []any

	if orgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, orgID)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.Until)
	}

	query := `SELECT id, org_id, session_id, step_number, actor, action, payload, timestamp FROM audit_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY session_id, step_number"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var org, payload sql.NullString
		if err := rows.Scan(&e.ID, &org, &e.SessionID, &e.StepNumber, &e.Actor, &e.Action, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.OrgID = org.String
		e.Payload = rawOrNil(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SessionSteps returns the recorded step numbers of a session in ascending
// order, for gap scanning.
func (s *LibSQLStore) SessionSteps(ctx context.Context, sessionID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_number FROM audit_entries WHERE session_id = ? ORDER BY step_number ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		steps = append(steps, n)
	}
	return steps, rows.Err()
}

// AuditStats aggregates the audit trail for one org, or for all orgs when
// orgID is empty.
func (s *LibSQLStore) AuditStats(ctx context.Context, orgID string) (*AuditStats, error) {
	stats := &AuditStats{
		EntriesByActor: make(map[string]int64),
		SecurityByType: make(map[string]int64),
	}

	entryWhere := ""
	secWhere := ""
	var args []any
	if orgID != "" {
		entryWhere = " WHERE org_id = ?"
		secWhere = entryWhere
		args = append(args, orgID)
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT session_id) FROM audit_entries`+entryWhere, args...,
	).Scan(&stats.TotalEntries, &stats.SessionCount)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT actor, COUNT(*) FROM audit_entries`+entryWhere+` GROUP BY actor`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var actor string
		var n int64
		if err := rows.Scan(&actor, &n); err != nil {
			return nil, err
		}
		stats.EntriesByActor[actor] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	secRows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM security_events`+secWhere+` GROUP BY event_type`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer secRows.Close()
	for secRows.Next() {
		var typ string
		var n int64
		if err := secRows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		stats.SecurityByType[typ] = n
		stats.SecurityEventCount += n
	}
	return stats, secRows.Err()
}
