package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/aegis/pkg/schema"
)

func appendStep(t *testing.T, s *LibSQLStore, sessionID string, step int64) *AuditEntry {
	t.Helper()
	e := &AuditEntry{
		OrgID:      "org-1",
		SessionID:  sessionID,
		StepNumber: step,
		Actor:      "agent:catalog",
		Action:     "product_update",
	}
	require.NoError(t, s.AppendAuditEntry(context.Background(), e))
	return e
}

func TestAppendAuditEntry_IncreasingSteps(t *testing.T) {
	s := newTestStore(t)
	session := uuid.New().String()

	for i := int64(1); i <= 5; i++ {
		e := appendStep(t, s, session, i)
		assert.NotZero(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}

	entries, err := s.ListAuditEntries(context.Background(), "org-1", AuditFilter{SessionID: session})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.StepNumber, "entries read back in step order")
	}
}

func TestAppendAuditEntry_RejectsDuplicateStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := uuid.New().String()

	appendStep(t, s, session, 1)
	appendStep(t, s, session, 2)

	err := s.AppendAuditEntry(ctx, &AuditEntry{
		SessionID: session, StepNumber: 2, Actor: "agent:catalog", Action: "product_update",
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDuplicateStep))
	assert.Contains(t, err.Error(), "duplicate step 2")

	// The rejected write must not have been persisted.
	entries, err := s.ListAuditEntries(ctx, "", AuditFilter{SessionID: session})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAppendAuditEntry_RejectsRegression(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := uuid.New().String()

	appendStep(t, s, session, 1)
	appendStep(t, s, session, 2)
	appendStep(t, s, session, 4)

	// Step 3 would back-fill the gap, which still regresses the sequence.
	err := s.AppendAuditEntry(ctx, &AuditEntry{
		SessionID: session, StepNumber: 3, Actor: "agent:catalog", Action: "product_update",
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDuplicateStep))
	assert.Contains(t, err.Error(), "regresses")
}

func TestAppendAuditEntry_GapAllowedAtWrite(t *testing.T) {
	s := newTestStore(t)
	session := uuid.New().String()

	// Skipping forward is accepted; gaps are caught by the post-hoc scan.
	appendStep(t, s, session, 1)
	appendStep(t, s, session, 2)
	appendStep(t, s, session, 4)

	steps, err := s.SessionSteps(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 4}, steps)
}

func TestAppendAuditEntry_SessionScopedSteps(t *testing.T) {
	s := newTestStore(t)
	sessionA := uuid.New().String()
	sessionB := uuid.New().String()

	appendStep(t, s, sessionA, 1)
	appendStep(t, s, sessionA, 2)

	// A fresh session starts its own sequence at 1.
	appendStep(t, s, sessionB, 1)

	steps, err := s.SessionSteps(context.Background(), sessionB)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, steps)
}

func TestListAuditEntries_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := uuid.New().String()

	require.NoError(t, s.AppendAuditEntry(ctx, &AuditEntry{
		OrgID: "org-1", SessionID: session, StepNumber: 1,
		Actor: "agent:catalog", Action: "product_update",
		Payload: json.RawMessage(`{"sku":"A-100"}`),
	}))
	require.NoError(t, s.AppendAuditEntry(ctx, &AuditEntry{
		OrgID: "org-1", SessionID: session, StepNumber: 2,
		Actor: "agent:orders", Action: "order_refund",
	}))
	require.NoError(t, s.AppendAuditEntry(ctx, &AuditEntry{
		OrgID: "org-2", SessionID: uuid.New().String(), StepNumber: 1,
		Actor: "agent:catalog", Action: "product_update",
	}))

	entries, err := s.ListAuditEntries(ctx, "org-1", AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = s.ListAuditEntries(ctx, "org-1", AuditFilter{Actor: "agent:orders"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "order_refund", entries[0].Action)

	entries, err = s.ListAuditEntries(ctx, "", AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3, "empty org lists all orgs")

	future := time.Now().UTC().Add(time.Hour)
	entries, err = s.ListAuditEntries(ctx, "org-1", AuditFilter{Since: &future})
	require.NoError(t, err)
	assert.Len(t, entries, 0)
}

func TestAuditStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sessionA := uuid.New().String()
	sessionB := uuid.New().String()
	require.NoError(t, s.AppendAuditEntry(ctx, &AuditEntry{
		OrgID: "org-1", SessionID: sessionA, StepNumber: 1, Actor: "agent:catalog", Action: "product_update",
	}))
	require.NoError(t, s.AppendAuditEntry(ctx, &AuditEntry{
		OrgID: "org-1", SessionID: sessionA, StepNumber: 2, Actor: "agent:catalog", Action: "product_update",
	}))
	require.NoError(t, s.AppendAuditEntry(ctx, &AuditEntry{
		OrgID: "org-1", SessionID: sessionB, StepNumber: 1, Actor: "agent:orders", Action: "order_refund",
	}))
	require.NoError(t, s.CreateSecurityEvent(ctx, &SecurityEvent{
		ID: uuid.New().String(), OrgID: "org-1", Type: schema.SecurityAuthFailure,
	}))
	require.NoError(t, s.CreateSecurityEvent(ctx, &SecurityEvent{
		ID: uuid.New().String(), OrgID: "org-1", Type: schema.SecurityAuthFailure,
	}))

	stats, err := s.AuditStats(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.SessionCount)
	assert.Equal(t, int64(2), stats.EntriesByActor["agent:catalog"])
	assert.Equal(t, int64(1), stats.EntriesByActor["agent:orders"])
	assert.Equal(t, int64(2), stats.SecurityEventCount)
	assert.Equal(t, int64(2), stats.SecurityByType[string(schema.SecurityAuthFailure)])
}

func TestConcurrentAppend_DistinctSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sessions := make([]string, 5)
	for i := range sessions {
		sessions[i] = uuid.New().String()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 50)

	for _, session := range sessions {
		session := session
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := int64(1); step <= 10; step++ {
				e := &AuditEntry{
					SessionID:  session,
					StepNumber: step,
					Actor:      "agent:catalog",
					Action:     "product_update",
				}
				if err := s.AppendAuditEntry(ctx, e); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent append error: %v", err)
	}

	for _, session := range sessions {
		steps, err := s.SessionSteps(ctx, session)
		require.NoError(t, err)
		require.Len(t, steps, 10)
		for i, n := range steps {
			assert.Equal(t, int64(i+1), n)
		}
	}
}

func TestConcurrentAppend_SameStepOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := uuid.New().String()

	var wg sync.WaitGroup
	var rejected int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.AppendAuditEntry(ctx, &AuditEntry{
				SessionID: session, StepNumber: 1, Actor: "agent:catalog", Action: "product_update",
			})
			if err != nil {
				mu.Lock()
				rejected++
				mu.Unlock()
				if !schema.IsCode(err, schema.ErrCodeDuplicateStep) {
					t.Errorf("expected DUPLICATE_STEP, got %v", err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(9), rejected, "exactly one writer wins step 1")
	steps, err := s.SessionSteps(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, steps)
}

func TestAuditEntries_ImmutableReadBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := uuid.New().String()

	require.NoError(t, s.AppendAuditEntry(ctx, &AuditEntry{
		SessionID: session, StepNumber: 1, Actor: "agent:catalog", Action: "product_update",
		Payload: json.RawMessage(`{"sku":"A-100","price":"19.99"}`),
	}))

	entries, err := s.ListAuditEntries(ctx, "", AuditFilter{SessionID: session})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"sku":"A-100","price":"19.99"}`, string(entries[0].Payload))
}

func TestSessionSteps_Empty(t *testing.T) {
	s := newTestStore(t)
	steps, err := s.SessionSteps(context.Background(), uuid.New().String())
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestAuditStats_EmptyOrg(t *testing.T) {
	s := newTestStore(t)
	stats, err := s.AuditStats(context.Background(), fmt.Sprintf("org-%s", uuid.New().String()))
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEntries)
	assert.Equal(t, int64(0), stats.SessionCount)
	assert.Empty(t, stats.EntriesByActor)
}
