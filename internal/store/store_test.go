package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cubexhq/usagegate/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", "")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestWorkspace(t *testing.T, s *Store) *model.Workspace {
	t.Helper()
	ws := &model.Workspace{Name: "acme"}
	if err := s.CreateWorkspace(context.Background(), ws); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return ws
}

func newTestKey(t *testing.T, s *Store, workspaceID uuid.UUID, hash string) *model.APIKey {
	t.Helper()
	key := &model.APIKey{
		WorkspaceID: workspaceID,
		Name:        "default",
		KeyHash:     hash,
		KeyPrefix:   "cbx_live_Ab3dF",
		IsActive:    true,
	}
	if err := s.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("create api key: %v", err)
	}
	return key
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := newTestWorkspace(t, s)

	key := newTestKey(t, s, ws.ID, "hash-1")
	if key.ID == uuid.Nil {
		t.Fatal("create should assign an id")
	}

	got, err := s.GetAPIKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ID != key.ID || !got.IsActive {
		t.Errorf("got %+v, want active key %s", got, key.ID)
	}

	if _, err := s.GetAPIKeyByHash(ctx, "no-such-hash"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing hash: got %v, want ErrNotFound", err)
	}

	// Duplicate hash is rejected.
	dup := &model.APIKey{WorkspaceID: ws.ID, KeyHash: "hash-1", KeyPrefix: "cbx_live_xxxxx", IsActive: true}
	if err := s.CreateAPIKey(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate hash: got %v, want ErrDuplicate", err)
	}

	revoked, err := s.RevokeAPIKey(ctx, ws.ID, key.ID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.IsActive || revoked.RevokedAt == nil {
		t.Errorf("revoked key should be inactive with revoked_at set, got %+v", revoked)
	}

	// Revoking twice finds nothing to do.
	if _, err := s.RevokeAPIKey(ctx, ws.ID, key.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second revoke: got %v, want ErrNotFound", err)
	}

	// Revoke scoped to the wrong workspace must not touch the key.
	other := newTestKey(t, s, ws.ID, "hash-2")
	if _, err := s.RevokeAPIKey(ctx, uuid.New(), other.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-workspace revoke: got %v, want ErrNotFound", err)
	}

	keys, err := s.ListAPIKeysByWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("list returned %d keys, want 2", len(keys))
	}
}

func TestUpdateAPIKeyLastUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := newTestWorkspace(t, s)
	key := newTestKey(t, s, ws.ID, "hash-lu")

	if err := s.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
		t.Fatalf("update last used: %v", err)
	}
	got, err := s.GetAPIKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at should be set")
	}
}

func TestPlansAndSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := newTestWorkspace(t, s)

	plan := &model.Plan{
		Name:               "pro",
		CreditsAllocation:  decimal.NewFromInt(10000),
		Multiplier:         decimal.NewFromFloat(1.5),
		RateLimitPerMinute: 60,
	}
	if err := s.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	got, err := s.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if !got.CreditsAllocation.Equal(decimal.NewFromInt(10000)) || got.RateLimitPerMinute != 60 {
		t.Errorf("plan round trip mismatch: %+v", got)
	}

	sub := &model.Subscription{WorkspaceID: ws.ID, PlanID: plan.ID}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	gotSub, err := s.GetSubscriptionByWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if gotSub.PlanID != plan.ID {
		t.Errorf("subscription plan = %s, want %s", gotSub.PlanID, plan.ID)
	}

	// One subscription per workspace.
	if err := s.CreateSubscription(ctx, &model.Subscription{WorkspaceID: ws.ID, PlanID: plan.ID}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second subscription: got %v, want ErrDuplicate", err)
	}

	if _, err := s.GetSubscriptionByWorkspace(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing subscription: got %v, want ErrNotFound", err)
	}
}

func TestEndpointCosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetEndpointCost(ctx, "/v1/generate"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unconfigured endpoint: got %v, want ErrNotFound", err)
	}

	if err := s.SetEndpointCost(ctx, "/V1/Generate", decimal.NewFromFloat(2.5)); err != nil {
		t.Fatalf("set cost: %v", err)
	}
	got, err := s.GetEndpointCost(ctx, "/v1/generate")
	if err != nil {
		t.Fatalf("get cost: %v", err)
	}
	if !got.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("cost = %s, want 2.5", got)
	}

	// Upsert overwrites.
	if err := s.SetEndpointCost(ctx, "/v1/generate", decimal.NewFromInt(4)); err != nil {
		t.Fatalf("update cost: %v", err)
	}
	got, _ = s.GetEndpointCost(ctx, "/v1/generate")
	if !got.Equal(decimal.NewFromInt(4)) {
		t.Errorf("updated cost = %s, want 4", got)
	}
}

func newTestUsageLog(ws *model.Workspace, key *model.APIKey, requestID, fingerprint string) *model.UsageLog {
	return &model.UsageLog{
		APIKeyID:        key.ID,
		WorkspaceID:     ws.ID,
		RequestID:       requestID,
		FingerprintHash: fingerprint,
		AccessStatus:    model.AccessGranted,
		Endpoint:        "/v1/generate",
		Method:          "POST",
		CreditsReserved: decimal.NewFromInt(2),
		Status:          model.UsagePending,
	}
}

func TestUsageLogIdempotencyConstraint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := newTestWorkspace(t, s)
	key := newTestKey(t, s, ws.ID, "hash-ul")

	entry := newTestUsageLog(ws, key, "req-1", "fp-1")
	if err := s.InsertUsageLog(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Same triple conflicts.
	if err := s.InsertUsageLog(ctx, newTestUsageLog(ws, key, "req-1", "fp-1")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate triple: got %v, want ErrDuplicate", err)
	}

	// Same request id with a different fingerprint is a distinct attempt.
	if err := s.InsertUsageLog(ctx, newTestUsageLog(ws, key, "req-1", "fp-2")); err != nil {
		t.Errorf("different fingerprint: %v", err)
	}

	got, err := s.GetUsageLogByIdempotencyKey(ctx, ws.ID, "req-1", "fp-1")
	if err != nil {
		t.Fatalf("get by idempotency key: %v", err)
	}
	if got.ID != entry.ID {
		t.Errorf("got entry %s, want %s", got.ID, entry.ID)
	}

	if _, err := s.GetUsageLogByIdempotencyKey(ctx, ws.ID, "req-1", "fp-3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing triple: got %v, want ErrNotFound", err)
	}
}

func TestUsageLogEstimateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := newTestWorkspace(t, s)
	key := newTestKey(t, s, ws.ID, "hash-est")

	chars, tokens, mdl := 1200, 500, "gpt-x"
	entry := newTestUsageLog(ws, key, "req-est", "fp-est")
	entry.UsageEstimate = &model.UsageEstimate{InputChars: &chars, MaxOutputTokens: &tokens, Model: &mdl}
	if err := s.InsertUsageLog(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetUsageLog(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UsageEstimate == nil || *got.UsageEstimate.InputChars != 1200 || *got.UsageEstimate.Model != "gpt-x" {
		t.Errorf("estimate round trip mismatch: %+v", got.UsageEstimate)
	}
}

func TestCommitUsageLogOneShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := newTestWorkspace(t, s)
	key := newTestKey(t, s, ws.ID, "hash-commit")

	entry := newTestUsageLog(ws, key, "req-c", "fp-c")
	if err := s.InsertUsageLog(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	mdl := "gpt-x"
	inTok := 100
	transitioned, err := s.CommitUsageLog(ctx, entry.ID, CommitUpdate{
		Success: true,
		Metrics: &model.UsageMetrics{ModelUsed: &mdl, InputTokens: &inTok},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !transitioned {
		t.Fatal("first commit should transition")
	}

	got, err := s.GetUsageLog(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.UsageSuccess {
		t.Errorf("status = %s, want success", got.Status)
	}
	if got.CommittedAt == nil {
		t.Error("committed_at should be set")
	}
	if !got.CreditsCharged.Valid || !got.CreditsCharged.Decimal.Equal(entry.CreditsReserved) {
		t.Errorf("credits_charged = %+v, want reserved %s", got.CreditsCharged, entry.CreditsReserved)
	}
	if got.Metrics.ModelUsed == nil || *got.Metrics.ModelUsed != "gpt-x" {
		t.Errorf("metrics not persisted: %+v", got.Metrics)
	}

	// Second commit sees no pending row.
	transitioned, err = s.CommitUsageLog(ctx, entry.ID, CommitUpdate{Success: false,
		Failure: &model.FailureDetails{FailureType: model.FailureTimeout, Reason: "late"}})
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if transitioned {
		t.Error("second commit must not transition")
	}
	got, _ = s.GetUsageLog(ctx, entry.ID)
	if got.Status != model.UsageSuccess {
		t.Errorf("terminal status overwritten: %s", got.Status)
	}
}

func TestCommitUsageLogFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := newTestWorkspace(t, s)
	key := newTestKey(t, s, ws.ID, "hash-fail")

	entry := newTestUsageLog(ws, key, "req-f", "fp-f")
	if err := s.InsertUsageLog(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	transitioned, err := s.CommitUsageLog(ctx, entry.ID, CommitUpdate{
		Success: false,
		Failure: &model.FailureDetails{FailureType: model.FailureUpstreamError, Reason: "bad gateway"},
	})
	if err != nil || !transitioned {
		t.Fatalf("commit failed: transitioned=%v err=%v", transitioned, err)
	}

	got, _ := s.GetUsageLog(ctx, entry.ID)
	if got.Status != model.UsageFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.CreditsCharged.Valid {
		t.Error("failed commit must not charge credits")
	}
	if got.FailureType == nil || *got.FailureType != model.FailureUpstreamError || got.FailureReason == nil {
		t.Errorf("failure details not persisted: %+v", got)
	}
}

func TestExpirePendingBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := newTestWorkspace(t, s)
	key := newTestKey(t, s, ws.ID, "hash-exp")

	stale := newTestUsageLog(ws, key, "req-old", "fp-old")
	stale.CreatedAt = time.Now().UTC().Add(-time.Hour)
	fresh := newTestUsageLog(ws, key, "req-new", "fp-new")
	for _, e := range []*model.UsageLog{stale, fresh} {
		if err := s.InsertUsageLog(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := s.ExpirePendingBefore(ctx, time.Now().UTC().Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d entries, want 1", n)
	}

	got, _ := s.GetUsageLog(ctx, stale.ID)
	if got.Status != model.UsageExpired || got.CommittedAt == nil {
		t.Errorf("stale entry: %+v", got)
	}
	got, _ = s.GetUsageLog(ctx, fresh.ID)
	if got.Status != model.UsagePending {
		t.Errorf("fresh entry should stay pending, got %s", got.Status)
	}
}

func TestSumReservedCredits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := newTestWorkspace(t, s)
	key := newTestKey(t, s, ws.ID, "hash-sum")

	now := time.Now().UTC()
	start, end := now.Add(-time.Hour), now.Add(time.Hour)

	insert := func(requestID string, credits int64, status model.UsageStatus, access model.AccessStatus, created time.Time) {
		t.Helper()
		e := newTestUsageLog(ws, key, requestID, "fp-"+requestID)
		e.CreditsReserved = decimal.NewFromInt(credits)
		e.Status = status
		e.AccessStatus = access
		e.CreatedAt = created
		if err := s.InsertUsageLog(ctx, e); err != nil {
			t.Fatalf("insert %s: %v", requestID, err)
		}
	}

	insert("a", 2, model.UsagePending, model.AccessGranted, now)
	insert("b", 3, model.UsageSuccess, model.AccessGranted, now)
	insert("c", 5, model.UsageFailed, model.AccessGranted, now)   // released
	insert("d", 7, model.UsageExpired, model.AccessGranted, now)  // released
	insert("e", 11, model.UsagePending, model.AccessDenied, now)  // denied, never counted
	insert("f", 13, model.UsagePending, model.AccessGranted, now.Add(-2*time.Hour)) // outside window

	total, err := s.SumReservedCredits(ctx, ws.ID, start, end)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if !total.Equal(decimal.NewFromInt(5)) {
		t.Errorf("total = %s, want 5 (pending 2 + success 3)", total)
	}

	// Other workspaces are isolated.
	total, err = s.SumReservedCredits(ctx, uuid.New(), start, end)
	if err != nil {
		t.Fatalf("sum other: %v", err)
	}
	if !total.IsZero() {
		t.Errorf("other workspace total = %s, want 0", total)
	}
}

func TestAdminLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasAnyAdmin(ctx)
	if err != nil {
		t.Fatalf("has any: %v", err)
	}
	if has {
		t.Fatal("fresh store should have no admins")
	}

	admin := &model.Admin{Email: "ops@example.com", PasswordHash: "x", Name: "Ops", IsActive: true}
	if err := s.CreateAdmin(ctx, admin); err != nil {
		t.Fatalf("create admin: %v", err)
	}
	if admin.ID == 0 {
		t.Error("create should assign an id")
	}

	if err := s.CreateAdmin(ctx, &model.Admin{Email: "ops@example.com", PasswordHash: "y"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate email: got %v, want ErrDuplicate", err)
	}

	got, err := s.GetAdminByEmail(ctx, "ops@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if got.ID != admin.ID {
		t.Errorf("got admin %d, want %d", got.ID, admin.ID)
	}

	if err := s.UpdateAdminLastLogin(ctx, admin.ID); err != nil {
		t.Fatalf("update last login: %v", err)
	}
	if err := s.UpdateAdminLastLogin(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing admin: got %v, want ErrNotFound", err)
	}
}
