package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cubexhq/usagegate/internal/model"
)

// usageLogRow is a flat struct that maps 1:1 to the usage_logs table columns.
// We use it for sqlx scanning because model.UsageLog carries the nested
// UsageEstimate and UsageMetrics structs.
type usageLogRow struct {
	ID              uuid.UUID           `db:"id"`
	APIKeyID        uuid.UUID           `db:"api_key_id"`
	WorkspaceID     uuid.UUID           `db:"workspace_id"`
	RequestID       string              `db:"request_id"`
	FingerprintHash string              `db:"fingerprint_hash"`
	AccessStatus    string              `db:"access_status"`
	Endpoint        string              `db:"endpoint"`
	Method          string              `db:"method"`
	ClientIP        *string             `db:"client_ip"`
	ClientUserAgent *string             `db:"client_user_agent"`
	UsageEstimate   *string             `db:"usage_estimate"`
	CreditsReserved decimal.Decimal     `db:"credits_reserved"`
	CreditsCharged  decimal.NullDecimal `db:"credits_charged"`
	Status          string              `db:"status"`
	CommittedAt     *time.Time          `db:"committed_at"`
	ModelUsed       *string             `db:"model_used"`
	InputTokens     *int                `db:"input_tokens"`
	OutputTokens    *int                `db:"output_tokens"`
	LatencyMs       *int                `db:"latency_ms"`
	FailureType     *string             `db:"failure_type"`
	FailureReason   *string             `db:"failure_reason"`
	CreatedAt       time.Time           `db:"created_at"`
}

func usageLogRowFromModel(entry *model.UsageLog) (usageLogRow, error) {
	row := usageLogRow{
		ID:              entry.ID,
		APIKeyID:        entry.APIKeyID,
		WorkspaceID:     entry.WorkspaceID,
		RequestID:       entry.RequestID,
		FingerprintHash: entry.FingerprintHash,
		AccessStatus:    string(entry.AccessStatus),
		Endpoint:        entry.Endpoint,
		Method:          entry.Method,
		ClientIP:        entry.ClientIP,
		ClientUserAgent: entry.ClientUserAgent,
		CreditsReserved: entry.CreditsReserved,
		CreditsCharged:  entry.CreditsCharged,
		Status:          string(entry.Status),
		CommittedAt:     entry.CommittedAt,
		ModelUsed:       entry.Metrics.ModelUsed,
		InputTokens:     entry.Metrics.InputTokens,
		OutputTokens:    entry.Metrics.OutputTokens,
		LatencyMs:       entry.Metrics.LatencyMs,
		FailureReason:   entry.FailureReason,
		CreatedAt:       entry.CreatedAt,
	}
	if entry.FailureType != nil {
		ft := string(*entry.FailureType)
		row.FailureType = &ft
	}
	if entry.UsageEstimate != nil {
		data, err := json.Marshal(entry.UsageEstimate)
		if err != nil {
			return row, fmt.Errorf("marshal usage estimate: %w", err)
		}
		s := string(data)
		row.UsageEstimate = &s
	}
	return row, nil
}

func (r usageLogRow) toModel() (*model.UsageLog, error) {
	entry := &model.UsageLog{
		ID:              r.ID,
		APIKeyID:        r.APIKeyID,
		WorkspaceID:     r.WorkspaceID,
		RequestID:       r.RequestID,
		FingerprintHash: r.FingerprintHash,
		AccessStatus:    model.AccessStatus(r.AccessStatus),
		Endpoint:        r.Endpoint,
		Method:          r.Method,
		ClientIP:        r.ClientIP,
		ClientUserAgent: r.ClientUserAgent,
		CreditsReserved: r.CreditsReserved,
		CreditsCharged:  r.CreditsCharged,
		Status:          model.UsageStatus(r.Status),
		CommittedAt:     r.CommittedAt,
		Metrics: model.UsageMetrics{
			ModelUsed:    r.ModelUsed,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			LatencyMs:    r.LatencyMs,
		},
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
	}
	if r.FailureType != nil {
		ft := model.FailureType(*r.FailureType)
		entry.FailureType = &ft
	}
	if r.UsageEstimate != nil && *r.UsageEstimate != "" {
		var est model.UsageEstimate
		if err := json.Unmarshal([]byte(*r.UsageEstimate), &est); err != nil {
			return nil, fmt.Errorf("unmarshal usage estimate: %w", err)
		}
		entry.UsageEstimate = &est
	}
	return entry, nil
}

// InsertUsageLog inserts a new ledger entry. Returns ErrDuplicate when an
// entry with the same (request_id, fingerprint_hash, workspace_id) already
// exists; the caller re-reads the winner.
func (s *Store) InsertUsageLog(ctx context.Context, entry *model.UsageLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = model.UsagePending
	}
	row, err := usageLogRowFromModel(entry)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO usage_logs (id, api_key_id, workspace_id, request_id, fingerprint_hash, access_status,
			endpoint, method, client_ip, client_user_agent, usage_estimate,
			credits_reserved, credits_charged, status, committed_at,
			model_used, input_tokens, output_tokens, latency_ms, failure_type, failure_reason, created_at)
		VALUES (:id, :api_key_id, :workspace_id, :request_id, :fingerprint_hash, :access_status,
			:endpoint, :method, :client_ip, :client_user_agent, :usage_estimate,
			:credits_reserved, :credits_charged, :status, :committed_at,
			:model_used, :input_tokens, :output_tokens, :latency_ms, :failure_type, :failure_reason, :created_at)`,
		row)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert usage log: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

// GetUsageLog returns a ledger entry by id.
func (s *Store) GetUsageLog(ctx context.Context, id uuid.UUID) (*model.UsageLog, error) {
	var row usageLogRow
	err := s.db.GetContext(ctx, &row,
		s.rebind(`SELECT * FROM usage_logs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage log: %w", err)
	}
	return row.toModel()
}

// GetUsageLogByIdempotencyKey returns the ledger entry for an idempotency
// triple, or ErrNotFound.
func (s *Store) GetUsageLogByIdempotencyKey(ctx context.Context, workspaceID uuid.UUID, requestID, fingerprintHash string) (*model.UsageLog, error) {
	var row usageLogRow
	err := s.db.GetContext(ctx, &row,
		s.rebind(`SELECT * FROM usage_logs WHERE workspace_id = ? AND request_id = ? AND fingerprint_hash = ?`),
		workspaceID, requestID, fingerprintHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage log by idempotency key: %w", err)
	}
	return row.toModel()
}

// CommitUpdate carries the terminal-state fields applied by CommitUsageLog.
type CommitUpdate struct {
	Success bool
	Metrics *model.UsageMetrics
	Failure *model.FailureDetails
}

// CommitUsageLog transitions a pending entry to success or failed. The status
// guard in the WHERE clause makes the transition one-shot: the first commit
// wins and later ones see zero rows affected. On success the reserved credits
// become the charged credits.
func (s *Store) CommitUsageLog(ctx context.Context, id uuid.UUID, upd CommitUpdate) (bool, error) {
	status := model.UsageFailed
	if upd.Success {
		status = model.UsageSuccess
	}
	var (
		modelUsed    *string
		inputTokens  *int
		outputTokens *int
		latencyMs    *int
		failureType  *string
		failureRsn   *string
	)
	if upd.Metrics != nil {
		modelUsed = upd.Metrics.ModelUsed
		inputTokens = upd.Metrics.InputTokens
		outputTokens = upd.Metrics.OutputTokens
		latencyMs = upd.Metrics.LatencyMs
	}
	if upd.Failure != nil {
		ft := string(upd.Failure.FailureType)
		failureType = &ft
		failureRsn = &upd.Failure.Reason
	}

	query := `UPDATE usage_logs SET status = ?, committed_at = ?,
		model_used = ?, input_tokens = ?, output_tokens = ?, latency_ms = ?,
		failure_type = ?, failure_reason = ?`
	args := []interface{}{string(status), time.Now().UTC(),
		modelUsed, inputTokens, outputTokens, latencyMs, failureType, failureRsn}
	if upd.Success {
		query += `, credits_charged = credits_reserved`
	}
	query += ` WHERE id = ? AND status = 'pending'`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("commit usage log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("commit usage log: %w", err)
	}
	return n > 0, nil
}

// ExpirePendingBefore transitions every pending entry created before cutoff to
// expired and returns the count. Expired reservations stop counting against
// quota.
func (s *Store) ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE usage_logs SET status = 'expired', committed_at = ? WHERE status = 'pending' AND created_at < ?`),
		time.Now().UTC(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire pending usage logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire pending usage logs: %w", err)
	}
	return n, nil
}

// SumReservedCredits totals credits_reserved over granted entries created in
// [start, end) that are still pending or committed successful. Failed and
// expired reservations are released; denied attempts never counted.
func (s *Store) SumReservedCredits(ctx context.Context, workspaceID uuid.UUID, start, end time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.GetContext(ctx, &total,
		s.rebind(`SELECT COALESCE(SUM(credits_reserved), 0) FROM usage_logs
			WHERE workspace_id = ? AND access_status = 'granted'
			AND status IN ('pending', 'success')
			AND created_at >= ? AND created_at < ?`),
		workspaceID, start.UTC(), end.UTC())
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum reserved credits: %w", err)
	}
	return total, nil
}

// ListUsageLogsByWorkspace returns a workspace's ledger entries, newest first.
func (s *Store) ListUsageLogsByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit int) ([]*model.UsageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []usageLogRow
	err := s.db.SelectContext(ctx, &rows,
		s.rebind(`SELECT * FROM usage_logs WHERE workspace_id = ? ORDER BY created_at DESC LIMIT ?`),
		workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage logs: %w", err)
	}
	out := make([]*model.UsageLog, 0, len(rows))
	for _, r := range rows {
		entry, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
