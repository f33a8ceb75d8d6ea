package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cubexhq/usagegate/internal/model"
)

// CreateWorkspace inserts a workspace. A zero CreatedAt is stamped now, which
// lets fixtures backdate workspaces to exercise billing period rollover.
func (s *Store) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	if ws.ID == uuid.Nil {
		ws.ID = uuid.New()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workspaces (id, name, created_at, deleted_at)
		VALUES (:id, :name, :created_at, :deleted_at)`, ws)
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

// GetWorkspace returns a workspace by id. Soft-deleted workspaces are not
// returned.
func (s *Store) GetWorkspace(ctx context.Context, id uuid.UUID) (*model.Workspace, error) {
	var ws model.Workspace
	err := s.db.GetContext(ctx, &ws,
		s.rebind(`SELECT * FROM workspaces WHERE id = ? AND deleted_at IS NULL`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return &ws, nil
}

// ListWorkspaces returns all live workspaces, newest first.
func (s *Store) ListWorkspaces(ctx context.Context) ([]model.Workspace, error) {
	var out []model.Workspace
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM workspaces WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	return out, nil
}

// CreatePlan inserts a pricing plan.
func (s *Store) CreatePlan(ctx context.Context, p *model.Plan) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO plans (id, name, credits_allocation, multiplier, rate_limit_per_minute, created_at)
		VALUES (:id, :name, :credits_allocation, :multiplier, :rate_limit_per_minute, :created_at)`, p)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create plan: %w", ErrDuplicate)
		}
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

// GetPlan returns a plan by id.
func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*model.Plan, error) {
	var p model.Plan
	err := s.db.GetContext(ctx, &p, s.rebind(`SELECT * FROM plans WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &p, nil
}

// CreateSubscription links a workspace to a plan. A workspace has at most one
// subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO subscriptions (id, workspace_id, plan_id, current_period_start, current_period_end, created_at)
		VALUES (:id, :workspace_id, :plan_id, :current_period_start, :current_period_end, :created_at)`, sub)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create subscription: %w", ErrDuplicate)
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// GetSubscriptionByWorkspace returns the workspace's subscription, or
// ErrNotFound when it has none.
func (s *Store) GetSubscriptionByWorkspace(ctx context.Context, workspaceID uuid.UUID) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.db.GetContext(ctx, &sub,
		s.rebind(`SELECT * FROM subscriptions WHERE workspace_id = ?`), workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// SetEndpointCost upserts the base credit cost for an endpoint. Endpoints are
// stored lowercased.
func (s *Store) SetEndpointCost(ctx context.Context, endpoint string, credits decimal.Decimal) error {
	endpoint = strings.ToLower(strings.TrimSpace(endpoint))
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE endpoint_costs SET credits = ?, updated_at = ? WHERE endpoint = ?`),
		credits, now, endpoint)
	if err != nil {
		return fmt.Errorf("set endpoint cost: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO endpoint_costs (endpoint, credits, updated_at) VALUES (?, ?, ?)`),
		endpoint, credits, now)
	if err != nil {
		return fmt.Errorf("set endpoint cost: %w", err)
	}
	return nil
}

// GetEndpointCost returns the base cost configured for an endpoint, or
// ErrNotFound when no cost is configured.
func (s *Store) GetEndpointCost(ctx context.Context, endpoint string) (decimal.Decimal, error) {
	var credits decimal.Decimal
	err := s.db.GetContext(ctx, &credits,
		s.rebind(`SELECT credits FROM endpoint_costs WHERE endpoint = ?`),
		strings.ToLower(strings.TrimSpace(endpoint)))
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get endpoint cost: %w", err)
	}
	return credits, nil
}
