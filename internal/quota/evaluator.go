package quota

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cubexhq/usagegate/internal/cache"
	"github.com/cubexhq/usagegate/internal/store"
)

// Defaults applied when a workspace has no resolvable plan. Missing billing
// metadata degrades to these instead of failing the request.
var (
	DefaultCreditsAllocation = decimal.New(500000, -2) // 5000.00
	DefaultMultiplier        = decimal.NewFromInt(1)
	DefaultEndpointCost      = decimal.NewFromInt(1)
)

// DefaultRateLimitPerMinute applies when no plan sets a limit.
const DefaultRateLimitPerMinute = 20

const planLimitsTTL = 15 * time.Second

// PlanLimits is the hot-path projection of a plan's pricing rule.
type PlanLimits struct {
	CreditsAllocation  decimal.Decimal `json:"credits_allocation"`
	Multiplier         decimal.Decimal `json:"multiplier"`
	RateLimitPerMinute int             `json:"rate_limit_per_minute"`
}

// DefaultPlanLimits returns the fallback limits.
func DefaultPlanLimits() PlanLimits {
	return PlanLimits{
		CreditsAllocation:  DefaultCreditsAllocation,
		Multiplier:         DefaultMultiplier,
		RateLimitPerMinute: DefaultRateLimitPerMinute,
	}
}

// Evaluator answers the two credit questions on the decision path: what does
// this request cost, and does the workspace's period consumption leave room
// for it. Plan limits are read cache-aside with the same TTL as key info.
type Evaluator struct {
	store  *store.Store
	cache  cache.Cache
	logger *slog.Logger
}

// NewEvaluator creates an evaluator over the store and cache.
func NewEvaluator(s *store.Store, c cache.Cache, logger *slog.Logger) *Evaluator {
	return &Evaluator{store: s, cache: c, logger: logger}
}

// PlanLimitsFor resolves a workspace's plan limits. A nil planID, a missing
// plan, and infrastructure errors all degrade to the defaults; this lookup is
// never the reason a request fails.
func (e *Evaluator) PlanLimitsFor(ctx context.Context, planID *uuid.UUID) PlanLimits {
	if planID == nil {
		return DefaultPlanLimits()
	}

	cacheKey := "plan:" + planID.String()
	if data, ok, err := e.cache.Get(ctx, cacheKey); err != nil {
		e.logger.Warn("plan cache read failed", "error", err)
	} else if ok {
		var limits PlanLimits
		if err := json.Unmarshal(data, &limits); err == nil {
			return limits
		}
	}

	plan, err := e.store.GetPlan(ctx, *planID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("plan lookup failed, using defaults", "plan_id", *planID, "error", err)
		}
		return DefaultPlanLimits()
	}

	limits := PlanLimits{
		CreditsAllocation:  plan.CreditsAllocation,
		Multiplier:         plan.Multiplier,
		RateLimitPerMinute: plan.RateLimitPerMinute,
	}
	if data, err := json.Marshal(limits); err == nil {
		if err := e.cache.Set(ctx, cacheKey, data, planLimitsTTL); err != nil {
			e.logger.Warn("plan cache write failed", "error", err)
		}
	}
	return limits
}

// InvalidatePlan removes a plan's cached limits.
func (e *Evaluator) InvalidatePlan(ctx context.Context, planID uuid.UUID) error {
	return e.cache.Delete(ctx, "plan:"+planID.String())
}

// CostFor returns the credits to reserve for a live request: the caller's
// override when given, otherwise the endpoint's configured base cost (default
// 1.0) times the plan multiplier.
func (e *Evaluator) CostFor(ctx context.Context, endpoint string, limits PlanLimits, override *decimal.Decimal) decimal.Decimal {
	if override != nil {
		return *override
	}
	base, err := e.store.GetEndpointCost(ctx, strings.ToLower(strings.TrimSpace(endpoint)))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("endpoint cost lookup failed, using default", "endpoint", endpoint, "error", err)
		}
		base = DefaultEndpointCost
	}
	return base.Mul(limits.Multiplier)
}

// Evaluate sums the workspace's reserved credits over the period and decides
// whether cost still fits the allocation. Concurrent validations may both
// pass on the same reading; enforcement is best effort by design and the
// window is bounded by reservation expiry.
func (e *Evaluator) Evaluate(ctx context.Context, workspaceID uuid.UUID, period Period, allocation, cost decimal.Decimal) (granted bool, used decimal.Decimal, err error) {
	used, err = e.store.SumReservedCredits(ctx, workspaceID, period.Start, period.End)
	if err != nil {
		return false, decimal.Zero, err
	}
	return used.Add(cost).LessThanOrEqual(allocation), used, nil
}
