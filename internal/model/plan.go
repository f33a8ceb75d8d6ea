package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Plan is a pricing rule: the per-period credit allocation, the cost
// multiplier applied to endpoint base costs, and the per-minute rate limit.
type Plan struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	Name               string          `json:"name" db:"name"`
	CreditsAllocation  decimal.Decimal `json:"credits_allocation" db:"credits_allocation"`
	Multiplier         decimal.Decimal `json:"multiplier" db:"multiplier"`
	RateLimitPerMinute int             `json:"rate_limit_per_minute" db:"rate_limit_per_minute"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// Subscription links a workspace to a plan. When both period bounds are set
// they define the billing window verbatim; a half-set pair is ignored.
type Subscription struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	WorkspaceID        uuid.UUID  `json:"workspace_id" db:"workspace_id"`
	PlanID             uuid.UUID  `json:"plan_id" db:"plan_id"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty" db:"current_period_end"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// EndpointCost is the base credit cost of one call to an endpoint, before the
// plan multiplier.
type EndpointCost struct {
	Endpoint  string          `json:"endpoint" db:"endpoint"`
	Credits   decimal.Decimal `json:"credits" db:"credits"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
