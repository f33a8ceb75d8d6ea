package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cubexhq/usagegate/internal/metrics"
	"github.com/cubexhq/usagegate/internal/model"
	"github.com/cubexhq/usagegate/internal/ratelimit"
	"github.com/cubexhq/usagegate/internal/store"
)

// DenyReason identifies why access was denied. Empty on granted decisions.
type DenyReason string

const (
	DenyInvalidKeyFormat  DenyReason = "invalid_key_format"
	DenyKeyNotFound       DenyReason = "key_not_found"
	DenyWorkspaceMismatch DenyReason = "workspace_mismatch"
	DenyRateLimited       DenyReason = "rate_limited"
	DenyQuotaExceeded     DenyReason = "quota_exceeded"
	DenyInternal          DenyReason = "internal_error"
)

// ValidateInput is one admission request.
type ValidateInput struct {
	RequestID       string
	WorkspaceID     uuid.UUID
	RawKey          string
	Endpoint        string
	Method          string
	PayloadHash     string
	ClientIP        *string
	ClientUserAgent *string
	UsageEstimate   *model.UsageEstimate
	Cost            *decimal.Decimal // caller override, nil for configured cost
}

// Decision is the admission outcome. RateLimit is set whenever a rate limit
// check ran, allowed or not, so callers can emit the usual headers.
type Decision struct {
	Access          model.AccessStatus
	Reason          DenyReason
	Message         string
	UsageID         *uuid.UUID
	CreditsReserved *decimal.Decimal
	IsTestKey       bool
	Idempotent      bool
	RateLimit       *ratelimit.Result
}

// CommitInput is one settlement request.
type CommitInput struct {
	RawKey  string
	UsageID uuid.UUID
	Success bool
	Metrics *model.UsageMetrics
	Failure *model.FailureDetails
}

// CommitResult reports a settlement. OK is false only for ownership
// mismatches and transient infrastructure failures; everything else is
// idempotently successful.
type CommitResult struct {
	OK      bool
	Message string
}

// Engine wires the resolver, evaluator, ledger, and limiter into the two
// operations the internal API exposes. Validate never returns an error: every
// infrastructure failure folds into a denied decision, so an outage can't
// become an open gate.
type Engine struct {
	store     *store.Store
	resolver  *KeyResolver
	evaluator *Evaluator
	ledger    *Ledger
	limiter   ratelimit.Limiter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewEngine assembles the usage engine.
func NewEngine(s *store.Store, resolver *KeyResolver, evaluator *Evaluator, ledger *Ledger, limiter ratelimit.Limiter, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:     s,
		resolver:  resolver,
		evaluator: evaluator,
		ledger:    ledger,
		limiter:   limiter,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Ledger exposes the underlying ledger for the sweeper.
func (e *Engine) Ledger() *Ledger { return e.ledger }

func (e *Engine) deny(reason DenyReason, message string) Decision {
	e.metrics.ObserveValidate(string(model.AccessDenied), string(reason))
	return Decision{Access: model.AccessDenied, Reason: reason, Message: message}
}

// Validate decides whether a request may proceed and reserves its credits.
// The flow is: idempotency replay check, key resolution, rate limit, cost and
// quota, then the ledger insert that makes the decision durable.
func (e *Engine) Validate(ctx context.Context, in ValidateInput) Decision {
	fingerprint := Fingerprint(in.Endpoint, in.Method, in.PayloadHash, in.UsageEstimate)

	// Replay check first: a retried triple returns the stored decision without
	// touching the key, the rate limit, or the quota.
	existing, err := e.ledger.Lookup(ctx, in.WorkspaceID, in.RequestID, fingerprint)
	if err == nil {
		return e.replayDecision(ctx, existing)
	}
	if !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("idempotency lookup failed", "request_id", in.RequestID, "error", err)
		return e.deny(DenyInternal, "Usage validation is temporarily unavailable.")
	}

	info, err := e.resolver.Resolve(ctx, in.RawKey, in.WorkspaceID)
	switch {
	case errors.Is(err, ErrInvalidKeyFormat):
		return e.deny(DenyInvalidKeyFormat, "Invalid API key format.")
	case errors.Is(err, ErrKeyNotFound):
		return e.deny(DenyKeyNotFound, "API key not found, expired, or revoked.")
	case errors.Is(err, ErrWorkspaceMismatch):
		return e.deny(DenyWorkspaceMismatch, "API key does not belong to the specified workspace.")
	case err != nil:
		e.logger.Error("key resolution failed", "request_id", in.RequestID, "error", err)
		return e.deny(DenyInternal, "Usage validation is temporarily unavailable.")
	}

	limits := e.evaluator.PlanLimitsFor(ctx, info.PlanID)

	var rl *ratelimit.Result
	if limits.RateLimitPerMinute > 0 {
		res, err := e.limiter.Allow(ctx, in.WorkspaceID.String(), limits.RateLimitPerMinute)
		if err != nil {
			// The limiter backend is shared infrastructure; losing it must not
			// take the API down. Let the request through and let quota hold
			// the line.
			e.logger.Warn("rate limiter unavailable, skipping check", "workspace_id", in.WorkspaceID, "error", err)
		} else {
			rl = &res
			if !res.Allowed {
				d := e.deny(DenyRateLimited, fmt.Sprintf("Rate limit exceeded: %d requests per minute.", res.Limit))
				d.IsTestKey = info.IsTestKey
				d.RateLimit = rl
				return d
			}
		}
	}

	access := model.AccessGranted
	reason := DenyReason("")
	message := ""
	cost := decimal.Zero

	if info.IsTestKey {
		message = "Access granted (test key, no credits charged)."
	} else {
		ws, err := e.store.GetWorkspace(ctx, in.WorkspaceID)
		if err != nil {
			e.logger.Error("workspace lookup failed", "workspace_id", in.WorkspaceID, "error", err)
			return e.deny(DenyInternal, "Usage validation is temporarily unavailable.")
		}
		var subStart, subEnd *time.Time
		if sub, err := e.store.GetSubscriptionByWorkspace(ctx, in.WorkspaceID); err == nil {
			subStart, subEnd = sub.CurrentPeriodStart, sub.CurrentPeriodEnd
		} else if !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("subscription lookup failed", "workspace_id", in.WorkspaceID, "error", err)
			return e.deny(DenyInternal, "Usage validation is temporarily unavailable.")
		}
		period := CurrentPeriod(subStart, subEnd, ws.CreatedAt, e.now())

		cost = e.evaluator.CostFor(ctx, in.Endpoint, limits, in.Cost)

		granted, used, err := e.evaluator.Evaluate(ctx, in.WorkspaceID, period, limits.CreditsAllocation, cost)
		if err != nil {
			e.logger.Error("quota evaluation failed", "workspace_id", in.WorkspaceID, "error", err)
			return e.deny(DenyInternal, "Usage validation is temporarily unavailable.")
		}
		if granted {
			remaining := limits.CreditsAllocation.Sub(used).Sub(cost)
			message = fmt.Sprintf("Access granted. %s credits remaining after this request.", remaining.StringFixed(2))
		} else {
			access = model.AccessDenied
			reason = DenyQuotaExceeded
			message = fmt.Sprintf("Quota exceeded. Used %s of %s credits this period; this request requires %s.",
				used.StringFixed(2), limits.CreditsAllocation.StringFixed(2), cost.StringFixed(2))
		}
	}

	entry := &model.UsageLog{
		APIKeyID:        info.ID,
		WorkspaceID:     in.WorkspaceID,
		RequestID:       in.RequestID,
		FingerprintHash: fingerprint,
		AccessStatus:    access,
		Endpoint:        normalizeEndpoint(in.Endpoint),
		Method:          normalizeMethod(in.Method),
		ClientIP:        in.ClientIP,
		ClientUserAgent: in.ClientUserAgent,
		UsageEstimate:   in.UsageEstimate,
		CreditsReserved: cost,
		Status:          model.UsagePending,
	}
	row, isNew, err := e.ledger.RecordAttempt(ctx, entry)
	if err != nil {
		e.logger.Error("usage ledger insert failed", "request_id", in.RequestID, "error", err)
		return e.deny(DenyInternal, "Usage validation is temporarily unavailable.")
	}
	if !isNew {
		// A concurrent duplicate beat us between the replay check and the
		// insert. The winner's decision stands.
		return e.replayDecision(ctx, row)
	}

	e.metrics.ObserveValidate(string(access), string(reason))
	d := Decision{
		Access:          access,
		Reason:          reason,
		Message:         message,
		UsageID:         &row.ID,
		CreditsReserved: &cost,
		IsTestKey:       info.IsTestKey,
		RateLimit:       rl,
	}
	return d
}

// replayDecision rebuilds the response for a triple that was already
// processed. The stored decision is returned verbatim; only the test-key flag
// needs a best-effort key lookup.
func (e *Engine) replayDecision(ctx context.Context, entry *model.UsageLog) Decision {
	isTest := false
	if key, err := e.store.GetAPIKey(ctx, entry.APIKeyID); err == nil {
		isTest = key.IsTestKey
	}
	reserved := entry.CreditsReserved
	d := Decision{
		Access:          entry.AccessStatus,
		Message:         "Request already processed; returning the original decision.",
		UsageID:         &entry.ID,
		CreditsReserved: &reserved,
		IsTestKey:       isTest,
		Idempotent:      true,
	}
	if entry.AccessStatus == model.AccessDenied {
		d.Reason = DenyQuotaExceeded
	}
	return d
}

// Commit settles a reservation. Unknown usage ids and repeated commits are
// reported as success so callers can retry safely; a key that does not own
// the entry is the one hard failure.
func (e *Engine) Commit(ctx context.Context, in CommitInput) CommitResult {
	if !model.ValidKeyFormat(in.RawKey) {
		e.metrics.ObserveCommit("key_not_found")
		return CommitResult{OK: true, Message: "Invalid API key format; nothing to commit."}
	}

	key, err := e.store.GetAPIKeyByHash(ctx, e.resolver.HashKey(in.RawKey))
	if errors.Is(err, store.ErrNotFound) {
		e.metrics.ObserveCommit("key_not_found")
		return CommitResult{OK: true, Message: "API key not found; nothing to commit."}
	}
	if err != nil {
		e.logger.Error("key lookup failed during commit", "usage_id", in.UsageID, "error", err)
		e.metrics.ObserveCommit("error")
		return CommitResult{OK: false, Message: "Usage commit is temporarily unavailable; retry."}
	}

	outcome, err := e.ledger.Commit(ctx, in.UsageID, key.ID, store.CommitUpdate{
		Success: in.Success,
		Metrics: in.Metrics,
		Failure: in.Failure,
	})
	if err != nil {
		e.logger.Error("usage commit failed", "usage_id", in.UsageID, "error", err)
		e.metrics.ObserveCommit("error")
		return CommitResult{OK: false, Message: "Usage commit is temporarily unavailable; retry."}
	}

	switch outcome {
	case CommitNotFound:
		e.metrics.ObserveCommit("not_found")
		return CommitResult{OK: true, Message: "Usage log not found; nothing to commit."}
	case OwnershipMismatch:
		e.metrics.ObserveCommit("ownership_mismatch")
		return CommitResult{OK: false, Message: "API key does not own this usage log."}
	case AlreadyCommitted:
		e.metrics.ObserveCommit("already_committed")
		return CommitResult{OK: true, Message: "Usage already committed."}
	default:
		status := model.UsageFailed
		if in.Success {
			status = model.UsageSuccess
		}
		e.metrics.ObserveCommit(string(status))
		return CommitResult{OK: true, Message: fmt.Sprintf("Usage committed as %s.", status)}
	}
}
