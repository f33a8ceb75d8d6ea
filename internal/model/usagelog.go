package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageStatus is the lifecycle state of a usage log entry. PENDING entries are
// reservations; they reach exactly one terminal state (success, failed, or
// expired) and never leave it.
type UsageStatus string

const (
	UsagePending UsageStatus = "pending"
	UsageSuccess UsageStatus = "success"
	UsageFailed  UsageStatus = "failed"
	UsageExpired UsageStatus = "expired"
)

// Terminal reports whether the status is immutable.
func (s UsageStatus) Terminal() bool {
	return s == UsageSuccess || s == UsageFailed || s == UsageExpired
}

// AccessStatus records the admission decision made at validation time.
type AccessStatus string

const (
	AccessGranted AccessStatus = "granted"
	AccessDenied  AccessStatus = "denied"
)

// FailureType classifies why an upstream request failed.
type FailureType string

const (
	FailureInternalError   FailureType = "internal_error"
	FailureTimeout         FailureType = "timeout"
	FailureRateLimited     FailureType = "rate_limited"
	FailureInvalidResponse FailureType = "invalid_response"
	FailureUpstreamError   FailureType = "upstream_error"
	FailureClientError     FailureType = "client_error"
	FailureValidationError FailureType = "validation_error"
)

// ValidFailureType reports whether s is a known failure classification.
func ValidFailureType(s string) bool {
	switch FailureType(s) {
	case FailureInternalError, FailureTimeout, FailureRateLimited,
		FailureInvalidResponse, FailureUpstreamError, FailureClientError,
		FailureValidationError:
		return true
	}
	return false
}

// UsageEstimate is the caller's declared size of the work behind a request.
// It feeds the request fingerprint and is stored for later analysis; it does
// not affect the admission decision.
type UsageEstimate struct {
	InputChars      *int    `json:"input_chars,omitempty"`
	MaxOutputTokens *int    `json:"max_output_tokens,omitempty"`
	Model           *string `json:"model,omitempty"`
}

// UsageMetrics carries the measured outcome of a successful request, reported
// at commit time.
type UsageMetrics struct {
	ModelUsed    *string `json:"model_used,omitempty"`
	InputTokens  *int    `json:"input_tokens,omitempty"`
	OutputTokens *int    `json:"output_tokens,omitempty"`
	LatencyMs    *int    `json:"latency_ms,omitempty"`
}

// FailureDetails explains a failed request, reported at commit time.
type FailureDetails struct {
	FailureType FailureType `json:"failure_type"`
	Reason      string      `json:"reason"`
}

// UsageLog is one row of the usage ledger: a single logical request attempt,
// identified by (workspace_id, request_id, fingerprint_hash). The reserved
// credit amount is counted against quota while the entry is pending or
// successful.
type UsageLog struct {
	ID              uuid.UUID           `json:"id"`
	APIKeyID        uuid.UUID           `json:"api_key_id"`
	WorkspaceID     uuid.UUID           `json:"workspace_id"`
	RequestID       string              `json:"request_id"`
	FingerprintHash string              `json:"fingerprint_hash"`
	AccessStatus    AccessStatus        `json:"access_status"`
	Endpoint        string              `json:"endpoint"`
	Method          string              `json:"method"`
	ClientIP        *string             `json:"client_ip,omitempty"`
	ClientUserAgent *string             `json:"client_user_agent,omitempty"`
	UsageEstimate   *UsageEstimate      `json:"usage_estimate,omitempty"`
	CreditsReserved decimal.Decimal     `json:"credits_reserved"`
	CreditsCharged  decimal.NullDecimal `json:"credits_charged,omitempty"`
	Status          UsageStatus         `json:"status"`
	CommittedAt     *time.Time          `json:"committed_at,omitempty"`
	Metrics         UsageMetrics        `json:"metrics"`
	FailureType     *FailureType        `json:"failure_type,omitempty"`
	FailureReason   *string             `json:"failure_reason,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}
