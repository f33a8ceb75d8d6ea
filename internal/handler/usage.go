package handler

import (
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cubexhq/usagegate/internal/model"
	"github.com/cubexhq/usagegate/internal/quota"
)

var (
	clientIDRe    = regexp.MustCompile(`^ws_[a-f0-9]{32}$`)
	payloadHashRe = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

const maxFailureReasonLen = 1000

// UsageHandler serves the internal validate and commit endpoints consumed by
// the API edge.
type UsageHandler struct {
	engine *quota.Engine
	logger *slog.Logger
}

// NewUsageHandler creates a usage handler over the engine.
func NewUsageHandler(engine *quota.Engine, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{engine: engine, logger: logger}
}

type validateRequest struct {
	RequestID       string               `json:"request_id"`
	ClientID        string               `json:"client_id"`
	APIKey          string               `json:"api_key"`
	Endpoint        string               `json:"endpoint"`
	Method          string               `json:"method"`
	PayloadHash     string               `json:"payload_hash"`
	ClientIP        *string              `json:"client_ip,omitempty"`
	ClientUserAgent *string              `json:"client_user_agent,omitempty"`
	UsageEstimate   *model.UsageEstimate `json:"usage_estimate,omitempty"`
	Cost            *decimal.Decimal     `json:"cost,omitempty"`
}

type validateResponse struct {
	Access          model.AccessStatus `json:"access"`
	UsageID         *uuid.UUID         `json:"usage_id,omitempty"`
	Message         string             `json:"message"`
	CreditsReserved *decimal.Decimal   `json:"credits_reserved,omitempty"`
	IsTestKey       bool               `json:"is_test_key"`
}

// Validate handles POST /internal/usage/validate.
func (h *UsageHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid JSON body: "+err.Error())
		return
	}

	if req.RequestID == "" || len(req.RequestID) > 255 {
		writeError(w, http.StatusUnprocessableEntity, "request_id must be 1-255 characters")
		return
	}
	if !clientIDRe.MatchString(req.ClientID) {
		writeError(w, http.StatusUnprocessableEntity, "client_id must match ws_<32 hex chars>")
		return
	}
	if !payloadHashRe.MatchString(req.PayloadHash) {
		writeError(w, http.StatusUnprocessableEntity, "payload_hash must be 64 hex chars")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusUnprocessableEntity, "endpoint is required")
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusUnprocessableEntity, "method is required")
		return
	}
	if req.Cost != nil && req.Cost.IsNegative() {
		writeError(w, http.StatusUnprocessableEntity, "cost must not be negative")
		return
	}
	if est := req.UsageEstimate; est != nil {
		if (est.InputChars != nil && *est.InputChars < 0) ||
			(est.MaxOutputTokens != nil && *est.MaxOutputTokens < 0) {
			writeError(w, http.StatusUnprocessableEntity, "usage_estimate values must not be negative")
			return
		}
	}

	workspaceID, err := model.ParseClientID(req.ClientID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "client_id is not a valid workspace id")
		return
	}

	d := h.engine.Validate(r.Context(), quota.ValidateInput{
		RequestID:       req.RequestID,
		WorkspaceID:     workspaceID,
		RawKey:          req.APIKey,
		Endpoint:        req.Endpoint,
		Method:          req.Method,
		PayloadHash:     req.PayloadHash,
		ClientIP:        req.ClientIP,
		ClientUserAgent: req.ClientUserAgent,
		UsageEstimate:   req.UsageEstimate,
		Cost:            req.Cost,
	})

	if d.RateLimit != nil {
		rl := d.RateLimit
		w.Header().Set("X-RateLimit-Limit-Minute", strconv.Itoa(rl.Limit))
		w.Header().Set("X-RateLimit-Remaining-Minute", strconv.Itoa(rl.Remaining))
		w.Header().Set("X-RateLimit-Reset-Minute", strconv.FormatInt(rl.Reset.Unix(), 10))
		if rl.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())+1))
		}
	}

	writeJSON(w, statusForDecision(d), validateResponse{
		Access:          d.Access,
		UsageID:         d.UsageID,
		Message:         d.Message,
		CreditsReserved: d.CreditsReserved,
		IsTestKey:       d.IsTestKey,
	})
}

// statusForDecision maps an engine decision to its HTTP status. Replays
// return 200 with the stored decision regardless of its access value.
func statusForDecision(d quota.Decision) int {
	if d.Access == model.AccessGranted || d.Idempotent {
		return http.StatusOK
	}
	switch d.Reason {
	case quota.DenyInvalidKeyFormat:
		return http.StatusBadRequest
	case quota.DenyKeyNotFound:
		return http.StatusUnauthorized
	case quota.DenyWorkspaceMismatch:
		return http.StatusForbidden
	case quota.DenyRateLimited, quota.DenyQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

type commitRequest struct {
	APIKey  string                `json:"api_key"`
	UsageID string                `json:"usage_id"`
	Success *bool                 `json:"success"`
	Metrics *model.UsageMetrics   `json:"metrics,omitempty"`
	Failure *model.FailureDetails `json:"failure,omitempty"`
}

type commitResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Commit handles POST /internal/usage/commit.
func (h *UsageHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid JSON body: "+err.Error())
		return
	}

	usageID, err := uuid.Parse(req.UsageID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "usage_id must be a UUID")
		return
	}
	if req.Success == nil {
		writeError(w, http.StatusUnprocessableEntity, "success is required")
		return
	}
	if !*req.Success && req.Failure == nil {
		writeError(w, http.StatusUnprocessableEntity, "failure details are required when success is false")
		return
	}
	if req.Metrics != nil && req.Failure != nil {
		writeError(w, http.StatusUnprocessableEntity, "metrics and failure are mutually exclusive")
		return
	}
	if f := req.Failure; f != nil {
		if !model.ValidFailureType(string(f.FailureType)) {
			writeError(w, http.StatusUnprocessableEntity, "unknown failure_type")
			return
		}
		if len(f.Reason) == 0 || len(f.Reason) > maxFailureReasonLen {
			writeError(w, http.StatusUnprocessableEntity, "failure reason must be 1-1000 characters")
			return
		}
	}
	if m := req.Metrics; m != nil {
		if (m.InputTokens != nil && *m.InputTokens < 0) ||
			(m.OutputTokens != nil && *m.OutputTokens < 0) ||
			(m.LatencyMs != nil && *m.LatencyMs < 0) {
			writeError(w, http.StatusUnprocessableEntity, "metrics values must not be negative")
			return
		}
	}

	res := h.engine.Commit(r.Context(), quota.CommitInput{
		RawKey:  req.APIKey,
		UsageID: usageID,
		Success: *req.Success,
		Metrics: req.Metrics,
		Failure: req.Failure,
	})

	// Commit is always 200: the success flag carries the outcome, so edge
	// retry logic keys off the body, not transport errors.
	writeJSON(w, http.StatusOK, commitResponse{Success: res.OK, Message: res.Message})
}
