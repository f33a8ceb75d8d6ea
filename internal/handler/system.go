package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cubexhq/usagegate/internal/model"
	"github.com/cubexhq/usagegate/internal/service"
	"github.com/cubexhq/usagegate/internal/store"
)

// SystemHandler serves the admin API: sessions, workspaces, and API key
// management.
type SystemHandler struct {
	store   *store.Store
	authSvc *service.AuthService
	keySvc  *service.KeyService
	logger  *slog.Logger
}

// NewSystemHandler creates a system handler.
func NewSystemHandler(s *store.Store, authSvc *service.AuthService, keySvc *service.KeyService, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{store: s, authSvc: authSvc, keySvc: keySvc, logger: logger}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login handles POST /api/v1/system/admin/session.
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	token, err := h.authSvc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

type createWorkspaceRequest struct {
	Name string `json:"name"`
}

type workspaceResponse struct {
	model.Workspace
	ClientID string `json:"client_id"`
}

// CreateWorkspace handles POST /api/v1/system/workspace.
func (h *SystemHandler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req createWorkspaceRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	ws := &model.Workspace{Name: req.Name}
	if err := h.store.CreateWorkspace(r.Context(), ws); err != nil {
		h.logger.Error("create workspace failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create workspace")
		return
	}
	writeJSON(w, http.StatusCreated, workspaceResponse{Workspace: *ws, ClientID: ws.ClientID()})
}

// ListWorkspaces handles GET /api/v1/system/workspace.
func (h *SystemHandler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := h.store.ListWorkspaces(r.Context())
	if err != nil {
		h.logger.Error("list workspaces failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list workspaces")
		return
	}
	out := make([]workspaceResponse, 0, len(workspaces))
	for _, ws := range workspaces {
		out = append(out, workspaceResponse{Workspace: ws, ClientID: ws.ClientID()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workspaces": out})
}

type createKeyRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	IsTestKey   bool   `json:"is_test_key"`
	ExpiresAt   string `json:"expires_at,omitempty"` // RFC 3339
}

type createKeyResponse struct {
	model.APIKey
	Key string `json:"key"` // raw key, shown once
}

// CreateAPIKey handles POST /api/v1/system/api-key.
func (h *SystemHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	workspaceID, err := uuid.Parse(req.WorkspaceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "workspace_id must be a UUID")
		return
	}
	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "expires_at must be RFC 3339")
			return
		}
		expiresAt = &t
	}

	key, raw, err := h.keySvc.IssueKey(r.Context(), workspaceID, req.Name, req.IsTestKey, expiresAt)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Workspace not found")
			return
		}
		h.logger.Error("issue key failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create API key")
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{APIKey: *key, Key: raw})
}

// ListAPIKeys handles GET /api/v1/system/api-key?workspace_id=<uuid>.
func (h *SystemHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := uuid.Parse(r.URL.Query().Get("workspace_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "workspace_id query parameter must be a UUID")
		return
	}
	keys, err := h.keySvc.ListKeys(r.Context(), workspaceID)
	if err != nil {
		h.logger.Error("list keys failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list API keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"api_keys": keys})
}

// RevokeAPIKey handles DELETE /api/v1/system/api-key/{keyID}.
func (h *SystemHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "key id must be a UUID")
		return
	}
	workspaceID, err := uuid.Parse(r.URL.Query().Get("workspace_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "workspace_id query parameter must be a UUID")
		return
	}

	if err := h.keySvc.RevokeKey(r.Context(), workspaceID, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "API key not found")
			return
		}
		h.logger.Error("revoke key failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to revoke API key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": keyID})
}
