package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/cubexhq/usagegate/internal/cache"
	"github.com/cubexhq/usagegate/internal/model"
	"github.com/cubexhq/usagegate/internal/quota"
	"github.com/cubexhq/usagegate/internal/ratelimit"
	"github.com/cubexhq/usagegate/internal/service"
	"github.com/cubexhq/usagegate/internal/store"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret      = "test-secret-for-jwt-integration-tests"
	testInternalSecret = "test-internal-api-secret"
	testHMACSecret     = "test-hmac-secret"
	testPassword       = "supersecretpassword"
	testPayloadHash    = "a3f2b8c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f80"
)

// testEnv holds the shared state for HTTP integration tests.
type testEnv struct {
	server  *Server
	store   *store.Store
	authSvc *service.AuthService
	keySvc  *service.KeyService
}

// newTestEnv creates a fresh environment with an in-memory store, memory
// cache and limiter, and a fully wired Server.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c := cache.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	resolver := quota.NewKeyResolver(st, c, []byte(testHMACSecret), logger, nil)
	evaluator := quota.NewEvaluator(st, c, logger)
	ledger := quota.NewLedger(st, logger)
	engine := quota.NewEngine(st, resolver, evaluator, ledger, ratelimit.NewMemory(), logger, nil)

	authSvc := service.NewAuthService(st, testJWTSecret, 0)
	keySvc := service.NewKeyService(st, resolver, logger)

	cfg := DefaultConfig()
	cfg.InternalAPIKey = testInternalSecret
	cfg.EdgeRateLimit = 0

	srv := New(cfg, st, c, engine, authSvc, keySvc, nil, logger)
	return &testEnv{server: srv, store: st, authSvc: authSvc, keySvc: keySvc}
}

// seedWorkspace creates a workspace and one live API key, returning both the
// workspace and the raw key.
func (e *testEnv) seedWorkspace(t *testing.T) (*model.Workspace, string) {
	t.Helper()
	ws := &model.Workspace{Name: "acme"}
	if err := e.store.CreateWorkspace(context.Background(), ws); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	_, raw, err := e.keySvc.IssueKey(context.Background(), ws.ID, "default", false, nil)
	if err != nil {
		t.Fatalf("IssueKey: %v", err)
	}
	return ws, raw
}

// seedAdmin creates an active admin account.
func (e *testEnv) seedAdmin(t *testing.T) {
	t.Helper()
	hash, err := service.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	admin := &model.Admin{
		Email:        "admin@example.com",
		PasswordHash: hash,
		Name:         "Test Admin",
		IsActive:     true,
	}
	if err := e.store.CreateAdmin(context.Background(), admin); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
}

// adminToken logs in as the seeded admin and returns the JWT.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": testPassword,
	})
	rr := e.do(t, "POST", "/api/v1/system/admin/session", body, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token string `json:"token"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("adminToken: got empty token from login")
	}
	return resp.Token
}

// do executes an HTTP request against the test server and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doInternal executes a request authenticated with the internal API secret.
func (e *testEnv) doInternal(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"X-Internal-API-Key": testInternalSecret,
	})
}

// doAuth executes an admin request using a Bearer JWT.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// validateBody builds a validate request body for the given workspace and key.
func validateBody(t *testing.T, ws *model.Workspace, rawKey, requestID string) *bytes.Buffer {
	t.Helper()
	return jsonBody(t, map[string]interface{}{
		"request_id":   requestID,
		"client_id":    ws.ClientID(),
		"api_key":      rawKey,
		"endpoint":     "/v1/chat/completions",
		"method":       "POST",
		"payload_hash": testPayloadHash,
	})
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Health check tests
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if resp.Checks["store"] != "ok" || resp.Checks["cache"] != "ok" {
		t.Errorf("checks = %v, want store and cache ok", resp.Checks)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/metrics", nil, nil)
	assertStatus(t, rr, http.StatusOK)
}

// ---------------------------------------------------------------------------
// Internal API authentication
// ---------------------------------------------------------------------------

func TestInternalAPI_MissingSecret(t *testing.T) {
	env := newTestEnv(t)
	ws, raw := env.seedWorkspace(t)

	rr := env.do(t, "POST", "/internal/usage/validate", validateBody(t, ws, raw, "req-1"), nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestInternalAPI_WrongSecret(t *testing.T) {
	env := newTestEnv(t)
	ws, raw := env.seedWorkspace(t)

	rr := env.do(t, "POST", "/internal/usage/validate", validateBody(t, ws, raw, "req-1"), map[string]string{
		"X-Internal-API-Key": "not-the-secret",
	})
	assertStatus(t, rr, http.StatusUnauthorized)
}

// ---------------------------------------------------------------------------
// Validate endpoint
// ---------------------------------------------------------------------------

func TestValidate_Granted(t *testing.T) {
	env := newTestEnv(t)
	ws, raw := env.seedWorkspace(t)

	rr := env.doInternal(t, "POST", "/internal/usage/validate", validateBody(t, ws, raw, "req-granted"))
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Access          string `json:"access"`
		UsageID         string `json:"usage_id"`
		CreditsReserved string `json:"credits_reserved"`
		IsTestKey       bool   `json:"is_test_key"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Access != "granted" {
		t.Errorf("access = %q, want granted", resp.Access)
	}
	if _, err := uuid.Parse(resp.UsageID); err != nil {
		t.Errorf("usage_id %q is not a UUID: %v", resp.UsageID, err)
	}
	if resp.CreditsReserved != "1" {
		t.Errorf("credits_reserved = %q, want 1", resp.CreditsReserved)
	}
	if resp.IsTestKey {
		t.Error("is_test_key = true, want false for a live key")
	}
}

func TestValidate_RateLimitHeaders(t *testing.T) {
	env := newTestEnv(t)
	ws, raw := env.seedWorkspace(t)

	rr := env.doInternal(t, "POST", "/internal/usage/validate", validateBody(t, ws, raw, "req-headers"))
	assertStatus(t, rr, http.StatusOK)

	if rr.Header().Get("X-RateLimit-Limit-Minute") == "" {
		t.Error("expected X-RateLimit-Limit-Minute header")
	}
	if rr.Header().Get("X-RateLimit-Remaining-Minute") == "" {
		t.Error("expected X-RateLimit-Remaining-Minute header")
	}
	if rr.Header().Get("X-RateLimit-Reset-Minute") == "" {
		t.Error("expected X-RateLimit-Reset-Minute header")
	}
}

func TestValidate_Replay(t *testing.T) {
	env := newTestEnv(t)
	ws, raw := env.seedWorkspace(t)

	first := env.doInternal(t, "POST", "/internal/usage/validate", validateBody(t, ws, raw, "req-replay"))
	assertStatus(t, first, http.StatusOK)
	var firstResp struct {
		UsageID string `json:"usage_id"`
	}
	decodeJSON(t, first, &firstResp)

	second := env.doInternal(t, "POST", "/internal/usage/validate", validateBody(t, ws, raw, "req-replay"))
	assertStatus(t, second, http.StatusOK)
	var secondResp struct {
		Access  string `json:"access"`
		UsageID string `json:"usage_id"`
	}
	decodeJSON(t, second, &secondResp)
	if secondResp.UsageID != firstResp.UsageID {
		t.Errorf("replay usage_id = %q, want %q", secondResp.UsageID, firstResp.UsageID)
	}
	if secondResp.Access != "granted" {
		t.Errorf("replay access = %q, want granted", secondResp.Access)
	}
}

func TestValidate_UnknownKey(t *testing.T) {
	env := newTestEnv(t)
	ws, _ := env.seedWorkspace(t)

	rr := env.doInternal(t, "POST", "/internal/usage/validate",
		validateBody(t, ws, "cbx_live_doesnotexist12345", "req-unknown"))
	assertStatus(t, rr, http.StatusUnauthorized)

	var resp struct {
		Access string `json:"access"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Access != "denied" {
		t.Errorf("access = %q, want denied", resp.Access)
	}
}

func TestValidate_BadKeyFormat(t *testing.T) {
	env := newTestEnv(t)
	ws, _ := env.seedWorkspace(t)

	rr := env.doInternal(t, "POST", "/internal/usage/validate",
		validateBody(t, ws, "sk-wrong-prefix-entirely", "req-badfmt"))
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestValidate_WorkspaceMismatch(t *testing.T) {
	env := newTestEnv(t)
	_, raw := env.seedWorkspace(t)

	other := &model.Workspace{Name: "other"}
	if err := env.store.CreateWorkspace(context.Background(), other); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	rr := env.doInternal(t, "POST", "/internal/usage/validate", validateBody(t, other, raw, "req-mismatch"))
	assertStatus(t, rr, http.StatusForbidden)
}

func TestValidate_FieldValidation(t *testing.T) {
	env := newTestEnv(t)
	ws, raw := env.seedWorkspace(t)

	tests := []struct {
		name  string
		patch map[string]interface{}
	}{
		{"missing request_id", map[string]interface{}{"request_id": ""}},
		{"long request_id", map[string]interface{}{"request_id": strings.Repeat("x", 256)}},
		{"bad client_id", map[string]interface{}{"client_id": "ws_nothex"}},
		{"uppercase client_id", map[string]interface{}{"client_id": "ws_" + strings.ToUpper(strings.TrimPrefix(ws.ClientID(), "ws_"))}},
		{"short payload_hash", map[string]interface{}{"payload_hash": "abc123"}},
		{"missing endpoint", map[string]interface{}{"endpoint": ""}},
		{"missing method", map[string]interface{}{"method": ""}},
		{"negative cost", map[string]interface{}{"cost": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := map[string]interface{}{
				"request_id":   "req-valid",
				"client_id":    ws.ClientID(),
				"api_key":      raw,
				"endpoint":     "/v1/chat/completions",
				"method":       "POST",
				"payload_hash": testPayloadHash,
			}
			for k, v := range tt.patch {
				body[k] = v
			}
			rr := env.doInternal(t, "POST", "/internal/usage/validate", jsonBody(t, body))
			assertStatus(t, rr, http.StatusUnprocessableEntity)
		})
	}
}

// ---------------------------------------------------------------------------
// Commit endpoint
// ---------------------------------------------------------------------------

func TestCommit_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	ws, raw := env.seedWorkspace(t)

	rr := env.doInternal(t, "POST", "/internal/usage/validate", validateBody(t, ws, raw, "req-commit"))
	assertStatus(t, rr, http.StatusOK)
	var vResp struct {
		UsageID string `json:"usage_id"`
	}
	decodeJSON(t, rr, &vResp)

	commitBody := jsonBody(t, map[string]interface{}{
		"api_key":  raw,
		"usage_id": vResp.UsageID,
		"success":  true,
		"metrics": map[string]interface{}{
			"model_used":    "gpt-4o",
			"input_tokens":  120,
			"output_tokens": 480,
			"latency_ms":    950,
		},
	})
	rr = env.doInternal(t, "POST", "/internal/usage/commit", commitBody)
	assertStatus(t, rr, http.StatusOK)

	var cResp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	decodeJSON(t, rr, &cResp)
	if !cResp.Success {
		t.Errorf("commit success = false, message = %q", cResp.Message)
	}

	// Repeat commit is a no-op success.
	repeatBody := jsonBody(t, map[string]interface{}{
		"api_key":  raw,
		"usage_id": vResp.UsageID,
		"success":  true,
	})
	rr = env.doInternal(t, "POST", "/internal/usage/commit", repeatBody)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &cResp)
	if !cResp.Success {
		t.Errorf("repeat commit success = false, message = %q", cResp.Message)
	}
}

func TestCommit_UnknownUsageID(t *testing.T) {
	env := newTestEnv(t)
	_, raw := env.seedWorkspace(t)

	body := jsonBody(t, map[string]interface{}{
		"api_key":  raw,
		"usage_id": uuid.NewString(),
		"success":  true,
	})
	rr := env.doInternal(t, "POST", "/internal/usage/commit", body)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Success bool `json:"success"`
	}
	decodeJSON(t, rr, &resp)
	if !resp.Success {
		t.Error("unknown usage_id should be an idempotent success")
	}
}

func TestCommit_Validation(t *testing.T) {
	env := newTestEnv(t)
	_, raw := env.seedWorkspace(t)
	usageID := uuid.NewString()

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"bad usage_id", map[string]interface{}{"api_key": raw, "usage_id": "not-a-uuid", "success": true}},
		{"missing success", map[string]interface{}{"api_key": raw, "usage_id": usageID}},
		{"failure without details", map[string]interface{}{"api_key": raw, "usage_id": usageID, "success": false}},
		{"metrics and failure", map[string]interface{}{
			"api_key": raw, "usage_id": usageID, "success": false,
			"metrics": map[string]interface{}{"input_tokens": 1},
			"failure": map[string]interface{}{"failure_type": "upstream_error", "reason": "boom"},
		}},
		{"unknown failure type", map[string]interface{}{
			"api_key": raw, "usage_id": usageID, "success": false,
			"failure": map[string]interface{}{"failure_type": "no_such_type", "reason": "boom"},
		}},
		{"empty failure reason", map[string]interface{}{
			"api_key": raw, "usage_id": usageID, "success": false,
			"failure": map[string]interface{}{"failure_type": "upstream_error", "reason": ""},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.doInternal(t, "POST", "/internal/usage/commit", jsonBody(t, tt.body))
			assertStatus(t, rr, http.StatusUnprocessableEntity)
		})
	}
}

// ---------------------------------------------------------------------------
// Admin API
// ---------------------------------------------------------------------------

func TestAdminLogin(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	token := env.adminToken(t)
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	// Wrong password.
	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": "wrongpassword",
	})
	rr := env.do(t, "POST", "/api/v1/system/admin/session", body, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestAdminEndpoints_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/system/workspace"},
		{"POST", "/api/v1/system/workspace"},
		{"GET", "/api/v1/system/api-key"},
		{"POST", "/api/v1/system/api-key"},
	}
	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			var body io.Reader
			if ep.method == "POST" {
				body = jsonBody(t, map[string]string{})
			}
			rr := env.do(t, ep.method, ep.path, body, nil)
			assertStatus(t, rr, http.StatusUnauthorized)
		})
	}
}

func TestWorkspaceAndKeyManagement(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	// --- Create workspace ---
	rr := env.doAuth(t, "POST", "/api/v1/system/workspace", jsonBody(t, map[string]string{"name": "acme"}), token)
	assertStatus(t, rr, http.StatusCreated)

	var wsResp struct {
		ID       string `json:"id"`
		ClientID string `json:"client_id"`
	}
	decodeJSON(t, rr, &wsResp)
	if !strings.HasPrefix(wsResp.ClientID, "ws_") {
		t.Errorf("client_id = %q, want ws_ prefix", wsResp.ClientID)
	}

	// --- List workspaces ---
	rr = env.doAuth(t, "GET", "/api/v1/system/workspace", nil, token)
	assertStatus(t, rr, http.StatusOK)
	var listResp struct {
		Workspaces []map[string]interface{} `json:"workspaces"`
	}
	decodeJSON(t, rr, &listResp)
	if len(listResp.Workspaces) != 1 {
		t.Fatalf("workspace count = %d, want 1", len(listResp.Workspaces))
	}

	// --- Issue a key ---
	rr = env.doAuth(t, "POST", "/api/v1/system/api-key", jsonBody(t, map[string]interface{}{
		"workspace_id": wsResp.ID,
		"name":         "production",
	}), token)
	assertStatus(t, rr, http.StatusCreated)

	var keyResp struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	decodeJSON(t, rr, &keyResp)
	if !strings.HasPrefix(keyResp.Key, model.LiveKeyPrefix) {
		t.Errorf("key = %q, want %s prefix", keyResp.Key, model.LiveKeyPrefix)
	}

	// --- The issued key passes validation ---
	ws, err := env.store.GetWorkspace(context.Background(), uuid.MustParse(wsResp.ID))
	if err != nil {
		t.Fatalf("GetWorkspace: %v", err)
	}
	vr := env.doInternal(t, "POST", "/internal/usage/validate", validateBody(t, ws, keyResp.Key, "req-issued"))
	assertStatus(t, vr, http.StatusOK)

	// --- List keys ---
	rr = env.doAuth(t, "GET", "/api/v1/system/api-key?workspace_id="+wsResp.ID, nil, token)
	assertStatus(t, rr, http.StatusOK)

	// --- Revoke ---
	rr = env.doAuth(t, "DELETE", "/api/v1/system/api-key/"+keyResp.ID+"?workspace_id="+wsResp.ID, nil, token)
	assertStatus(t, rr, http.StatusOK)

	// Revoked key no longer validates.
	vr = env.doInternal(t, "POST", "/internal/usage/validate", validateBody(t, ws, keyResp.Key, "req-revoked"))
	assertStatus(t, vr, http.StatusUnauthorized)

	// Double revoke is a 404.
	rr = env.doAuth(t, "DELETE", "/api/v1/system/api-key/"+keyResp.ID+"?workspace_id="+wsResp.ID, nil, token)
	assertStatus(t, rr, http.StatusNotFound)
}

func TestCreateAPIKey_UnknownWorkspace(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	rr := env.doAuth(t, "POST", "/api/v1/system/api-key", jsonBody(t, map[string]interface{}{
		"workspace_id": uuid.NewString(),
		"name":         "orphan",
	}), token)
	assertStatus(t, rr, http.StatusNotFound)
}

// ---------------------------------------------------------------------------
// Error response format
// ---------------------------------------------------------------------------

func TestErrorResponseFormat(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/api/v1/system/workspace", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)

	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeJSON(t, rr, &errResp)
	if errResp.Error.Code != 401 {
		t.Errorf("error.code = %d, want 401", errResp.Error.Code)
	}
	if errResp.Error.Message == "" {
		t.Error("expected non-empty error.message")
	}
}

func TestInvalidJSONBody(t *testing.T) {
	env := newTestEnv(t)

	body := bytes.NewBufferString("{invalid json")
	rr := env.doInternal(t, "POST", "/internal/usage/validate", body)
	assertStatus(t, rr, http.StatusUnprocessableEntity)
}
