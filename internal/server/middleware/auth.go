package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/cubexhq/usagegate/internal/service"
)

type contextKeyAuth string

// AuthPrincipalKey is the context key for the authenticated admin principal.
const AuthPrincipalKey contextKeyAuth = "auth_principal"

// Principal represents the authenticated admin making the request.
type Principal struct {
	AdminID int64
	Email   string
}

// InternalAuth returns an HTTP middleware that guards the internal usage
// endpoints with the shared X-Internal-API-Key secret. The comparison runs
// over SHA-256 digests so it is constant time regardless of header length.
func InternalAuth(secret string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(secret))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeAuthError(w, http.StatusUnauthorized, "Internal API is not configured")
				return
			}
			got := sha256.Sum256([]byte(r.Header.Get("X-Internal-API-Key")))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				writeAuthError(w, http.StatusUnauthorized, "Invalid internal API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminAuth returns an HTTP middleware that validates the JWT bearer token on
// admin API requests. On success, a Principal is attached to the request
// context. On failure, a 401 JSON error response is returned.
func AdminAuth(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required. Provide a Bearer token.")
				return
			}
			p, err := authSvc.ValidateJWT(r.Context(), token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			principal := &Principal{AdminID: p.AdminID, Email: p.Email}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Manually construct JSON to avoid import cycle with handler package
	w.Write([]byte(`{"error":{"code":` + httpStatusString(status) + `,"message":"` + message + `"}}`))
}

func httpStatusString(code int) string {
	switch code {
	case 401:
		return "401"
	case 403:
		return "403"
	default:
		return "500"
	}
}
