// middleware.go — HTTP middleware for auth enforcement.
// Provides Bearer token extraction and account context injection.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// contextKey is an unexported type to avoid context key collisions.
type contextKey string

const claimsKey contextKey = "auth_claims"

// RequireAuth is an HTTP middleware that validates the Bearer JWT in the
// Authorization header. On success, injects the parsed claims into the
// request context. On failure, responds with 401 JSON.
func RequireAuth(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractBearerToken(r)
		if tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "missing_token", "Authorization header required")
			return
		}

		claims, err := ValidateAccessToken(tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// ClaimsFromContext extracts JWT claims from the request context.
// Returns nil if RequireAuth middleware was not applied.
func ClaimsFromContext(ctx context.Context) *Claims {
	if c, ok := ctx.Value(claimsKey).(*Claims); ok {
		return c
	}
	return nil
}

// AccountIDFromContext extracts the account UUID from JWT claims in
// context. Returns uuid.Nil if not authenticated.
func AccountIDFromContext(ctx context.Context) uuid.UUID {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return uuid.Nil
	}
	id, _ := uuid.Parse(claims.Subject)
	return id
}

// WithAccount injects claims for the given account id into ctx.
// Test helper for exercising handlers without a real token.
func WithAccount(ctx context.Context, accountID uuid.UUID) context.Context {
	claims := &Claims{}
	claims.Subject = accountID.String()
	return context.WithValue(ctx, claimsKey, claims)
}

// extractBearerToken pulls the token from "Authorization: Bearer <token>".
// Returns empty string if header is missing or malformed.
func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// writeError writes a {error, message} JSON response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}
