package middleware

import (
	"context"
	"net/http"
)

const userIDKey contextKey = "user_id"

// UserIDHeader carries the authenticated user set by the upstream gateway.
// Credential validation happens there; this service only scopes records to
// the identity it is handed.
const UserIDHeader = "X-User-ID"

// Identity extracts the gateway-authenticated user from the request and
// stores it in the context. Enforcement happens per-handler so health
// endpoints stay open.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserIDHeader)
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID extracts the authenticated user from context
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
