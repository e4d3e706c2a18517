package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery middleware recovers from panics and logs them
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				correlationID := GetCorrelationID(r.Context())

				// Log the panic
				slog.Error("Panic recovered",
					"error", err,
					"stack_trace", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"correlation_id", correlationID,
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"error":          http.StatusText(http.StatusInternalServerError),
					"correlation_id": correlationID,
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}
