package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tmacedo/galton/pkg/middleware"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

// requireOwner extracts the gateway-authenticated user from the request.
// Writes a 401 and returns false when the identity is missing.
func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := middleware.GetUserID(r.Context())
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "Missing user identity")
		return "", false
	}
	return ownerID, true
}

// parseQueryInt parses an integer query parameter with a default value
func parseQueryInt(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}
