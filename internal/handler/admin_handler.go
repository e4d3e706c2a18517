package handler

import (
	"context"
	"net/http"

	"github.com/tmacedo/galton/internal/dispatcher"
)

// SchedulerAdmin exposes the dispatcher's administrative operations.
type SchedulerAdmin interface {
	ClearQueue(ctx context.Context) int
	Stats() dispatcher.Stats
}

// AdminHandler serves queue administration and scheduling diagnostics
type AdminHandler struct {
	admin SchedulerAdmin
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(admin SchedulerAdmin) *AdminHandler {
	return &AdminHandler{admin: admin}
}

// SystemStatus handles GET /api/v1/system/status
func (h *AdminHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admin.Stats())
}

// ClearQueue handles POST /api/v1/queue/clear. Every evicted job's record
// is finalized as failed so no caller is left polling a dead entry.
func (h *AdminHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	evicted := h.admin.ClearQueue(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Admission queue cleared",
		"evicted": evicted,
	})
}
