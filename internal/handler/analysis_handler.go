package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tmacedo/galton/internal/dispatcher"
	"github.com/tmacedo/galton/internal/model"
	"github.com/tmacedo/galton/internal/service"
)

// Submitter is the dispatcher surface the analysis handler consumes.
type Submitter interface {
	Submit(ctx context.Context, ownerID string, req model.AnalysisRequest) (dispatcher.Outcome, error)
}

// RecordReader is the lifecycle surface for caller-facing reads.
type RecordReader interface {
	Get(ctx context.Context, analysisID, ownerID string) (*model.AnalysisRecord, error)
	List(ctx context.Context, ownerID string, page, limit int) ([]model.AnalysisSummary, int64, error)
	Delete(ctx context.Context, analysisID, ownerID string) error
}

// AnalysisHandler handles analysis submission and record queries
type AnalysisHandler struct {
	submitter Submitter
	records   RecordReader
}

// NewAnalysisHandler creates a new analysis handler
func NewAnalysisHandler(submitter Submitter, records RecordReader) *AnalysisHandler {
	return &AnalysisHandler{
		submitter: submitter,
		records:   records,
	}
}

// SubmitResponse is the body for completed and queued submissions.
type SubmitResponse struct {
	AnalysisID           string         `json:"analysis_id"`
	Status               string         `json:"status"`
	Results              map[string]any `json:"results,omitempty"`
	ProcessingTimeMs     int64          `json:"processing_time_ms,omitempty"`
	Position             int            `json:"position,omitempty"`
	EstimatedWaitSeconds int            `json:"estimated_wait_seconds,omitempty"`
}

// RejectResponse is the body for submissions that failed synchronously.
type RejectResponse struct {
	AnalysisID string            `json:"analysis_id"`
	Status     string            `json:"status"`
	Reason     model.FailureKind `json:"reason"`
	Message    string            `json:"message"`
}

// Submit handles POST /api/v1/analyses
func (h *AnalysisHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req model.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	outcome, err := h.submitter.Submit(r.Context(), ownerID, req)
	if err != nil {
		if errors.Is(err, dispatcher.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch o := outcome.(type) {
	case dispatcher.Completed:
		writeJSON(w, http.StatusOK, SubmitResponse{
			AnalysisID:       o.AnalysisID,
			Status:           string(model.StatusCompleted),
			Results:          o.Results,
			ProcessingTimeMs: o.ProcessingTimeMs,
		})
	case dispatcher.Queued:
		writeJSON(w, http.StatusAccepted, SubmitResponse{
			AnalysisID:           o.AnalysisID,
			Status:               string(model.StatusQueued),
			Position:             o.Position,
			EstimatedWaitSeconds: o.EstimatedWaitSeconds,
		})
	case dispatcher.Failed:
		writeJSON(w, failureStatusCode(o.Kind), RejectResponse{
			AnalysisID: o.AnalysisID,
			Status:     "rejected",
			Reason:     o.Kind,
			Message:    o.Message,
		})
	default:
		writeError(w, http.StatusInternalServerError, "unknown submission outcome")
	}
}

// failureStatusCode maps a failure kind to the HTTP status of a synchronous
// rejection.
func failureStatusCode(kind model.FailureKind) int {
	switch kind {
	case model.FailureOverloaded:
		return http.StatusTooManyRequests
	case model.FailureUnavailable:
		return http.StatusServiceUnavailable
	case model.FailureTimeout:
		return http.StatusGatewayTimeout
	case model.FailureCompute:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// AnalysisListResponse represents the list response
type AnalysisListResponse struct {
	Total   int64                   `json:"total"`
	Page    int                     `json:"page"`
	Limit   int                     `json:"limit"`
	Results []model.AnalysisSummary `json:"results"`
}

// List handles GET /api/v1/analyses
func (h *AnalysisHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	page := parseQueryInt(r, "page", 1)
	limit := parseQueryInt(r, "limit", 20)
	if page < 1 {
		page = 1
	}
	if limit > 100 {
		limit = 100
	}

	summaries, total, err := h.records.List(r.Context(), ownerID, page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, AnalysisListResponse{
		Total:   total,
		Page:    page,
		Limit:   limit,
		Results: summaries,
	})
}

// Get handles GET /api/v1/analyses/{id}
func (h *AnalysisHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	analysisID := strings.TrimPrefix(r.URL.Path, "/api/v1/analyses/")

	record, err := h.records.Get(r.Context(), analysisID, ownerID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Analysis not found or access denied")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// Delete handles DELETE /api/v1/analyses/{id}
func (h *AnalysisHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	analysisID := strings.TrimPrefix(r.URL.Path, "/api/v1/analyses/")

	if err := h.records.Delete(r.Context(), analysisID, ownerID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Analysis not found or access denied")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":     "Analysis deleted successfully",
		"analysis_id": analysisID,
	})
}
