package handler

import (
	"net/http"
	"strings"

	"github.com/tmacedo/galton/pkg/middleware"
)

// Router handles HTTP routing
type Router struct {
	analysisHandler *AnalysisHandler
	adminHandler    *AdminHandler
	healthHandler   *HealthHandler
	corsConfig      middleware.CORSConfig
}

// NewRouter creates a new router
func NewRouter(
	analysisHandler *AnalysisHandler,
	adminHandler *AdminHandler,
	healthHandler *HealthHandler,
	corsConfig middleware.CORSConfig,
) *Router {
	return &Router{
		analysisHandler: analysisHandler,
		adminHandler:    adminHandler,
		healthHandler:   healthHandler,
		corsConfig:      corsConfig,
	}
}

// Handler returns the configured HTTP handler with middleware
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints (no middleware)
	mux.HandleFunc("/health", rt.healthHandler.Health)
	mux.HandleFunc("/ready", rt.healthHandler.Ready)

	// API endpoints
	mux.HandleFunc("/api/v1/analyses", rt.handleAnalyses)
	mux.HandleFunc("/api/v1/analyses/", rt.handleAnalysesWithID)
	mux.HandleFunc("/api/v1/queue/clear", rt.handleQueueClear)
	mux.HandleFunc("/api/v1/system/status", rt.adminHandler.SystemStatus)

	// Apply middleware (CORS first to handle preflight requests)
	handler := middleware.CORS(rt.corsConfig)(mux)
	handler = middleware.Recovery(handler)
	handler = middleware.Logging(handler)
	handler = middleware.Identity(handler)
	handler = middleware.CorrelationID(handler)

	return handler
}

// handleAnalyses routes the analysis collection endpoints
func (rt *Router) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rt.analysisHandler.List(w, r)
	case http.MethodPost:
		rt.analysisHandler.Submit(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleAnalysesWithID routes individual analysis endpoints
func (rt *Router) handleAnalysesWithID(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.URL.Path, "/api/v1/analyses/") == "" {
		writeError(w, http.StatusNotFound, "Endpoint not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rt.analysisHandler.Get(w, r)
	case http.MethodDelete:
		rt.analysisHandler.Delete(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleQueueClear routes the administrative queue reset
func (rt *Router) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rt.adminHandler.ClearQueue(w, r)
}
