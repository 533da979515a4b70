// Package api provides shared HTTP handler utilities for the Panelforge API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/avelier/panelforge/internal/store"
	"github.com/go-chi/chi/v5"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// HealthHandler reports process and database health.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// RegisterHealth registers the readiness route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health/ready", h.handleReady)
}

func (h *HealthHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "database unreachable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
