package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mkorolev/agentbox/internal/sandbox"
	"github.com/mkorolev/agentbox/internal/store"
)

// HealthHandler serves readiness and liveness endpoints.
type HealthHandler struct {
	repo     store.Repository
	registry *sandbox.Registry
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository, registry *sandbox.Registry) *HealthHandler {
	return &HealthHandler{repo: repo, registry: registry}
}

// RegisterHealth registers health routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health/ready", h.Ready)
}

// Ready reports database connectivity and sandbox counts.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	active, idle := h.registry.Stats()
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"sandboxes_active": active,
		"sandboxes_idle":   idle,
	})
}
