// Package api provides HTTP handlers for the agentbox API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mkorolev/agentbox/internal/engine"
	"github.com/mkorolev/agentbox/internal/sandbox"
	"github.com/mkorolev/agentbox/internal/store"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// Handler serves the core-exposed operations: run, resume, and checkpoint
// inspection.
type Handler struct {
	repo        store.Repository
	engine      *engine.Engine
	registry    *sandbox.Registry
	rateLimiter *RateLimiter
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, eng *engine.Engine, registry *sandbox.Registry) *Handler {
	return &Handler{
		repo:        repo,
		engine:      eng,
		registry:    registry,
		rateLimiter: NewRateLimiter(30, defaultRateWindow),
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions/{sessionID}/run", h.Run)
		r.Post("/sessions/{sessionID}/resume", h.Resume)
		r.Delete("/sessions/{sessionID}/sandbox", h.ReleaseSandbox)
		r.Get("/sessions/{sessionID}/checkpoints", h.ListCheckpoints)
		r.Get("/checkpoints/diff", h.DiffCheckpoints)
		r.Get("/checkpoints/{checkpointID}", h.GetCheckpoint)
	})
}

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
