package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ReleaseSandbox tears down the session's execution environment immediately
// instead of waiting for the idle TTL. The reap summary is kept and surfaced
// on the session's next run.
func (h *Handler) ReleaseSandbox(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	slog.Info("Sandbox release request", "session_id", sessionID)

	if err := h.engine.ReleaseSandbox(r.Context(), sessionID); err != nil {
		writeEngineError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]string{"status": "released"})
}
