package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mkorolev/agentbox/internal/domain"
	"github.com/mkorolev/agentbox/internal/store"
)

// ListCheckpoints returns a session's checkpoint summaries, ascending by step.
func (h *Handler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	summaries, err := h.repo.ListCheckpoints(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if summaries == nil {
		summaries = []domain.CheckpointSummary{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  sessionID,
		"checkpoints": summaries,
	})
}

// GetCheckpoint returns the full agent state of one checkpoint.
func (h *Handler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	checkpointID := chi.URLParam(r, "checkpointID")
	if checkpointID == "" {
		Error(w, http.StatusBadRequest, "checkpoint_id is required")
		return
	}

	state, err := h.repo.GetCheckpoint(r.Context(), checkpointID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "checkpoint not found")
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	JSON(w, http.StatusOK, state)
}

// DiffCheckpoints computes the delta between two checkpoints. The diff is
// computed on demand from the two stored states; order is not required and
// deltas can be negative.
func (h *Handler) DiffCheckpoints(w http.ResponseWriter, r *http.Request) {
	fromID := r.URL.Query().Get("from")
	toID := r.URL.Query().Get("to")
	if fromID == "" || toID == "" {
		Error(w, http.StatusBadRequest, "from and to are required")
		return
	}

	from, err := h.repo.GetCheckpoint(r.Context(), fromID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "checkpoint not found: "+fromID)
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	to, err := h.repo.GetCheckpoint(r.Context(), toID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "checkpoint not found: "+toID)
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	diff := domain.DiffStates(from, to)
	JSON(w, http.StatusOK, map[string]interface{}{
		"from":            fromID,
		"to":              toID,
		"messages_added":  diff.MessagesAdded,
		"tokens_delta":    diff.TokensDelta,
		"iteration_delta": diff.IterationDelta,
	})
}
