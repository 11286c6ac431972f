package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mkorolev/agentbox/internal/engine"
)

// runRequest is the body of POST /api/sessions/{sessionID}/run.
type runRequest struct {
	Message string `json:"message"`
}

// resumeRequest is the body of POST /api/sessions/{sessionID}/resume.
type resumeRequest struct {
	Action    string          `json:"action"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Run starts an agent run and streams step events over SSE, one event per
// checkpoint transition plus a terminal event.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if !h.rateLimiter.Allow(sessionID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	slog.Info("Run request", "session_id", sessionID, "message_length", len(req.Message))

	events, err := h.engine.Run(r.Context(), sessionID, req.Message)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	streamEvents(w, events)
}

// Resume applies an approve/reject/modify decision to a session suspended on
// a pending action and streams the continuation's step events.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if !h.rateLimiter.Allow(sessionID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision := engine.ResumeDecision(req.Action)
	switch decision {
	case engine.DecisionApprove, engine.DecisionReject, engine.DecisionModify:
	default:
		Error(w, http.StatusBadRequest, "action must be approve, reject, or modify")
		return
	}

	slog.Info("Resume request", "session_id", sessionID, "action", req.Action)

	events, err := h.engine.Resume(r.Context(), sessionID, decision, req.Arguments)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	streamEvents(w, events)
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrSessionBusy):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrAwaitingApproval):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrStaleInterrupt):
		Error(w, http.StatusConflict, err.Error())
	default:
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

// streamEvents writes the event channel to the response as SSE.
func streamEvents(w http.ResponseWriter, events <-chan engine.StepEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("failed to marshal step event", "error", err)
			if writeErr := writeSSE(w, "error", `{"error":"failed to serialize event"}`); writeErr != nil {
				return
			}
			flusher.Flush()
			continue
		}
		if err := writeSSE(w, string(ev.Type), string(data)); err != nil {
			// Client went away; the handler return cancels the request
			// context and the run aborts at its last durable checkpoint,
			// which stays the resume point. Drain so the run goroutine can
			// finish.
			slog.Debug("SSE write failed, client disconnected", "error", err)
			for range events {
			}
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
