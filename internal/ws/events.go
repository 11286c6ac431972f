// Package ws streams agent step events over WebSocket for interactive
// clients that prefer a socket to SSE.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/mkorolev/agentbox/internal/engine"
)

// EventHandler upgrades a connection and relays one run (or resume) per
// socket: the client sends a single command message, the server streams the
// run's step events back as JSON and closes.
type EventHandler struct {
	engine        *engine.Engine
	allowedOrigin string
	isDev         bool
}

// NewEventHandler creates a WebSocket event handler.
func NewEventHandler(eng *engine.Engine, allowedOrigin string, isDev bool) *EventHandler {
	return &EventHandler{
		engine:        eng,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// command is the single client message that starts the stream.
type command struct {
	Type      string          `json:"type"` // "run" or "resume"
	SessionID string          `json:"session_id"`
	Message   string          `json:"message,omitempty"`
	Action    string          `json:"action,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// errorFrame is sent before an error close.
type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *EventHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("WebSocket close error", "error", closeErr)
		}
	}()

	ctx := r.Context()

	var cmd command
	if err := readJSON(ctx, conn, &cmd); err != nil {
		slog.Debug("WebSocket command read failed", "error", err)
		return
	}

	var events <-chan engine.StepEvent
	switch cmd.Type {
	case "run":
		events, err = h.engine.Run(ctx, cmd.SessionID, cmd.Message)
	case "resume":
		events, err = h.engine.Resume(ctx, cmd.SessionID, engine.ResumeDecision(cmd.Action), cmd.Arguments)
	default:
		err = writeJSON(ctx, conn, errorFrame{Type: "error", Error: "unknown command type"})
		if err != nil {
			slog.Debug("WebSocket error write failed", "error", err)
		}
		return
	}
	if err != nil {
		if writeErr := writeJSON(ctx, conn, errorFrame{Type: "error", Error: err.Error()}); writeErr != nil {
			slog.Debug("WebSocket error write failed", "error", writeErr)
		}
		return
	}

	for ev := range events {
		if err := writeJSON(ctx, conn, ev); err != nil {
			// Client went away; drain so the run goroutine can finish.
			slog.Debug("WebSocket event write failed", "error", err)
			for range events {
			}
			return
		}
	}
}

func (h *EventHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return h.allowedOrigin == "" || strings.HasPrefix(origin, h.allowedOrigin)
}

func readJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
