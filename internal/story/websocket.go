package story

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/avelier/panelforge/internal/engine"
	"github.com/avelier/panelforge/internal/generate"
	"github.com/avelier/panelforge/internal/identity"
	"github.com/containerd/errdefs"
	"github.com/coder/websocket"
)

// wsRequest is the single request message a websocket client sends after
// connecting. It mirrors the HTTP start/chat bodies.
type wsRequest struct {
	Type          string `json:"type"` // "start" or "chat"
	SessionID     string `json:"session_id"`
	GameID        string `json:"game_id"`
	Message       string `json:"message,omitempty"`
	ContentRating string `json:"content_rating,omitempty"`
}

const wsReadTimeout = 30 * time.Second

// HandleWebSocket handles GET /api/story/ws: a websocket variant of the
// SSE stream for clients that cannot consume event streams. The same
// typed frames flow as individual JSON messages; the connection closes
// after the terminal frame.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.rateLimiter.Allow(userID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("websocket close", "error", closeErr)
		}
	}()

	readCtx, cancelRead := context.WithTimeout(r.Context(), wsReadTimeout)
	_, data, err := ws.Read(readCtx)
	cancelRead()
	if err != nil {
		slog.Warn("websocket request read failed", "error", err, "user_id", userID)
		return
	}

	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.writeWSFrame(r.Context(), ws, Frame{Type: "error", Message: "invalid request"})
		return
	}

	prefs := generate.Preferences{ContentRating: req.ContentRating}
	var events func(func(*engine.Event, error) bool)
	switch req.Type {
	case "start":
		events, err = h.engine.StartStory(r.Context(), engine.StartRequest{
			SessionID: req.SessionID, GameID: req.GameID, Preferences: prefs,
		})
	case "chat":
		events, err = h.engine.ContinueStory(r.Context(), engine.ChatRequest{
			SessionID: req.SessionID, GameID: req.GameID,
			Message: req.Message, Preferences: prefs,
		})
	default:
		h.writeWSFrame(r.Context(), ws, Frame{Type: "error", Message: "unknown request type"})
		return
	}
	if err != nil {
		h.writeWSFrame(r.Context(), ws, wsRejectFrame(err))
		return
	}

	for event, streamErr := range events {
		if streamErr != nil {
			h.writeWSFrame(r.Context(), ws, errorFrame(streamErr))
			return
		}
		if !h.writeWSFrame(r.Context(), ws, frameFromEvent(event)) {
			return
		}
		if event.Type == engine.EventEnd {
			return
		}
	}
}

func (h *Handler) writeWSFrame(ctx context.Context, ws *websocket.Conn, frame Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("failed to marshal websocket frame", "error", err)
		return false
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

// wsRejectFrame maps pre-stream rejections into frames, since a websocket
// has no separate status-code channel once accepted.
func wsRejectFrame(err error) Frame {
	switch {
	case errdefs.IsInvalidArgument(err):
		return Frame{Type: "error", Message: err.Error()}
	case errdefs.IsNotFound(err):
		return Frame{Type: "error", Message: err.Error()}
	case errors.Is(err, engine.ErrStoryComplete):
		return Frame{Type: "error", Message: "story complete", Completed: true}
	default:
		return Frame{Type: "error", Message: "internal error"}
	}
}
