// Package story exposes the narrative engine over HTTP: SSE streaming
// endpoints, a websocket variant and a read-only turn listing.
package story

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avelier/panelforge/internal/api"
	"github.com/avelier/panelforge/internal/engine"
	"github.com/avelier/panelforge/internal/generate"
	"github.com/avelier/panelforge/internal/identity"
	"github.com/avelier/panelforge/internal/store"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize is the maximum allowed request body size (64KB).
const defaultMaxRequestBodySize = 64 << 10

// Frame is the JSON payload of one SSE frame.
type Frame struct {
	Type string `json:"type"`
	// Text is set on content frames.
	Text string `json:"text,omitempty"`
	// Panel is set on end frames.
	Panel int `json:"panel,omitempty"`
	// Message is set on error frames.
	Message string `json:"message,omitempty"`
	// Completed distinguishes "story finished by design" from failure.
	Completed bool `json:"completed,omitempty"`
}

// StartBody is the request body for POST /api/story/start.
type StartBody struct {
	SessionID     string `json:"session_id"`
	GameID        string `json:"game_id"`
	ContentRating string `json:"content_rating,omitempty"`
}

// ChatBody is the request body for POST /api/story/chat.
type ChatBody struct {
	SessionID     string `json:"session_id"`
	GameID        string `json:"game_id"`
	Message       string `json:"message"`
	ContentRating string `json:"content_rating,omitempty"`
}

// RateLimiter implements a per-user sliding-window rate limiter.
// The key is the caller ID only, so clients cannot bypass throttling by
// rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter and starts its eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// startEviction periodically removes expired keys so the map does not grow
// without bound.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for range ticker.C {
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// Handler serves the story endpoints.
type Handler struct {
	engine      *engine.Engine
	repo        store.Repository
	rateLimiter *RateLimiter
	maxBodySize int64
}

// NewHandler creates a story handler.
func NewHandler(eng *engine.Engine, repo store.Repository, rateLimit int, rateWindow time.Duration) *Handler {
	if rateLimit <= 0 {
		rateLimit = 10
	}
	if rateWindow <= 0 {
		rateWindow = time.Minute
	}
	return &Handler{
		engine:      eng,
		repo:        repo,
		rateLimiter: NewRateLimiter(rateLimit, rateWindow),
		maxBodySize: defaultMaxRequestBodySize,
	}
}

// RegisterRoutes registers the story routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/story", func(r chi.Router) {
		r.Post("/start", h.HandleStart)
		r.Post("/chat", h.HandleChat)
		r.Get("/turns", h.HandleTurns)
		r.Get("/ws", h.HandleWebSocket)
	})
}

// HandleStart handles POST /api/story/start. Every rejection, including an
// exhausted panel budget, happens before the stream opens.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var body StartBody
	if !h.decodeBody(w, r, &body) {
		return
	}
	if !h.allow(w, r) {
		return
	}

	events, err := h.engine.StartStory(r.Context(), engine.StartRequest{
		SessionID:   body.SessionID,
		GameID:      body.GameID,
		Preferences: generate.Preferences{ContentRating: body.ContentRating},
	})
	if err != nil {
		h.rejectBeforeStream(w, err)
		return
	}

	h.streamEvents(w, r, body.SessionID, body.GameID, events)
}

// HandleChat handles POST /api/story/chat. Validation and not-found are
// non-stream rejections; an exhausted budget is reported as an in-stream
// terminal error frame with the completion flag set, so clients reading
// the stream can tell "done" from "broken".
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var body ChatBody
	if !h.decodeBody(w, r, &body) {
		return
	}
	if !h.allow(w, r) {
		return
	}

	events, err := h.engine.ContinueStory(r.Context(), engine.ChatRequest{
		SessionID:   body.SessionID,
		GameID:      body.GameID,
		Message:     body.Message,
		Preferences: generate.Preferences{ContentRating: body.ContentRating},
	})
	if err != nil {
		if errors.Is(err, engine.ErrStoryComplete) {
			flusher, ok := beginStream(w)
			if !ok {
				return
			}
			writeFrame(w, flusher, errorFrame(err))
			return
		}
		h.rejectBeforeStream(w, err)
		return
	}

	h.streamEvents(w, r, body.SessionID, body.GameID, events)
}

// HandleTurns handles GET /api/story/turns?session_id=&game_id=&limit= for
// session resume and replay.
func (h *Handler) HandleTurns(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	gameID := r.URL.Query().Get("game_id")
	if sessionID == "" || gameID == "" {
		api.Error(w, http.StatusBadRequest, "session_id and game_id are required")
		return
	}
	if !identity.ValidSessionID(sessionID) {
		api.Error(w, http.StatusBadRequest, "malformed session_id")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 || limit > 200 {
			api.Error(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
	}

	turns, err := h.repo.ListRecentTurns(r.Context(), sessionID, gameID, limit)
	if err != nil {
		slog.Error("turn listing failed", "session_id", sessionID, "game_id", gameID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list turns")
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request) bool {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

// rejectBeforeStream maps an engine error to a non-stream JSON rejection.
func (h *Handler) rejectBeforeStream(w http.ResponseWriter, err error) {
	switch {
	case errdefs.IsInvalidArgument(err):
		api.Error(w, http.StatusBadRequest, err.Error())
	case errdefs.IsNotFound(err):
		api.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrStoryComplete):
		api.JSON(w, http.StatusConflict, map[string]any{
			"error":     "story complete",
			"completed": true,
		})
	default:
		slog.Error("story request failed before stream", "error", err)
		api.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// streamEvents forwards engine events as SSE frames. Once the stream is
// open every failure becomes a single terminal error frame rather than an
// abrupt disconnect.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, sessionID, gameID string, events func(func(*engine.Event, error) bool)) {
	flusher, ok := beginStream(w)
	if !ok {
		return
	}

	for event, err := range events {
		if err != nil {
			slog.Error("story stream failed",
				"session_id", sessionID, "game_id", gameID, "error", err)
			writeFrame(w, flusher, errorFrame(err))
			return
		}
		if !writeFrame(w, flusher, frameFromEvent(event)) {
			// Caller gone; the engine sees the broken iteration and
			// cancels generation.
			return
		}
		if event.Type == engine.EventEnd {
			return
		}
	}
}

// beginStream sets SSE headers and returns the flusher.
func beginStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

// writeFrame emits one `data: <JSON>` frame and flushes it to the caller.
func writeFrame(w http.ResponseWriter, flusher http.Flusher, frame Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("failed to marshal stream frame", "error", err)
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		slog.Warn("failed to write stream frame", "error", err)
		return false
	}
	flusher.Flush()
	return true
}

func frameFromEvent(event *engine.Event) Frame {
	switch event.Type {
	case engine.EventEnd:
		return Frame{Type: "end", Panel: event.Panel}
	default:
		return Frame{Type: "content", Text: event.Text, Panel: event.Panel}
	}
}

func errorFrame(err error) Frame {
	if errors.Is(err, engine.ErrStoryComplete) {
		return Frame{Type: "error", Message: "story complete", Completed: true}
	}
	return Frame{Type: "error", Message: err.Error()}
}
