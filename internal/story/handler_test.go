package story

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/avelier/panelforge/internal/domain"
	"github.com/avelier/panelforge/internal/engine"
	"github.com/avelier/panelforge/internal/generate"
	"github.com/avelier/panelforge/internal/identity"
	"github.com/avelier/panelforge/internal/store"
	"github.com/go-chi/chi/v5"
)

type stubAdapter struct {
	chunks []generate.Chunk
	err    error
	calls  int
}

func (a *stubAdapter) Generate(ctx context.Context, req generate.Request) iter.Seq2[*generate.Chunk, error] {
	a.calls++
	return func(yield func(*generate.Chunk, error) bool) {
		for i := range a.chunks {
			if !yield(&a.chunks[i], nil) {
				return
			}
		}
		if a.err != nil {
			yield(nil, a.err)
		}
	}
}

func (a *stubAdapter) Close() {}

func newTestRouter(t *testing.T, adapter generate.Adapter, maxPanels int) (chi.Router, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eng := engine.New(repo, adapter, nil, nil, engine.Config{MaxPanels: maxPanels})
	handler := NewHandler(eng, repo, 100, time.Minute)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	handler.RegisterRoutes(r)
	return r, repo
}

func seedPair(t *testing.T, repo store.Repository) {
	t.Helper()
	ctx := context.Background()
	if err := repo.CreateSession(ctx, &domain.Session{ID: "S1", UserID: "anon_u1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	err := repo.CreateGame(ctx, &domain.Game{
		ID:        "G1",
		Title:     "Harbor Lights",
		Genre:     "mystery",
		Backend:   "test-model",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("failed to seed game: %v", err)
	}
}

func postJSON(router http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func parseFrames(t *testing.T, body string) []Frame {
	t.Helper()
	var frames []Frame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		payload, ok := strings.CutPrefix(block, "data: ")
		if !ok {
			t.Fatalf("malformed frame %q", block)
		}
		var f Frame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			t.Fatalf("failed to decode frame %q: %v", payload, err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestHandleStartStreamsPanel(t *testing.T) {
	adapter := &stubAdapter{chunks: []generate.Chunk{{Text: "The fog"}, {Text: " thickens."}}}
	router, repo := newTestRouter(t, adapter, 5)
	seedPair(t, repo)

	rec := postJSON(router, "/api/story/start", `{"session_id":"S1","game_id":"G1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	frames := parseFrames(t, rec.Body.String())
	if len(frames) != 3 {
		t.Fatalf("expected 2 content frames and an end frame, got %+v", frames)
	}
	if frames[0].Type != "content" || frames[0].Text != "The fog" {
		t.Errorf("unexpected first frame: %+v", frames[0])
	}
	if frames[2].Type != "end" || frames[2].Panel != 1 {
		t.Errorf("unexpected end frame: %+v", frames[2])
	}

	turns, err := repo.ListRecentTurns(context.Background(), "S1", "G1", 10)
	if err != nil {
		t.Fatalf("failed to list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected trigger and assistant turn, got %d", len(turns))
	}
	if turns[1].Role != domain.RoleAssistant || turns[1].Content != "The fog thickens." {
		t.Errorf("unexpected assistant turn: %+v", turns[1])
	}
}

func TestHandleChatAfterStart(t *testing.T) {
	adapter := &stubAdapter{chunks: []generate.Chunk{{Text: "ok"}}}
	router, repo := newTestRouter(t, adapter, 5)
	seedPair(t, repo)

	if rec := postJSON(router, "/api/story/start", `{"session_id":"S1","game_id":"G1"}`); rec.Code != http.StatusOK {
		t.Fatalf("start failed: %d", rec.Code)
	}
	rec := postJSON(router, "/api/story/chat", `{"session_id":"S1","game_id":"G1","message":"go north"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	frames := parseFrames(t, rec.Body.String())
	last := frames[len(frames)-1]
	if last.Type != "end" || last.Panel != 2 {
		t.Fatalf("expected end frame for panel 2, got %+v", last)
	}
}

func TestHandleChatExhaustedBudget(t *testing.T) {
	adapter := &stubAdapter{chunks: []generate.Chunk{{Text: "done"}}}
	router, repo := newTestRouter(t, adapter, 1)
	seedPair(t, repo)

	if rec := postJSON(router, "/api/story/start", `{"session_id":"S1","game_id":"G1"}`); rec.Code != http.StatusOK {
		t.Fatalf("start failed: %d", rec.Code)
	}

	rec := postJSON(router, "/api/story/chat", `{"session_id":"S1","game_id":"G1","message":"more"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("exhausted chat must still stream, got %d", rec.Code)
	}
	frames := parseFrames(t, rec.Body.String())
	if len(frames) != 1 {
		t.Fatalf("expected a single terminal frame, got %+v", frames)
	}
	if frames[0].Type != "error" || !frames[0].Completed {
		t.Fatalf("expected completed error frame, got %+v", frames[0])
	}

	turns, err := repo.ListRecentTurns(context.Background(), "S1", "G1", 10)
	if err != nil {
		t.Fatalf("failed to list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("exhausted chat must persist nothing, got %d turns", len(turns))
	}
}

func TestHandleStartExhaustedBudgetConflict(t *testing.T) {
	adapter := &stubAdapter{chunks: []generate.Chunk{{Text: "done"}}}
	router, repo := newTestRouter(t, adapter, 1)
	seedPair(t, repo)

	if rec := postJSON(router, "/api/story/start", `{"session_id":"S1","game_id":"G1"}`); rec.Code != http.StatusOK {
		t.Fatalf("start failed: %d", rec.Code)
	}

	rec := postJSON(router, "/api/story/start", `{"session_id":"S1","game_id":"G1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Completed bool `json:"completed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Completed {
		t.Fatal("conflict response must carry the completed flag")
	}
}

func TestHandleRejections(t *testing.T) {
	adapter := &stubAdapter{chunks: []generate.Chunk{{Text: "ok"}}}
	router, repo := newTestRouter(t, adapter, 5)
	seedPair(t, repo)

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing session", "/api/story/start", `{"game_id":"G1"}`, http.StatusBadRequest},
		{"missing game", "/api/story/start", `{"session_id":"S1"}`, http.StatusBadRequest},
		{"unknown session", "/api/story/start", `{"session_id":"nope","game_id":"G1"}`, http.StatusNotFound},
		{"unknown game", "/api/story/start", `{"session_id":"S1","game_id":"nope"}`, http.StatusNotFound},
		{"empty message", "/api/story/chat", `{"session_id":"S1","game_id":"G1","message":"  "}`, http.StatusBadRequest},
		{"bad json", "/api/story/chat", `{"session_id":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(router, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
	if adapter.calls != 0 {
		t.Fatalf("rejected requests must not reach the backend, got %d calls", adapter.calls)
	}
}

func TestHandleGenerationErrorFrame(t *testing.T) {
	adapter := &stubAdapter{
		chunks: []generate.Chunk{{Text: "partial"}},
		err:    fmt.Errorf("backend exploded"),
	}
	router, repo := newTestRouter(t, adapter, 5)
	seedPair(t, repo)

	rec := postJSON(router, "/api/story/start", `{"session_id":"S1","game_id":"G1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	frames := parseFrames(t, rec.Body.String())
	last := frames[len(frames)-1]
	if last.Type != "error" || last.Completed {
		t.Fatalf("expected non-completed error frame, got %+v", last)
	}

	count, err := repo.CountAssistantTurns(context.Background(), "S1", "G1")
	if err != nil {
		t.Fatalf("failed to count turns: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed generation must not persist an assistant turn, got %d", count)
	}
}

func TestHandleTurns(t *testing.T) {
	adapter := &stubAdapter{chunks: []generate.Chunk{{Text: "ok"}}}
	router, repo := newTestRouter(t, adapter, 5)
	seedPair(t, repo)

	if rec := postJSON(router, "/api/story/start", `{"session_id":"S1","game_id":"G1"}`); rec.Code != http.StatusOK {
		t.Fatalf("start failed: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/story/turns?session_id=S1&game_id=G1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Turns []*domain.Turn `json:"turns"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(resp.Turns))
	}

	for _, q := range []string{
		"game_id=G1",
		"session_id=S1",
		"session_id=S1&game_id=G1&limit=0",
		"session_id=S1&game_id=G1&limit=999",
		"session_id=bad%20id&game_id=G1",
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/story/turns?"+q, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	if !rl.Allow("u1") || !rl.Allow("u1") {
		t.Fatal("first two requests must pass")
	}
	if rl.Allow("u1") {
		t.Fatal("third request within the window must be throttled")
	}
	if !rl.Allow("u2") {
		t.Fatal("another caller must not be affected")
	}
}
