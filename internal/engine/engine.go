// Package engine implements the narrative session engine: it assembles
// conversation context from the turn log, enforces the panel budget,
// drives a generation backend and persists each exchange with causal
// linkage.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/avelier/panelforge/internal/audit"
	"github.com/avelier/panelforge/internal/domain"
	"github.com/avelier/panelforge/internal/generate"
	"github.com/avelier/panelforge/internal/store"
	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config holds engine configuration.
type Config struct {
	// MaxPanels is the assistant-turn budget per session/game pair.
	MaxPanels int
	// ContextLimit bounds the history passed to the backend.
	ContextLimit int
	// GenerationTimeout bounds one backend invocation. The baseline design
	// had no self-protection against a hung backend; this deadline is it.
	GenerationTimeout time.Duration
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxPanels:         5,
		ContextLimit:      20,
		GenerationTimeout: 2 * time.Minute,
	}
}

// StartRequest asks to begin a new story for a session/game pair.
type StartRequest struct {
	SessionID   string
	GameID      string
	Preferences generate.Preferences
}

// ChatRequest asks to continue a story with a caller message.
type ChatRequest struct {
	SessionID   string
	GameID      string
	Message     string
	Preferences generate.Preferences
}

// EventType discriminates streamed events.
type EventType string

const (
	// EventContent carries a text fragment to append.
	EventContent EventType = "content"
	// EventEnd is terminal: the panel is complete and persisted.
	EventEnd EventType = "end"
)

// Event is one streamed engine event. Errors travel on the iterator's
// second value, so an Event is always content or the clean end.
type Event struct {
	Type  EventType
	Text  string
	Panel int
	// TurnID is set on the end event: the persisted assistant turn.
	TurnID int64
}

// Engine is the streaming session controller.
type Engine struct {
	repo    store.Repository
	adapter generate.Adapter
	panels  *PanelCounter
	locks   *keyedMutex
	log     audit.Logger
	logger  *slog.Logger
	tracer  trace.Tracer
	cfg     Config
}

// New creates an engine. A nil auditLog disables audit recording.
func New(repo store.Repository, adapter generate.Adapter, auditLog audit.Logger, logger *slog.Logger, cfg Config) *Engine {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPanels <= 0 {
		cfg.MaxPanels = DefaultConfig().MaxPanels
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = DefaultConfig().ContextLimit
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultConfig().GenerationTimeout
	}
	return &Engine{
		repo:    repo,
		adapter: adapter,
		panels:  NewPanelCounter(repo, cfg.MaxPanels),
		locks:   newKeyedMutex(),
		log:     auditLog,
		logger:  logger,
		tracer:  otel.Tracer("panelforge/engine"),
		cfg:     cfg,
	}
}

// MaxPanels returns the configured panel budget.
func (e *Engine) MaxPanels() int {
	return e.cfg.MaxPanels
}

// StartStory validates the request and returns the event stream for the
// opening panel. All pre-stream rejections (validation, unknown session or
// game, exhausted budget) come back as the error return; once the stream
// is consumed, failures arrive as iterator errors.
func (e *Engine) StartStory(ctx context.Context, req StartRequest) (iter.Seq2[*Event, error], error) {
	if err := validateIDs(req.SessionID, req.GameID); err != nil {
		return nil, err
	}
	return e.stream(ctx, streamInput{
		sessionID:   req.SessionID,
		gameID:      req.GameID,
		triggerRole: domain.RoleSystem,
		message:     generate.OpeningInstruction,
		preferences: req.Preferences,
	})
}

// ContinueStory validates the request and returns the event stream for the
// next panel.
func (e *Engine) ContinueStory(ctx context.Context, req ChatRequest) (iter.Seq2[*Event, error], error) {
	if err := validateIDs(req.SessionID, req.GameID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message is required: %w", errdefs.ErrInvalidArgument)
	}
	return e.stream(ctx, streamInput{
		sessionID:   req.SessionID,
		gameID:      req.GameID,
		triggerRole: domain.RoleUser,
		message:     req.Message,
		preferences: req.Preferences,
	})
}

type streamInput struct {
	sessionID   string
	gameID      string
	triggerRole domain.Role
	message     string
	preferences generate.Preferences
}

// stream runs the pre-stream phase (lookups, panel check), then returns
// the iterator that performs the trigger write, generation, accumulation
// and the single assistant write. The per-pair lock is taken inside the
// iterator and the panel count re-checked under it, so an iterator that
// is never consumed holds nothing, and a racing request for the same
// pair waits and then observes the updated count.
func (e *Engine) stream(ctx context.Context, in streamInput) (iter.Seq2[*Event, error], error) {
	session, err := e.repo.GetSession(ctx, in.sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session %s: %w", in.sessionID, errdefs.ErrNotFound)
	}
	game, err := e.repo.GetGame(ctx, in.gameID)
	if err != nil {
		return nil, fmt.Errorf("load game: %w", err)
	}
	if game == nil {
		return nil, fmt.Errorf("game %s: %w", in.gameID, errdefs.ErrNotFound)
	}

	// Lock-free exhaustion pre-check for the non-stream rejection path.
	if _, err := e.panels.NextPanel(ctx, in.sessionID, in.gameID); err != nil {
		return nil, err
	}

	events := func(yield func(*Event, error) bool) {
		unlock := e.locks.lock(pairKey(in.sessionID, in.gameID))
		defer unlock()

		// Re-check under the lock: a racing request for the same pair may
		// have consumed the last panel since the pre-check.
		panel, err := e.panels.NextPanel(ctx, in.sessionID, in.gameID)
		if err != nil {
			yield(nil, err)
			return
		}
		e.run(ctx, in, session, game, panel, yield)
	}
	return events, nil
}

// run executes one request: trigger write, generation, accumulation, and
// exactly one assistant write after a clean end of stream. No partial
// assistant turn is ever persisted.
func (e *Engine) run(ctx context.Context, in streamInput, session *domain.Session, game *domain.Game, panel int, yield func(*Event, error) bool) {
	ctx, span := e.tracer.Start(ctx, "engine.stream", trace.WithAttributes(
		attribute.String("session.id", in.sessionID),
		attribute.String("game.id", in.gameID),
		attribute.String("backend", game.Backend),
		attribute.Int("panel", panel),
	))
	defer span.End()

	history, lastTurnID, hasPrev, err := AssembleContext(ctx, e.repo, in.sessionID, in.gameID, e.cfg.ContextLimit)
	if err != nil {
		span.RecordError(err)
		yield(nil, err)
		return
	}

	trigger := &domain.Turn{
		SessionID: in.sessionID,
		GameID:    in.gameID,
		Role:      in.triggerRole,
		Content:   in.message,
		Backend:   domain.BackendUser,
	}
	if hasPrev {
		trigger.ParentID = &lastTurnID
	}
	triggerID, err := e.repo.AppendTurn(ctx, trigger)
	if err != nil {
		err = fmt.Errorf("persist trigger turn: %w", err)
		span.RecordError(err)
		yield(nil, err)
		return
	}
	e.log.Log(audit.Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		UserID:    session.UserID,
		SessionID: in.sessionID,
		GameID:    in.gameID,
		Role:      string(in.triggerRole),
		Content:   in.message,
	})

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerationTimeout)
	defer cancel()

	var content strings.Builder
	var imageURL string
	chunks := 0

	for chunk, err := range e.adapter.Generate(genCtx, generate.Request{
		Context: history,
		Message: in.message,
		Backend: game.Backend,
		Game: generate.GameInfo{
			Title:    game.Title,
			Genre:    game.Genre,
			Subgenre: game.Subgenre,
			Tagline:  game.Tagline,
		},
		PanelNumber:  panel,
		MaxPanels:    e.cfg.MaxPanels,
		ThemeContext: game.SourceContext,
		Preferences:  in.preferences,
	}) {
		if err != nil {
			err = fmt.Errorf("generation failed: %w", err)
			span.RecordError(err)
			e.logger.Error("generation stream failed",
				"session_id", in.sessionID, "game_id", in.gameID,
				"panel", panel, "chunks", chunks, "error", err)
			yield(nil, err)
			return
		}
		if chunk.ImageURL != "" {
			imageURL = chunk.ImageURL
		}
		if chunk.Text == "" {
			continue
		}
		chunks++
		content.WriteString(chunk.Text)
		if !yield(&Event{Type: EventContent, Text: chunk.Text, Panel: panel}, nil) {
			// Caller gone: cancel generation, persist nothing.
			cancel()
			e.logger.Warn("caller disconnected mid-generation",
				"session_id", in.sessionID, "game_id", in.gameID, "panel", panel)
			return
		}
	}

	if content.Len() == 0 {
		err := fmt.Errorf("generation produced no content: %w", errdefs.ErrUnavailable)
		span.RecordError(err)
		yield(nil, err)
		return
	}

	assistant := &domain.Turn{
		SessionID: in.sessionID,
		GameID:    in.gameID,
		Role:      domain.RoleAssistant,
		Content:   content.String(),
		Backend:   game.Backend,
		ParentID:  &triggerID,
	}
	turnID, err := e.repo.AppendAssistantTurnCapped(ctx, assistant, e.cfg.MaxPanels)
	if err != nil {
		if errors.Is(err, store.ErrPanelLimit) {
			// Cannot happen while the pair lock is honored, but the store
			// cap is the last line of defense.
			yield(nil, ErrStoryComplete)
			return
		}
		err = fmt.Errorf("persist assistant turn: %w", err)
		span.RecordError(err)
		yield(nil, err)
		return
	}

	e.log.Log(audit.Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		UserID:    session.UserID,
		SessionID: in.sessionID,
		GameID:    in.gameID,
		Role:      string(domain.RoleAssistant),
		Content:   assistant.Content,
		Backend:   game.Backend,
		Panel:     panel,
		Meta:      map[string]any{"chunks": chunks, "trigger_turn_id": triggerID},
	})

	if imageURL != "" && game.ImageURL == "" {
		e.updateGameImageAsync(game.ID, imageURL)
	}

	yield(&Event{Type: EventEnd, Panel: panel, TurnID: turnID}, nil)
}

// updateGameImageAsync persists a reported cover-image reference outside
// the request's critical path. Best effort: failures are logged only.
func (e *Engine) updateGameImageAsync(gameID, imageURL string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.repo.UpdateGameImage(ctx, gameID, imageURL); err != nil {
			e.logger.Warn("deferred game image update failed",
				"game_id", gameID, "error", err)
		}
	}()
}

func validateIDs(sessionID, gameID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required: %w", errdefs.ErrInvalidArgument)
	}
	if strings.TrimSpace(gameID) == "" {
		return fmt.Errorf("game_id is required: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}
