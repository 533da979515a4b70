// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/avelier/panelforge/internal/domain"
)

// ErrPanelLimit is returned by AppendAssistantTurnCapped when the
// session/game pair already holds the maximum number of assistant turns.
var ErrPanelLimit = errors.New("panel limit reached")

// Repository defines the interface for persisting sessions, games and turns.
type Repository interface {
	// GetSession retrieves a session by ID. Returns (nil, nil) when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// CreateSession inserts a session record. Sessions are owned by an
	// external collaborator; this write exists for the seeder and tests.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetGame retrieves a game by ID. Returns (nil, nil) when absent.
	GetGame(ctx context.Context, gameID string) (*domain.Game, error)

	// CreateGame inserts a game record (collaborator-side write).
	CreateGame(ctx context.Context, game *domain.Game) error

	// UpdateGameImage sets the game's cover-image reference. Best-effort
	// callers run this off the critical path.
	UpdateGameImage(ctx context.Context, gameID, imageURL string) error

	// AppendTurn inserts a turn and returns its ID. Never fails silently.
	AppendTurn(ctx context.Context, turn *domain.Turn) (int64, error)

	// AppendAssistantTurnCapped inserts an assistant turn only while the
	// session/game pair holds fewer than maxPanels assistant turns. The
	// count check and the insert execute as one statement, so two racing
	// appenders cannot both slip past the cap. Returns ErrPanelLimit when
	// the cap has been reached.
	AppendAssistantTurnCapped(ctx context.Context, turn *domain.Turn, maxPanels int) (int64, error)

	// ListRecentTurns returns the most recent limit turns for the pair,
	// oldest first. limit <= 0 means no limit.
	ListRecentTurns(ctx context.Context, sessionID, gameID string, limit int) ([]*domain.Turn, error)

	// CountAssistantTurns returns the number of assistant turns persisted
	// for the pair. This is the panel count.
	CountAssistantTurns(ctx context.Context, sessionID, gameID string) (int, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
