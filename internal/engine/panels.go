package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/avelier/panelforge/internal/store"
)

// ErrStoryComplete signals that the session/game pair has already produced
// its full panel budget. It is a terminal-by-design condition, distinct
// from generation or storage failure.
var ErrStoryComplete = errors.New("story complete")

// PanelCounter derives the panel state for a session/game pair from
// persisted assistant turns. Counting from storage rather than memory
// keeps the limit correct across restarts and across processes sharing
// the database.
type PanelCounter struct {
	repo      store.Repository
	maxPanels int
}

// NewPanelCounter creates a counter with the given budget.
func NewPanelCounter(repo store.Repository, maxPanels int) *PanelCounter {
	return &PanelCounter{repo: repo, maxPanels: maxPanels}
}

// MaxPanels returns the configured budget.
func (p *PanelCounter) MaxPanels() int {
	return p.maxPanels
}

// NextPanel returns the 1-based number of the panel a new request would
// produce, or ErrStoryComplete once the budget is exhausted. Exhaustion is
// permanent for the pair; no reset exists.
func (p *PanelCounter) NextPanel(ctx context.Context, sessionID, gameID string) (int, error) {
	count, err := p.repo.CountAssistantTurns(ctx, sessionID, gameID)
	if err != nil {
		return 0, fmt.Errorf("read panel count: %w", err)
	}
	if count >= p.maxPanels {
		return 0, ErrStoryComplete
	}
	return count + 1, nil
}
