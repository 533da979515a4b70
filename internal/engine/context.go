package engine

import (
	"context"
	"fmt"

	"github.com/avelier/panelforge/internal/generate"
	"github.com/avelier/panelforge/internal/store"
)

// AssembleContext loads the bounded conversation history for a pair: the
// most recent limit turns, oldest first, system turns removed, reduced to
// role/content pairs. It also returns the ID of the newest turn so the
// caller can parent-link the next one. hasPrev is false when no turns
// exist yet; the first request starts the conversation.
func AssembleContext(ctx context.Context, repo store.Repository, sessionID, gameID string, limit int) (messages []generate.Message, lastTurnID int64, hasPrev bool, err error) {
	turns, err := repo.ListRecentTurns(ctx, sessionID, gameID, limit)
	if err != nil {
		return nil, 0, false, fmt.Errorf("list turns: %w", err)
	}

	messages = make([]generate.Message, 0, len(turns))
	for _, turn := range turns {
		if !turn.IsConversational() {
			continue
		}
		messages = append(messages, generate.Message{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}

	if len(turns) > 0 {
		last := turns[len(turns)-1]
		return messages, last.ID, true, nil
	}
	return messages, 0, false, nil
}
