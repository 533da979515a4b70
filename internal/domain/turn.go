// Package domain contains core domain types for the Panelforge engine.
package domain

import (
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	// RoleSystem marks synthesized instruction turns (e.g. the story opener).
	RoleSystem Role = "system"
	// RoleUser marks caller-authored turns.
	RoleUser Role = "user"
	// RoleAssistant marks generated panel turns.
	RoleAssistant Role = "assistant"
)

// BackendUser is the backend sentinel recorded on turns that were not
// produced by a generation backend.
const BackendUser = "user"

// Valid reports whether the role is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is one persisted message in a session/game conversation.
// Turns are append-only: created once, never mutated or deleted.
type Turn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	GameID    string    `json:"game_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Backend   string    `json:"backend"`
	ParentID  *int64    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsConversational reports whether the turn belongs in generation context.
// System turns carry setup instructions and are excluded from history.
func (t *Turn) IsConversational() bool {
	return t.Role == RoleUser || t.Role == RoleAssistant
}
