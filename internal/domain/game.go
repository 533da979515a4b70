package domain

import (
	"time"
)

// Game is the content template driving generation. Immutable from the
// engine's perspective except for the deferred cover-image update, which
// happens outside the request's critical path.
type Game struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Genre         string    `json:"genre"`
	Subgenre      string    `json:"subgenre,omitempty"`
	Tagline       string    `json:"tagline,omitempty"`
	Backend       string    `json:"backend"`
	SourceContext string    `json:"source_context,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Session is one caller's continuous play-through of a game instance.
// Created once per game-play; lifecycle is owned by an external
// collaborator, the engine only reads it.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
