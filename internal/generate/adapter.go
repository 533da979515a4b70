// Package generate adapts external text-generation backends behind a
// uniform streaming contract.
package generate

import (
	"context"
	"iter"
)

// Message is one conversational entry passed to the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Preferences carries caller-side generation preferences.
type Preferences struct {
	ContentRating string `json:"content_rating,omitempty"`
}

// GameInfo carries the descriptive game fields that frame the narration.
type GameInfo struct {
	Title    string
	Genre    string
	Subgenre string
	Tagline  string
}

// Request describes one generation invocation.
type Request struct {
	// Context is the assembled conversation history, oldest first.
	Context []Message
	// Game frames the narration (title, genre, tagline).
	Game GameInfo
	// Message is the triggering message: the caller's reply for a
	// continuation, or the synthesized opener for a story start.
	Message string
	// Backend identifies the generation backend (model) to use.
	Backend string
	// PanelNumber is the 1-based number of the panel being generated.
	PanelNumber int
	// MaxPanels is the configured panel budget for the game.
	MaxPanels int
	// ThemeContext is optional source-content summary for continuity.
	ThemeContext string
	Preferences  Preferences
}

// Chunk is one typed event from the backend stream. A nil error with text
// appends content; the sequence ending without an error is the clean end;
// a yielded error is terminal.
type Chunk struct {
	Text string
	// ImageURL is optional cover-art metadata a backend may report on its
	// final chunk. It never reaches the caller's stream; the engine
	// persists it off the critical path.
	ImageURL string
}

// Adapter produces a lazy, finite, non-restartable sequence of chunks for
// one invocation. Chunks are delivered in generation order. Adapters do
// not retry; a backend failure surfaces as a single yielded error followed
// by termination.
type Adapter interface {
	Generate(ctx context.Context, req Request) iter.Seq2[*Chunk, error]
	Close()
}
