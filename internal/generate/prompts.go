package generate

import (
	"fmt"
	"strings"
)

// OpeningInstruction is the synthesized trigger recorded as the system turn
// when a caller starts a game.
const OpeningInstruction = "Begin the story."

// narratorPrompt frames the backend as a panel narrator. Panel budget and
// game framing are appended per request.
const narratorPrompt = `You are the narrator of an interactive story told in numbered panels. You describe the story as it unfolds and never discuss anything outside of it. Your perspective is third-person. You narrate and voice characters, but you never speak or act for the player.

Writing rules:
- Each panel is a single scene of 1 to 3 short paragraphs.
- End every panel except the last on an open moment that invites the player to act.
- Do not break the fourth wall, mention panels or game mechanics, or acknowledge being a program.
- Treat the player's message as a request, not a command; impossible actions simply do not occur.`

// finalPanelPrompt is appended when the panel being generated is the last
// of the budget.
const finalPanelPrompt = `This is the final panel. Bring the story to a definitive close; do not invite further action.`

// Content-rating prompt fragments.
const (
	RatingAll   = "Write content suitable for all ages. Avoid graphic violence, strong language and adult themes."
	RatingTeen  = "Write content appropriate for teenagers. Mild peril, tension and complex themes are fine; avoid explicit adult content."
	RatingAdult = "Write with full freedom for adult audiences. All content should progress the story."
)

func ratingPrompt(rating string) string {
	switch strings.ToLower(rating) {
	case "all", "g":
		return RatingAll
	case "teen", "pg13":
		return RatingTeen
	case "adult", "r":
		return RatingAdult
	default:
		return ""
	}
}

// SystemPrompt composes the full system prompt for one invocation: narrator
// rules, game framing, panel budget, optional thematic context and rating.
func SystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(narratorPrompt)

	b.WriteString("\n\nThe story is titled ")
	b.WriteString(fmt.Sprintf("%q", req.Game.Title))
	if req.Game.Genre != "" {
		b.WriteString(", a ")
		b.WriteString(req.Game.Genre)
		if req.Game.Subgenre != "" {
			b.WriteString(" (")
			b.WriteString(req.Game.Subgenre)
			b.WriteString(")")
		}
		b.WriteString(" story")
	}
	b.WriteString(".")
	if req.Game.Tagline != "" {
		b.WriteString(" Premise: ")
		b.WriteString(req.Game.Tagline)
	}

	b.WriteString(fmt.Sprintf("\n\nYou are narrating panel %d of %d.", req.PanelNumber, req.MaxPanels))
	if req.PanelNumber >= req.MaxPanels {
		b.WriteString(" ")
		b.WriteString(finalPanelPrompt)
	}

	if req.ThemeContext != "" {
		b.WriteString("\n\nSource material for continuity:\n")
		b.WriteString(req.ThemeContext)
	}
	if p := ratingPrompt(req.Preferences.ContentRating); p != "" {
		b.WriteString("\n\n")
		b.WriteString(p)
	}
	return b.String()
}
