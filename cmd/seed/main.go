// Seed inserts demo game and session records for local development.
// Sessions and games are owned by external collaborators in production;
// this command stands in for them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/avelier/panelforge/internal/domain"
	"github.com/avelier/panelforge/internal/store"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	dbPath := flag.String("db", "", "database path (defaults to DB_PATH)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}
	if *dbPath == "" {
		*dbPath = os.Getenv("DB_PATH")
	}
	if *dbPath == "" {
		*dbPath = "./data/panelforge.db"
	}

	repo, err := store.NewSQLite(*dbPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx := context.Background()

	games := []*domain.Game{
		{
			ID:       "game-harbor-lights",
			Title:    "Harbor Lights",
			Genre:    "mystery",
			Subgenre: "noir",
			Tagline:  "A dockside disappearance with too many witnesses.",
			Backend:  "narrative-large",
			SourceContext: "A fog-bound port town in the 1950s. The ferryman " +
				"vanished the night the lighthouse went dark.",
		},
		{
			ID:      "game-ashen-vale",
			Title:   "The Ashen Vale",
			Genre:   "fantasy",
			Tagline: "The valley burned once. Something wants it to burn again.",
			Backend: "narrative-large",
		},
	}
	for _, game := range games {
		if existing, err := repo.GetGame(ctx, game.ID); err != nil {
			slog.Error("Failed to check game", "game_id", game.ID, "error", err)
			os.Exit(1)
		} else if existing != nil {
			slog.Info("Game already seeded", "game_id", game.ID)
			continue
		}
		if err := repo.CreateGame(ctx, game); err != nil {
			slog.Error("Failed to seed game", "game_id", game.ID, "error", err)
			os.Exit(1)
		}
		slog.Info("Seeded game", "game_id", game.ID, "title", game.Title)
	}

	session := &domain.Session{ID: "session-demo", UserID: "anon_demo"}
	if existing, err := repo.GetSession(ctx, session.ID); err != nil {
		slog.Error("Failed to check session", "session_id", session.ID, "error", err)
		os.Exit(1)
	} else if existing == nil {
		if err := repo.CreateSession(ctx, session); err != nil {
			slog.Error("Failed to seed session", "session_id", session.ID, "error", err)
			os.Exit(1)
		}
		slog.Info("Seeded session", "session_id", session.ID)
	} else {
		slog.Info("Session already seeded", "session_id", session.ID)
	}
}
