package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/avelier/panelforge/internal/domain"
	"github.com/avelier/panelforge/internal/store"
)

func TestPanelCounter(t *testing.T) {
	t.Parallel()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "panels.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	ctx := context.Background()

	counter := NewPanelCounter(repo, 3)

	for want := 1; want <= 3; want++ {
		panel, err := counter.NextPanel(ctx, "S1", "G1")
		if err != nil {
			t.Fatalf("NextPanel failed at %d: %v", want, err)
		}
		if panel != want {
			t.Fatalf("expected panel %d, got %d", want, panel)
		}
		turn := &domain.Turn{
			SessionID: "S1", GameID: "G1",
			Role: domain.RoleAssistant, Content: "panel", Backend: "test-model",
		}
		if _, err := repo.AppendTurn(ctx, turn); err != nil {
			t.Fatalf("AppendTurn failed: %v", err)
		}
	}

	_, err = counter.NextPanel(ctx, "S1", "G1")
	if !errors.Is(err, ErrStoryComplete) {
		t.Fatalf("expected ErrStoryComplete at the budget, got %v", err)
	}

	// Exhaustion is scoped to the pair.
	if _, err := counter.NextPanel(ctx, "S1", "G2"); err != nil {
		t.Fatalf("other pair should be open: %v", err)
	}
}
