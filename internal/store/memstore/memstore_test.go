package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/store"
	"github.com/gravitas-games/crafting/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return New(nil) })
}

func TestGrantsNotify(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	var changed []inventory.PlayerID
	s.OnInventoryChange(func(p inventory.PlayerID) { changed = append(changed, p) })

	s.GrantItems("p1", "iron_ingot", 3)
	ball := s.GrantBall("p2", "france", "")
	snap, _ := s.Snapshot(ctx, "p2")
	if _, err := s.Commit(ctx, inventory.Transaction{
		Player:          "p2",
		ExpectedVersion: snap.Version,
		Consume:         inventory.Consumption{Balls: []inventory.BallID{ball.ID}},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(changed) != 3 || changed[0] != "p1" || changed[2] != "p2" {
		t.Fatalf("unexpected change notifications %v", changed)
	}
}

func TestCommitHookAborts(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	s.GrantItems("p1", "stick", 2)
	boom := errors.New("boom")
	s.SetCommitHook(func(inventory.Transaction) error { return boom })

	_, err := s.Commit(ctx, inventory.Transaction{
		Player:  "p1",
		Consume: inventory.Consumption{Items: map[inventory.ItemID]int{"stick": 1}},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if snap, _ := s.Snapshot(ctx, "p1"); snap.ItemQuantity("stick") != 2 {
		t.Fatalf("aborted commit changed holdings")
	}
}
