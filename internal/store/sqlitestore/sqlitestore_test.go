package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/store"
	"github.com/gravitas-games/crafting/internal/store/storetest"
)

func openTemp(t *testing.T) store.Backend {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "craft.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, openTemp)
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "craft.db")
	s, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var notified []inventory.PlayerID
	s.OnInventoryChange(func(p inventory.PlayerID) { notified = append(notified, p) })
	rcpt, err := s.Commit(ctx, inventory.Transaction{
		Player: "p1",
		Credit: map[inventory.ItemID]int{"stick": 4},
		Mint:   []inventory.BallMint{{Species: "france", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(notified) != 1 {
		t.Fatalf("expected one change notification, got %d", len(notified))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	snap, err := s.Snapshot(ctx, "p1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Version != rcpt.Version || snap.ItemQuantity("stick") != 4 || len(snap.Balls) != 1 || snap.Balls[0].ID != rcpt.MintedBalls[0].ID {
		t.Fatalf("state lost across reopen: %+v", snap)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), "", nil); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
