// Package storetest is a conformance suite run against every store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gravitas-games/crafting/internal/audit"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/store"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) store.Backend

// Run exercises b's contract.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"EmptySnapshot", testEmptySnapshot},
		{"CommitIsAllOrNothing", testCommitAllOrNothing},
		{"CommitVersionCheck", testCommitVersionCheck},
		{"CommitMintsAndCredits", testCommitMintsAndCredits},
		{"ConcurrentCommitsNeverOverspend", testConcurrentCommits},
		{"SettingsDefaultAndSave", testSettings},
		{"RecipesRoundTrip", testRecipes},
		{"CooldownsKeepLatestAndPrune", testCooldowns},
		{"SubscriptionsOnePerPlayer", testSubscriptions},
		{"AuditQueryNewestFirst", testAudit},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t)
			defer b.Close()
			tc.fn(t, b)
		})
	}
}

func grant(t *testing.T, b store.Backend, player inventory.PlayerID, items map[inventory.ItemID]int, mint ...inventory.BallMint) inventory.Receipt {
	t.Helper()
	rcpt, err := b.Commit(context.Background(), inventory.Transaction{Player: player, Credit: items, Mint: mint})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	return rcpt
}

func testEmptySnapshot(t *testing.T, b store.Backend) {
	snap, err := b.Snapshot(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Version != 0 || len(snap.Balls) != 0 || len(snap.Items) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func testCommitAllOrNothing(t *testing.T, b store.Backend) {
	ctx := context.Background()
	rcpt := grant(t, b, "p1", map[inventory.ItemID]int{"iron_ingot": 3}, inventory.BallMint{Species: "france", Quantity: 1})
	ball := rcpt.MintedBalls[0]

	snap, _ := b.Snapshot(ctx, "p1")
	_, err := b.Commit(ctx, inventory.Transaction{
		Player:          "p1",
		ExpectedVersion: snap.Version,
		Consume: inventory.Consumption{
			Balls: []inventory.BallID{ball.ID},
			Items: map[inventory.ItemID]int{"iron_ingot": 3, "redstone": 1},
		},
		Credit: map[inventory.ItemID]int{"golem_core": 1},
	})
	if !errors.Is(err, store.ErrInsufficient) {
		t.Fatalf("expected ErrInsufficient, got %v", err)
	}
	after, _ := b.Snapshot(ctx, "p1")
	if after.Version != snap.Version || after.ItemQuantity("iron_ingot") != 3 || len(after.Balls) != 1 || after.ItemQuantity("golem_core") != 0 {
		t.Fatalf("rejected commit changed state: %+v", after)
	}

	_, err = b.Commit(ctx, inventory.Transaction{
		Player:  "p1",
		Consume: inventory.Consumption{Balls: []inventory.BallID{ball.ID, ball.ID}},
	})
	if !errors.Is(err, store.ErrInsufficient) {
		t.Fatalf("consuming one ball twice should fail, got %v", err)
	}
}

func testCommitVersionCheck(t *testing.T, b store.Backend) {
	ctx := context.Background()
	grant(t, b, "p1", map[inventory.ItemID]int{"iron_ingot": 3})
	snap, _ := b.Snapshot(ctx, "p1")
	grant(t, b, "p1", map[inventory.ItemID]int{"iron_ingot": 1})

	_, err := b.Commit(ctx, inventory.Transaction{
		Player:          "p1",
		ExpectedVersion: snap.Version,
		Consume:         inventory.Consumption{Items: map[inventory.ItemID]int{"iron_ingot": 3}},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func testCommitMintsAndCredits(t *testing.T, b store.Backend) {
	ctx := context.Background()
	grant(t, b, "p1", map[inventory.ItemID]int{"iron_ingot": 3})
	snap, _ := b.Snapshot(ctx, "p1")
	rcpt, err := b.Commit(ctx, inventory.Transaction{
		Player:          "p1",
		ExpectedVersion: snap.Version,
		Consume:         inventory.Consumption{Items: map[inventory.ItemID]int{"iron_ingot": 3}},
		Mint:            []inventory.BallMint{{Species: "france", Special: "shiny", Quantity: 2}},
		Credit:          map[inventory.ItemID]int{"slag": 1},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(rcpt.MintedBalls) != 2 || rcpt.MintedBalls[0].Special != "shiny" || rcpt.Credited["slag"] != 1 {
		t.Fatalf("unexpected receipt %+v", rcpt)
	}
	if rcpt.Version <= snap.Version {
		t.Fatalf("version did not advance: %d -> %d", snap.Version, rcpt.Version)
	}
	after, _ := b.Snapshot(ctx, "p1")
	if after.ItemQuantity("iron_ingot") != 0 || after.ItemQuantity("slag") != 1 || after.CountMatching(inventory.Ball("france", "shiny")) != 2 {
		t.Fatalf("unexpected holdings %+v", after)
	}
	if _, present := after.Items["iron_ingot"]; present {
		t.Fatalf("exhausted item should be absent")
	}
	if after.Version != rcpt.Version {
		t.Fatalf("snapshot version %d, receipt %d", after.Version, rcpt.Version)
	}
}

func testConcurrentCommits(t *testing.T, b store.Backend) {
	ctx := context.Background()
	grant(t, b, "p1", map[inventory.ItemID]int{"stick": 5})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Commit(ctx, inventory.Transaction{
				Player:  "p1",
				Consume: inventory.Consumption{Items: map[inventory.ItemID]int{"stick": 2}},
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 2 {
		t.Fatalf("expected 2 successful commits, got %d", successes)
	}
	snap, _ := b.Snapshot(ctx, "p1")
	if snap.ItemQuantity("stick") != 1 {
		t.Fatalf("expected 1 stick left, got %d", snap.ItemQuantity("stick"))
	}
}

func testSettings(t *testing.T, b store.Backend) {
	ctx := context.Background()
	got, err := b.Settings(ctx)
	if err != nil || got != recipe.DefaultSettings() {
		t.Fatalf("expected default settings, got %+v %v", got, err)
	}
	want := recipe.Settings{Enabled: false, GlobalCooldownSeconds: 3, AutoCraftingEnabled: true}
	if err := b.SaveSettings(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, _ := b.Settings(ctx); got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func testRecipes(t *testing.T, b store.Backend) {
	ctx := context.Background()
	r := &recipe.Recipe{
		ID:              "iron_golem",
		Name:            "Iron Golem",
		Enabled:         true,
		CooldownSeconds: 30,
		Ingredients: []recipe.Ingredient{
			{Ref: inventory.Ball("france", ""), Quantity: 1},
			{Ref: inventory.Item("iron_ingot"), Quantity: 4},
		},
		Result: recipe.Result{Ref: inventory.Ball("iron_golem", "shiny"), Quantity: 1},
	}
	if err := b.SaveRecipe(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := b.Recipe(ctx, "iron_golem")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != r.Name || len(got.Ingredients) != 2 || got.Ingredients[0].Ref != r.Ingredients[0].Ref || got.Result.Ref != r.Result.Ref {
		t.Fatalf("recipe did not round-trip: %+v", got)
	}
	created := got.CreatedAt
	if created.IsZero() {
		t.Fatalf("CreatedAt not set")
	}

	r.Name = "Iron Golem II"
	if err := b.SaveRecipe(ctx, r); err != nil {
		t.Fatalf("update: %v", err)
	}
	all, _ := b.Recipes(ctx)
	if len(all) != 1 || all[0].Name != "Iron Golem II" || !all[0].CreatedAt.Equal(created) {
		t.Fatalf("unexpected recipes after update %+v", all)
	}

	if err := b.SaveRecipe(ctx, &recipe.Recipe{ID: "bad", Name: "Bad"}); !errors.Is(err, recipe.ErrInvalidRecipe) {
		t.Fatalf("expected ErrInvalidRecipe, got %v", err)
	}
	if err := b.DeleteRecipe(ctx, "iron_golem"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.Recipe(ctx, "iron_golem"); !errors.Is(err, recipe.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := b.DeleteRecipe(ctx, "iron_golem"); !errors.Is(err, recipe.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func testCooldowns(t *testing.T, b store.Backend) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	key := store.CooldownKey{Player: "p1", Recipe: "r"}
	global := store.CooldownKey{Player: "p1"}

	if _, ok, err := b.LastSuccess(ctx, key); ok || err != nil {
		t.Fatalf("expected no timestamp, got ok=%v err=%v", ok, err)
	}
	_ = b.RecordSuccess(ctx, t0.Add(time.Minute), key, global)
	_ = b.RecordSuccess(ctx, t0, key)
	got, ok, _ := b.LastSuccess(ctx, key)
	if !ok || !got.Equal(t0.Add(time.Minute)) {
		t.Fatalf("timestamps must never move backwards, got %v", got)
	}
	if got, ok, _ := b.LastSuccess(ctx, global); !ok || !got.Equal(t0.Add(time.Minute)) {
		t.Fatalf("global timestamp not recorded, got %v", got)
	}

	n, _ := b.PruneBefore(ctx, t0.Add(time.Hour))
	if n != 2 {
		t.Fatalf("expected 2 pruned rows, got %d", n)
	}
	if _, ok, _ := b.LastSuccess(ctx, key); ok {
		t.Fatalf("pruned timestamp still present")
	}
}

func testSubscriptions(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_ = b.SaveSubscription(ctx, store.Subscription{Player: "p1", Recipe: "a", Active: true})
	_ = b.SaveSubscription(ctx, store.Subscription{Player: "p1", Recipe: "b", Active: true})
	_ = b.SaveSubscription(ctx, store.Subscription{Player: "p2", Recipe: "a", Active: false})

	active, _ := b.ActiveSubscriptions(ctx)
	if len(active) != 1 || active[0].Recipe != "b" {
		t.Fatalf("unexpected active subscriptions %+v", active)
	}
	sub, err := b.Subscription(ctx, "p2")
	if err != nil || sub.Active || sub.Recipe != "a" {
		t.Fatalf("unexpected subscription %+v %v", sub, err)
	}
	if _, err := b.Subscription(ctx, "p3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// A zero CreatedAt on replace keeps the stored one.
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = b.SaveSubscription(ctx, store.Subscription{Player: "p4", Recipe: "a", Active: true, CreatedAt: created, UpdatedAt: created})
	_ = b.SaveSubscription(ctx, store.Subscription{Player: "p4", Recipe: "b", Active: true, UpdatedAt: created.Add(time.Hour)})
	sub, err = b.Subscription(ctx, "p4")
	if err != nil || sub.Recipe != "b" || !sub.CreatedAt.Equal(created) {
		t.Fatalf("replace moved created at: %+v %v", sub, err)
	}
}

func testAudit(t *testing.T, b store.Backend) {
	sink, ok := b.(audit.Sink)
	if !ok {
		t.Skip("backend does not store audit records")
	}
	reader := b.(audit.Reader)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []audit.Record{
		{ID: "1", Time: at, Player: "p1", Recipe: "a", Outcome: audit.OutcomeSuccess, Source: audit.SourceManual},
		{ID: "2", Time: at, Player: "p2", Recipe: "a", Outcome: audit.OutcomeBlocked, Reason: "CooldownActive", Source: audit.SourceAuto},
		{ID: "3", Time: at, Player: "p1", Recipe: "b", Outcome: audit.OutcomeFailed, Source: audit.SourceManual},
	}
	if err := sink.Append(ctx, batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, _ := reader.Query(ctx, audit.Filter{Player: "p1"})
	if len(got) != 2 || got[0].ID != "3" || got[1].ID != "1" {
		t.Fatalf("unexpected query result %+v", got)
	}
	got, _ = reader.Query(ctx, audit.Filter{Recipe: "a", Limit: 1})
	if len(got) != 1 || got[0].ID != "2" || got[0].Reason != "CooldownActive" {
		t.Fatalf("filter or limit not applied: %+v", got)
	}
}
