package autocraft

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gravitas-games/crafting/internal/audit"
	"github.com/gravitas-games/crafting/internal/cooldown"
	"github.com/gravitas-games/crafting/internal/crafting"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/lock"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/store"
	"github.com/gravitas-games/crafting/internal/store/memstore"
)

type captureRecorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (c *captureRecorder) Record(rec audit.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureRecorder) count(outcome audit.Outcome) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.records {
		if r.Outcome == outcome {
			n++
		}
	}
	return n
}

func (c *captureRecorder) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// gatedInventory blocks Snapshot until the gate is opened.
type gatedInventory struct {
	store.Inventory
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedInventory) Snapshot(ctx context.Context, p inventory.PlayerID) (inventory.Snapshot, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.Inventory.Snapshot(ctx, p)
}

func torchRecipe() *recipe.Recipe {
	return &recipe.Recipe{
		ID:               "torch",
		Name:             "Torch",
		Enabled:          true,
		AutoCraftEnabled: true,
		Ingredients:      []recipe.Ingredient{{Ref: inventory.Item("stick"), Quantity: 1}},
		Result:           recipe.Result{Ref: inventory.Item("torch"), Quantity: 4},
	}
}

type harness struct {
	store    *memstore.Store
	recorder *captureRecorder
	bus      *crafting.SimpleEventBus
	sched    *Scheduler
	now      time.Time
}

func newHarness(t *testing.T, inv store.Inventory, recipes ...*recipe.Recipe) *harness {
	t.Helper()
	s := memstore.New(nil)
	ctx := context.Background()
	_ = s.SaveSettings(ctx, recipe.Settings{Enabled: true, AutoCraftingEnabled: true})
	for _, r := range recipes {
		if err := s.SaveRecipe(ctx, r); err != nil {
			t.Fatalf("save recipe: %v", err)
		}
	}
	if inv == nil {
		inv = s
	}
	h := &harness{
		store:    s,
		recorder: &captureRecorder{},
		bus:      crafting.NewSimpleEventBus(),
		now:      time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
	}
	cd := cooldown.NewManager(s)
	ledger := crafting.NewLedger(recipe.NewCatalog(s), s, cd, lock.NewKeyed(), h.recorder)
	h.sched = New(Deps{
		Ledger:        ledger,
		Config:        s,
		Inventory:     inv,
		Cooldowns:     cd,
		Subscriptions: s,
		Events:        h.bus,
	}, Options{Interval: 10 * time.Second})
	h.sched.now = func() time.Time { return h.now }
	return h
}

// step runs one sweep at the harness clock and advances it by one interval.
func (h *harness) step(ctx context.Context) int {
	n := h.sched.Update(ctx, h.now)
	h.sched.Wait()
	h.now = h.now.Add(10 * time.Second)
	return n
}

func TestAutoCraftStopsAtExhaustion(t *testing.T) {
	h := newHarness(t, nil, torchRecipe())
	h.store.OnInventoryChange(h.sched.Notify)
	ctx := context.Background()
	h.store.GrantItems("p1", "stick", 3)

	if _, err := h.sched.Subscribe(ctx, "p1", "torch"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 10; i++ {
		h.step(ctx)
	}

	if got := h.recorder.count(audit.OutcomeSuccess); got != 3 {
		t.Fatalf("expected exactly 3 successes, got %d", got)
	}
	snap, _ := h.store.Snapshot(ctx, "p1")
	if snap.ItemQuantity("torch") != 12 || snap.ItemQuantity("stick") != 0 {
		t.Fatalf("unexpected inventory %+v", snap.Items)
	}
	// Unsatisfiable ticks are skipped without reaching the ledger.
	if h.recorder.total() != 3 {
		t.Fatalf("expected no records beyond the successes, got %d", h.recorder.total())
	}
	if h.sched.Active() != 1 {
		t.Fatalf("exhaustion must not end the subscription")
	}

	// New income is picked up on the next sweep.
	h.store.GrantItems("p1", "stick", 1)
	h.step(ctx)
	if got := h.recorder.count(audit.OutcomeSuccess); got != 4 {
		t.Fatalf("expected a fourth success after income, got %d", got)
	}
}

func TestAutoCraftRespectsCooldown(t *testing.T) {
	r := torchRecipe()
	r.CooldownSeconds = 25
	h := newHarness(t, nil, r)
	ctx := context.Background()
	h.store.GrantItems("p1", "stick", 5)
	_, _ = h.sched.Subscribe(ctx, "p1", "torch")

	// Sweeps at +0, +10, +20, +30, +40, +50: successes at +0, +30 only.
	for i := 0; i < 6; i++ {
		h.step(ctx)
	}
	if got := h.recorder.count(audit.OutcomeSuccess); got != 2 {
		t.Fatalf("expected 2 successes, got %d", got)
	}
	if h.recorder.total() != 2 {
		t.Fatalf("cooldown pre-check should skip without records, got %d", h.recorder.total())
	}
}

func TestImplicitUnsubscribe(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(ctx context.Context, s *memstore.Store)
		reason string
	}{
		{"recipe deleted", func(ctx context.Context, s *memstore.Store) { _ = s.DeleteRecipe(ctx, "torch") }, StopRecipeRemoved},
		{"recipe disabled", func(ctx context.Context, s *memstore.Store) {
			r := torchRecipe()
			r.Enabled = false
			_ = s.SaveRecipe(ctx, r)
		}, StopRecipeDisabled},
		{"crafting disabled", func(ctx context.Context, s *memstore.Store) {
			_ = s.SaveSettings(ctx, recipe.Settings{Enabled: false, AutoCraftingEnabled: true})
		}, StopCraftingDisabled},
		{"auto disabled", func(ctx context.Context, s *memstore.Store) {
			_ = s.SaveSettings(ctx, recipe.Settings{Enabled: true})
		}, StopAutoDisabled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil, torchRecipe())
			ctx := context.Background()
			stopped := make(chan crafting.Event, 4)
			cancel := h.bus.Subscribe("p1", func(e crafting.Event) {
				if e.Type == crafting.EventAutoCraftStopped {
					stopped <- e
				}
			})
			defer cancel()

			if _, err := h.sched.Subscribe(ctx, "p1", "torch"); err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			tc.mutate(ctx, h.store)
			h.sched.Refresh()
			h.step(ctx)

			if h.sched.Active() != 0 {
				t.Fatalf("subscription still active")
			}
			sub, err := h.store.Subscription(ctx, "p1")
			if err != nil || sub.Active {
				t.Fatalf("stored subscription should be inactive: %+v %v", sub, err)
			}
			select {
			case e := <-stopped:
				if e.Reason != tc.reason {
					t.Fatalf("expected reason %q, got %q", tc.reason, e.Reason)
				}
			case <-time.After(time.Second):
				t.Fatalf("no stop event")
			}
			if h.recorder.total() != 0 {
				t.Fatalf("deactivation must not reach the ledger")
			}
		})
	}
}

func TestSubscribeReplacesPrevious(t *testing.T) {
	other := torchRecipe()
	other.ID = "lantern"
	other.Name = "Lantern"
	h := newHarness(t, nil, torchRecipe(), other)
	ctx := context.Background()

	_, _ = h.sched.Subscribe(ctx, "p1", "torch")
	_, _ = h.sched.Subscribe(ctx, "p1", "lantern")
	if h.sched.Active() != 1 {
		t.Fatalf("expected one active subscription, got %d", h.sched.Active())
	}
	active, _ := h.store.ActiveSubscriptions(ctx)
	if len(active) != 1 || active[0].Recipe != "lantern" {
		t.Fatalf("unexpected stored subscriptions %+v", active)
	}

	if err := h.sched.Unsubscribe(ctx, "p1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := h.sched.Unsubscribe(ctx, "p1"); err != nil {
		t.Fatalf("second unsubscribe should be a no-op: %v", err)
	}
	if h.sched.Active() != 0 {
		t.Fatalf("expected no active subscriptions")
	}
}

func TestSubscribeRejectsDisallowed(t *testing.T) {
	manual := torchRecipe()
	manual.AutoCraftEnabled = false
	h := newHarness(t, nil, manual)
	ctx := context.Background()

	if _, err := h.sched.Subscribe(ctx, "p1", "torch"); !errors.Is(err, crafting.ErrAutoCraftNotAllowed) {
		t.Fatalf("expected ErrAutoCraftNotAllowed, got %v", err)
	}
	if _, err := h.sched.Subscribe(ctx, "p1", "missing"); !errors.Is(err, recipe.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = h.store.SaveSettings(ctx, recipe.Settings{Enabled: true, AutoCraftingEnabled: false})
	if _, err := h.sched.Subscribe(ctx, "p1", "torch"); !errors.Is(err, crafting.ErrAutoCraftNotAllowed) {
		t.Fatalf("expected ErrAutoCraftNotAllowed, got %v", err)
	}
}

func TestNoOverlappingTicksPerPlayer(t *testing.T) {
	gated := &gatedInventory{entered: make(chan struct{}, 4), gate: make(chan struct{})}
	h := newHarness(t, gated, torchRecipe())
	gated.Inventory = h.store
	ctx := context.Background()
	h.store.GrantItems("p1", "stick", 5)
	h.store.GrantItems("p2", "stick", 5)

	_, _ = h.sched.Subscribe(ctx, "p1", "torch")
	if n := h.sched.Update(ctx, h.now); n != 1 {
		t.Fatalf("expected 1 launched tick, got %d", n)
	}
	<-gated.entered

	// p1 is mid-tick: a poke plus another sweep must not start a second tick.
	h.sched.Notify("p1")
	if n := h.sched.Update(ctx, h.now.Add(time.Hour)); n != 0 {
		t.Fatalf("overlapping tick launched")
	}

	// Other players are not held up by p1.
	_, _ = h.sched.Subscribe(ctx, "p2", "torch")
	if n := h.sched.Update(ctx, h.now); n != 1 {
		t.Fatalf("p2 should tick while p1 is busy")
	}
	<-gated.entered

	close(gated.gate)
	h.sched.Wait()

	// The poke received mid-tick makes p1 due again right away.
	if n := h.sched.Update(ctx, h.now); n != 1 {
		t.Fatalf("expected p1 to be due after its poke, got %d", n)
	}
	h.sched.Wait()
}

func TestLoadRestoresActiveSubscriptions(t *testing.T) {
	h := newHarness(t, nil, torchRecipe())
	ctx := context.Background()
	_ = h.store.SaveSubscription(ctx, store.Subscription{Player: "p1", Recipe: "torch", Active: true})
	_ = h.store.SaveSubscription(ctx, store.Subscription{Player: "p2", Recipe: "torch", Active: false})

	if err := h.sched.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if h.sched.Active() != 1 {
		t.Fatalf("expected 1 active subscription, got %d", h.sched.Active())
	}
}

func TestResubscribeKeepsCreatedAt(t *testing.T) {
	lamp := torchRecipe()
	lamp.ID = "lamp"
	lamp.Name = "Lamp"
	h := newHarness(t, nil, torchRecipe(), lamp)
	ctx := context.Background()

	first, err := h.sched.Subscribe(ctx, "p1", "torch")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	created := h.now

	h.now = h.now.Add(time.Hour)
	second, err := h.sched.Subscribe(ctx, "p1", "lamp")
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if !first.CreatedAt.Equal(created) || !second.CreatedAt.Equal(created) {
		t.Fatalf("created at moved: first %v, second %v, want %v", first.CreatedAt, second.CreatedAt, created)
	}
	if !second.UpdatedAt.Equal(h.now) {
		t.Fatalf("updated at = %v, want %v", second.UpdatedAt, h.now)
	}

	stored, err := h.store.Subscription(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Recipe != "lamp" || !stored.CreatedAt.Equal(created) {
		t.Fatalf("stored subscription %+v", stored)
	}
}
