// Package autocraft drives standing auto-craft subscriptions.
//
// Each player has at most one active subscription. The scheduler keeps one
// queue entry per subscription ordered by due time; Update launches every due
// entry in its own goroutine and never runs two ticks for the same player at
// once. A tick first checks cheaply whether an attempt could succeed and only
// then goes through the ledger, so exhausted subscriptions do not flood the
// audit trail.
package autocraft

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gravitas-games/crafting/internal/audit"
	"github.com/gravitas-games/crafting/internal/cooldown"
	"github.com/gravitas-games/crafting/internal/crafting"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/store"
)

// Stop reasons reported on EventAutoCraftStopped.
const (
	StopCancelled        = "cancelled"
	StopCraftingDisabled = "crafting disabled"
	StopAutoDisabled     = "auto-crafting disabled"
	StopRecipeRemoved    = "recipe removed"
	StopRecipeDisabled   = "recipe disabled"
	StopRecipeNoAuto     = "recipe does not allow auto-crafting"
)

// Options tunes the scheduler.
type Options struct {
	Interval      time.Duration // max time between attempts while active
	MaxConcurrent int           // ticks running at once across all players
}

// Deps lists the scheduler's collaborators.
type Deps struct {
	Ledger        *crafting.Ledger
	Config        recipe.Source
	Inventory     store.Inventory
	Cooldowns     *cooldown.Manager
	Subscriptions store.Subscriptions
	Events        crafting.EventBus
}

type entry struct {
	sub   store.Subscription
	due   time.Time
	index int
	poked bool
}

// Scheduler implements crafting.AutoCrafter.
type Scheduler struct {
	ledger    *crafting.Ledger
	catalog   *recipe.Catalog
	inv       store.Inventory
	cooldowns *cooldown.Manager
	subs      store.Subscriptions
	events    crafting.EventBus
	interval  time.Duration
	sem       chan struct{}
	now       func() time.Time

	mu      sync.Mutex
	queue   dueHeap
	entries map[inventory.PlayerID]*entry
	running map[inventory.PlayerID]bool
	wg      sync.WaitGroup
}

var _ crafting.AutoCrafter = (*Scheduler)(nil)

// New creates a scheduler. Call Load to pick up persisted subscriptions.
func New(deps Deps, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	events := deps.Events
	if events == nil {
		events = crafting.NullEventBus{}
	}
	return &Scheduler{
		ledger:    deps.Ledger,
		catalog:   recipe.NewCatalog(deps.Config),
		inv:       deps.Inventory,
		cooldowns: deps.Cooldowns,
		subs:      deps.Subscriptions,
		events:    events,
		interval:  opts.Interval,
		sem:       make(chan struct{}, opts.MaxConcurrent),
		now:       time.Now,
		entries:   make(map[inventory.PlayerID]*entry),
		running:   make(map[inventory.PlayerID]bool),
	}
}

// Load queues every persisted active subscription as due now.
func (s *Scheduler) Load(ctx context.Context) error {
	active, err := s.subs.ActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range active {
		if _, ok := s.entries[sub.Player]; ok {
			continue
		}
		e := &entry{sub: sub, index: -1}
		s.entries[sub.Player] = e
		s.queue.schedule(e, time.Time{})
	}
	log.Printf("autocraft: loaded %d active subscriptions", len(active))
	return nil
}

// Subscribe activates auto-crafting of id for player, replacing any previous
// subscription. The first attempt is due immediately.
func (s *Scheduler) Subscribe(ctx context.Context, player inventory.PlayerID, id recipe.ID) (store.Subscription, error) {
	settings, err := s.catalog.Settings(ctx)
	if err != nil {
		return store.Subscription{}, err
	}
	if !settings.Enabled || !settings.AutoCraftingEnabled {
		return store.Subscription{}, fmt.Errorf("%w: disabled by the administrators", crafting.ErrAutoCraftNotAllowed)
	}
	r, err := s.catalog.Get(ctx, id)
	if err != nil {
		return store.Subscription{}, err
	}
	if !r.Enabled || !r.AutoCraftEnabled {
		return store.Subscription{}, fmt.Errorf("%w: %s", crafting.ErrAutoCraftNotAllowed, r.Name)
	}

	now := s.now().UTC()
	sub := store.Subscription{Player: player, Recipe: id, Active: true, CreatedAt: now, UpdatedAt: now}
	// Switching recipes keeps the original subscription time.
	prev, err := s.subs.Subscription(ctx, player)
	switch {
	case err == nil && !prev.CreatedAt.IsZero():
		sub.CreatedAt = prev.CreatedAt
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return store.Subscription{}, fmt.Errorf("read subscription: %w", err)
	}

	s.mu.Lock()
	if err := s.subs.SaveSubscription(ctx, sub); err != nil {
		s.mu.Unlock()
		return store.Subscription{}, fmt.Errorf("save subscription: %w", err)
	}
	if old, ok := s.entries[player]; ok {
		s.queue.remove(old)
	}
	e := &entry{sub: sub, index: -1}
	s.entries[player] = e
	s.queue.schedule(e, time.Time{})
	s.mu.Unlock()

	s.events.Publish(crafting.Event{
		Type:      crafting.EventAutoCraftStarted,
		Player:    player,
		Recipe:    id,
		Auto:      true,
		Timestamp: now,
	})
	return sub, nil
}

// Unsubscribe deactivates the player's subscription. It is a no-op when the
// player has none.
func (s *Scheduler) Unsubscribe(ctx context.Context, player inventory.PlayerID) error {
	s.mu.Lock()
	e, ok := s.entries[player]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if err := s.deactivateLocked(ctx, e); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.publishStopped(e.sub, StopCancelled)
	return nil
}

// deactivateLocked persists the inactive state and forgets e (caller must hold lock).
func (s *Scheduler) deactivateLocked(ctx context.Context, e *entry) error {
	sub := e.sub
	sub.Active = false
	sub.UpdatedAt = s.now().UTC()
	if err := s.subs.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	s.queue.remove(e)
	delete(s.entries, e.sub.Player)
	return nil
}

func (s *Scheduler) publishStopped(sub store.Subscription, reason string) {
	s.events.Publish(crafting.Event{
		Type:      crafting.EventAutoCraftStopped,
		Player:    sub.Player,
		Recipe:    sub.Recipe,
		Reason:    reason,
		Auto:      true,
		Timestamp: s.now().UTC(),
	})
}

// Notify makes the player's subscription due now. Wire it to inventory
// change notifications so new income is picked up without waiting a full
// interval.
func (s *Scheduler) Notify(player inventory.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[player]; ok {
		s.pokeLocked(e)
	}
}

// Refresh makes every subscription due now.
func (s *Scheduler) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		s.pokeLocked(e)
	}
}

func (s *Scheduler) pokeLocked(e *entry) {
	if s.running[e.sub.Player] {
		e.poked = true
		return
	}
	s.queue.schedule(e, time.Time{})
}

// Active returns the number of active subscriptions.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Update launches a tick for every subscription due at now and returns how
// many were started. Ticks run in the background; Wait blocks until they end.
func (s *Scheduler) Update(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	due := s.queue.popDue(now)
	launch := make([]*entry, 0, len(due))
	for _, e := range due {
		if s.running[e.sub.Player] {
			// The previous subscription for this player is still ticking.
			e.poked = true
			continue
		}
		s.running[e.sub.Player] = true
		launch = append(launch, e)
	}
	s.wg.Add(len(launch))
	s.mu.Unlock()

	for _, e := range launch {
		go func(e *entry) {
			defer s.wg.Done()
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				s.finish(context.WithoutCancel(ctx), e, now, "")
				return
			}
			next, stop := s.tick(ctx, e.sub, now)
			<-s.sem
			s.finish(context.WithoutCancel(ctx), e, next, stop)
		}(e)
	}
	return len(launch)
}

// Wait blocks until every launched tick has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// finish requeues or retires e after its tick.
func (s *Scheduler) finish(ctx context.Context, e *entry, next time.Time, stop string) {
	s.mu.Lock()
	player := e.sub.Player
	delete(s.running, player)

	cur, ok := s.entries[player]
	if ok && cur != e {
		// Replaced while ticking; the new entry may have been held back.
		if cur.poked {
			cur.poked = false
			s.queue.schedule(cur, time.Time{})
		}
		s.mu.Unlock()
		return
	}
	if !ok {
		s.mu.Unlock()
		return
	}
	if stop != "" {
		err := s.deactivateLocked(ctx, e)
		s.mu.Unlock()
		if err != nil {
			log.Printf("autocraft: could not deactivate %s/%s: %v", player, e.sub.Recipe, err)
			return
		}
		log.Printf("autocraft: %s/%s stopped: %s", player, e.sub.Recipe, stop)
		s.publishStopped(e.sub, stop)
		return
	}
	if e.poked {
		e.poked = false
		next = time.Time{}
	}
	s.queue.schedule(e, next)
	s.mu.Unlock()
}

// tick runs one pass for sub and returns when it should run again, or a
// non-empty stop reason if the subscription must end.
func (s *Scheduler) tick(ctx context.Context, sub store.Subscription, now time.Time) (time.Time, string) {
	next := now.Add(s.interval)

	settings, err := s.catalog.Settings(ctx)
	if err != nil {
		log.Printf("autocraft: load settings: %v", err)
		return next, ""
	}
	if !settings.Enabled {
		return next, StopCraftingDisabled
	}
	if !settings.AutoCraftingEnabled {
		return next, StopAutoDisabled
	}
	r, err := s.catalog.Get(ctx, sub.Recipe)
	if errors.Is(err, recipe.ErrNotFound) {
		return next, StopRecipeRemoved
	}
	if err != nil {
		log.Printf("autocraft: load recipe %s: %v", sub.Recipe, err)
		return next, ""
	}
	if !r.Enabled {
		return next, StopRecipeDisabled
	}
	if !r.AutoCraftEnabled {
		return next, StopRecipeNoAuto
	}

	// Pre-checks: skipped ticks leave no audit record.
	decision, err := s.cooldowns.IsEligible(ctx, sub.Player, r, settings, now)
	if err != nil {
		log.Printf("autocraft: cooldown check %s/%s: %v", sub.Player, sub.Recipe, err)
		return next, ""
	}
	if decision.Block == cooldown.BlockCooldown {
		return s.sooner(now, decision.RetryAfter), ""
	}
	snap, err := s.inv.Snapshot(ctx, sub.Player)
	if err != nil {
		log.Printf("autocraft: snapshot %s: %v", sub.Player, err)
		return next, ""
	}
	if !crafting.Evaluate(r, snap).Satisfiable {
		return next, ""
	}

	res, err := s.ledger.AttemptCraft(ctx, sub.Player, sub.Recipe, now, audit.SourceAuto)
	if errors.Is(err, crafting.ErrRecipeNotFound) {
		return next, StopRecipeRemoved
	}
	if err != nil {
		log.Printf("autocraft: attempt %s/%s: %v", sub.Player, sub.Recipe, err)
		return next, ""
	}
	switch res.Reason {
	case crafting.ReasonCraftingDisabled:
		return next, StopCraftingDisabled
	case crafting.ReasonRecipeDisabled:
		return next, StopRecipeDisabled
	case crafting.ReasonCooldownActive:
		return s.sooner(now, res.RetryAfter), ""
	}
	return next, ""
}

// sooner returns now+wait capped at one interval.
func (s *Scheduler) sooner(now time.Time, wait time.Duration) time.Time {
	if wait <= 0 || wait > s.interval {
		wait = s.interval
	}
	return now.Add(wait)
}
