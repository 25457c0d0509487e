// Package memstore is an in-memory implementation of every store interface.
// It backs tests and single-process development runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gravitas-games/crafting/internal/audit"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/store"
)

type holdings struct {
	version int64
	balls   map[inventory.BallID]inventory.BallInstance
	items   map[inventory.ItemID]int
}

func newHoldings() *holdings {
	return &holdings{
		balls: make(map[inventory.BallID]inventory.BallInstance),
		items: make(map[inventory.ItemID]int),
	}
}

// Store keeps all state in maps guarded by one mutex.
type Store struct {
	mu       sync.RWMutex
	players  map[inventory.PlayerID]*holdings
	nextBall inventory.BallID

	settings recipe.Settings
	recipes  *recipe.Registry

	cooldowns map[store.CooldownKey]time.Time
	subs      map[inventory.PlayerID]store.Subscription
	records   []audit.Record

	onChange   func(inventory.PlayerID)
	commitHook func(inventory.Transaction) error
	now        func() time.Time
}

var (
	_ store.Backend = (*Store)(nil)
	_ audit.Sink    = (*Store)(nil)
	_ audit.Reader  = (*Store)(nil)
)

// New creates an empty store with default settings. items, when non-nil,
// is used to validate saved recipes.
func New(items *inventory.Registry) *Store {
	return &Store{
		players:   make(map[inventory.PlayerID]*holdings),
		nextBall:  1,
		settings:  recipe.DefaultSettings(),
		recipes:   recipe.NewRegistry(items),
		cooldowns: make(map[store.CooldownKey]time.Time),
		subs:      make(map[inventory.PlayerID]store.Subscription),
		now:       time.Now,
	}
}

// OnInventoryChange registers fn to be called after every change to a
// player's holdings, outside the store lock.
func (s *Store) OnInventoryChange(fn func(inventory.PlayerID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// SetCommitHook installs a function run before each commit is applied.
// A non-nil error aborts the commit unchanged. Tests use it to inject
// backend failures.
func (s *Store) SetCommitHook(fn func(inventory.Transaction) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitHook = fn
}

func (s *Store) notify(player inventory.PlayerID) {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(player)
	}
}

func (s *Store) holdingsLocked(player inventory.PlayerID) *holdings {
	h, ok := s.players[player]
	if !ok {
		h = newHoldings()
		s.players[player] = h
	}
	return h
}

// GrantItems credits qty units of item outside any craft, as a drop or
// purchase would.
func (s *Store) GrantItems(player inventory.PlayerID, item inventory.ItemID, qty int) {
	s.mu.Lock()
	h := s.holdingsLocked(player)
	h.items[item] += qty
	if h.items[item] <= 0 {
		delete(h.items, item)
	}
	h.version++
	s.mu.Unlock()
	s.notify(player)
}

// GrantBall gives the player a new ball instance and returns it.
func (s *Store) GrantBall(player inventory.PlayerID, species inventory.SpeciesID, special inventory.SpecialID) inventory.BallInstance {
	s.mu.Lock()
	h := s.holdingsLocked(player)
	b := s.mintLocked(h, species, special)
	h.version++
	s.mu.Unlock()
	s.notify(player)
	return b
}

func (s *Store) mintLocked(h *holdings, species inventory.SpeciesID, special inventory.SpecialID) inventory.BallInstance {
	b := inventory.BallInstance{
		ID:         s.nextBall,
		Species:    species,
		Special:    special,
		ObtainedAt: s.now().UTC(),
	}
	s.nextBall++
	h.balls[b.ID] = b
	return b
}

// Snapshot implements store.Inventory.
func (s *Store) Snapshot(_ context.Context, player inventory.PlayerID) (inventory.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := inventory.Snapshot{
		Player:  player,
		Items:   make(map[inventory.ItemID]int),
		TakenAt: s.now().UTC(),
	}
	h, ok := s.players[player]
	if !ok {
		return snap, nil
	}
	snap.Version = h.version
	snap.Balls = make([]inventory.BallInstance, 0, len(h.balls))
	for _, b := range h.balls {
		snap.Balls = append(snap.Balls, b)
	}
	sort.Slice(snap.Balls, func(i, j int) bool { return snap.Balls[i].ID < snap.Balls[j].ID })
	for id, qty := range h.items {
		snap.Items[id] = qty
	}
	return snap, nil
}

// Commit implements store.Inventory. It validates the whole transaction
// before touching anything, so a rejected commit leaves no trace.
func (s *Store) Commit(_ context.Context, tx inventory.Transaction) (inventory.Receipt, error) {
	s.mu.Lock()
	if s.commitHook != nil {
		if err := s.commitHook(tx); err != nil {
			s.mu.Unlock()
			return inventory.Receipt{}, err
		}
	}
	h := s.holdingsLocked(tx.Player)

	// First pass: validate.
	if tx.ExpectedVersion != 0 && h.version != tx.ExpectedVersion {
		s.mu.Unlock()
		return inventory.Receipt{}, fmt.Errorf("%w: player %s at version %d, expected %d", store.ErrConflict, tx.Player, h.version, tx.ExpectedVersion)
	}
	seen := make(map[inventory.BallID]bool, len(tx.Consume.Balls))
	for _, id := range tx.Consume.Balls {
		if _, ok := h.balls[id]; !ok || seen[id] {
			s.mu.Unlock()
			return inventory.Receipt{}, fmt.Errorf("%w: ball %d not owned by %s", store.ErrInsufficient, id, tx.Player)
		}
		seen[id] = true
	}
	for id, qty := range tx.Consume.Items {
		if qty < 0 || h.items[id] < qty {
			s.mu.Unlock()
			return inventory.Receipt{}, fmt.Errorf("%w: %s has %d %s, need %d", store.ErrInsufficient, tx.Player, h.items[id], id, qty)
		}
	}

	// Second pass: apply.
	for _, id := range tx.Consume.Balls {
		delete(h.balls, id)
	}
	for id, qty := range tx.Consume.Items {
		h.items[id] -= qty
		if h.items[id] == 0 {
			delete(h.items, id)
		}
	}
	receipt := inventory.Receipt{}
	for _, m := range tx.Mint {
		for i := 0; i < m.Quantity; i++ {
			receipt.MintedBalls = append(receipt.MintedBalls, s.mintLocked(h, m.Species, m.Special))
		}
	}
	if len(tx.Credit) > 0 {
		receipt.Credited = make(map[inventory.ItemID]int, len(tx.Credit))
		for id, qty := range tx.Credit {
			h.items[id] += qty
			receipt.Credited[id] = qty
		}
	}
	h.version++
	receipt.Version = h.version
	s.mu.Unlock()

	s.notify(tx.Player)
	return receipt, nil
}

// Settings implements recipe.Source.
func (s *Store) Settings(context.Context) (recipe.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

// SaveSettings implements store.Config.
func (s *Store) SaveSettings(_ context.Context, settings recipe.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}

// Recipe implements recipe.Source.
func (s *Store) Recipe(_ context.Context, id recipe.ID) (*recipe.Recipe, error) {
	if r := s.recipes.Lookup(id); r != nil {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", recipe.ErrNotFound, id)
}

// Recipes implements recipe.Source.
func (s *Store) Recipes(context.Context) ([]*recipe.Recipe, error) {
	return s.recipes.All(), nil
}

// RecipesProducing implements recipe.IndexedSource from the registry's
// result index.
func (s *Store) RecipesProducing(_ context.Context, ref inventory.ItemRef) ([]*recipe.Recipe, error) {
	return s.lookupAll(s.recipes.Producing(ref)), nil
}

// RecipesUsing implements recipe.IndexedSource from the registry's
// ingredient index.
func (s *Store) RecipesUsing(_ context.Context, ref inventory.ItemRef) ([]*recipe.Recipe, error) {
	return s.lookupAll(s.recipes.Using(ref)), nil
}

func (s *Store) lookupAll(ids []recipe.ID) []*recipe.Recipe {
	out := make([]*recipe.Recipe, 0, len(ids))
	for _, id := range ids {
		// Removed between the index read and the lookup.
		if r := s.recipes.Lookup(id); r != nil {
			out = append(out, r)
		}
	}
	recipe.SortByName(out)
	return out
}

// SaveRecipe implements store.Config.
func (s *Store) SaveRecipe(_ context.Context, r *recipe.Recipe) error {
	return s.recipes.Register(r)
}

// DeleteRecipe implements store.Config.
func (s *Store) DeleteRecipe(_ context.Context, id recipe.ID) error {
	if !s.recipes.Remove(id) {
		return fmt.Errorf("%w: %s", recipe.ErrNotFound, id)
	}
	return nil
}

// LastSuccess implements store.Cooldowns.
func (s *Store) LastSuccess(_ context.Context, key store.CooldownKey) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cooldowns[key]
	return t, ok, nil
}

// RecordSuccess implements store.Cooldowns.
func (s *Store) RecordSuccess(_ context.Context, at time.Time, keys ...store.CooldownKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if prev, ok := s.cooldowns[k]; !ok || at.After(prev) {
			s.cooldowns[k] = at
		}
	}
	return nil
}

// PruneBefore implements store.Cooldowns.
func (s *Store) PruneBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, t := range s.cooldowns {
		if t.Before(cutoff) {
			delete(s.cooldowns, k)
			n++
		}
	}
	return n, nil
}

// SaveSubscription implements store.Subscriptions.
func (s *Store) SaveSubscription(_ context.Context, sub store.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.subs[sub.Player]; ok && sub.CreatedAt.IsZero() {
		sub.CreatedAt = prev.CreatedAt
	}
	s.subs[sub.Player] = sub
	return nil
}

// Subscription implements store.Subscriptions.
func (s *Store) Subscription(_ context.Context, player inventory.PlayerID) (store.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[player]
	if !ok {
		return store.Subscription{}, fmt.Errorf("%w: subscription for %s", store.ErrNotFound, player)
	}
	return sub, nil
}

// ActiveSubscriptions implements store.Subscriptions.
func (s *Store) ActiveSubscriptions(context.Context) ([]store.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.Active {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Player < out[j].Player })
	return out, nil
}

// Append implements audit.Sink.
func (s *Store) Append(_ context.Context, records []audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// Query implements audit.Reader.
func (s *Store) Query(_ context.Context, f audit.Filter) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Record, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		if !f.Match(s.records[i]) {
			continue
		}
		out = append(out, s.records[i])
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Close implements store.Backend.
func (s *Store) Close() error { return nil }
