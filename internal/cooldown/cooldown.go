// Package cooldown decides whether a player may craft a recipe right now.
package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/store"
)

// Block names the policy that made a player ineligible.
type Block int

const (
	BlockNone Block = iota
	BlockCraftingDisabled
	BlockRecipeDisabled
	BlockCooldown
)

// Decision is the answer to an eligibility check. RetryAfter is set only
// for BlockCooldown.
type Decision struct {
	Block      Block
	RetryAfter time.Duration
}

// Eligible reports whether nothing blocks the craft.
func (d Decision) Eligible() bool { return d.Block == BlockNone }

// Manager checks and records cooldown timestamps.
type Manager struct {
	store store.Cooldowns
}

// NewManager creates a manager over the given timestamp store.
func NewManager(s store.Cooldowns) *Manager {
	return &Manager{store: s}
}

func globalKey(player inventory.PlayerID) store.CooldownKey {
	return store.CooldownKey{Player: player}
}

// IsEligible evaluates settings, the recipe toggle and both cooldowns at now.
// A missing timestamp satisfies its cooldown.
func (m *Manager) IsEligible(ctx context.Context, player inventory.PlayerID, r *recipe.Recipe, settings recipe.Settings, now time.Time) (Decision, error) {
	if !settings.Enabled {
		return Decision{Block: BlockCraftingDisabled}, nil
	}
	if r == nil || !r.Enabled {
		return Decision{Block: BlockRecipeDisabled}, nil
	}

	var wait time.Duration
	if cd := r.Cooldown(); cd > 0 {
		w, err := m.remaining(ctx, store.CooldownKey{Player: player, Recipe: r.ID}, cd, now)
		if err != nil {
			return Decision{}, err
		}
		wait = w
	}
	if cd := settings.GlobalCooldown(); cd > 0 {
		w, err := m.remaining(ctx, globalKey(player), cd, now)
		if err != nil {
			return Decision{}, err
		}
		if w > wait {
			wait = w
		}
	}
	if wait > 0 {
		return Decision{Block: BlockCooldown, RetryAfter: wait}, nil
	}
	return Decision{}, nil
}

// remaining returns how long until cd has elapsed since the stored timestamp.
func (m *Manager) remaining(ctx context.Context, key store.CooldownKey, cd time.Duration, now time.Time) (time.Duration, error) {
	last, ok, err := m.store.LastSuccess(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read cooldown %s/%s: %w", key.Player, key.Recipe, err)
	}
	if !ok {
		return 0, nil
	}
	if elapsed := now.Sub(last); elapsed < cd {
		return cd - elapsed, nil
	}
	return 0, nil
}

// RecordSuccess stamps both the per-recipe and the player's global timestamp.
func (m *Manager) RecordSuccess(ctx context.Context, player inventory.PlayerID, id recipe.ID, now time.Time) error {
	return m.store.RecordSuccess(ctx, now, store.CooldownKey{Player: player, Recipe: id}, globalKey(player))
}

// Prune drops timestamps older than before. Timestamps that old can no
// longer block anything as long as before trails the longest cooldown.
func (m *Manager) Prune(ctx context.Context, before time.Time) (int, error) {
	return m.store.PruneBefore(ctx, before)
}
