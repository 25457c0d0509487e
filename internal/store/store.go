// Package store defines the persistence boundary of the crafting engine.
//
// Player inventories and recipe configuration are owned by the surrounding
// game; the engine reaches them only through these interfaces. Cooldown
// timestamps and auto-craft subscriptions belong to the engine itself but are
// persisted through the same boundary so every backend can hold them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a commit lost a race: the player's
	// inventory version moved or the backend aborted the transaction.
	ErrConflict = errors.New("store: write conflict")
	// ErrInsufficient is returned when a commit would drive a holding
	// below zero or remove a ball the player no longer owns.
	ErrInsufficient = errors.New("store: insufficient holdings")
)

// Inventory is the authoritative player inventory store.
type Inventory interface {
	// Snapshot reads the player's current holdings. A player with no
	// holdings yields an empty snapshot at version 0, not an error.
	Snapshot(ctx context.Context, player inventory.PlayerID) (inventory.Snapshot, error)
	// Commit applies tx atomically: every consumption and every credit
	// lands, or nothing changes and an error is returned.
	Commit(ctx context.Context, tx inventory.Transaction) (inventory.Receipt, error)
}

// Config is the admin-configuration store for settings and recipes.
type Config interface {
	recipe.Source
	SaveSettings(ctx context.Context, s recipe.Settings) error
	SaveRecipe(ctx context.Context, r *recipe.Recipe) error
	DeleteRecipe(ctx context.Context, id recipe.ID) error
}

// CooldownKey addresses one cooldown timestamp. An empty Recipe is the
// player's global timestamp.
type CooldownKey struct {
	Player inventory.PlayerID
	Recipe recipe.ID
}

// Cooldowns persists last-success timestamps.
type Cooldowns interface {
	// LastSuccess returns the stored timestamp, or ok=false if none exists.
	LastSuccess(ctx context.Context, key CooldownKey) (t time.Time, ok bool, err error)
	// RecordSuccess stores at for every key in one write.
	RecordSuccess(ctx context.Context, at time.Time, keys ...CooldownKey) error
	// PruneBefore deletes timestamps older than cutoff and reports how many went.
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Subscription is a player's standing auto-craft request.
type Subscription struct {
	Player    inventory.PlayerID `json:"player"`
	Recipe    recipe.ID          `json:"recipe"`
	Active    bool               `json:"active"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Subscriptions persists auto-craft subscriptions. Each player has at most
// one row; saving a new recipe for a player replaces the previous one.
type Subscriptions interface {
	SaveSubscription(ctx context.Context, sub Subscription) error
	Subscription(ctx context.Context, player inventory.PlayerID) (Subscription, error)
	ActiveSubscriptions(ctx context.Context) ([]Subscription, error)
}

// Backend bundles everything a single database can provide.
type Backend interface {
	Inventory
	Config
	Cooldowns
	Subscriptions
	Close() error
}
