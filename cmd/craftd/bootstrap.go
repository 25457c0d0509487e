package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"

	"github.com/gravitas-games/crafting/internal/audit"
	"github.com/gravitas-games/crafting/internal/config"
	"github.com/gravitas-games/crafting/internal/cooldown"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/lock"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/store"
	"github.com/gravitas-games/crafting/internal/store/memstore"
	"github.com/gravitas-games/crafting/internal/store/pgstore"
	"github.com/gravitas-games/crafting/internal/store/sqlitestore"
)

// driverStore is what every store driver provides: the persistence boundary,
// the audit index and an inventory change hook for the scheduler.
type driverStore interface {
	store.Backend
	audit.Sink
	audit.Reader
	OnInventoryChange(fn func(inventory.PlayerID))
}

// loadSeed reads the seed file, or returns an empty seed when none is configured.
func loadSeed(path string) (*recipe.Seed, error) {
	if path == "" {
		return &recipe.Seed{Settings: recipe.DefaultSettings()}, nil
	}
	seed, err := recipe.LoadSeedFile(path)
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded seed from %s: %d items, %d recipes", path, len(seed.Items), len(seed.Recipes))
	return seed, nil
}

// itemRegistry builds the registry recipes are validated against. Without
// registered items references go unchecked.
func itemRegistry(seed *recipe.Seed) (*inventory.Registry, error) {
	if len(seed.Items) == 0 {
		return nil, nil
	}
	items := inventory.NewRegistry()
	for _, d := range seed.Items {
		if err := items.Register(d); err != nil {
			return nil, fmt.Errorf("register %s %q: %w", d.Kind, d.ID, err)
		}
	}
	return items, nil
}

func openBackend(ctx context.Context, cfg config.StoreConfig, items *inventory.Registry) (driverStore, error) {
	switch cfg.Driver {
	case "memory":
		log.Println("WARNING: using the in-memory store, state is lost on exit")
		return memstore.New(items), nil
	case "sqlite":
		return sqlitestore.Open(ctx, cfg.DSN, items)
	case "postgres":
		return pgstore.Open(ctx, cfg.DSN, items)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// applySeed writes seed recipes the store does not have yet. Seed settings
// are only written into a store that holds no recipes, so admin edits made
// at runtime survive a restart.
func applySeed(ctx context.Context, cs store.Config, seed *recipe.Seed) error {
	existing, err := cs.Recipes(ctx)
	if err != nil {
		return fmt.Errorf("list recipes: %w", err)
	}
	if len(existing) == 0 {
		if err := cs.SaveSettings(ctx, seed.Settings); err != nil {
			return fmt.Errorf("save seed settings: %w", err)
		}
	}

	added := 0
	for _, r := range seed.Recipes {
		_, err := cs.Recipe(ctx, r.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, recipe.ErrNotFound) {
			return fmt.Errorf("read recipe %s: %w", r.ID, err)
		}
		if err := cs.SaveRecipe(ctx, r); err != nil {
			return fmt.Errorf("save recipe %s: %w", r.ID, err)
		}
		added++
	}
	if added > 0 {
		log.Printf("Seeded %d recipes", added)
	}
	return nil
}

// applyOverrides forces the settings fields pinned in the config file.
func applyOverrides(ctx context.Context, cs store.Config, c config.CraftingConfig) error {
	if c.Enabled == nil && c.CooldownSeconds == nil && c.AutoCraft == nil {
		return nil
	}
	settings, err := cs.Settings(ctx)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if c.Enabled != nil {
		settings.Enabled = *c.Enabled
	}
	if c.CooldownSeconds != nil {
		if *c.CooldownSeconds < 0 {
			return fmt.Errorf("crafting.cooldown_seconds must not be negative")
		}
		settings.GlobalCooldownSeconds = uint(*c.CooldownSeconds)
	}
	if c.AutoCraft != nil {
		settings.AutoCraftingEnabled = *c.AutoCraft
	}
	if err := cs.SaveSettings(ctx, settings); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	log.Printf("Crafting settings from config: enabled=%v global_cooldown=%ds auto=%v",
		settings.Enabled, settings.GlobalCooldownSeconds, settings.AutoCraftingEnabled)
	return nil
}

// coordination picks the per-player lock and the cooldown timestamp store.
// With Redis configured both are shared across daemon instances.
func coordination(cfg *config.Config, client *redis.Client, b driverStore) (lock.Locker, store.Cooldowns) {
	if client == nil {
		return lock.NewKeyed(), b
	}
	return lock.NewRedis(client, cfg.Redis.LockPrefix, 0),
		cooldown.NewRedisStore(client, cfg.Redis.CooldownPrefix, cfg.Maintenance.CooldownRetention)
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Println("Connected to Redis")
	return client, nil
}
