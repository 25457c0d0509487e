package crafting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gravitas-games/crafting/internal/audit"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/store"
)

// AutoCrafter manages auto-craft subscriptions. The autocraft scheduler
// implements it.
type AutoCrafter interface {
	Subscribe(ctx context.Context, player inventory.PlayerID, id recipe.ID) (store.Subscription, error)
	Unsubscribe(ctx context.Context, player inventory.PlayerID) error
	// Refresh makes every subscription due so configuration changes are
	// picked up on the next sweep.
	Refresh()
}

// Service is the entry point for the command and admin layers.
type Service struct {
	catalog *recipe.Catalog
	config  store.Config
	inv     store.Inventory
	subs    store.Subscriptions
	ledger  *Ledger
	auto    AutoCrafter
	audit   audit.Reader
	items   *inventory.Registry
	now     func() time.Time
}

// ServiceDeps lists the collaborators of a Service. Audit and Items may be nil.
type ServiceDeps struct {
	Config        store.Config
	Inventory     store.Inventory
	Subscriptions store.Subscriptions
	Ledger        *Ledger
	AutoCraft     AutoCrafter
	Audit         audit.Reader
	Items         *inventory.Registry
}

// NewService builds a service.
func NewService(deps ServiceDeps) *Service {
	return &Service{
		catalog: recipe.NewCatalog(deps.Config),
		config:  deps.Config,
		inv:     deps.Inventory,
		subs:    deps.Subscriptions,
		ledger:  deps.Ledger,
		auto:    deps.AutoCraft,
		audit:   deps.Audit,
		items:   deps.Items,
		now:     time.Now,
	}
}

// ListRecipes returns enabled recipes, or none while crafting is disabled.
func (s *Service) ListRecipes(ctx context.Context) ([]*recipe.Recipe, error) {
	return s.catalog.ListEnabled(ctx)
}

// Craft resolves query by id or name and attempts one manual craft. chosen
// names ball instances the player wants spent first.
func (s *Service) Craft(ctx context.Context, player inventory.PlayerID, query string, chosen ...inventory.BallID) (Result, error) {
	r, err := s.catalog.Find(ctx, query)
	if err != nil {
		return Result{}, err
	}
	res, err := s.ledger.AttemptCraftChosen(ctx, player, r.ID, s.now().UTC(), audit.SourceManual, chosen)
	if err != nil {
		return Result{}, err
	}
	log.Printf("craft: %s", res)
	return res, nil
}

// SetAutoCraft subscribes player to query, or unsubscribes when query is
// empty or "off".
func (s *Service) SetAutoCraft(ctx context.Context, player inventory.PlayerID, query string) (*store.Subscription, error) {
	query = strings.TrimSpace(query)
	if query == "" || strings.EqualFold(query, "off") {
		if err := s.auto.Unsubscribe(ctx, player); err != nil {
			return nil, err
		}
		return nil, nil
	}
	r, err := s.catalog.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	sub, err := s.auto.Subscribe(ctx, player, r.ID)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// AutoCraftStatus returns the player's subscription, or nil if there is none.
func (s *Service) AutoCraftStatus(ctx context.Context, player inventory.PlayerID) (*store.Subscription, error) {
	sub, err := s.subs.Subscription(ctx, player)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Craftable lists enabled recipes the player's inventory satisfies right now.
// Cooldowns are not consulted.
func (s *Service) Craftable(ctx context.Context, player inventory.PlayerID) ([]*recipe.Recipe, error) {
	recipes, err := s.catalog.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if len(recipes) == 0 {
		return nil, nil
	}
	snap, err := s.inv.Snapshot(ctx, player)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	out := make([]*recipe.Recipe, 0, len(recipes))
	for _, r := range recipes {
		if Evaluate(r, snap).Satisfiable {
			out = append(out, r)
		}
	}
	return out, nil
}

// Settings returns the crafting settings.
func (s *Service) Settings(ctx context.Context) (recipe.Settings, error) {
	return s.config.Settings(ctx)
}

// UpdateSettings saves new settings.
func (s *Service) UpdateSettings(ctx context.Context, settings recipe.Settings) error {
	if err := s.config.SaveSettings(ctx, settings); err != nil {
		return err
	}
	log.Printf("admin: settings updated: enabled=%v global_cooldown=%ds auto=%v",
		settings.Enabled, settings.GlobalCooldownSeconds, settings.AutoCraftingEnabled)
	s.auto.Refresh()
	return nil
}

// Recipes returns every recipe, enabled or not.
func (s *Service) Recipes(ctx context.Context) ([]*recipe.Recipe, error) {
	return s.config.Recipes(ctx)
}

// RecipesProducing returns every recipe, enabled or not, whose result is ref.
func (s *Service) RecipesProducing(ctx context.Context, ref inventory.ItemRef) ([]*recipe.Recipe, error) {
	return s.catalog.Producing(ctx, ref)
}

// RecipesUsing returns every recipe, enabled or not, that consumes ref.
func (s *Service) RecipesUsing(ctx context.Context, ref inventory.ItemRef) ([]*recipe.Recipe, error) {
	return s.catalog.Using(ctx, ref)
}

// Recipe returns one recipe by id.
func (s *Service) Recipe(ctx context.Context, id recipe.ID) (*recipe.Recipe, error) {
	return s.catalog.Get(ctx, id)
}

// UpsertRecipe validates and saves a recipe.
func (s *Service) UpsertRecipe(ctx context.Context, r *recipe.Recipe) error {
	if err := r.Validate(s.items); err != nil {
		return err
	}
	if err := s.config.SaveRecipe(ctx, r); err != nil {
		return err
	}
	log.Printf("admin: recipe %s saved (enabled=%v auto=%v)", r.ID, r.Enabled, r.AutoCraftEnabled)
	s.auto.Refresh()
	return nil
}

// DeleteRecipe removes a recipe. Subscriptions to it end on the next sweep.
func (s *Service) DeleteRecipe(ctx context.Context, id recipe.ID) error {
	if err := s.config.DeleteRecipe(ctx, id); err != nil {
		return err
	}
	log.Printf("admin: recipe %s deleted", id)
	s.auto.Refresh()
	return nil
}

// AuditLog returns audit records, newest first.
func (s *Service) AuditLog(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	if s.audit == nil {
		return nil, errors.New("audit log is not queryable")
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.audit.Query(ctx, f)
}
