package recipe

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gravitas-games/crafting/internal/inventory"
)

// Registry stores recipes with reverse indices and thread-safe access.
// It is the in-memory backing of the admin configuration; durable stores
// keep their own tables and only borrow Validate.
type Registry struct {
	mu           sync.RWMutex
	recipes      map[ID]*Recipe
	byResult     map[string][]ID
	byIngredient map[string][]ID
	items        *inventory.Registry
}

// NewRegistry creates an empty recipe registry. items may be nil, in which
// case ingredient and result references are not checked for existence.
func NewRegistry(items *inventory.Registry) *Registry {
	return &Registry{
		recipes:      make(map[ID]*Recipe),
		byResult:     make(map[string][]ID),
		byIngredient: make(map[string][]ID),
		items:        items,
	}
}

// Register adds or updates a recipe. The registry keeps its own copy.
func (r *Registry) Register(recipe *Recipe) error {
	if recipe == nil {
		return errors.New("recipe cannot be nil")
	}
	if err := recipe.Validate(r.items); err != nil {
		return err
	}
	stored := recipe.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, exists := r.recipes[stored.ID]; exists {
		r.removeIndices(existing)
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	r.recipes[stored.ID] = stored

	resultKey := stored.Result.Ref.String()
	r.byResult[resultKey] = append(r.byResult[resultKey], stored.ID)
	for _, key := range ingredientKeys(stored) {
		r.byIngredient[key] = append(r.byIngredient[key], stored.ID)
	}
	return nil
}

// ingredientKeys returns the distinct index keys for a recipe's ingredients.
// Ball ingredients are indexed by species so a lookup without a special
// still finds recipes that filter on one.
func ingredientKeys(recipe *Recipe) []string {
	seen := make(map[string]bool, len(recipe.Ingredients))
	keys := make([]string, 0, len(recipe.Ingredients))
	for _, in := range recipe.Ingredients {
		key := indexKey(in.Ref)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

func indexKey(ref inventory.ItemRef) string {
	if ref.Kind == inventory.RefBall {
		return inventory.Ball(ref.Species, "").String()
	}
	return ref.String()
}

// removeIndices removes a recipe from secondary indices (caller must hold lock).
func (r *Registry) removeIndices(recipe *Recipe) {
	resultKey := recipe.Result.Ref.String()
	if ids, ok := r.byResult[resultKey]; ok {
		r.byResult[resultKey] = removeID(ids, recipe.ID)
		if len(r.byResult[resultKey]) == 0 {
			delete(r.byResult, resultKey)
		}
	}
	for _, key := range ingredientKeys(recipe) {
		if ids, ok := r.byIngredient[key]; ok {
			r.byIngredient[key] = removeID(ids, recipe.ID)
			if len(r.byIngredient[key]) == 0 {
				delete(r.byIngredient, key)
			}
		}
	}
}

func removeID(ids []ID, target ID) []ID {
	result := make([]ID, 0, len(ids))
	for _, id := range ids {
		if id != target {
			result = append(result, id)
		}
	}
	return result
}

// Lookup retrieves a copy of a recipe by ID. Returns nil if not found.
func (r *Registry) Lookup(id ID) *Recipe {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recipes[id].Clone()
}

// Producing returns the ids of recipes whose result is exactly ref.
func (r *Registry) Producing(ref inventory.ItemRef) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ID(nil), r.byResult[ref.String()]...)
}

// Using returns the ids of recipes that consume ref (balls match by species).
func (r *Registry) Using(ref inventory.ItemRef) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ID(nil), r.byIngredient[indexKey(ref)]...)
}

// All returns copies of every recipe ordered by name.
func (r *Registry) All() []*Recipe {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Recipe, 0, len(r.recipes))
	for _, recipe := range r.recipes {
		result = append(result, recipe.Clone())
	}
	SortByName(result)
	return result
}

// Count returns the number of recipes in the registry.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.recipes)
}

// Remove deletes a recipe. Returns true if the recipe existed.
func (r *Registry) Remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	recipe, exists := r.recipes[id]
	if !exists {
		return false
	}
	r.removeIndices(recipe)
	delete(r.recipes, id)
	return true
}

// SortByName orders recipes by name, then id.
func SortByName(recipes []*Recipe) {
	sort.Slice(recipes, func(i, j int) bool {
		if recipes[i].Name != recipes[j].Name {
			return recipes[i].Name < recipes[j].Name
		}
		return recipes[i].ID < recipes[j].ID
	})
}
