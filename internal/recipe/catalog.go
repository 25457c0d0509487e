package recipe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gravitas-games/crafting/internal/inventory"
)

// Source is the admin-configuration store the catalog reads from.
// Implementations return ErrNotFound (possibly wrapped) for unknown ids.
type Source interface {
	Settings(ctx context.Context) (Settings, error)
	Recipe(ctx context.Context, id ID) (*Recipe, error)
	Recipes(ctx context.Context) ([]*Recipe, error)
}

// IndexedSource is a Source that keeps reverse indices by result and by
// ingredient. The catalog uses them instead of scanning every recipe.
type IndexedSource interface {
	Source
	RecipesProducing(ctx context.Context, ref inventory.ItemRef) ([]*Recipe, error)
	RecipesUsing(ctx context.Context, ref inventory.ItemRef) ([]*Recipe, error)
}

// NotFoundError is returned by Find when no recipe matches the query.
type NotFoundError struct {
	Query       string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("recipe %q not found", e.Query)
	}
	return fmt.Sprintf("recipe %q not found (did you mean %s?)", e.Query, strings.Join(e.Suggestions, ", "))
}

// Unwrap lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Catalog is the read-only view of recipes and settings. It never caches:
// every call goes back to the source so admin edits apply on the next attempt.
type Catalog struct {
	src Source
}

// NewCatalog wraps a configuration source.
func NewCatalog(src Source) *Catalog {
	return &Catalog{src: src}
}

// Settings returns the current crafting settings.
func (c *Catalog) Settings(ctx context.Context) (Settings, error) {
	return c.src.Settings(ctx)
}

// ListEnabled returns enabled recipes ordered by name, or nothing at all
// while crafting is globally disabled.
func (c *Catalog) ListEnabled(ctx context.Context) ([]*Recipe, error) {
	settings, err := c.src.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if !settings.Enabled {
		return nil, nil
	}
	all, err := c.src.Recipes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load recipes: %w", err)
	}
	enabled := make([]*Recipe, 0, len(all))
	for _, r := range all {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	SortByName(enabled)
	return enabled, nil
}

// Get returns the recipe with the given id or an error wrapping ErrNotFound.
func (c *Catalog) Get(ctx context.Context, id ID) (*Recipe, error) {
	r, err := c.src.Recipe(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// Find resolves a recipe by id, then by case-insensitive name. On a miss the
// returned *NotFoundError lists the closest recipe names.
func (c *Catalog) Find(ctx context.Context, query string) (*Recipe, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &NotFoundError{Query: query}
	}
	r, err := c.src.Recipe(ctx, ID(query))
	if err == nil && r != nil {
		return r, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	all, err := c.src.Recipes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load recipes: %w", err)
	}
	for _, candidate := range all {
		if strings.EqualFold(candidate.Name, query) {
			return candidate, nil
		}
	}
	return nil, &NotFoundError{Query: query, Suggestions: suggest(query, all, maxSuggestions)}
}

// Producing returns every configured recipe whose result is exactly ref.
func (c *Catalog) Producing(ctx context.Context, ref inventory.ItemRef) ([]*Recipe, error) {
	if idx, ok := c.src.(IndexedSource); ok {
		return idx.RecipesProducing(ctx, ref)
	}
	return c.filter(ctx, func(r *Recipe) bool { return r.Result.Ref == ref })
}

// Using returns every configured recipe consuming ref. Ball references match
// by species regardless of the special filter on either side.
func (c *Catalog) Using(ctx context.Context, ref inventory.ItemRef) ([]*Recipe, error) {
	if idx, ok := c.src.(IndexedSource); ok {
		return idx.RecipesUsing(ctx, ref)
	}
	key := indexKey(ref)
	return c.filter(ctx, func(r *Recipe) bool {
		for _, in := range r.Ingredients {
			if indexKey(in.Ref) == key {
				return true
			}
		}
		return false
	})
}

func (c *Catalog) filter(ctx context.Context, keep func(*Recipe) bool) ([]*Recipe, error) {
	all, err := c.src.Recipes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load recipes: %w", err)
	}
	out := make([]*Recipe, 0)
	for _, r := range all {
		if keep(r) {
			out = append(out, r)
		}
	}
	SortByName(out)
	return out, nil
}
