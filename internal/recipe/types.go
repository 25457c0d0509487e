// Package recipe defines admin-configured crafting recipes and the
// process-wide crafting settings, plus the read-mostly catalog the
// crafting engine consults on every attempt.
package recipe

import (
	"errors"
	"fmt"
	"time"

	"github.com/gravitas-games/crafting/internal/inventory"
)

// ID uniquely identifies a recipe.
type ID string

var (
	// ErrNotFound is returned when a recipe id does not resolve.
	ErrNotFound = errors.New("recipe not found")
	// ErrInvalidRecipe wraps every validation failure.
	ErrInvalidRecipe = errors.New("invalid recipe")
)

// Settings is the singleton crafting configuration.
type Settings struct {
	Enabled               bool `json:"enabled" yaml:"enabled"`
	GlobalCooldownSeconds uint `json:"globalCooldownSeconds" yaml:"global_cooldown_seconds"`
	AutoCraftingEnabled   bool `json:"autoCraftingEnabled" yaml:"auto_crafting_enabled"`
}

// DefaultSettings returns the settings used before an admin has saved any.
func DefaultSettings() Settings {
	return Settings{
		Enabled:               true,
		GlobalCooldownSeconds: 10,
		AutoCraftingEnabled:   false,
	}
}

// GlobalCooldown returns the global cooldown as a duration.
func (s Settings) GlobalCooldown() time.Duration {
	return time.Duration(s.GlobalCooldownSeconds) * time.Second
}

// Ingredient is one requirement of a recipe. For ball references the
// reference's Special acts as an attribute filter.
type Ingredient struct {
	Ref      inventory.ItemRef `json:"ref"`
	Quantity int               `json:"quantity"`
}

// Result is the single output of a recipe. For ball results Ref.Special is
// the special applied to every minted instance.
type Result struct {
	Ref      inventory.ItemRef `json:"ref"`
	Quantity int               `json:"quantity"`
}

// Recipe maps a set of ingredient requirements to one result.
type Recipe struct {
	ID               ID           `json:"id"`
	Name             string       `json:"name"`
	Description      string       `json:"description,omitempty"`
	Enabled          bool         `json:"enabled"`
	CooldownSeconds  uint         `json:"cooldownSeconds"`
	AutoCraftEnabled bool         `json:"autoCraftEnabled"`
	Ingredients      []Ingredient `json:"ingredients"`
	Result           Result       `json:"result"`
	CreatedAt        time.Time    `json:"createdAt,omitempty"`
	UpdatedAt        time.Time    `json:"updatedAt,omitempty"`
}

// Cooldown returns the per-recipe cooldown as a duration.
func (r *Recipe) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// Clone returns a copy that shares no slices with r.
func (r *Recipe) Clone() *Recipe {
	if r == nil {
		return nil
	}
	out := *r
	out.Ingredients = append([]Ingredient(nil), r.Ingredients...)
	return &out
}

// Validate checks structural invariants. When reg is non-nil every
// referenced species, special and item must also be registered.
func (r *Recipe) Validate(reg *inventory.Registry) error {
	if r == nil {
		return fmt.Errorf("%w: nil recipe", ErrInvalidRecipe)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidRecipe)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: %s: name cannot be empty", ErrInvalidRecipe, r.ID)
	}
	if len(r.Ingredients) == 0 {
		return fmt.Errorf("%w: %s: at least one ingredient is required", ErrInvalidRecipe, r.ID)
	}
	for i, in := range r.Ingredients {
		if in.Quantity < 1 {
			return fmt.Errorf("%w: %s: ingredient %d: quantity must be at least 1", ErrInvalidRecipe, r.ID, i)
		}
		if err := in.Ref.Validate(); err != nil {
			return fmt.Errorf("%w: %s: ingredient %d: %v", ErrInvalidRecipe, r.ID, i, err)
		}
		if err := reg.CheckRef(in.Ref); err != nil {
			return fmt.Errorf("%w: %s: ingredient %d: %v", ErrInvalidRecipe, r.ID, i, err)
		}
	}
	if r.Result.Quantity < 1 {
		return fmt.Errorf("%w: %s: result quantity must be at least 1", ErrInvalidRecipe, r.ID)
	}
	if err := r.Result.Ref.Validate(); err != nil {
		return fmt.Errorf("%w: %s: result: %v", ErrInvalidRecipe, r.ID, err)
	}
	if err := reg.CheckRef(r.Result.Ref); err != nil {
		return fmt.Errorf("%w: %s: result: %v", ErrInvalidRecipe, r.ID, err)
	}
	return nil
}
