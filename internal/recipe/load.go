package recipe

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/gravitas-games/crafting/internal/inventory"
)

//go:embed seed.schema.json
var seedSchemaJSON string

var seedSchema = jsonschema.MustCompileString("seed.schema.json", seedSchemaJSON)

// Seed is the contents of a recipe seed file: settings, the item registry
// and the recipe list.
type Seed struct {
	Settings Settings
	Items    []inventory.Details
	Recipes  []*Recipe
}

type seedFile struct {
	Settings *Settings           `yaml:"settings"`
	Items    []inventory.Details `yaml:"items"`
	Recipes  []seedRecipe        `yaml:"recipes"`
}

type seedRef struct {
	Ball     string `yaml:"ball"`
	Special  string `yaml:"special"`
	Item     string `yaml:"item"`
	Quantity int    `yaml:"quantity"`
}

func (r seedRef) ref() inventory.ItemRef {
	if r.Item != "" {
		return inventory.Item(inventory.ItemID(r.Item))
	}
	return inventory.Ball(inventory.SpeciesID(r.Ball), inventory.SpecialID(r.Special))
}

type seedRecipe struct {
	ID              string    `yaml:"id"`
	Name            string    `yaml:"name"`
	Description     string    `yaml:"description"`
	Enabled         *bool     `yaml:"enabled"`
	CooldownSeconds uint      `yaml:"cooldown_seconds"`
	AutoCraft       bool      `yaml:"auto_craft"`
	Ingredients     []seedRef `yaml:"ingredients"`
	Result          seedRef   `yaml:"result"`
}

// LoadSeedFile reads and validates a YAML seed file.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed validates data against the seed schema and converts it.
// Recipes default to enabled and to a result quantity of 1.
func ParseSeed(data []byte) (*Seed, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	// The schema validator wants JSON-shaped values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := seedSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("seed does not match schema: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	seed := &Seed{Settings: DefaultSettings(), Items: file.Items}
	if file.Settings != nil {
		seed.Settings = *file.Settings
	}
	items := inventory.NewRegistry()
	for _, d := range file.Items {
		if err := items.Register(d); err != nil {
			return nil, err
		}
	}
	check := items
	if len(file.Items) == 0 {
		check = nil
	}

	seen := make(map[ID]bool, len(file.Recipes))
	for _, sr := range file.Recipes {
		r := &Recipe{
			ID:               ID(sr.ID),
			Name:             sr.Name,
			Description:      sr.Description,
			Enabled:          sr.Enabled == nil || *sr.Enabled,
			CooldownSeconds:  sr.CooldownSeconds,
			AutoCraftEnabled: sr.AutoCraft,
			Result:           Result{Ref: sr.Result.ref(), Quantity: sr.Result.Quantity},
		}
		if r.Result.Quantity == 0 {
			r.Result.Quantity = 1
		}
		for _, in := range sr.Ingredients {
			r.Ingredients = append(r.Ingredients, Ingredient{Ref: in.ref(), Quantity: in.Quantity})
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate recipe id %s", ErrInvalidRecipe, r.ID)
		}
		seen[r.ID] = true
		if err := r.Validate(check); err != nil {
			return nil, err
		}
		seed.Recipes = append(seed.Recipes, r)
	}
	return seed, nil
}
