package network

import (
	"encoding/json"
	"time"

	"github.com/gravitas-games/crafting/internal/crafting"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/store"
)

// Message types - Client → Server
const (
	MsgTypeListRecipes = "list_recipes"
	MsgTypeCraft       = "craft"
	MsgTypeAutoCraft   = "auto_craft"
	MsgTypeAutoStatus  = "auto_status"
	MsgTypeCraftable   = "craftable"
	MsgTypePing        = "ping"
)

// Message types - Server → Client
const (
	MsgTypeRecipes          = "recipes"
	MsgTypeCraftResult      = "craft_result"
	MsgTypeAutoCraftSet     = "auto_craft"
	MsgTypeAutoStatusReply  = "auto_status"
	MsgTypeCraftableReply   = "craftable"
	MsgTypeAutoCraftStopped = "auto_craft_stopped"
	MsgTypeError            = "error"
	MsgTypePong             = "pong"
)

// Error codes
const (
	ErrCodeInvalidMessage   = "invalid_message"
	ErrCodeUnknownType      = "unknown_message_type"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeRecipeNotFound   = "recipe_not_found"
	ErrCodeAutoNotAllowed   = "auto_craft_not_allowed"
	ErrCodeInternal         = "internal_error"
	ErrCodeNotAuthenticated = "not_authenticated"
)

// ClientMessage represents any message from client to server
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage represents any message from server to client
type ServerMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// --- Client Message Payloads ---

// CraftPayload names a recipe by id or display name. Balls optionally picks
// the instances to spend; any left unpicked are chosen by the server.
type CraftPayload struct {
	Recipe string             `json:"recipe"`
	Balls  []inventory.BallID `json:"balls,omitempty"`
}

// AutoCraftPayload subscribes to a recipe; an empty recipe or "off" unsubscribes.
type AutoCraftPayload struct {
	Recipe string `json:"recipe"`
}

// --- Server Message Payloads ---

// IngredientView is one requirement with its display name.
type IngredientView struct {
	Ref      inventory.ItemRef `json:"ref"`
	Name     string            `json:"name"`
	Quantity int               `json:"quantity"`
}

// RecipeView is a recipe as shown to players.
type RecipeView struct {
	ID              recipe.ID        `json:"id"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	CooldownSeconds uint             `json:"cooldown_seconds"`
	AutoCraft       bool             `json:"auto_craft"`
	Ingredients     []IngredientView `json:"ingredients"`
	Result          IngredientView   `json:"result"`
}

// RecipesPayload answers list_recipes and craftable.
type RecipesPayload struct {
	Recipes []RecipeView `json:"recipes"`
}

// CraftResultPayload carries one ledger outcome. Auto marks scheduler attempts
// pushed without a request.
type CraftResultPayload struct {
	Result       *crafting.Result `json:"result"`
	Auto         bool             `json:"auto"`
	RetryAfterMS int64            `json:"retry_after_ms,omitempty"`
}

// AutoStatusPayload describes the player's auto-craft subscription.
type AutoStatusPayload struct {
	Active bool      `json:"active"`
	Recipe recipe.ID `json:"recipe,omitempty"`
	Since  int64     `json:"since,omitempty"` // Unix timestamp
}

// AutoCraftStoppedPayload notifies that a subscription ended.
type AutoCraftStoppedPayload struct {
	Recipe recipe.ID `json:"recipe"`
	Reason string    `json:"reason"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// PongPayload answers ping.
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// NewRecipeView renders r with names from items, which may be nil.
func NewRecipeView(r *recipe.Recipe, items *inventory.Registry) RecipeView {
	v := RecipeView{
		ID:              r.ID,
		Name:            r.Name,
		Description:     r.Description,
		CooldownSeconds: r.CooldownSeconds,
		AutoCraft:       r.AutoCraftEnabled,
		Ingredients:     make([]IngredientView, 0, len(r.Ingredients)),
		Result:          IngredientView{Ref: r.Result.Ref, Name: items.DisplayName(r.Result.Ref), Quantity: r.Result.Quantity},
	}
	for _, in := range r.Ingredients {
		v.Ingredients = append(v.Ingredients, IngredientView{Ref: in.Ref, Name: items.DisplayName(in.Ref), Quantity: in.Quantity})
	}
	return v
}

// NewRecipesPayload renders a recipe list.
func NewRecipesPayload(recipes []*recipe.Recipe, items *inventory.Registry) RecipesPayload {
	p := RecipesPayload{Recipes: make([]RecipeView, 0, len(recipes))}
	for _, r := range recipes {
		p.Recipes = append(p.Recipes, NewRecipeView(r, items))
	}
	return p
}

// NewCraftResultPayload wraps a result.
func NewCraftResultPayload(res crafting.Result, auto bool) CraftResultPayload {
	return CraftResultPayload{
		Result:       &res,
		Auto:         auto,
		RetryAfterMS: res.RetryAfter.Milliseconds(),
	}
}

// NewAutoStatusPayload renders a subscription; nil or inactive means off.
func NewAutoStatusPayload(sub *store.Subscription) AutoStatusPayload {
	if sub == nil || !sub.Active {
		return AutoStatusPayload{}
	}
	p := AutoStatusPayload{Active: true, Recipe: sub.Recipe}
	if !sub.UpdatedAt.IsZero() {
		p.Since = sub.UpdatedAt.Unix()
	} else if !sub.CreatedAt.IsZero() {
		p.Since = sub.CreatedAt.Unix()
	}
	return p
}

// NewPong builds a pong payload.
func NewPong(now time.Time) PongPayload {
	return PongPayload{Timestamp: now.Unix()}
}
