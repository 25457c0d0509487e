// Package crafting resolves recipes against player inventories and applies
// crafts through the inventory ledger.
package crafting

import (
	"errors"
	"fmt"
	"time"

	"github.com/gravitas-games/crafting/internal/audit"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
)

var (
	// ErrRecipeNotFound is a usage error: the id or name resolves to nothing.
	ErrRecipeNotFound = recipe.ErrNotFound
	// ErrAutoCraftNotAllowed is returned when auto-crafting is off globally
	// or for the chosen recipe.
	ErrAutoCraftNotAllowed = errors.New("auto-crafting not allowed")
)

// Outcome is the terminal state of an attempt.
type Outcome = audit.Outcome

const (
	OutcomeSuccess = audit.OutcomeSuccess
	OutcomeBlocked = audit.OutcomeBlocked
	OutcomeFailed  = audit.OutcomeFailed
)

// Reason explains a Blocked or Failed outcome.
type Reason string

const (
	ReasonCraftingDisabled        Reason = "CraftingDisabled"
	ReasonRecipeDisabled          Reason = "RecipeDisabled"
	ReasonCooldownActive          Reason = "CooldownActive"
	ReasonInsufficientIngredients Reason = "InsufficientIngredients"
	ReasonStoreWriteConflict      Reason = "StoreWriteConflict"
)

// Produced is what a successful craft credited.
type Produced struct {
	Ref      inventory.ItemRef        `json:"ref"`
	Quantity int                      `json:"quantity"`
	Balls    []inventory.BallInstance `json:"balls,omitempty"`
}

// Result is the answer to one craft attempt.
type Result struct {
	Player     inventory.PlayerID     `json:"player"`
	Recipe     recipe.ID              `json:"recipe"`
	Outcome    Outcome                `json:"outcome"`
	Reason     Reason                 `json:"reason,omitempty"`
	Detail     string                 `json:"detail,omitempty"`
	RetryAfter time.Duration          `json:"retryAfter,omitempty"`
	Missing    []Deficit              `json:"missing,omitempty"`
	Unusable   []inventory.BallID     `json:"unusable,omitempty"`
	Consumed   *inventory.Consumption `json:"consumed,omitempty"`
	Produced   *Produced              `json:"produced,omitempty"`
	At         time.Time              `json:"at"`
}

// Succeeded reports whether the craft committed.
func (r Result) Succeeded() bool { return r.Outcome == OutcomeSuccess }

func blocked(reason Reason, detail string) Result {
	return Result{Outcome: OutcomeBlocked, Reason: reason, Detail: detail}
}

func failed(reason Reason, detail string) Result {
	return Result{Outcome: OutcomeFailed, Reason: reason, Detail: detail}
}

// String renders a one-line summary for logs.
func (r Result) String() string {
	if r.Reason == "" {
		return fmt.Sprintf("%s %s: %s", r.Player, r.Recipe, r.Outcome)
	}
	return fmt.Sprintf("%s %s: %s(%s)", r.Player, r.Recipe, r.Outcome, r.Reason)
}

// auditRecord converts the result into its audit trail entry.
func (r Result) auditRecord(src audit.Source) audit.Record {
	rec := audit.Record{
		Time:     r.At,
		Player:   r.Player,
		Recipe:   r.Recipe,
		Outcome:  r.Outcome,
		Reason:   string(r.Reason),
		Detail:   r.Detail,
		Source:   src,
		Consumed: r.Consumed,
	}
	if r.Produced != nil {
		p := &audit.Produced{Ref: r.Produced.Ref, Quantity: r.Produced.Quantity}
		for _, b := range r.Produced.Balls {
			p.Balls = append(p.Balls, b.ID)
		}
		rec.Produced = p
	}
	return rec
}
