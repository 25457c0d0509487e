package crafting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gravitas-games/crafting/internal/audit"
	"github.com/gravitas-games/crafting/internal/cooldown"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/lock"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/store"
)

// Recorder receives one audit record per attempt. *audit.Logger satisfies it.
type Recorder interface {
	Record(rec audit.Record)
}

// DefaultLockWait bounds how long an attempt queues behind another attempt
// for the same player.
const DefaultLockWait = 5 * time.Second

// Ledger is the only component that asks the inventory store to mutate a
// player's holdings. Attempts for one player are serialized through the
// locker; attempts for different players never wait on each other.
type Ledger struct {
	catalog   *recipe.Catalog
	inv       store.Inventory
	cooldowns *cooldown.Manager
	locker    lock.Locker
	recorder  Recorder
	events    EventBus
	lockWait  time.Duration
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLockWait overrides DefaultLockWait.
func WithLockWait(d time.Duration) LedgerOption {
	return func(l *Ledger) { l.lockWait = d }
}

// WithEvents publishes an EventCraftAttempted per attempt.
func WithEvents(bus EventBus) LedgerOption {
	return func(l *Ledger) { l.events = bus }
}

// NewLedger wires a ledger.
func NewLedger(catalog *recipe.Catalog, inv store.Inventory, cooldowns *cooldown.Manager, locker lock.Locker, recorder Recorder, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		catalog:   catalog,
		inv:       inv,
		cooldowns: cooldowns,
		locker:    locker,
		recorder:  recorder,
		events:    NullEventBus{},
		lockWait:  DefaultLockWait,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func lockKey(player inventory.PlayerID) string {
	return "player:" + string(player)
}

// AttemptCraft runs one craft of recipe id for player at now.
//
// Expected refusals come back as a Blocked or Failed Result with a nil
// error. The error return is reserved for an unknown recipe, which is a
// usage error and is not audited. Every other call produces exactly one
// audit record.
func (l *Ledger) AttemptCraft(ctx context.Context, player inventory.PlayerID, id recipe.ID, now time.Time, src audit.Source) (Result, error) {
	return l.AttemptCraftChosen(ctx, player, id, now, src, nil)
}

// AttemptCraftChosen is AttemptCraft spending the given ball instances
// before any others. Ownership of the chosen balls is checked against the
// fresh snapshot taken under the player lock.
func (l *Ledger) AttemptCraftChosen(ctx context.Context, player inventory.PlayerID, id recipe.ID, now time.Time, src audit.Source, chosen []inventory.BallID) (Result, error) {
	if _, err := l.catalog.Get(ctx, id); err != nil {
		if errors.Is(err, recipe.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrRecipeNotFound, id)
		}
		return Result{}, fmt.Errorf("load recipe %s: %w", id, err)
	}

	var res Result
	release, err := l.locker.Acquire(ctx, lockKey(player), l.lockWait)
	if err != nil {
		res = failed(ReasonStoreWriteConflict, fmt.Sprintf("waiting for player lock: %v", err))
	} else {
		// Once inside, run to a terminal outcome regardless of the caller.
		res = l.craftLocked(context.WithoutCancel(ctx), player, id, now, chosen)
		release()
	}

	res.Player = player
	res.Recipe = id
	res.At = now
	l.recorder.Record(res.auditRecord(src))
	l.events.Publish(Event{
		Type:      EventCraftAttempted,
		Player:    player,
		Recipe:    id,
		Result:    &res,
		Auto:      src == audit.SourceAuto,
		Timestamp: now,
	})
	return res, nil
}

// craftLocked re-reads everything it depends on: nothing observed before the
// lock was taken is trusted.
func (l *Ledger) craftLocked(ctx context.Context, player inventory.PlayerID, id recipe.ID, now time.Time, chosen []inventory.BallID) Result {
	settings, err := l.catalog.Settings(ctx)
	if err != nil {
		return failed(ReasonStoreWriteConflict, fmt.Sprintf("load settings: %v", err))
	}
	if !settings.Enabled {
		return blocked(ReasonCraftingDisabled, "crafting is disabled")
	}
	r, err := l.catalog.Get(ctx, id)
	if errors.Is(err, recipe.ErrNotFound) {
		return blocked(ReasonRecipeDisabled, "recipe was removed")
	}
	if err != nil {
		return failed(ReasonStoreWriteConflict, fmt.Sprintf("load recipe: %v", err))
	}

	decision, err := l.cooldowns.IsEligible(ctx, player, r, settings, now)
	if err != nil {
		return failed(ReasonStoreWriteConflict, err.Error())
	}
	switch decision.Block {
	case cooldown.BlockCraftingDisabled:
		return blocked(ReasonCraftingDisabled, "crafting is disabled")
	case cooldown.BlockRecipeDisabled:
		return blocked(ReasonRecipeDisabled, "recipe is disabled")
	case cooldown.BlockCooldown:
		res := blocked(ReasonCooldownActive, fmt.Sprintf("ready again in %s", decision.RetryAfter.Round(time.Second)))
		res.RetryAfter = decision.RetryAfter
		return res
	}

	snap, err := l.inv.Snapshot(ctx, player)
	if err != nil {
		return failed(ReasonStoreWriteConflict, fmt.Sprintf("read inventory: %v", err))
	}
	eval := EvaluateChosen(r, snap, chosen)
	if !eval.Satisfiable {
		detail := "missing ingredients"
		if len(eval.Missing) == 0 {
			detail = "chosen balls are not owned or not needed by this recipe"
		}
		res := failed(ReasonInsufficientIngredients, detail)
		res.Missing = eval.Missing
		res.Unusable = eval.Unusable
		return res
	}

	tx := inventory.Transaction{
		Player:          player,
		ExpectedVersion: snap.Version,
		Consume:         eval.Consumption,
	}
	switch r.Result.Ref.Kind {
	case inventory.RefBall:
		tx.Mint = []inventory.BallMint{{
			Species:  r.Result.Ref.Species,
			Special:  r.Result.Ref.Special,
			Quantity: r.Result.Quantity,
		}}
	case inventory.RefItem:
		tx.Credit = map[inventory.ItemID]int{r.Result.Ref.Item: r.Result.Quantity}
	}

	receipt, err := l.inv.Commit(ctx, tx)
	if err != nil {
		if errors.Is(err, store.ErrInsufficient) {
			return failed(ReasonInsufficientIngredients, err.Error())
		}
		return failed(ReasonStoreWriteConflict, err.Error())
	}

	// The craft is committed; a cooldown write failure must not undo that.
	if err := l.cooldowns.RecordSuccess(ctx, player, r.ID, now); err != nil {
		log.Printf("crafting: cooldown not recorded for %s/%s: %v", player, r.ID, err)
	}

	consumed := eval.Consumption
	return Result{
		Outcome:  OutcomeSuccess,
		Consumed: &consumed,
		Produced: &Produced{
			Ref:      r.Result.Ref,
			Quantity: r.Result.Quantity,
			Balls:    receipt.MintedBalls,
		},
	}
}
