// Package sqlstore implements every store interface on database/sql.
//
// Queries are written once with '?' placeholders; a Dialect rebinds them and
// supplies the few fragments that differ between engines. The sqlitestore
// and pgstore packages open the database and provide their dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitas-games/crafting/internal/audit"
	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/store"
)

// Dialect captures engine differences.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
	// Appended to row reads inside a commit to take a row lock.
	ForUpdate string
	// Scalar function returning the larger of two values.
	Greatest string
	// Maps driver errors onto store.ErrConflict / store.ErrInsufficient.
	Classify func(error) error
}

// Runner is the subset of *sql.DB and *sql.Tx the store needs.
type Runner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is a SQL-backed store.Backend, audit.Sink and audit.Reader.
type Store struct {
	db    *sql.DB
	d     Dialect
	items *inventory.Registry

	mu       sync.RWMutex
	onChange func(inventory.PlayerID)
	now      func() time.Time
}

var (
	_ store.Backend = (*Store)(nil)
	_ audit.Sink    = (*Store)(nil)
	_ audit.Reader  = (*Store)(nil)
)

// New wraps an open database. The schema must already exist.
func New(db *sql.DB, d Dialect, items *inventory.Registry) *Store {
	if d.Classify == nil {
		d.Classify = func(err error) error { return err }
	}
	return &Store{db: db, d: d, items: items, now: time.Now}
}

// Migrate runs the given DDL statements in order.
func (s *Store) Migrate(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: migrate: %w", s.d.Name, err)
		}
	}
	return nil
}

// OnInventoryChange registers fn to be called after every committed change
// to a player's holdings.
func (s *Store) OnInventoryChange(fn func(inventory.PlayerID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Store) notify(player inventory.PlayerID) {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(player)
	}
}

// q rebinds a '?' query for the dialect.
func (s *Store) q(query string) string {
	if !s.d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.d.Classify(fmt.Errorf("%s: begin: %w", s.d.Name, err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return s.d.Classify(err)
	}
	if err := tx.Commit(); err != nil {
		return s.d.Classify(fmt.Errorf("%s: commit: %w", s.d.Name, err))
	}
	return nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Snapshot implements store.Inventory.
func (s *Store) Snapshot(ctx context.Context, player inventory.PlayerID) (inventory.Snapshot, error) {
	snap := inventory.Snapshot{
		Player:  player,
		Items:   make(map[inventory.ItemID]int),
		TakenAt: s.now().UTC(),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.q(`SELECT version FROM inventory_versions WHERE player = ?`), string(player)).Scan(&snap.Version)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read version: %w", err)
		}
		balls, err := s.balls(ctx, tx, player)
		if err != nil {
			return err
		}
		snap.Balls = balls
		return s.readItems(ctx, tx, player, snap.Items)
	})
	if err != nil {
		return inventory.Snapshot{}, fmt.Errorf("%s: snapshot %s: %w", s.d.Name, player, err)
	}
	return snap, nil
}

func (s *Store) balls(ctx context.Context, r Runner, player inventory.PlayerID) ([]inventory.BallInstance, error) {
	rows, err := r.QueryContext(ctx, s.q(`SELECT id, species, special, attack_bonus, health_bonus, obtained_at
		FROM inventory_balls WHERE player = ? ORDER BY id`), string(player))
	if err != nil {
		return nil, fmt.Errorf("read balls: %w", err)
	}
	defer rows.Close()
	var out []inventory.BallInstance
	for rows.Next() {
		var (
			b        inventory.BallInstance
			obtained int64
		)
		if err := rows.Scan(&b.ID, &b.Species, &b.Special, &b.AttackBonus, &b.HealthBonus, &obtained); err != nil {
			return nil, fmt.Errorf("scan ball: %w", err)
		}
		b.ObtainedAt = fromNanos(obtained)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) readItems(ctx context.Context, r Runner, player inventory.PlayerID, into map[inventory.ItemID]int) error {
	rows, err := r.QueryContext(ctx, s.q(`SELECT item, quantity FROM inventory_items WHERE player = ? AND quantity > 0`), string(player))
	if err != nil {
		return fmt.Errorf("read items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  string
			qty int
		)
		if err := rows.Scan(&id, &qty); err != nil {
			return fmt.Errorf("scan item: %w", err)
		}
		into[inventory.ItemID(id)] = qty
	}
	return rows.Err()
}

// Commit implements store.Inventory. Everything runs in one transaction; the
// player's version row is locked first so concurrent commits serialize.
func (s *Store) Commit(ctx context.Context, tx inventory.Transaction) (inventory.Receipt, error) {
	var receipt inventory.Receipt
	err := s.inTx(ctx, func(sqlTx *sql.Tx) error {
		var err error
		receipt, err = s.commit(ctx, sqlTx, tx)
		return err
	})
	if err != nil {
		return inventory.Receipt{}, fmt.Errorf("%s: commit for %s: %w", s.d.Name, tx.Player, err)
	}
	s.notify(tx.Player)
	return receipt, nil
}

func (s *Store) commit(ctx context.Context, r Runner, tx inventory.Transaction) (inventory.Receipt, error) {
	player := string(tx.Player)
	if _, err := r.ExecContext(ctx, s.q(`INSERT INTO inventory_versions (player, version) VALUES (?, 0)
		ON CONFLICT (player) DO NOTHING`), player); err != nil {
		return inventory.Receipt{}, fmt.Errorf("ensure version row: %w", err)
	}
	var version int64
	if err := r.QueryRowContext(ctx, s.q(`SELECT version FROM inventory_versions WHERE player = ?`+s.d.ForUpdate), player).Scan(&version); err != nil {
		return inventory.Receipt{}, fmt.Errorf("lock version row: %w", err)
	}
	if tx.ExpectedVersion != 0 && version != tx.ExpectedVersion {
		return inventory.Receipt{}, fmt.Errorf("%w: at version %d, expected %d", store.ErrConflict, version, tx.ExpectedVersion)
	}

	for _, id := range tx.Consume.Balls {
		res, err := r.ExecContext(ctx, s.q(`DELETE FROM inventory_balls WHERE id = ? AND player = ?`), int64(id), player)
		if err != nil {
			return inventory.Receipt{}, fmt.Errorf("consume ball %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return inventory.Receipt{}, fmt.Errorf("%w: ball %d not owned", store.ErrInsufficient, id)
		}
	}
	for _, id := range sortedItems(tx.Consume.Items) {
		qty := tx.Consume.Items[id]
		if qty < 0 {
			return inventory.Receipt{}, fmt.Errorf("%w: negative consumption of %s", store.ErrInsufficient, id)
		}
		res, err := r.ExecContext(ctx, s.q(`UPDATE inventory_items SET quantity = quantity - ?
			WHERE player = ? AND item = ? AND quantity >= ?`), qty, player, string(id), qty)
		if err != nil {
			return inventory.Receipt{}, fmt.Errorf("consume %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return inventory.Receipt{}, fmt.Errorf("%w: not enough %s", store.ErrInsufficient, id)
		}
	}
	if len(tx.Consume.Items) > 0 {
		if _, err := r.ExecContext(ctx, s.q(`DELETE FROM inventory_items WHERE player = ? AND quantity = 0`), player); err != nil {
			return inventory.Receipt{}, fmt.Errorf("clear empty items: %w", err)
		}
	}

	var receipt inventory.Receipt
	obtained := s.now().UTC()
	for _, m := range tx.Mint {
		for i := 0; i < m.Quantity; i++ {
			b := inventory.BallInstance{Species: m.Species, Special: m.Special, ObtainedAt: obtained}
			err := r.QueryRowContext(ctx, s.q(`INSERT INTO inventory_balls (player, species, special, attack_bonus, health_bonus, obtained_at)
				VALUES (?, ?, ?, 0, 0, ?) RETURNING id`), player, string(m.Species), string(m.Special), nanos(obtained)).Scan(&b.ID)
			if err != nil {
				return inventory.Receipt{}, fmt.Errorf("mint %s: %w", m.Species, err)
			}
			receipt.MintedBalls = append(receipt.MintedBalls, b)
		}
	}
	if len(tx.Credit) > 0 {
		receipt.Credited = make(map[inventory.ItemID]int, len(tx.Credit))
		for _, id := range sortedItems(tx.Credit) {
			qty := tx.Credit[id]
			if _, err := r.ExecContext(ctx, s.q(`INSERT INTO inventory_items (player, item, quantity) VALUES (?, ?, ?)
				ON CONFLICT (player, item) DO UPDATE SET quantity = inventory_items.quantity + excluded.quantity`),
				player, string(id), qty); err != nil {
				return inventory.Receipt{}, fmt.Errorf("credit %s: %w", id, err)
			}
			receipt.Credited[id] = qty
		}
	}

	if _, err := r.ExecContext(ctx, s.q(`UPDATE inventory_versions SET version = version + 1 WHERE player = ?`), player); err != nil {
		return inventory.Receipt{}, fmt.Errorf("bump version: %w", err)
	}
	receipt.Version = version + 1
	return receipt, nil
}

func sortedItems(m map[inventory.ItemID]int) []inventory.ItemID {
	ids := make([]inventory.ItemID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Settings implements recipe.Source. Defaults apply until an admin saves.
func (s *Store) Settings(ctx context.Context) (recipe.Settings, error) {
	var (
		out      recipe.Settings
		cooldown int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT enabled, global_cooldown_seconds, auto_crafting_enabled FROM craft_settings WHERE id = 1`)).
		Scan(&out.Enabled, &cooldown, &out.AutoCraftingEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return recipe.DefaultSettings(), nil
	}
	if err != nil {
		return recipe.Settings{}, fmt.Errorf("%s: read settings: %w", s.d.Name, err)
	}
	out.GlobalCooldownSeconds = uint(cooldown)
	return out, nil
}

// SaveSettings implements store.Config.
func (s *Store) SaveSettings(ctx context.Context, settings recipe.Settings) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO craft_settings (id, enabled, global_cooldown_seconds, auto_crafting_enabled)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET enabled = excluded.enabled,
			global_cooldown_seconds = excluded.global_cooldown_seconds,
			auto_crafting_enabled = excluded.auto_crafting_enabled`),
		settings.Enabled, int64(settings.GlobalCooldownSeconds), settings.AutoCraftingEnabled)
	if err != nil {
		return fmt.Errorf("%s: save settings: %w", s.d.Name, err)
	}
	return nil
}

// Recipe implements recipe.Source.
func (s *Store) Recipe(ctx context.Context, id recipe.ID) (*recipe.Recipe, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT body FROM craft_recipes WHERE id = ?`), string(id)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", recipe.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read recipe %s: %w", s.d.Name, id, err)
	}
	var r recipe.Recipe
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("%s: decode recipe %s: %w", s.d.Name, id, err)
	}
	return &r, nil
}

// Recipes implements recipe.Source.
func (s *Store) Recipes(ctx context.Context) ([]*recipe.Recipe, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM craft_recipes`)
	if err != nil {
		return nil, fmt.Errorf("%s: list recipes: %w", s.d.Name, err)
	}
	defer rows.Close()
	var out []*recipe.Recipe
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%s: scan recipe: %w", s.d.Name, err)
		}
		r := &recipe.Recipe{}
		if err := json.Unmarshal([]byte(body), r); err != nil {
			return nil, fmt.Errorf("%s: decode recipe: %w", s.d.Name, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	recipe.SortByName(out)
	return out, nil
}

// SaveRecipe implements store.Config. CreatedAt survives updates.
func (s *Store) SaveRecipe(ctx context.Context, r *recipe.Recipe) error {
	if err := r.Validate(s.items); err != nil {
		return err
	}
	saved := r.Clone()
	now := s.now().UTC()
	if prev, err := s.Recipe(ctx, r.ID); err == nil {
		saved.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, recipe.ErrNotFound) {
		return err
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = now
	}
	saved.UpdatedAt = now
	body, err := json.Marshal(saved)
	if err != nil {
		return fmt.Errorf("encode recipe %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO craft_recipes (id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`),
		string(saved.ID), string(body), nanos(now))
	if err != nil {
		return fmt.Errorf("%s: save recipe %s: %w", s.d.Name, r.ID, err)
	}
	return nil
}

// DeleteRecipe implements store.Config.
func (s *Store) DeleteRecipe(ctx context.Context, id recipe.ID) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM craft_recipes WHERE id = ?`), string(id))
	if err != nil {
		return fmt.Errorf("%s: delete recipe %s: %w", s.d.Name, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", recipe.ErrNotFound, id)
	}
	return nil
}

// LastSuccess implements store.Cooldowns.
func (s *Store) LastSuccess(ctx context.Context, key store.CooldownKey) (time.Time, bool, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT at FROM craft_cooldowns WHERE player = ? AND recipe = ?`),
		string(key.Player), string(key.Recipe)).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s: read cooldown: %w", s.d.Name, err)
	}
	return fromNanos(at), true, nil
}

// RecordSuccess implements store.Cooldowns. Stored timestamps never move back.
func (s *Store) RecordSuccess(ctx context.Context, at time.Time, keys ...store.CooldownKey) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			_, err := tx.ExecContext(ctx, s.q(`INSERT INTO craft_cooldowns (player, recipe, at) VALUES (?, ?, ?)
				ON CONFLICT (player, recipe) DO UPDATE SET at = `+s.d.Greatest+`(craft_cooldowns.at, excluded.at)`),
				string(k.Player), string(k.Recipe), nanos(at))
			if err != nil {
				return fmt.Errorf("record cooldown %s/%s: %w", k.Player, k.Recipe, err)
			}
		}
		return nil
	})
}

// PruneBefore implements store.Cooldowns.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM craft_cooldowns WHERE at < ?`), nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("%s: prune cooldowns: %w", s.d.Name, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveSubscription implements store.Subscriptions.
func (s *Store) SaveSubscription(ctx context.Context, sub store.Subscription) error {
	now := s.now().UTC()
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}
	// A zero CreatedAt keeps the stored one.
	update := `recipe = excluded.recipe, active = excluded.active, updated_at = excluded.updated_at`
	created := nanos(sub.CreatedAt)
	if created == 0 {
		created = nanos(now)
	} else {
		update += `, created_at = excluded.created_at`
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO craft_subscriptions (player, recipe, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (player) DO UPDATE SET `+update),
		string(sub.Player), string(sub.Recipe), sub.Active, created, nanos(sub.UpdatedAt))
	if err != nil {
		return fmt.Errorf("%s: save subscription %s: %w", s.d.Name, sub.Player, err)
	}
	return nil
}

const subscriptionColumns = `player, recipe, active, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (store.Subscription, error) {
	var (
		sub              store.Subscription
		created, updated int64
	)
	if err := row.Scan(&sub.Player, &sub.Recipe, &sub.Active, &created, &updated); err != nil {
		return store.Subscription{}, err
	}
	sub.CreatedAt = fromNanos(created)
	sub.UpdatedAt = fromNanos(updated)
	return sub, nil
}

// Subscription implements store.Subscriptions.
func (s *Store) Subscription(ctx context.Context, player inventory.PlayerID) (store.Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+subscriptionColumns+` FROM craft_subscriptions WHERE player = ?`), string(player))
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Subscription{}, fmt.Errorf("%w: subscription for %s", store.ErrNotFound, player)
	}
	if err != nil {
		return store.Subscription{}, fmt.Errorf("%s: read subscription %s: %w", s.d.Name, player, err)
	}
	return sub, nil
}

// ActiveSubscriptions implements store.Subscriptions.
func (s *Store) ActiveSubscriptions(ctx context.Context) ([]store.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+subscriptionColumns+` FROM craft_subscriptions WHERE active = ? ORDER BY player`), true)
	if err != nil {
		return nil, fmt.Errorf("%s: list subscriptions: %w", s.d.Name, err)
	}
	defer rows.Close()
	var out []store.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan subscription: %w", s.d.Name, err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Append implements audit.Sink. Re-appending a record id is a no-op so
// retried batches never duplicate rows.
func (s *Store) Append(ctx context.Context, records []audit.Record) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			body, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode audit record %s: %w", rec.ID, err)
			}
			_, err = tx.ExecContext(ctx, s.q(`INSERT INTO craft_audit (id, at, player, recipe, outcome, source, body)
				VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
				rec.ID, nanos(rec.Time), string(rec.Player), string(rec.Recipe), string(rec.Outcome), string(rec.Source), string(body))
			if err != nil {
				return fmt.Errorf("insert audit record %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// Query implements audit.Reader, newest first.
func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	query := `SELECT body FROM craft_audit WHERE 1 = 1`
	var args []any
	if f.Player != "" {
		query += ` AND player = ?`
		args = append(args, string(f.Player))
	}
	if f.Recipe != "" {
		query += ` AND recipe = ?`
		args = append(args, string(f.Recipe))
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: query audit: %w", s.d.Name, err)
	}
	defer rows.Close()
	out := make([]audit.Record, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%s: scan audit: %w", s.d.Name, err)
		}
		var rec audit.Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			log.Printf("%s: skipping undecodable audit row: %v", s.d.Name, err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close implements store.Backend.
func (s *Store) Close() error {
	return s.db.Close()
}
