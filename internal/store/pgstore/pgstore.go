// Package pgstore opens a PostgreSQL database as the crafting engine's store.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/store"
	"github.com/gravitas-games/crafting/internal/store/sqlstore"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS inventory_versions (
		player  TEXT PRIMARY KEY,
		version BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_items (
		player   TEXT NOT NULL,
		item     TEXT NOT NULL,
		quantity BIGINT NOT NULL CHECK (quantity >= 0),
		PRIMARY KEY (player, item)
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_balls (
		id           BIGSERIAL PRIMARY KEY,
		player       TEXT NOT NULL,
		species      TEXT NOT NULL,
		special      TEXT NOT NULL DEFAULT '',
		attack_bonus INTEGER NOT NULL DEFAULT 0,
		health_bonus INTEGER NOT NULL DEFAULT 0,
		obtained_at  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS inventory_balls_player ON inventory_balls (player)`,
	`CREATE TABLE IF NOT EXISTS craft_settings (
		id                      INTEGER PRIMARY KEY CHECK (id = 1),
		enabled                 BOOLEAN NOT NULL,
		global_cooldown_seconds BIGINT NOT NULL,
		auto_crafting_enabled   BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS craft_recipes (
		id         TEXT PRIMARY KEY,
		body       TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS craft_cooldowns (
		player TEXT NOT NULL,
		recipe TEXT NOT NULL,
		at     BIGINT NOT NULL,
		PRIMARY KEY (player, recipe)
	)`,
	`CREATE TABLE IF NOT EXISTS craft_subscriptions (
		player     TEXT PRIMARY KEY,
		recipe     TEXT NOT NULL,
		active     BOOLEAN NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS craft_audit (
		seq     BIGSERIAL PRIMARY KEY,
		id      TEXT NOT NULL UNIQUE,
		at      BIGINT NOT NULL,
		player  TEXT NOT NULL,
		recipe  TEXT NOT NULL,
		outcome TEXT NOT NULL,
		source  TEXT NOT NULL,
		body    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS craft_audit_player ON craft_audit (player, seq)`,
	`CREATE INDEX IF NOT EXISTS craft_audit_recipe ON craft_audit (recipe, seq)`,
}

// Dialect is the PostgreSQL flavour of sqlstore.
var Dialect = sqlstore.Dialect{
	Name:      "postgres",
	Numbered:  true,
	ForUpdate: " FOR UPDATE",
	Greatest:  "GREATEST",
	Classify:  classify,
}

// classify maps PostgreSQL error codes onto store errors.
func classify(err error) error {
	if err == nil || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInsufficient) {
		return err
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "40001", "40P01", "23505": // serialization_failure, deadlock_detected, unique_violation
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	case "23514": // check_violation
		return fmt.Errorf("%w: %v", store.ErrInsufficient, err)
	}
	return err
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, items *inventory.Registry) (*sqlstore.Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := sqlstore.New(db, Dialect, items)
	if err := s.Migrate(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
