// Package sqlitestore opens a single-file SQLite database as the crafting
// engine's store.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/gravitas-games/crafting/internal/inventory"
	"github.com/gravitas-games/crafting/internal/store"
	"github.com/gravitas-games/crafting/internal/store/sqlstore"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS inventory_versions (
		player  TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_items (
		player   TEXT NOT NULL,
		item     TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		PRIMARY KEY (player, item)
	)`,
	`CREATE TABLE IF NOT EXISTS inventory_balls (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		player       TEXT NOT NULL,
		species      TEXT NOT NULL,
		special      TEXT NOT NULL DEFAULT '',
		attack_bonus INTEGER NOT NULL DEFAULT 0,
		health_bonus INTEGER NOT NULL DEFAULT 0,
		obtained_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS inventory_balls_player ON inventory_balls (player)`,
	`CREATE TABLE IF NOT EXISTS craft_settings (
		id                      INTEGER PRIMARY KEY CHECK (id = 1),
		enabled                 BOOLEAN NOT NULL,
		global_cooldown_seconds INTEGER NOT NULL,
		auto_crafting_enabled   BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS craft_recipes (
		id         TEXT PRIMARY KEY,
		body       TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS craft_cooldowns (
		player TEXT NOT NULL,
		recipe TEXT NOT NULL,
		at     INTEGER NOT NULL,
		PRIMARY KEY (player, recipe)
	)`,
	`CREATE TABLE IF NOT EXISTS craft_subscriptions (
		player     TEXT PRIMARY KEY,
		recipe     TEXT NOT NULL,
		active     BOOLEAN NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS craft_audit (
		seq     INTEGER PRIMARY KEY AUTOINCREMENT,
		id      TEXT NOT NULL UNIQUE,
		at      INTEGER NOT NULL,
		player  TEXT NOT NULL,
		recipe  TEXT NOT NULL,
		outcome TEXT NOT NULL,
		source  TEXT NOT NULL,
		body    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS craft_audit_player ON craft_audit (player, seq)`,
	`CREATE INDEX IF NOT EXISTS craft_audit_recipe ON craft_audit (recipe, seq)`,
}

// Dialect is the SQLite flavour of sqlstore. The single connection already
// serializes transactions, so no row locks are taken.
var Dialect = sqlstore.Dialect{
	Name:     "sqlite",
	Greatest: "MAX",
	Classify: classify,
}

func classify(err error) error {
	if err == nil || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInsufficient) {
		return err
	}
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return err
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	case sqlite3.SQLITE_CONSTRAINT:
		if serr.Code() == sqlite3.SQLITE_CONSTRAINT_CHECK {
			return fmt.Errorf("%w: %v", store.ErrInsufficient, err)
		}
	}
	return err
}

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string, items *inventory.Registry) (*sqlstore.Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := sqlstore.New(db, Dialect, items)
	if err := s.Migrate(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func initPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	return nil
}
