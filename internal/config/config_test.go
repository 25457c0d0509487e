package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  host: 127.0.0.1\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:8090" {
		t.Errorf("unexpected addr %q", cfg.Addr())
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected memory driver, got %q", cfg.Store.Driver)
	}
	if cfg.AutoCraft.Interval != 30*time.Second || cfg.AutoCraft.MaxConcurrent != 16 {
		t.Errorf("unexpected autocraft defaults %+v", cfg.AutoCraft)
	}
	if cfg.Crafting.LockWait != 5*time.Second {
		t.Errorf("unexpected lock wait %v", cfg.Crafting.LockWait)
	}
	if cfg.Redis.Enabled() {
		t.Errorf("redis should be disabled without an address")
	}
	if cfg.Maintenance.PruneSchedule != "@hourly" {
		t.Errorf("unexpected prune schedule %q", cfg.Maintenance.PruneSchedule)
	}
}

func TestParseOverrides(t *testing.T) {
	data := []byte(`
store:
  driver: sqlite
  dsn: /tmp/craft.db
crafting:
  lock_wait: 250ms
  enabled: false
  cooldown_seconds: 3
autocraft:
  interval: 1m
rate_limit:
  commands_per_second: 2.5
  burst: 4
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Crafting.LockWait != 250*time.Millisecond {
		t.Errorf("unexpected lock wait %v", cfg.Crafting.LockWait)
	}
	if cfg.Crafting.Enabled == nil || *cfg.Crafting.Enabled {
		t.Errorf("enabled override not applied")
	}
	if cfg.Crafting.CooldownSeconds == nil || *cfg.Crafting.CooldownSeconds != 3 {
		t.Errorf("cooldown override not applied")
	}
	if cfg.Crafting.AutoCraft != nil {
		t.Errorf("unset override should stay nil")
	}
	if cfg.AutoCraft.Interval != time.Minute {
		t.Errorf("unexpected interval %v", cfg.AutoCraft.Interval)
	}
	if cfg.RateLimit.CommandsPerSecond != 2.5 || cfg.RateLimit.Burst != 4 {
		t.Errorf("unexpected rate limit %+v", cfg.RateLimit)
	}
}

func TestParseRejectsBadStore(t *testing.T) {
	if _, err := Parse([]byte("store:\n  driver: mongo\n")); err == nil {
		t.Errorf("expected error for unknown driver")
	}
	if _, err := Parse([]byte("store:\n  driver: postgres\n")); err == nil {
		t.Errorf("expected error for missing dsn")
	}
}

func TestParseRejectsBadSchedule(t *testing.T) {
	if _, err := Parse([]byte("autocraft:\n  sweep_schedule: every second\n")); err == nil {
		t.Errorf("expected error for bad sweep schedule")
	}
	if _, err := Parse([]byte("maintenance:\n  prune_schedule: \"61 * * * *\"\n")); err == nil {
		t.Errorf("expected error for bad prune schedule")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "craftd.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("unexpected port %d", cfg.Server.Port)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("expected error for missing file")
	}
}
