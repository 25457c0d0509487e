package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gravitas-games/crafting/internal/jobs"
)

// Config holds all daemon configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	JWT         JWTConfig         `yaml:"jwt"`
	Redis       RedisConfig       `yaml:"redis"`
	Store       StoreConfig       `yaml:"store"`
	Crafting    CraftingConfig    `yaml:"crafting"`
	AutoCraft   AutoCraftConfig   `yaml:"autocraft"`
	Audit       AuditConfig       `yaml:"audit"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// JWTConfig holds JWT authentication settings
type JWTConfig struct {
	Issuer        string `yaml:"issuer"`
	PublicKeyPath string `yaml:"public_key_path"`
	// Insecure trusts the player query parameter instead of a token. Local development only.
	Insecure bool `yaml:"insecure"`
}

// RedisConfig holds Redis connection settings. An empty address disables Redis.
type RedisConfig struct {
	Address         string `yaml:"address"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	BlacklistPrefix string `yaml:"blacklist_prefix"`
	LockPrefix      string `yaml:"lock_prefix"`
	CooldownPrefix  string `yaml:"cooldown_prefix"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// CraftingConfig holds crafting engine settings
type CraftingConfig struct {
	SeedPath        string        `yaml:"seed_path"`
	LockWait        time.Duration `yaml:"lock_wait"`
	Enabled         *bool         `yaml:"enabled"`
	CooldownSeconds *int          `yaml:"cooldown_seconds"`
	AutoCraft       *bool         `yaml:"auto_crafting_enabled"`
}

// AutoCraftConfig holds auto-craft scheduler settings
type AutoCraftConfig struct {
	Interval      time.Duration `yaml:"interval"`
	SweepSchedule string        `yaml:"sweep_schedule"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	Dir        string        `yaml:"dir"` // empty disables the file sink
	FilePrefix string        `yaml:"file_prefix"`
	QueueSize  int           `yaml:"queue_size"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

// RateLimitConfig holds per-connection command limits
type RateLimitConfig struct {
	CommandsPerSecond float64 `yaml:"commands_per_second"`
	Burst             int     `yaml:"burst"`
}

// MaintenanceConfig holds background job schedules
type MaintenanceConfig struct {
	PruneSchedule     string        `yaml:"prune_schedule"`
	CooldownRetention time.Duration `yaml:"cooldown_retention"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and fills defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not provided
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Redis.BlacklistPrefix == "" {
		cfg.Redis.BlacklistPrefix = "jwt:blacklist:"
	}
	if cfg.Redis.LockPrefix == "" {
		cfg.Redis.LockPrefix = "craft:lock:"
	}
	if cfg.Redis.CooldownPrefix == "" {
		cfg.Redis.CooldownPrefix = "craft:cooldown:"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Crafting.LockWait == 0 {
		cfg.Crafting.LockWait = 5 * time.Second
	}
	if cfg.AutoCraft.Interval == 0 {
		cfg.AutoCraft.Interval = 30 * time.Second
	}
	if cfg.AutoCraft.SweepSchedule == "" {
		cfg.AutoCraft.SweepSchedule = "@every 1s"
	}
	if cfg.AutoCraft.MaxConcurrent == 0 {
		cfg.AutoCraft.MaxConcurrent = 16
	}
	if cfg.Audit.FilePrefix == "" {
		cfg.Audit.FilePrefix = "craft-audit"
	}
	if cfg.Audit.QueueSize == 0 {
		cfg.Audit.QueueSize = 4096
	}
	if cfg.Audit.BatchSize == 0 {
		cfg.Audit.BatchSize = 64
	}
	if cfg.Audit.MaxRetries == 0 {
		cfg.Audit.MaxRetries = 5
	}
	if cfg.Audit.Backoff == 0 {
		cfg.Audit.Backoff = 100 * time.Millisecond
	}
	if cfg.RateLimit.CommandsPerSecond == 0 {
		cfg.RateLimit.CommandsPerSecond = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Maintenance.PruneSchedule == "" {
		cfg.Maintenance.PruneSchedule = "@hourly"
	}
	if cfg.Maintenance.CooldownRetention == 0 {
		cfg.Maintenance.CooldownRetention = 24 * time.Hour
	}

	switch cfg.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store driver %q requires a dsn", cfg.Store.Driver)
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err := jobs.ValidateSpec(cfg.AutoCraft.SweepSchedule); err != nil {
		return nil, fmt.Errorf("autocraft.sweep_schedule: %w", err)
	}
	if err := jobs.ValidateSpec(cfg.Maintenance.PruneSchedule); err != nil {
		return nil, fmt.Errorf("maintenance.prune_schedule: %w", err)
	}

	return &cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
