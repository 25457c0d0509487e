package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitas-games/crafting/internal/audit"
	"github.com/gravitas-games/crafting/internal/autocraft"
	"github.com/gravitas-games/crafting/internal/config"
	"github.com/gravitas-games/crafting/internal/cooldown"
	"github.com/gravitas-games/crafting/internal/crafting"
	"github.com/gravitas-games/crafting/internal/jobs"
	"github.com/gravitas-games/crafting/internal/recipe"
	"github.com/gravitas-games/crafting/internal/server"
)

func main() {
	log.Println("Starting crafting daemon...")

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/craftd.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Configuration loaded from %s", configPath)

	ctx := context.Background()

	seed, err := loadSeed(cfg.Crafting.SeedPath)
	if err != nil {
		log.Fatalf("Failed to load seed: %v", err)
	}
	items, err := itemRegistry(seed)
	if err != nil {
		log.Fatalf("Failed to build item registry: %v", err)
	}

	backend, err := openBackend(ctx, cfg.Store, items)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store.Driver, err)
	}
	log.Printf("Using %s store", cfg.Store.Driver)
	if err := applySeed(ctx, backend, seed); err != nil {
		log.Fatalf("Failed to apply seed: %v", err)
	}
	if err := applyOverrides(ctx, backend, cfg.Crafting); err != nil {
		log.Fatalf("Failed to apply crafting settings: %v", err)
	}

	redisClient, err := connectRedis(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("%v", err)
	}
	locker, cooldownStore := coordination(cfg, redisClient, backend)

	// Audit trail: the store index always, compressed files when configured
	sinks := []audit.Sink{backend}
	var files *audit.FileSink
	if cfg.Audit.Dir != "" {
		files = audit.NewFileSink(cfg.Audit.Dir, cfg.Audit.FilePrefix)
		sinks = append(sinks, files)
		log.Printf("Writing audit files to %s", cfg.Audit.Dir)
	}
	auditLog := audit.NewLogger(audit.Options{
		QueueSize:  cfg.Audit.QueueSize,
		BatchSize:  cfg.Audit.BatchSize,
		MaxRetries: cfg.Audit.MaxRetries,
		Backoff:    cfg.Audit.Backoff,
	}, sinks...)

	events := crafting.NewSimpleEventBus()
	cooldowns := cooldown.NewManager(cooldownStore)
	ledger := crafting.NewLedger(
		recipe.NewCatalog(backend),
		backend,
		cooldowns,
		locker,
		auditLog,
		crafting.WithLockWait(cfg.Crafting.LockWait),
		crafting.WithEvents(events),
	)

	scheduler := autocraft.New(autocraft.Deps{
		Ledger:        ledger,
		Config:        backend,
		Inventory:     backend,
		Cooldowns:     cooldowns,
		Subscriptions: backend,
		Events:        events,
	}, autocraft.Options{
		Interval:      cfg.AutoCraft.Interval,
		MaxConcurrent: cfg.AutoCraft.MaxConcurrent,
	})
	if err := scheduler.Load(ctx); err != nil {
		log.Fatalf("Failed to load auto-craft subscriptions: %v", err)
	}
	backend.OnInventoryChange(scheduler.Notify)

	service := crafting.NewService(crafting.ServiceDeps{
		Config:        backend,
		Inventory:     backend,
		Subscriptions: backend,
		Ledger:        ledger,
		AutoCraft:     scheduler,
		Audit:         backend,
		Items:         items,
	})

	runner := jobs.NewRunner()
	if err := runner.AddSweep(cfg.AutoCraft.SweepSchedule, scheduler); err != nil {
		log.Fatalf("Failed to schedule jobs: %v", err)
	}
	if err := runner.AddPrune(cfg.Maintenance.PruneSchedule, cooldowns, cfg.Maintenance.CooldownRetention); err != nil {
		log.Fatalf("Failed to schedule jobs: %v", err)
	}
	runner.Start()

	deps := server.Deps{Service: service, Events: events, Items: items, AutoCraft: scheduler}
	if !cfg.JWT.Insecure {
		key, err := server.LoadPublicKey(cfg.JWT.PublicKeyPath)
		if err != nil {
			log.Fatalf("Failed to load JWT public key: %v", err)
		}
		deps.Auth = server.NewJWTValidator(cfg, key, redisClient)
	}
	srv, err := server.New(cfg, deps)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Addr()); err != nil {
			errChan <- err
		}
	}()

	// Wait for interrupt signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Server error: %v", err)
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down...", sig)
	}

	// Graceful shutdown: stop taking commands, let running crafts finish,
	// then drain the audit queue before closing its sinks.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during server shutdown: %v", err)
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping jobs: %v", err)
	}
	scheduler.Wait()

	if err := auditLog.Close(shutdownCtx); err != nil {
		log.Printf("Audit queue not drained: %v", err)
	}
	stats := auditLog.Stats()
	log.Printf("Audit: %d written, %d failed, %d overflowed", stats.Written, stats.Failed, stats.Overflow)
	if files != nil {
		if err := files.Close(); err != nil {
			log.Printf("Error closing audit file: %v", err)
		}
	}
	if err := backend.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}

	log.Println("Crafting daemon stopped")
}
