// Kasan - Visit bonus calculation for home-visit nursing agencies.
// Copyright (c) 2025 OpenCare Japan
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opencare-jp/kasan/internal/api"
	"github.com/opencare-jp/kasan/internal/bus"
	"github.com/opencare-jp/kasan/internal/cache"
	"github.com/opencare-jp/kasan/internal/catalog"
	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/engine"
	"github.com/opencare-jp/kasan/internal/recalc"
	"github.com/opencare-jp/kasan/internal/receipt"
	"github.com/opencare-jp/kasan/internal/repository"
	"github.com/opencare-jp/kasan/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KASAN_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kasan",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for agency tier via environment
	if os.Getenv("KASAN_TIER") == "agency" {
		cfg = domain.AgencyConfig()
		slog.Info("running in agency tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Catalog
	cat := catalog.New(repo, cacheImpl, cfg.Cache.LocalTTL)
	slog.Info("rule catalog initialized")

	// Initialize Calculation Engine
	eng, err := engine.New(repo, cat, busImpl)
	if err != nil {
		slog.Error("failed to initialize calculation engine", "error", err)
		os.Exit(1)
	}
	slog.Info("calculation engine initialized")

	// Initialize Recalculation Orchestrator
	orch := recalc.New(repo, cat, busImpl, cfg.Recalc)
	slog.Info("recalculation orchestrator initialized",
		"lock_retries", cfg.Recalc.LockRetries,
	)

	// Initialize Receipt Service
	receipts := receipt.NewService(repo)

	// Initialize async recalculation Worker (agency tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierAgency || os.Getenv("KASAN_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, orch)

		var facilityIDs []string
		if envFacilities := os.Getenv("KASAN_FACILITIES"); envFacilities != "" {
			for _, id := range strings.Split(envFacilities, ",") {
				if id = strings.TrimSpace(id); id != "" {
					facilityIDs = append(facilityIDs, id)
				}
			}
		}

		workerCfg := worker.Config{
			FacilityIDs: facilityIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "facility_count", len(facilityIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, eng, orch, receipts, cat, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kasan is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kasan shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  kasan - visit bonus calculation engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /visits                    - Ingest a visit record")
	fmt.Println("    POST /visits/{id}/calculate     - Calculate bonuses for a visit")
	fmt.Println("    GET  /visits/{id}/decisions     - Get committed decisions")
	fmt.Println("    POST /recalculate               - Recalculate a patient-month")
	fmt.Println("    GET  /patients/{id}/receipt     - Monthly receipt summary")
	fmt.Println("    GET  /rules                     - List rules")
	fmt.Println("    POST /rules                     - Create or replace a rule")
	fmt.Println("    POST /rules/reload              - Invalidate the rule catalog")
	fmt.Println("    PUT  /facilities/{id}/profile   - Upsert facility profile")
	fmt.Println("    PUT  /patients/{id}/profile     - Upsert patient profile")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println()
}
