// Kestrel - Real-time transaction risk evaluation.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/abtest"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/blacklist"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/cti"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/geo"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/reviewqueue"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scorer"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Local overrides from .env, if present
	_ = godotenv.Load()

	// Load configuration
	cfg := domain.LoadFromEnv()

	// Initialize structured logger
	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
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

	// Initialize Blacklist Manager
	deny := blacklist.NewManager(cacheImpl)
	slog.Info("blacklist manager initialized")

	// Initialize Geolocator
	var geolocator rules.Geolocator
	if cfg.Geo.ProviderURL != "" {
		geolocator = geo.NewHTTPGeolocator(cfg.Geo.ProviderURL, cfg.Geo.Timeout)
		slog.Info("geolocator initialized", "provider", cfg.Geo.ProviderURL)
	} else {
		slog.Info("no geolocation provider configured, LOCATION rules disabled")
	}

	// Initialize Rule Engine
	ruleEngine, err := rules.NewEngine(repo, cacheImpl, deny, geolocator, cfg.Evaluation.RuleCacheTTL, 100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	if err := ruleEngine.LoadActiveRules(ctx, true); err != nil {
		// Rules can be added via the API later; start with an empty set.
		slog.Warn("failed to load rules at startup", "error", err)
	}
	slog.Info("rule engine initialized", "rules_count", ruleEngine.RulesCount())

	// Initialize CTI Connector
	var threatChecker engine.ThreatChecker
	if len(cfg.CTI.ProviderURLs) > 0 {
		threatChecker = cti.New(cfg.CTI)
		slog.Info("cti connector initialized", "providers", len(cfg.CTI.ProviderURLs))
	} else {
		slog.Info("no cti providers configured, threat intel disabled")
	}

	// Initialize ML Scorer
	var mlScorer engine.Scorer
	if cfg.Evaluation.ModelURL != "" {
		mlScorer = scorer.NewHTTPScorer(cfg.Evaluation.ModelURL, nil)
		slog.Info("ml scorer initialized", "url", cfg.Evaluation.ModelURL)
	} else {
		slog.Info("no model url configured, ml scoring disabled")
	}

	// Initialize supporting services
	review := reviewqueue.NewService(repo)
	tests := abtest.NewService(repo)

	// Initialize Evaluation Engine
	eval := engine.New(ruleEngine, threatChecker, cacheImpl, deny, mlScorer, tests, review, repo, busImpl, cfg.Evaluation)
	slog.Info("evaluation engine initialized")

	// Initialize async Worker (Pro tier, or opt-in)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, eval)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, eval, ruleEngine, deny, review, tests, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		asyncWorker.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - Transaction Risk Evaluation Engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate                        - Evaluate a transaction")
	fmt.Println("    GET  /evaluations/{id}                - Get evaluation by ID")
	fmt.Println("    GET  /rules                           - List active rules")
	fmt.Println("    POST /rules                           - Create a new rule")
	fmt.Println("    PUT  /rules/{id}/enabled              - Enable or disable a rule")
	fmt.Println("    POST /rules/reload                    - Hot-reload rules from database")
	fmt.Println("    GET  /blacklist                       - List deny-list entries")
	fmt.Println("    POST /blacklist                       - Add a deny-list entry")
	fmt.Println("    DELETE /blacklist/{type}/{value}      - Remove a deny-list entry")
	fmt.Println("    GET  /review-queue                    - List review entries")
	fmt.Println("    POST /review-queue/{txId}/claim       - Claim an entry")
	fmt.Println("    POST /review-queue/{txId}/resolve     - Resolve an entry")
	fmt.Println("    GET  /abtests                         - List experiments")
	fmt.Println("    POST /abtests                         - Create an experiment")
	fmt.Println("    PUT  /abtests/{id}/status             - Change experiment status")
	fmt.Println("    POST /abtests/{id}/results            - Record a labeled outcome")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println()
}
