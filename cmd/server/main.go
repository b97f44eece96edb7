// Package main is the entry point for tickerd, the market data job
// orchestration service. It boots the sqlite store, seeds the job
// configurations, wires the scan engine and job bodies, and runs the cron
// scheduler next to the HTTP control surface until shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkoutso/tickerd/internal/clients/stooq"
	"github.com/dkoutso/tickerd/internal/config"
	"github.com/dkoutso/tickerd/internal/database"
	"github.com/dkoutso/tickerd/internal/jobs"
	"github.com/dkoutso/tickerd/internal/market"
	"github.com/dkoutso/tickerd/internal/prices"
	"github.com/dkoutso/tickerd/internal/scan"
	"github.com/dkoutso/tickerd/internal/scheduler"
	"github.com/dkoutso/tickerd/internal/server"
	"github.com/dkoutso/tickerd/internal/universe"
	"github.com/dkoutso/tickerd/pkg/logger"
)

// refreshSymbolCap bounds the intraday refresh universe so the 15-minute
// cadence stays inside one rate-limit window.
const refreshSymbolCap = 200

// symbolSource adapts the provider's directory listing to the reference
// table's row type.
type symbolSource struct {
	client *stooq.Client
}

func (s symbolSource) FetchSymbols(ctx context.Context) ([]universe.Symbol, error) {
	listings, err := s.client.FetchSymbolDirectory(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make([]universe.Symbol, 0, len(listings))
	for _, l := range listings {
		symbols = append(symbols, universe.Symbol{
			Symbol:   l.Symbol,
			Name:     l.Name,
			Exchange: l.Exchange,
			IsTest:   l.IsTest,
			IsActive: l.IsActive,
		})
	}
	return symbols, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("Starting tickerd")

	db, err := database.New(database.Config{Path: cfg.DatabasePath()})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() { _ = db.Close() }()

	calendar, err := market.NewCalendar(cfg.MarketTimezone, market.SessionWindow{
		OpenHour:    cfg.MarketOpenHour,
		OpenMinute:  cfg.MarketOpenMinute,
		CloseHour:   cfg.MarketCloseHour,
		CloseMinute: cfg.MarketCloseMinute,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build market calendar")
	}

	// Repositories.
	configStore := jobs.NewConfigStore(db, log)
	tracker := jobs.NewTracker(db, log)
	universeRepo := universe.NewRepository(db, log)
	priceRepo := prices.NewRepository(db, log)
	scanRepo := scan.NewRepository(db, log)

	ctx := context.Background()
	if err := configStore.Seed(ctx, jobs.DefaultConfigurations()); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed job configurations")
	}

	// A restart while a job was mid-flight leaves running rows behind.
	if cleaned, err := tracker.CleanupStuckRuns(ctx, time.Minute); err != nil {
		log.Error().Err(err).Msg("Failed to clean up stale running rows")
	} else if cleaned > 0 {
		log.Warn().Int64("runs", cleaned).Msg("Marked stale running rows from previous process as failed")
	}

	// Provider and scan engines. The refresh engine shares every collaborator
	// but caps the universe and reuses the bulk pacing.
	provider := stooq.NewClient(stooq.Config{
		BaseURL: cfg.ProviderBaseURL,
		APIKey:  cfg.ProviderAPIKey,
		Timeout: cfg.ProviderTimeout,
	}, log)

	scanOpts := scan.Options{
		BatchSize:    cfg.ScanBatchSize,
		Workers:      cfg.ScanWorkers,
		RatePerSec:   cfg.ScanRatePerSec,
		RetryWorkers: cfg.RetryWorkers,
		RetryRate:    cfg.RetryRatePerSec,
		TaskDeadline: cfg.ScanTaskDeadline,
		SymbolLimit:  cfg.ScanSymbolLimit,
	}
	engine := scan.NewEngine(scanRepo, provider, universeRepo, priceRepo, calendar, scanOpts, log)

	refreshOpts := scanOpts
	refreshOpts.SymbolLimit = refreshSymbolCap
	refreshEngine := scan.NewEngine(scanRepo, provider, universeRepo, priceRepo, calendar, refreshOpts, log)

	// Runner, chain and job bodies.
	runner := jobs.NewRunner(tracker, log)
	chain := jobs.NewChainManager(jobs.DefaultChain(), runner, log)
	runner.SetChain(chain)

	handlers := &jobs.HandlerSet{
		Scanner:        engine,
		RefreshScanner: refreshEngine,
		Symbols:        symbolSource{client: provider},
		Universe:       universeRepo,
		Prices:         priceRepo,
		Scans:          scanRepo,
		Tracker:        tracker,
		Calendar:       calendar,
		Log:            log,
	}
	handlers.Register(runner)

	sched := scheduler.New(configStore, runner, tracker, calendar, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	srv := server.New(server.Config{
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Configs:   configStore,
		Tracker:   tracker,
		Runner:    runner,
		Chain:     chain,
		Scans:     scanRepo,
		Retrier:   engine,
		Scheduler: sched,
		Log:       log,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutdown signal received")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	log.Info().Msg("tickerd stopped")
}
