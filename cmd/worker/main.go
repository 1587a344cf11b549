// Command worker runs scheduled syncs without serving HTTP: every interval
// it discovers feed accounts, pages each one through the feed, and runs
// matching and categorization over the merged data.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/txsync/internal/app"
	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/syncer"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build application")
	}
	defer a.Close()

	log = a.Log
	if cfg.Sync.Interval <= 0 {
		log.Fatal().Msg("sync.interval must be positive for the worker")
	}
	if cfg.Store.Backend == "memory" {
		log.Warn().Msg("Memory store: synced data is lost on exit")
	}

	ctx, cancel := context.WithCancel(logger.WithContext(ctx, log))
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutting down")
		cancel()
	}()

	log.Info().Dur("interval", cfg.Sync.Interval).Msg("Worker started")
	runOnce(ctx, a.Orchestrator)

	ticker := time.NewTicker(cfg.Sync.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Worker exited")
			return
		case <-ticker.C:
			runOnce(ctx, a.Orchestrator)
		}
	}
}

func runOnce(ctx context.Context, orch *syncer.Orchestrator) {
	log := logger.FromContext(ctx)

	results, err := orch.SyncAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Sync pass failed")
	}
	for _, res := range results {
		if res.Status != syncer.StatusSucceeded {
			log.Warn().
				Str("account_id", res.AccountID).
				Str("status", string(res.Status)).
				Err(res.Err).
				Msg("Account did not fully sync")
		}
	}
	log.Info().Int("accounts", len(results)).Msg("Sync pass finished")
}
