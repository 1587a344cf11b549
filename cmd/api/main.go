// Command api serves the HTTP API and processes sync jobs in-process. The
// job queue is in-memory, so the API publishes and consumes its own jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/txsync/internal/api/handlers"
	"github.com/dvloznov/txsync/internal/api/middleware"
	"github.com/dvloznov/txsync/internal/app"
	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/jobs"
	"github.com/dvloznov/txsync/internal/jobs/inmemory"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/store"
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
	ctx = logger.WithContext(ctx, log)

	if a.Archiver == nil {
		log.Warn().Msg("No GCS bucket configured, uploads will not be archived")
	}

	jobStore := inmemory.NewStore()
	queue := inmemory.NewQueue(cfg.Sync.QueueSize, cfg.Sync.Workers, jobStore)
	defer queue.Close()

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	if err := queue.Start(workerCtx, syncJobHandler(a.Orchestrator)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	if cfg.Sync.Interval > 0 {
		go scheduleSyncs(workerCtx, log, a.Store, queue, cfg.Sync.Interval)
	}

	// Discover feed accounts at startup so manual triggers have something
	// to sync; POST /api/sync re-discovers on demand.
	if _, err := a.Orchestrator.BootstrapAccounts(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial account discovery failed")
	}

	h := handlers.New(a.Store, queue, jobStore, a.Orchestrator, a.Orchestrator, a.Matcher, a.Pipeline, a.Archiver)
	mux := http.NewServeMux()
	h.Routes(mux)

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      middleware.Chain(log, mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTP.Port).Str("store", cfg.Store.Backend).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Forced shutdown")
	}
}

// syncJobHandler maps a finished sync run onto the job record. A partial
// run keeps its merged data and reports partial; a failed run returns the
// error so the queue can retry it.
func syncJobHandler(orch *syncer.Orchestrator) jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		syncJob, ok := job.(*jobs.SyncAccountJob)
		if !ok {
			return fmt.Errorf("unexpected job type: %T", job)
		}

		result, err := orch.SyncAccount(ctx, syncJob.AccountID)
		if err != nil {
			return fmt.Errorf("sync account %s: %w", syncJob.AccountID, err)
		}

		syncJob.PagesFetched = result.Pages
		syncJob.RecordsIngested = result.Records()

		switch result.Status {
		case syncer.StatusPartial:
			syncJob.Status = jobs.JobStatusPartial
			if result.Err != nil {
				syncJob.Error = result.Err.Error()
			}
			return nil
		case syncer.StatusFailed:
			if result.Err != nil {
				return result.Err
			}
			return fmt.Errorf("sync account %s: no pages fetched", syncJob.AccountID)
		default:
			return nil
		}
	}
}

// scheduleSyncs publishes a scheduled sync job per external-feed account
// every interval.
func scheduleSyncs(ctx context.Context, log zerolog.Logger, st store.Store, publisher jobs.Publisher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Scheduled syncs enabled")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		accounts, err := st.ListAccounts(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Scheduled sync: failed to list accounts")
			continue
		}
		for _, acc := range accounts {
			if acc.Kind != domain.SourceExternalAPI {
				continue
			}
			job := &jobs.SyncAccountJob{AccountID: acc.ID, Trigger: "scheduled"}
			if err := publisher.PublishSyncAccount(ctx, job); err != nil {
				log.Warn().Err(err).Str("account_id", acc.ID).Msg("Scheduled sync: failed to enqueue")
			}
		}
	}
}
