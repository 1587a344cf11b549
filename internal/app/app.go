// Package app wires the engine's components from configuration. Every
// binary builds the same core this way; what differs per binary is which
// surfaces (HTTP, queue, scheduler) it mounts on top.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/txsync/internal/categorize"
	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/match"
	"github.com/dvloznov/txsync/internal/source/feedapi"
	"github.com/dvloznov/txsync/internal/staging"
	"github.com/dvloznov/txsync/internal/store"
	"github.com/dvloznov/txsync/internal/store/bigquery"
	"github.com/dvloznov/txsync/internal/store/memory"
	"github.com/dvloznov/txsync/internal/syncer"
)

// App holds the wired core components.
type App struct {
	Config       config.Config
	Log          zerolog.Logger
	Store        store.Store
	Matcher      *match.Matcher
	Pipeline     *categorize.Pipeline
	Orchestrator *syncer.Orchestrator

	// Archiver is nil when no staging bucket is configured.
	Archiver staging.Archiver

	closers []func() error
}

// Build wires the store, categorization pipeline, matcher, feed client, and
// orchestrator from the configuration.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg, Log: logger.NewWithLevel(cfg.Log.Level)}

	switch cfg.Store.Backend {
	case "bigquery":
		st, err := bigquery.New(ctx, cfg.Store.Project, cfg.Store.Dataset)
		if err != nil {
			return nil, fmt.Errorf("Build: opening bigquery store: %w", err)
		}
		a.Store = st
		a.closers = append(a.closers, st.Close)
	default:
		a.Store = memory.New()
	}

	provider, err := categorize.NewProvider(ctx, cfg.LLM)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("Build: creating categorization provider: %w", err)
	}
	a.Pipeline = categorize.NewPipeline(provider, a.Store, a.Store, categorize.Options{
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		MaxRetries:        cfg.LLM.MaxRetries,
		RetryBaseDelay:    cfg.LLM.RetryBaseDelay,
	})

	a.Matcher = match.New(match.Config{
		AmountTolerance: domain.Money(cfg.Match.AmountToleranceCents),
		DateTolerance:   time.Duration(cfg.Match.DateToleranceDays) * 24 * time.Hour,
		Window:          time.Duration(cfg.Match.WindowDays) * 24 * time.Hour,
	}, a.Store, a.Store)

	feed := feedapi.NewClient(cfg.Feed.BaseURL, cfg.Feed.RequestTimeout,
		feedapi.WithRetries(cfg.Feed.MaxRetries, cfg.Feed.RetryBaseDelay))
	tracker := syncer.NewTracker(cfg.Sync.InitialWindowMonths, cfg.Sync.SafetyOverlap())
	a.Orchestrator = syncer.NewOrchestrator(feed, a.Store, tracker, a.Matcher, a.Pipeline, syncer.Options{
		Credential:      cfg.Feed.Credential,
		PageSize:        cfg.Feed.PageSize,
		CategorizeBatch: cfg.LLM.BatchSize,
	})

	if cfg.GCS.Bucket != "" {
		archiver, err := staging.New(ctx, cfg.GCS.Bucket)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("Build: creating upload archiver: %w", err)
		}
		a.Archiver = archiver
		a.closers = append(a.closers, archiver.Close)
	}

	return a, nil
}

// Close releases every resource Build opened.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
