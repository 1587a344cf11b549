// Command cli is the operational entry point: one-shot syncs, CSV ingest,
// matcher and categorization runs, and account inspection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dvloznov/txsync/internal/app"
	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/dedup"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/normalize"
	"github.com/dvloznov/txsync/internal/source/upload"
	"github.com/dvloznov/txsync/internal/syncer"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "sync":
		runSync()
	case "upload":
		runUpload()
	case "match":
		runMatch()
	case "categorize":
		runCategorize()
	case "accounts":
		runAccounts()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("txsync CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  sync        Sync accounts from the external feed")
	fmt.Println("  upload      Ingest a CSV file into a manual ledger")
	fmt.Println("  match       Run the reimbursement matcher")
	fmt.Println("  categorize  Run one categorization batch")
	fmt.Println("  accounts    List accounts and their sync watermarks")
	fmt.Println("  help        Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// build loads config and wires the core; every subcommand starts here.
func build(fs *flag.FlagSet, args []string) (*app.App, context.Context) {
	configPath := fs.String("config", "", "Path to TOML config file (optional)")
	fs.Parse(args)

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
	return a, logger.WithContext(ctx, a.Log)
}

func runSync() {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	accountID := fs.String("account", "", "Sync only this account ID")
	a, ctx := build(fs, os.Args[2:])
	defer a.Close()
	log := a.Log

	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	var results []*syncer.Result
	if *accountID != "" {
		res, err := a.Orchestrator.SyncAccount(ctx, *accountID)
		if err != nil {
			log.Fatal().Err(err).Msg("Sync failed")
		}
		results = append(results, res)
	} else {
		var err error
		results, err = a.Orchestrator.SyncAll(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Sync failed")
		}
	}

	failed := false
	for _, res := range results {
		fmt.Printf("%s: %s (%d pages, %d records, %d malformed)\n",
			res.AccountID, res.Status, res.Pages, res.Records(), res.Malformed)
		if res.Status != syncer.StatusSucceeded {
			failed = true
			if res.Err != nil {
				fmt.Printf("  error: %v\n", res.Err)
			}
		}
	}
	if failed {
		a.Close()
		os.Exit(1)
	}
}

func runUpload() {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	accountID := fs.String("account", "", "Manual ledger account ID")
	filePath := fs.String("file", "", "Path to local CSV file")
	a, ctx := build(fs, os.Args[2:])
	defer a.Close()
	log := a.Log

	if *accountID == "" || *filePath == "" {
		log.Fatal().Msg("Usage: cli upload -account ID -file PATH")
	}

	acc, err := a.Store.GetAccount(ctx, *accountID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load account")
	}
	if acc == nil {
		log.Fatal().Str("account_id", *accountID).Msg("No such account")
	}
	if acc.Kind != domain.SourceManualUpload {
		log.Fatal().Str("kind", string(acc.Kind)).Msg("Account is not a manual ledger")
	}

	f, err := os.Open(*filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open file")
	}
	defer f.Close()

	if a.Archiver != nil {
		uri, err := a.Archiver.Stage(ctx, *accountID, filepath.Base(*filePath), f)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to stage upload, ingesting anyway")
		} else {
			fmt.Printf("Staged to %s\n", uri)
		}
		if _, err := f.Seek(0, 0); err != nil {
			log.Fatal().Err(err).Msg("Failed to rewind file")
		}
	}

	batch, skipped, err := upload.ParseCSV(*accountID, f)
	if err != nil {
		log.Fatal().Err(err).Msg("Unreadable CSV")
	}
	for _, row := range skipped {
		fmt.Printf("skipped line %d: %s\n", row.Line, row.Reason)
	}

	res := normalize.UploadBatch(batch, *accountID)
	merge, err := dedup.New(a.Store).Merge(ctx, res.Transactions)
	if err != nil {
		log.Fatal().Err(err).Msg("Merge failed")
	}

	// The merged dates invalidate any cached analyses and feed the matcher.
	if len(res.Transactions) > 0 {
		start, end := dateSpan(res.Transactions)
		a.Orchestrator.RefreshDerived(ctx, start, end)
	}

	fmt.Printf("Ingested %s: %d inserted, %d updated, %d unchanged, %d conflicts, %d malformed, %d skipped\n",
		filepath.Base(*filePath), merge.Inserted, merge.Updated, merge.Unchanged,
		len(merge.Conflicts), len(res.Malformed), len(skipped))
}

// dateSpan returns the half-open date range covering the batch.
func dateSpan(txs []domain.Transaction) (start, end time.Time) {
	start, end = txs[0].Date, txs[0].Date
	for _, tx := range txs[1:] {
		if tx.Date.Before(start) {
			start = tx.Date
		}
		if tx.Date.After(end) {
			end = tx.Date
		}
	}
	return start, end.AddDate(0, 0, 1)
}

func runMatch() {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	a, ctx := build(fs, os.Args[2:])
	defer a.Close()

	report, err := a.Matcher.Run(ctx, time.Now().UTC())
	if err != nil {
		a.Log.Fatal().Err(err).Msg("Matcher run failed")
	}
	fmt.Printf("Considered %d candidates: %d paired, %d ambiguous\n",
		report.Considered, report.Paired, report.Ambiguous)
}

func runCategorize() {
	fs := flag.NewFlagSet("categorize", flag.ExitOnError)
	limit := fs.Int("limit", 50, "Max transactions to categorize")
	a, ctx := build(fs, os.Args[2:])
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()

	report, err := a.Pipeline.Run(ctx, *limit)
	if err != nil {
		a.Log.Fatal().Err(err).Msg("Categorization batch failed")
	}
	fmt.Printf("Requested %d: %d categorized (%d from cache), %d failed\n",
		report.Requested, report.Categorized, report.FromCache, report.Failed)
}

func runAccounts() {
	fs := flag.NewFlagSet("accounts", flag.ExitOnError)
	a, ctx := build(fs, os.Args[2:])
	defer a.Close()

	accounts, err := a.Store.ListAccounts(ctx)
	if err != nil {
		a.Log.Fatal().Err(err).Msg("Failed to list accounts")
	}

	for _, acc := range accounts {
		watermark := "never synced"
		if acc.LastSyncWatermark != nil {
			watermark = acc.LastSyncWatermark.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-14s %-24s %s\n", acc.ID, acc.Kind, acc.Name, watermark)
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts. Run 'cli sync' to discover feed accounts.")
	}
}
