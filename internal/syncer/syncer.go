package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/txsync/internal/categorize"
	"github.com/dvloznov/txsync/internal/dedup"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/match"
	"github.com/dvloznov/txsync/internal/normalize"
	"github.com/dvloznov/txsync/internal/source"
	"github.com/dvloznov/txsync/internal/store"
)

// Feed is the slice of the feed client the orchestrator needs.
type Feed interface {
	FetchPage(ctx context.Context, req source.PageRequest) (*source.Page, error)
	ListAccounts(ctx context.Context, credential string) ([]source.RawAccount, error)
}

// Categorizer is the slice of the categorization pipeline the orchestrator
// drives after a merge. Failures here never fail a sync run.
type Categorizer interface {
	Run(ctx context.Context, limit int) (*categorize.BatchReport, error)
	InvalidateRange(start, end time.Time)
}

// Status is the terminal state of one sync run.
type Status string

const (
	// StatusSucceeded means every page of the window was fetched and merged.
	StatusSucceeded Status = "succeeded"
	// StatusPartial means some pages merged before the run stopped. Merged
	// data is kept; the watermark did not advance.
	StatusPartial Status = "partial"
	// StatusFailed means the run stopped before merging anything.
	StatusFailed Status = "failed"
)

// ErrSyncInProgress is returned when a sync for the account is already
// running; concurrent triggers coalesce instead of double-fetching.
var ErrSyncInProgress = errors.New("sync already in progress for account")

// Result describes one finished sync run.
type Result struct {
	AccountID string
	Status    Status
	Window    Window
	Pages     int
	Merge     *dedup.MergeResult
	Malformed int
	// Err is the error that ended a partial or failed run, nil on success.
	Err error
}

// Records reports how many records were merged.
func (r *Result) Records() int {
	if r.Merge == nil {
		return 0
	}
	return r.Merge.Records()
}

// Options configures an Orchestrator.
type Options struct {
	Credential string
	PageSize   int
	// CategorizeBatch caps how many transactions are categorized after a
	// merge; <= 0 disables the post-sync categorization pass.
	CategorizeBatch int
}

// Orchestrator runs end-to-end syncs: plan the window, page through the
// feed in order, normalize and merge each page, then run matching and
// categorization over the refreshed data. At most one run per account is
// in flight at a time.
type Orchestrator struct {
	feed    Feed
	st      store.Store
	engine  *dedup.Engine
	matcher *match.Matcher
	catz    Categorizer
	tracker *Tracker
	opts    Options

	nowFn func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewOrchestrator wires a sync orchestrator. catz may be nil when no
// categorization backend is configured.
func NewOrchestrator(feed Feed, st store.Store, tracker *Tracker, matcher *match.Matcher, catz Categorizer, opts Options) *Orchestrator {
	if opts.PageSize <= 0 || opts.PageSize > source.MaxPageSize {
		opts.PageSize = source.MaxPageSize
	}
	return &Orchestrator{
		feed:     feed,
		st:       st,
		engine:   dedup.New(st),
		matcher:  matcher,
		catz:     catz,
		tracker:  tracker,
		opts:     opts,
		nowFn:    time.Now,
		inFlight: make(map[string]bool),
	}
}

// BootstrapAccounts discovers accounts at the feed and upserts them so they
// can be synced. Existing accounts keep their watermarks.
func (o *Orchestrator) BootstrapAccounts(ctx context.Context) ([]*domain.Account, error) {
	raw, err := o.feed.ListAccounts(ctx, o.opts.Credential)
	if err != nil {
		return nil, fmt.Errorf("BootstrapAccounts: listing feed accounts: %w", err)
	}

	log := logger.FromContext(ctx)
	out := make([]*domain.Account, 0, len(raw))
	for _, ra := range raw {
		name := ra.Name
		if name == "" {
			name = ra.OfficialName
		}
		acc := &domain.Account{
			ExternalID:  ra.ExternalID,
			Name:        name,
			Kind:        domain.SourceExternalAPI,
			AccountType: ra.Type,
			Institution: ra.Institution,
			Mask:        ra.Mask,
		}
		id, err := o.st.UpsertAccount(ctx, acc)
		if err != nil {
			return out, fmt.Errorf("BootstrapAccounts: upserting account %s: %w", ra.ExternalID, err)
		}
		acc.ID = id
		out = append(out, acc)
	}
	log.Info().Int("accounts", len(out)).Msg("Feed accounts bootstrapped")
	return out, nil
}

// SyncAccount runs one sync for a single account. The returned error covers
// setup problems only (unknown account, run already in flight); fetch and
// merge outcomes are reported through the Result.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID string) (*Result, error) {
	if !o.acquire(accountID) {
		return nil, fmt.Errorf("SyncAccount: account %s: %w", accountID, ErrSyncInProgress)
	}
	defer o.release(accountID)

	acc, err := o.st.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("SyncAccount: loading account: %w", err)
	}
	if acc == nil {
		return nil, fmt.Errorf("SyncAccount: no account %s", accountID)
	}
	if acc.Kind != domain.SourceExternalAPI {
		return nil, fmt.Errorf("SyncAccount: account %s is %s, only external-api accounts sync from the feed", accountID, acc.Kind)
	}

	now := o.nowFn()
	window := o.tracker.PlanWindow(acc, now)
	log := logger.FromContext(ctx).With().
		Str("account_id", acc.ID).
		Time("window_start", window.Start).
		Time("window_end", window.End).
		Bool("initial", window.Initial).
		Logger()
	ctx = logger.WithContext(ctx, log)

	result := o.fetchAndMerge(ctx, acc, window)

	if result.Status == StatusSucceeded {
		if err := o.st.SetWatermark(ctx, acc.ID, window.End); err != nil {
			result.Status = StatusPartial
			result.Err = fmt.Errorf("advancing watermark: %w", err)
		}
	}

	log.Info().
		Str("status", string(result.Status)).
		Int("pages", result.Pages).
		Int("records", result.Records()).
		Int("malformed", result.Malformed).
		Msg("Sync run finished")

	o.postMerge(ctx, window, now)
	return result, nil
}

// SyncAll bootstraps accounts from the feed and syncs each one. A failing
// account does not stop the others.
func (o *Orchestrator) SyncAll(ctx context.Context) ([]*Result, error) {
	if _, err := o.BootstrapAccounts(ctx); err != nil {
		return nil, fmt.Errorf("SyncAll: %w", err)
	}

	accounts, err := o.st.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("SyncAll: listing accounts: %w", err)
	}

	log := logger.FromContext(ctx)
	var results []*Result
	for _, acc := range accounts {
		if acc.Kind != domain.SourceExternalAPI {
			continue
		}
		res, err := o.SyncAccount(ctx, acc.ID)
		if err != nil {
			if errors.Is(err, ErrSyncInProgress) {
				log.Debug().Str("account_id", acc.ID).Msg("Sync already running, skipping")
				continue
			}
			return results, fmt.Errorf("SyncAll: %w", err)
		}
		results = append(results, res)
	}
	return results, nil
}

// fetchAndMerge pages through the window in feed order, merging each page
// before requesting the next so an interrupted run leaves a clean prefix.
func (o *Orchestrator) fetchAndMerge(ctx context.Context, acc *domain.Account, window Window) *Result {
	log := logger.FromContext(ctx)
	result := &Result{
		AccountID: acc.ID,
		Window:    window,
		Merge:     &dedup.MergeResult{},
	}

	accountIDs := map[string]string{acc.ExternalID: acc.ID}
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return o.stopped(result, err)
		}

		page, err := o.feed.FetchPage(ctx, source.PageRequest{
			Credential:        o.opts.Credential,
			AccountExternalID: acc.ExternalID,
			Start:             window.Start,
			End:               window.End,
			PageSize:          o.opts.PageSize,
			Token:             token,
		})
		if err != nil {
			var authErr *source.AuthError
			if errors.As(err, &authErr) {
				log.Warn().Err(err).Msg("Feed rejected credential, sync stopped")
			}
			return o.stopped(result, err)
		}
		result.Pages++

		norm := normalize.FeedBatch(page.Records, accountIDs)
		result.Malformed += len(norm.Malformed)
		for _, mErr := range norm.Malformed {
			log.Warn().
				Str("external_id", mErr.ExternalID).
				Str("field", mErr.Field).
				Str("reason", mErr.Reason).
				Msg("Skipping malformed feed record")
		}

		merge, err := o.engine.Merge(ctx, norm.Transactions)
		if merge != nil {
			result.Merge.Add(merge)
		}
		if err != nil {
			return o.stopped(result, fmt.Errorf("merging page %d: %w", result.Pages, err))
		}

		if !page.HasMore {
			break
		}
		token = page.NextToken
	}

	result.Status = StatusSucceeded
	return result
}

// stopped classifies an interrupted run: partial when a prefix of the window
// actually merged, failed when nothing did. A fetched first page whose merge
// applied no records is not a merged prefix; a run that reached page two
// merged page one by construction.
func (o *Orchestrator) stopped(result *Result, err error) *Result {
	result.Err = err
	if result.Records() > 0 || result.Pages > 1 {
		result.Status = StatusPartial
	} else {
		result.Status = StatusFailed
	}
	return result
}

// RefreshDerived recomputes state derived from the transaction set after
// records landed outside a feed sync, such as a manual upload: pairing,
// analysis cache invalidation over [start, end), and a categorization pass.
func (o *Orchestrator) RefreshDerived(ctx context.Context, start, end time.Time) {
	o.postMerge(ctx, Window{Start: start, End: end}, o.nowFn())
}

// postMerge refreshes downstream state after new data landed: pairing,
// analysis cache invalidation, and a categorization pass. None of these can
// fail the sync itself.
func (o *Orchestrator) postMerge(ctx context.Context, window Window, now time.Time) {
	log := logger.FromContext(ctx)

	if o.matcher != nil {
		if _, err := o.matcher.Run(ctx, now); err != nil {
			log.Warn().Err(err).Msg("Reimbursement matching pass failed")
		}
	}

	if o.catz != nil {
		o.catz.InvalidateRange(window.Start, window.End)
		if o.opts.CategorizeBatch > 0 {
			if _, err := o.catz.Run(ctx, o.opts.CategorizeBatch); err != nil {
				log.Warn().Err(err).Msg("Categorization pass failed")
			}
		}
	}
}

func (o *Orchestrator) acquire(accountID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[accountID] {
		return false
	}
	o.inFlight[accountID] = true
	return true
}

func (o *Orchestrator) release(accountID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, accountID)
}
