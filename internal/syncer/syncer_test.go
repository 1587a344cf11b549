package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/txsync/internal/categorize"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/match"
	"github.com/dvloznov/txsync/internal/source"
	"github.com/dvloznov/txsync/internal/store"
	"github.com/dvloznov/txsync/internal/store/memory"
)

var syncNow = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

// step scripts one FetchPage call.
type step struct {
	page *source.Page
	err  error
}

type fakeFeed struct {
	mu       sync.Mutex
	steps    []step
	reqs     []source.PageRequest
	accounts []source.RawAccount
	// release, when non-nil, blocks FetchPage until closed.
	release chan struct{}
}

func (f *fakeFeed) FetchPage(ctx context.Context, req source.PageRequest) (*source.Page, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if len(f.steps) == 0 {
		return &source.Page{}, nil
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s.page, s.err
}

func (f *fakeFeed) ListAccounts(ctx context.Context, credential string) ([]source.RawAccount, error) {
	return f.accounts, nil
}

func (f *fakeFeed) requests() []source.PageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.PageRequest(nil), f.reqs...)
}

type fakeCategorizer struct {
	mu          sync.Mutex
	invalidated [][2]time.Time
	runs        int
}

func (f *fakeCategorizer) Run(ctx context.Context, limit int) (*categorize.BatchReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return &categorize.BatchReport{}, nil
}

func (f *fakeCategorizer) InvalidateRange(start, end time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, [2]time.Time{start, end})
}

func rawRecord(extID string, amount float64, date string) source.RawRecord {
	return source.RawRecord{
		ExternalID:        extID,
		AccountExternalID: "ext-1",
		Amount:            amount,
		Date:              date,
		Name:              "Coffee Shop",
		MerchantName:      "Coffee Shop",
	}
}

func newAccount(t *testing.T, s *memory.Store) string {
	t.Helper()
	id, err := s.UpsertAccount(context.Background(), &domain.Account{
		ExternalID: "ext-1",
		Name:       "Checking",
		Kind:       domain.SourceExternalAPI,
	})
	if err != nil {
		t.Fatalf("seeding account: %v", err)
	}
	return id
}

func newOrchestrator(feed Feed, s *memory.Store, catz Categorizer) *Orchestrator {
	tracker := NewTracker(24, 3*24*time.Hour)
	matcher := match.New(match.DefaultConfig(), s, s)
	o := NewOrchestrator(feed, s, tracker, matcher, catz, Options{
		Credential:      "test-cred",
		PageSize:        2,
		CategorizeBatch: 10,
	})
	o.nowFn = func() time.Time { return syncNow }
	return o
}

func TestSyncAccountPagesThroughWindow(t *testing.T) {
	s := memory.New()
	accID := newAccount(t, s)

	feed := &fakeFeed{steps: []step{
		{page: &source.Page{
			Records:   []source.RawRecord{rawRecord("r1", 10.00, "2024-06-01"), rawRecord("r2", 20.00, "2024-06-02")},
			NextToken: "tok-2",
			HasMore:   true,
		}},
		{page: &source.Page{
			Records: []source.RawRecord{rawRecord("r3", 5.25, "2024-06-03")},
		}},
	}}

	o := newOrchestrator(feed, s, nil)
	res, err := o.SyncAccount(context.Background(), accID)
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s (err %v), want succeeded", res.Status, res.Err)
	}
	if res.Pages != 2 || res.Merge.Inserted != 3 {
		t.Errorf("pages = %d, inserted = %d, want 2 pages / 3 inserted", res.Pages, res.Merge.Inserted)
	}

	reqs := feed.requests()
	if len(reqs) != 2 {
		t.Fatalf("feed called %d times, want 2", len(reqs))
	}
	if reqs[0].Token != "" || reqs[1].Token != "tok-2" {
		t.Errorf("tokens = (%q, %q), want cursor chain", reqs[0].Token, reqs[1].Token)
	}
	if want := syncNow.AddDate(0, -24, 0); !reqs[0].Start.Equal(want) {
		t.Errorf("initial window start = %v, want %v", reqs[0].Start, want)
	}

	acc, _ := s.GetAccount(context.Background(), accID)
	if acc.LastSyncWatermark == nil || !acc.LastSyncWatermark.Equal(syncNow) {
		t.Errorf("watermark = %v, want window end %v", acc.LastSyncWatermark, syncNow)
	}

	// Feed amounts are positive-out; stored amounts carry the outgoing sign.
	tx, err := s.GetTransactionByExternalID(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetTransactionByExternalID: %v", err)
	}
	if tx.Amount != -1000 {
		t.Errorf("amount = %d, want -1000", tx.Amount)
	}
}

func TestSyncAccountLastPageFailureKeepsPrefix(t *testing.T) {
	s := memory.New()
	accID := newAccount(t, s)

	feed := &fakeFeed{steps: []step{
		{page: &source.Page{
			Records:   []source.RawRecord{rawRecord("r1", 10.00, "2024-06-01"), rawRecord("r2", 20.00, "2024-06-02")},
			NextToken: "tok-2",
			HasMore:   true,
		}},
		{err: &source.TransientError{Status: 503, Message: "upstream down"}},
	}}

	o := newOrchestrator(feed, s, nil)
	res, err := o.SyncAccount(context.Background(), accID)
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("status = %s, want partial", res.Status)
	}
	if res.Err == nil {
		t.Error("partial result carries no error")
	}

	// Merged pages stay; the watermark does not move.
	if _, err := s.GetTransactionByExternalID(context.Background(), "r1"); err != nil {
		t.Errorf("page-1 record lost after partial run: %v", err)
	}
	acc, _ := s.GetAccount(context.Background(), accID)
	if acc.LastSyncWatermark != nil {
		t.Errorf("watermark advanced to %v after partial run", acc.LastSyncWatermark)
	}

	// A later run re-fetches the same window and completes it.
	feed.mu.Lock()
	feed.steps = []step{
		{page: &source.Page{
			Records: []source.RawRecord{rawRecord("r1", 10.00, "2024-06-01"), rawRecord("r2", 20.00, "2024-06-02"), rawRecord("r3", 5.25, "2024-06-03")},
		}},
	}
	feed.mu.Unlock()

	res, err = o.SyncAccount(context.Background(), accID)
	if err != nil {
		t.Fatalf("retry SyncAccount: %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("retry status = %s (err %v), want succeeded", res.Status, res.Err)
	}
	if res.Merge.Unchanged != 2 || res.Merge.Inserted != 1 {
		t.Errorf("retry merge = %+v, want 2 unchanged + 1 inserted", res.Merge)
	}
	acc, _ = s.GetAccount(context.Background(), accID)
	if acc.LastSyncWatermark == nil {
		t.Error("watermark still unset after full window merged")
	}
}

// failingTxStore rejects every transaction upsert.
type failingTxStore struct {
	store.Store
	err error
}

func (f *failingTxStore) UpsertTransaction(ctx context.Context, tx *domain.Transaction) (store.Outcome, error) {
	return store.OutcomeUnchanged, f.err
}

func TestSyncAccountFirstPageMergeFailureIsFailed(t *testing.T) {
	s := memory.New()
	accID := newAccount(t, s)

	feed := &fakeFeed{steps: []step{
		{page: &source.Page{Records: []source.RawRecord{rawRecord("r1", 10.00, "2024-06-01")}}},
	}}

	broken := &failingTxStore{Store: s, err: errors.New("backend unavailable")}
	tracker := NewTracker(24, 3*24*time.Hour)
	matcher := match.New(match.DefaultConfig(), broken, broken)
	o := NewOrchestrator(feed, broken, tracker, matcher, nil, Options{Credential: "test-cred", PageSize: 2})
	o.nowFn = func() time.Time { return syncNow }

	res, err := o.SyncAccount(context.Background(), accID)
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	// The first page was fetched but nothing of it applied.
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed when no record merged", res.Status)
	}
	if res.Records() != 0 {
		t.Errorf("failed run reports %d merged records", res.Records())
	}
	if res.Pages != 1 {
		t.Errorf("pages = %d, want 1", res.Pages)
	}
	if res.Err == nil {
		t.Error("failed result carries no error")
	}
}

func TestSyncAccountAuthFailure(t *testing.T) {
	s := memory.New()
	accID := newAccount(t, s)

	feed := &fakeFeed{steps: []step{
		{err: &source.AuthError{Status: 401, Message: "credential expired"}},
	}}

	o := newOrchestrator(feed, s, nil)
	res, err := o.SyncAccount(context.Background(), accID)
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	var authErr *source.AuthError
	if !errors.As(res.Err, &authErr) {
		t.Errorf("result error = %v, want *source.AuthError", res.Err)
	}
	if res.Records() != 0 {
		t.Errorf("failed run merged %d records", res.Records())
	}
}

func TestSyncAccountSingleFlight(t *testing.T) {
	s := memory.New()
	accID := newAccount(t, s)

	release := make(chan struct{})
	feed := &fakeFeed{release: release}

	o := newOrchestrator(feed, s, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.SyncAccount(context.Background(), accID)
	}()

	// Wait until the first run holds the slot.
	deadline := time.Now().Add(2 * time.Second)
	for {
		o.mu.Lock()
		held := o.inFlight[accID]
		o.mu.Unlock()
		if held {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first sync never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := o.SyncAccount(context.Background(), accID); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent sync error = %v, want ErrSyncInProgress", err)
	}

	close(release)
	<-done

	// The slot frees once the run finishes.
	if _, err := o.SyncAccount(context.Background(), accID); err != nil {
		t.Errorf("sync after release: %v", err)
	}
}

func TestSyncAccountRejectsManualAccounts(t *testing.T) {
	s := memory.New()
	id, err := s.UpsertAccount(context.Background(), &domain.Account{
		Name: "Cash Ledger",
		Kind: domain.SourceManualUpload,
	})
	if err != nil {
		t.Fatalf("seeding account: %v", err)
	}

	o := newOrchestrator(&fakeFeed{}, s, nil)
	if _, err := o.SyncAccount(context.Background(), id); err == nil {
		t.Fatal("synced a manual-upload account from the feed")
	}
}

func TestSyncAccountInvalidatesAnalysisCache(t *testing.T) {
	s := memory.New()
	accID := newAccount(t, s)

	feed := &fakeFeed{steps: []step{
		{page: &source.Page{Records: []source.RawRecord{rawRecord("r1", 10.00, "2024-06-01")}}},
	}}
	catz := &fakeCategorizer{}

	o := newOrchestrator(feed, s, catz)
	if _, err := o.SyncAccount(context.Background(), accID); err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}

	catz.mu.Lock()
	defer catz.mu.Unlock()
	if len(catz.invalidated) != 1 {
		t.Fatalf("InvalidateRange called %d times, want 1", len(catz.invalidated))
	}
	if !catz.invalidated[0][1].Equal(syncNow) {
		t.Errorf("invalidated range end = %v, want %v", catz.invalidated[0][1], syncNow)
	}
	if catz.runs != 1 {
		t.Errorf("categorization ran %d times, want 1", catz.runs)
	}
}

func TestRefreshDerivedInvalidatesRange(t *testing.T) {
	s := memory.New()
	catz := &fakeCategorizer{}
	o := newOrchestrator(&fakeFeed{}, s, catz)

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 3)
	o.RefreshDerived(context.Background(), start, end)

	catz.mu.Lock()
	defer catz.mu.Unlock()
	if len(catz.invalidated) != 1 {
		t.Fatalf("InvalidateRange called %d times, want 1", len(catz.invalidated))
	}
	if !catz.invalidated[0][0].Equal(start) || !catz.invalidated[0][1].Equal(end) {
		t.Errorf("invalidated range = %v, want [%v, %v)", catz.invalidated[0], start, end)
	}
	if catz.runs != 1 {
		t.Errorf("categorization ran %d times, want 1", catz.runs)
	}
}

func TestSyncAllBootstrapsAccounts(t *testing.T) {
	s := memory.New()

	feed := &fakeFeed{
		accounts: []source.RawAccount{
			{ExternalID: "ext-1", Name: "Checking", Type: "checking", Institution: "First Bank", Mask: "1234"},
			{ExternalID: "ext-2", Name: "Credit Card", Type: "credit", Institution: "First Bank", Mask: "9876"},
		},
		steps: []step{
			{page: &source.Page{}},
			{page: &source.Page{}},
		},
	}

	o := newOrchestrator(feed, s, nil)
	results, err := o.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("synced %d accounts, want 2", len(results))
	}

	accounts, err := s.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("stored %d accounts, want 2", len(accounts))
	}
	for _, acc := range accounts {
		if acc.Kind != domain.SourceExternalAPI {
			t.Errorf("account %s kind = %s, want external-api", acc.ExternalID, acc.Kind)
		}
		if acc.LastSyncWatermark == nil {
			t.Errorf("account %s has no watermark after SyncAll", acc.ExternalID)
		}
	}
}
