package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/store"
)

func tx(externalID string, cents int64, day int) *domain.Transaction {
	return &domain.Transaction{
		ExternalID:  externalID,
		AccountID:   "acc-1",
		Amount:      domain.Money(cents),
		Date:        time.Date(2024, 5, day, 0, 0, 0, 0, time.UTC),
		Merchant:    "Shop",
		Description: "desc " + externalID,
		SourceTag:   domain.SourceTagFeed,
	}
}

func TestUpsertTransaction_Lifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	out, err := s.UpsertTransaction(ctx, tx("t-1", -500, 1))
	if err != nil || out != store.OutcomeInserted {
		t.Fatalf("first upsert = %v, %v; want inserted", out, err)
	}

	// identical record is a no-op
	out, err = s.UpsertTransaction(ctx, tx("t-1", -500, 1))
	if err != nil || out != store.OutcomeUnchanged {
		t.Fatalf("second upsert = %v, %v; want unchanged", out, err)
	}

	// mutable field change updates in place
	changed := tx("t-1", -500, 1)
	changed.Description = "new description"
	out, err = s.UpsertTransaction(ctx, changed)
	if err != nil || out != store.OutcomeUpdated {
		t.Fatalf("mutable update = %v, %v; want updated", out, err)
	}
	got, _ := s.GetTransactionByExternalID(ctx, "t-1")
	if got.Description != "new description" {
		t.Errorf("description = %q", got.Description)
	}
}

func TestUpsertTransaction_ImmutableConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.UpsertTransaction(ctx, tx("t-1", -500, 1)); err != nil {
		t.Fatal(err)
	}

	bad := tx("t-1", -999, 1)
	out, err := s.UpsertTransaction(ctx, bad)
	if out != store.OutcomeConflict {
		t.Fatalf("outcome = %v, want conflict", out)
	}
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want *store.ConflictError", err)
	}
	if len(conflict.Conflicts) != 1 || conflict.Conflicts[0].Field != "amount" {
		t.Errorf("conflicts = %+v", conflict.Conflicts)
	}

	// stored amount is untouched
	got, _ := s.GetTransactionByExternalID(ctx, "t-1")
	if got.Amount != domain.Money(-500) {
		t.Errorf("stored amount = %d, want -500 (conflict must not be applied)", got.Amount)
	}
}

func TestUpsertTransaction_ConcurrentSameKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpsertTransaction(ctx, tx("t-race", -100, 2))
		}()
	}
	wg.Wait()

	list, err := s.ListTransactions(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d rows after concurrent upserts of one key, want 1", len(list))
	}
}

func TestListTransactions_RangeAndAccounts(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, spec := range []struct {
		ext string
		acc string
		day int
	}{
		{"t-1", "acc-1", 1},
		{"t-2", "acc-1", 10},
		{"t-3", "acc-2", 10},
		{"t-4", "acc-1", 20},
	} {
		rec := tx(spec.ext, int64(-100*(i+1)), spec.day)
		rec.AccountID = spec.acc
		if _, err := s.UpsertTransaction(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	start := time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC) // exclusive

	all, err := s.ListTransactions(ctx, start, end, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("range query returned %d rows, want 2 (end exclusive)", len(all))
	}

	only1, err := s.ListTransactions(ctx, start, end, []string{"acc-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(only1) != 1 || only1[0].ExternalID != "t-2" {
		t.Fatalf("account filter returned %+v", only1)
	}
}

func TestRecordPair_BothSidesOrNeither(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.UpsertTransaction(ctx, tx("t-d", -4200, 10)); err != nil {
		t.Fatal(err)
	}
	debit, _ := s.GetTransactionByExternalID(ctx, "t-d")

	// credit side missing: nothing is tagged
	err := s.RecordPair(ctx, &domain.ReimbursementPair{DebitID: debit.ID, CreditID: "missing"})
	if err == nil {
		t.Fatal("expected error for missing credit side")
	}
	got, _ := s.GetTransaction(ctx, debit.ID)
	if got.MatchStatus != domain.MatchNone {
		t.Error("debit was tagged even though pair creation failed")
	}

	if _, err := s.UpsertTransaction(ctx, tx("t-c", 4200, 14)); err != nil {
		t.Fatal(err)
	}
	credit, _ := s.GetTransactionByExternalID(ctx, "t-c")

	pair := &domain.ReimbursementPair{DebitID: debit.ID, CreditID: credit.ID, Confidence: 0.9, Rule: "amount+date"}
	if err := s.RecordPair(ctx, pair); err != nil {
		t.Fatal(err)
	}

	d, _ := s.GetTransaction(ctx, debit.ID)
	c, _ := s.GetTransaction(ctx, credit.ID)
	if d.MatchStatus != domain.MatchPaired || c.MatchStatus != domain.MatchPaired {
		t.Error("both sides must be tagged paired")
	}
	if d.PairID == "" || d.PairID != c.PairID {
		t.Errorf("pair ids = %q / %q, want identical", d.PairID, c.PairID)
	}

	// removal resets both sides
	if err := s.RemovePair(ctx, d.PairID); err != nil {
		t.Fatal(err)
	}
	d, _ = s.GetTransaction(ctx, debit.ID)
	c, _ = s.GetTransaction(ctx, credit.ID)
	if d.MatchStatus != domain.MatchNone || c.MatchStatus != domain.MatchNone {
		t.Error("RemovePair must reset both members")
	}
}

func TestWatermark(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.UpsertAccount(ctx, &domain.Account{ExternalID: "ext-1", Name: "Checking", Kind: domain.SourceExternalAPI})
	if err != nil {
		t.Fatal(err)
	}

	acc, _ := s.GetAccount(ctx, id)
	if acc.LastSyncWatermark != nil {
		t.Fatal("watermark must be nil before first sync")
	}

	wm := time.Date(2024, 5, 30, 12, 0, 0, 0, time.UTC)
	if err := s.SetWatermark(ctx, id, wm); err != nil {
		t.Fatal(err)
	}
	acc, _ = s.GetAccount(ctx, id)
	if acc.LastSyncWatermark == nil || !acc.LastSyncWatermark.Equal(wm) {
		t.Errorf("watermark = %v, want %v", acc.LastSyncWatermark, wm)
	}

	// upsert by the same external id returns the same account
	again, err := s.UpsertAccount(ctx, &domain.Account{ExternalID: "ext-1", Name: "Renamed"})
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Errorf("re-upsert created new account %s, want %s", again, id)
	}
}

func TestListUnclassified(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec := tx(fmt.Sprintf("t-%d", i), -100, i)
		if _, err := s.UpsertTransaction(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListUnclassified(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("limit ignored, got %d", len(list))
	}
	if list[0].ExternalID != "t-1" {
		t.Errorf("oldest first expected, got %s", list[0].ExternalID)
	}

	if err := s.SetAICategory(ctx, list[0].ID, "Groceries", false); err != nil {
		t.Fatal(err)
	}
	list, _ = s.ListUnclassified(ctx, 0)
	for _, tx := range list {
		if tx.ExternalID == "t-1" {
			t.Error("categorized transaction still listed as unclassified")
		}
	}
}
