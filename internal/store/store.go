// Package store defines the persistence boundary: keyed upsert, read by
// range, and read by id over canonical transactions, accounts,
// reimbursement pairs, and analysis insights. Implementations must make the
// transaction upsert atomic per external_id; nothing here assumes any
// engine feature beyond that.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/txsync/internal/domain"
)

// Outcome classifies what an upsert did with a canonical transaction.
type Outcome int

const (
	// OutcomeInserted means the external id was new.
	OutcomeInserted Outcome = iota
	// OutcomeUpdated means mutable fields changed on a known external id.
	OutcomeUpdated
	// OutcomeUnchanged means the known record already matched.
	OutcomeUnchanged
	// OutcomeConflict means an immutable field disagreed; the stored value
	// was kept and the disagreement reported.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeConflict:
		return "conflict"
	}
	return "unknown"
}

// FieldConflict is one immutable field that disagreed between the stored
// record and an incoming one.
type FieldConflict struct {
	Field    string
	Stored   string
	Incoming string
}

// ConflictError reports a data-integrity anomaly: a known external id
// arrived with different immutable fields. The stored values are always
// kept; the error exists to be surfaced, not to roll anything back.
type ConflictError struct {
	ExternalID string
	Conflicts  []FieldConflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("immutable field conflict on %s: %d field(s) disagree", e.ExternalID, len(e.Conflicts))
}

// Reconcile applies an incoming record to a stored one. It mutates only the
// mutable fields (description, merchant, provisional category, pending
// flag) on existing and reports which immutable fields (amount, date,
// account binding) disagreed. Pure logic shared by store implementations.
func Reconcile(existing, incoming *domain.Transaction) (changed bool, conflicts []FieldConflict) {
	if existing.Amount != incoming.Amount {
		conflicts = append(conflicts, FieldConflict{
			Field:    "amount",
			Stored:   existing.Amount.String(),
			Incoming: incoming.Amount.String(),
		})
	}
	if !existing.Date.Equal(incoming.Date) {
		conflicts = append(conflicts, FieldConflict{
			Field:    "date",
			Stored:   existing.Date.Format("2006-01-02"),
			Incoming: incoming.Date.Format("2006-01-02"),
		})
	}
	if existing.AccountID != incoming.AccountID {
		conflicts = append(conflicts, FieldConflict{
			Field:    "account_id",
			Stored:   existing.AccountID,
			Incoming: incoming.AccountID,
		})
	}

	if existing.Description != incoming.Description {
		existing.Description = incoming.Description
		changed = true
	}
	if incoming.Merchant != "" && existing.Merchant != incoming.Merchant {
		existing.Merchant = incoming.Merchant
		changed = true
	}
	if incoming.Category != "" && existing.Category != incoming.Category {
		existing.Category = incoming.Category
		changed = true
	}
	if existing.Pending != incoming.Pending {
		existing.Pending = incoming.Pending
		changed = true
	}
	return changed, conflicts
}

// TransactionStore persists canonical transactions keyed by external id.
type TransactionStore interface {
	// UpsertTransaction inserts the record or applies Reconcile semantics
	// to the stored one, atomically per external id. On OutcomeConflict the
	// returned error is a *ConflictError and mutable-field updates are
	// still applied.
	UpsertTransaction(ctx context.Context, tx *domain.Transaction) (Outcome, error)

	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	GetTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error)

	// ListTransactions returns records with date in [start, end), newest
	// first. accountIDs narrows the result when non-empty.
	ListTransactions(ctx context.Context, start, end time.Time, accountIDs []string) ([]*domain.Transaction, error)

	// ListUnpaired returns transactions not yet in a pair with date >= since,
	// including ones previously flagged ambiguous (new data may disambiguate).
	ListUnpaired(ctx context.Context, since time.Time) ([]*domain.Transaction, error)

	// ListUnclassified returns transactions with no AI category that are not
	// marked unclassified, oldest first, capped at limit.
	ListUnclassified(ctx context.Context, limit int) ([]*domain.Transaction, error)

	// SetAICategory records the pipeline's verdict. An empty category with
	// unclassified=true means the backend was unavailable.
	SetAICategory(ctx context.Context, id, category string, unclassified bool) error

	// SetMatch updates pairing state for a single transaction.
	SetMatch(ctx context.Context, id string, status domain.MatchStatus, pairID string) error
}

// AccountStore persists linked accounts and their sync watermarks.
type AccountStore interface {
	// UpsertAccount inserts or refreshes an account keyed by its external
	// id (or by ID for manual ledgers) and returns the stored account ID.
	UpsertAccount(ctx context.Context, acc *domain.Account) (string, error)
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]*domain.Account, error)

	// SetWatermark durably advances the account's sync watermark. Called
	// only after a window's every page has merged.
	SetWatermark(ctx context.Context, accountID string, watermark time.Time) error
}

// PairStore persists reimbursement pairs. RecordPair must update the pair
// and both member transactions together so a pair is never one-sided.
type PairStore interface {
	RecordPair(ctx context.Context, pair *domain.ReimbursementPair) error
	ListPairs(ctx context.Context) ([]*domain.ReimbursementPair, error)

	// RemovePair deletes a pair and resets both members to unmatched, used
	// when a strictly better match supersedes an existing pair.
	RemovePair(ctx context.Context, pairID string) error
}

// InsightStore persists analysis narratives.
type InsightStore interface {
	SaveInsight(ctx context.Context, ins *Insight) error
	ListInsights(ctx context.Context, insightType string, limit int) ([]*Insight, error)
}

// Insight is a stored analysis narrative.
type Insight struct {
	ID         string
	Type       string
	RangeStart time.Time
	RangeEnd   time.Time
	Content    string
	Model      string
	CreatedAt  time.Time
}

// Store is the full persistence surface the engine needs.
type Store interface {
	TransactionStore
	AccountStore
	PairStore
	InsightStore
}
