package bigquery

import (
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"

	"github.com/dvloznov/txsync/internal/domain"
)

// TransactionRow mirrors the transactions table schema.
type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	ExternalID    string `bigquery:"external_id"`    // REQUIRED
	AccountID     string `bigquery:"account_id"`     // REQUIRED

	Amount          *big.Rat   `bigquery:"amount"`           // REQUIRED NUMERIC
	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED

	Merchant    bigquery.NullString `bigquery:"merchant"`    // NULLABLE
	Description bigquery.NullString `bigquery:"description"` // NULLABLE
	SourceTag   string              `bigquery:"source_tag"`  // REQUIRED

	Category     bigquery.NullString `bigquery:"category"`     // NULLABLE
	AICategory   bigquery.NullString `bigquery:"ai_category"`  // NULLABLE
	Unclassified bool                `bigquery:"unclassified"` // REQUIRED

	MatchStatus bigquery.NullString `bigquery:"match_status"` // NULLABLE
	PairID      bigquery.NullString `bigquery:"pair_id"`      // NULLABLE

	IsPending bool      `bigquery:"is_pending"` // REQUIRED
	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
}

// AccountRow mirrors the accounts table schema.
type AccountRow struct {
	AccountID   string              `bigquery:"account_id"`  // REQUIRED
	ExternalID  bigquery.NullString `bigquery:"external_id"` // NULLABLE, empty for manual ledgers
	Name        string              `bigquery:"name"`        // REQUIRED
	Kind        string              `bigquery:"kind"`        // REQUIRED
	AccountType bigquery.NullString `bigquery:"account_type"`
	Institution bigquery.NullString `bigquery:"institution"`
	Mask        bigquery.NullString `bigquery:"mask"`

	LastSyncWatermark bigquery.NullTimestamp `bigquery:"last_sync_watermark"` // NULLABLE

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
}

// PairRow mirrors the reimbursement_pairs table schema.
type PairRow struct {
	PairID              string    `bigquery:"pair_id"`               // REQUIRED
	DebitTransactionID  string    `bigquery:"debit_transaction_id"`  // REQUIRED
	CreditTransactionID string    `bigquery:"credit_transaction_id"` // REQUIRED
	Confidence          float64   `bigquery:"confidence"`            // REQUIRED
	Rule                string    `bigquery:"rule"`                  // REQUIRED
	DateDeltaSeconds    int64     `bigquery:"date_delta_seconds"`    // REQUIRED
	CreatedTS           time.Time `bigquery:"created_ts"`            // REQUIRED
}

// InsightRow mirrors the insights table schema.
type InsightRow struct {
	InsightID   string    `bigquery:"insight_id"`   // REQUIRED
	InsightType string    `bigquery:"insight_type"` // REQUIRED
	RangeStart  time.Time `bigquery:"range_start"`  // REQUIRED
	RangeEnd    time.Time `bigquery:"range_end"`    // REQUIRED
	Content     string    `bigquery:"content"`      // REQUIRED
	Model       string    `bigquery:"model"`        // REQUIRED
	CreatedTS   time.Time `bigquery:"created_ts"`   // REQUIRED
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

// ratToMoney converts a NUMERIC value back to cents, rounding half away
// from zero.
func ratToMoney(r *big.Rat) domain.Money {
	if r == nil {
		return 0
	}
	cents := new(big.Rat).Mul(r, big.NewRat(100, 1))
	num := new(big.Int).Set(cents.Num())
	den := cents.Denom()

	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	rem.Abs(rem)
	rem.Mul(rem, big.NewInt(2))
	if rem.Cmp(den) >= 0 {
		if num.Sign() < 0 {
			quo.Sub(quo, big.NewInt(1))
		} else {
			quo.Add(quo, big.NewInt(1))
		}
	}
	return domain.Money(quo.Int64())
}

func transactionToRow(tx *domain.Transaction) *TransactionRow {
	return &TransactionRow{
		TransactionID:   tx.ID,
		ExternalID:      tx.ExternalID,
		AccountID:       tx.AccountID,
		Amount:          tx.Amount.Rat(),
		TransactionDate: civil.DateOf(tx.Date),
		Merchant:        nullString(tx.Merchant),
		Description:     nullString(tx.Description),
		SourceTag:       tx.SourceTag,
		Category:        nullString(tx.Category),
		AICategory:      nullString(tx.AICategory),
		Unclassified:    tx.Unclassified,
		MatchStatus:     nullString(string(tx.MatchStatus)),
		PairID:          nullString(tx.PairID),
		IsPending:       tx.Pending,
		CreatedTS:       tx.CreatedAt,
	}
}

func rowToTransaction(r *TransactionRow) *domain.Transaction {
	return &domain.Transaction{
		ID:           r.TransactionID,
		ExternalID:   r.ExternalID,
		AccountID:    r.AccountID,
		Amount:       ratToMoney(r.Amount),
		Date:         time.Date(r.TransactionDate.Year, r.TransactionDate.Month, r.TransactionDate.Day, 0, 0, 0, 0, time.UTC),
		Merchant:     r.Merchant.StringVal,
		Description:  r.Description.StringVal,
		SourceTag:    r.SourceTag,
		Category:     r.Category.StringVal,
		AICategory:   r.AICategory.StringVal,
		Unclassified: r.Unclassified,
		MatchStatus:  domain.MatchStatus(r.MatchStatus.StringVal),
		PairID:       r.PairID.StringVal,
		Pending:      r.IsPending,
		CreatedAt:    r.CreatedTS,
	}
}

func accountToRow(acc *domain.Account) *AccountRow {
	row := &AccountRow{
		AccountID:   acc.ID,
		ExternalID:  nullString(acc.ExternalID),
		Name:        acc.Name,
		Kind:        string(acc.Kind),
		AccountType: nullString(acc.AccountType),
		Institution: nullString(acc.Institution),
		Mask:        nullString(acc.Mask),
		CreatedTS:   acc.CreatedAt,
	}
	if acc.LastSyncWatermark != nil {
		row.LastSyncWatermark = bigquery.NullTimestamp{Timestamp: *acc.LastSyncWatermark, Valid: true}
	}
	return row
}

func rowToAccount(r *AccountRow) *domain.Account {
	acc := &domain.Account{
		ID:          r.AccountID,
		ExternalID:  r.ExternalID.StringVal,
		Name:        r.Name,
		Kind:        domain.SourceKind(r.Kind),
		AccountType: r.AccountType.StringVal,
		Institution: r.Institution.StringVal,
		Mask:        r.Mask.StringVal,
		CreatedAt:   r.CreatedTS,
	}
	if r.LastSyncWatermark.Valid {
		wm := r.LastSyncWatermark.Timestamp
		acc.LastSyncWatermark = &wm
	}
	return acc
}

func pairToRow(p *domain.ReimbursementPair) *PairRow {
	return &PairRow{
		PairID:              p.ID,
		DebitTransactionID:  p.DebitID,
		CreditTransactionID: p.CreditID,
		Confidence:          p.Confidence,
		Rule:                p.Rule,
		DateDeltaSeconds:    int64(p.DateDelta.Seconds()),
		CreatedTS:           p.CreatedAt,
	}
}

func rowToPair(r *PairRow) *domain.ReimbursementPair {
	return &domain.ReimbursementPair{
		ID:         r.PairID,
		DebitID:    r.DebitTransactionID,
		CreditID:   r.CreditTransactionID,
		Confidence: r.Confidence,
		Rule:       r.Rule,
		DateDelta:  time.Duration(r.DateDeltaSeconds) * time.Second,
		CreatedAt:  r.CreatedTS,
	}
}
