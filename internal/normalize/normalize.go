// Package normalize maps source-specific raw records into the canonical
// transaction representation. The mapping is pure: no I/O, no clock reads
// beyond the CreatedAt stamp applied by the store.
//
// Sign convention is the load-bearing rule here: canonical amounts are
// negative when money leaves the account and positive when it arrives. The
// feed reports amounts Plaid-style (positive = money out), so feed amounts
// are negated; manual uploads arrive already signed canonically and pass
// through unchanged.
package normalize

import (
	"fmt"
	"time"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/source"
)

// MalformedRecordError reports one raw record missing a required field
// (external id, amount, or date) or carrying an unparseable value. A
// malformed record is skipped and reported; it never aborts its batch.
type MalformedRecordError struct {
	ExternalID string
	Field      string
	Reason     string
}

func (e *MalformedRecordError) Error() string {
	id := e.ExternalID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("malformed record %s: field %q: %s", id, e.Field, e.Reason)
}

// Result is the outcome of normalizing one batch.
type Result struct {
	Transactions []domain.Transaction
	Malformed    []*MalformedRecordError
}

// FeedBatch normalizes one page of feed records. accountIDs maps the feed's
// account external IDs onto stored account IDs; records for unknown
// accounts are malformed (the account bootstrap runs before the first
// page, so this indicates feed inconsistency, not a race).
func FeedBatch(records []source.RawRecord, accountIDs map[string]string) Result {
	var res Result
	for i := range records {
		rec := &records[i]

		accountID, ok := accountIDs[rec.AccountExternalID]
		if !ok {
			res.Malformed = append(res.Malformed, &MalformedRecordError{
				ExternalID: rec.ExternalID,
				Field:      "account_id",
				Reason:     fmt.Sprintf("unknown account %q", rec.AccountExternalID),
			})
			continue
		}

		tx, merr := canonical(rec, accountID, feedSourceTag(rec.Network), true)
		if merr != nil {
			res.Malformed = append(res.Malformed, merr)
			continue
		}
		res.Transactions = append(res.Transactions, tx)
	}
	return res
}

// UploadBatch normalizes a manual batch for a single account.
func UploadBatch(batch *source.UploadBatch, accountID string) Result {
	var res Result
	for i := range batch.Records {
		tx, merr := canonical(&batch.Records[i], accountID, domain.SourceTagManual, false)
		if merr != nil {
			res.Malformed = append(res.Malformed, merr)
			continue
		}
		res.Transactions = append(res.Transactions, tx)
	}
	return res
}

// canonical builds one canonical transaction. flipSign is true for sources
// that report outgoing money as positive.
func canonical(rec *source.RawRecord, accountID, sourceTag string, flipSign bool) (domain.Transaction, *MalformedRecordError) {
	if rec.ExternalID == "" {
		return domain.Transaction{}, &MalformedRecordError{Field: "external_id", Reason: "missing"}
	}
	if rec.Date == "" {
		return domain.Transaction{}, &MalformedRecordError{ExternalID: rec.ExternalID, Field: "date", Reason: "missing"}
	}
	date, err := time.Parse("2006-01-02", rec.Date)
	if err != nil {
		return domain.Transaction{}, &MalformedRecordError{ExternalID: rec.ExternalID, Field: "date", Reason: fmt.Sprintf("invalid date %q", rec.Date)}
	}
	if rec.Amount == 0 {
		return domain.Transaction{}, &MalformedRecordError{ExternalID: rec.ExternalID, Field: "amount", Reason: "missing or zero"}
	}

	amount := domain.MoneyFromFloat(rec.Amount)
	if flipSign {
		amount = -amount
	}

	merchant := rec.MerchantName
	if merchant == "" {
		merchant = rec.Name
	}

	return domain.Transaction{
		ExternalID:  rec.ExternalID,
		AccountID:   accountID,
		Amount:      amount,
		Date:        date.UTC(),
		Merchant:    merchant,
		Description: rec.Name,
		SourceTag:   sourceTag,
		Category:    rec.Category,
		Pending:     rec.Pending,
	}, nil
}

func feedSourceTag(network string) string {
	switch network {
	case "venmo":
		return domain.SourceTagVenmo
	case "zelle":
		return domain.SourceTagZelle
	default:
		return domain.SourceTagFeed
	}
}
