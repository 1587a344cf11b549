package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SourceKind identifies where an account's records come from.
type SourceKind string

const (
	// SourceExternalAPI marks accounts synced from the paginated feed.
	SourceExternalAPI SourceKind = "external-api"
	// SourceManualUpload marks accounts fed by uploaded CSV batches.
	SourceManualUpload SourceKind = "manual-upload"
)

// Source tags carried on individual transactions. The feed reports the
// originating network per record, so a single external-api account can hold
// a mix of these.
const (
	SourceTagFeed   = "feed"
	SourceTagVenmo  = "venmo"
	SourceTagZelle  = "zelle"
	SourceTagManual = "manual"
)

// PeerPaymentSource reports whether a source tag belongs to a peer-payment
// network. Only peer-payment and manual records are eligible reimbursement
// candidates.
func PeerPaymentSource(tag string) bool {
	switch tag {
	case SourceTagVenmo, SourceTagZelle, SourceTagManual:
		return true
	}
	return false
}

// Account is one linked financial source: a card, a bank account, or a
// manual ledger. LastSyncWatermark is nil until the first successful sync
// and is advanced only by the sync tracker after a fully merged window.
type Account struct {
	ID                string
	ExternalID        string // stable ID at the source, empty for manual ledgers
	Name              string
	Kind              SourceKind
	AccountType       string // "credit", "checking", "savings"
	Institution       string
	Mask              string // last four digits, display only
	LastSyncWatermark *time.Time
	CreatedAt         time.Time
}

// MatchStatus records the reimbursement matcher's verdict for a transaction.
type MatchStatus string

const (
	// MatchNone means the transaction has not been paired.
	MatchNone MatchStatus = ""
	// MatchPaired means the transaction belongs to exactly one pair.
	MatchPaired MatchStatus = "paired"
	// MatchAmbiguous means two or more equally good candidates existed and
	// the matcher declined to guess.
	MatchAmbiguous MatchStatus = "ambiguous"
)

// Transaction is the canonical record every source maps into.
//
// ExternalID is globally unique across all sources and is the dedup key.
// Amount, Date, and AccountID are immutable once stored; Description,
// Category, and AICategory may be updated by later merges or by the
// categorization pipeline. Amount is signed with money leaving an account
// negative, regardless of the source's own convention.
type Transaction struct {
	ID         string
	ExternalID string
	AccountID  string

	Amount Money
	Date   time.Time // date precision, midnight UTC

	Merchant    string
	Description string

	SourceTag string

	// Category is the provisional category reported by the source.
	// AICategory is assigned by the categorization pipeline and is always
	// either a member of Categories or empty while unclassified.
	Category     string
	AICategory   string
	Unclassified bool

	MatchStatus MatchStatus
	PairID      string

	Pending   bool
	CreatedAt time.Time
}

// ContentHash keys categorization cache entries. It covers only the fields
// the classifier sees, so an update to an unrelated field does not force a
// re-categorization.
func (t *Transaction) ContentHash() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%s", t.Merchant, t.Amount, t.Description)))
	return hex.EncodeToString(h[:])
}

// Outgoing reports whether money left the account.
func (t *Transaction) Outgoing() bool {
	return t.Amount < 0
}

// ReimbursementPair links an outgoing transaction with the incoming
// transaction judged to offset it. Both sides are tagged together; a pair is
// never recorded with only one transaction updated.
type ReimbursementPair struct {
	ID         string
	DebitID    string // transaction ID of the outgoing side
	CreditID   string // transaction ID of the incoming side
	Confidence float64
	Rule       string // matching rule that produced the pair
	DateDelta  time.Duration
	CreatedAt  time.Time
}

// Categories is the fixed vocabulary exposed to categorization backends.
// A backend response outside this set is stored as CategoryOther.
var Categories = []string{
	"Groceries",
	"Dining Out",
	"Transportation",
	"Entertainment",
	"Shopping",
	"Bills & Utilities",
	"Healthcare",
	"Travel",
	"Personal Care",
	"Other",
}

// CategoryOther is the catch-all bucket for out-of-vocabulary responses.
const CategoryOther = "Other"

// CanonicalCategory maps a backend response onto the fixed vocabulary.
// Matching is case-insensitive on the trimmed response; anything else
// becomes CategoryOther. The second return reports whether the response was
// in vocabulary.
func CanonicalCategory(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if strings.EqualFold(s, c) {
			return c, true
		}
	}
	return CategoryOther, false
}
