// Package match pairs offsetting transactions across accounts: an outgoing
// peer payment on one side and the matching incoming amount on another.
// The rule is tunable amount and date tolerance, deliberately not free-text
// keyword matching; description similarity only adjusts the confidence
// score, never eligibility.
package match

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/store"
)

// RuleAmountDate names the matching rule recorded on pairs.
const RuleAmountDate = "amount+date"

// Config holds the matching tolerances.
type Config struct {
	// AmountTolerance is the maximum |amount| difference, in cents.
	AmountTolerance domain.Money
	// DateTolerance is the maximum date distance between the two sides.
	DateTolerance time.Duration
	// Window bounds how far back unmatched transactions stay eligible.
	Window time.Duration
}

// DefaultConfig matches within one cent and seven days over a 90 day window.
func DefaultConfig() Config {
	return Config{
		AmountTolerance: 1,
		DateTolerance:   7 * 24 * time.Hour,
		Window:          90 * 24 * time.Hour,
	}
}

// Report summarizes one matcher run.
type Report struct {
	Considered int
	Paired     int
	Ambiguous  int
}

// Matcher scans unmatched transactions and records reimbursement pairs.
type Matcher struct {
	cfg   Config
	txs   store.TransactionStore
	pairs store.PairStore
}

// New creates a matcher over the given stores.
func New(cfg Config, txs store.TransactionStore, pairs store.PairStore) *Matcher {
	return &Matcher{cfg: cfg, txs: txs, pairs: pairs}
}

// candidate is one feasible (debit, credit) pairing with its rank keys.
type candidate struct {
	debit       *domain.Transaction
	credit      *domain.Transaction
	dateDelta   time.Duration
	amountDelta domain.Money
}

// Run executes one matching pass over the sliding window ending at now.
// Re-running over already-paired data is a no-op: paired transactions are
// excluded at the store, and ambiguous ones are re-examined as new data
// may disambiguate them.
func (m *Matcher) Run(ctx context.Context, now time.Time) (*Report, error) {
	log := logger.FromContext(ctx)

	since := now.Add(-m.cfg.Window)
	unpaired, err := m.txs.ListUnpaired(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("Run: listing unmatched transactions: %w", err)
	}

	report := &Report{Considered: len(unpaired)}
	cands := m.candidates(unpaired)
	if len(cands) == 0 {
		return report, nil
	}

	// Global ordering makes the greedy selection deterministic: best pairs
	// first, external id as the final key.
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.dateDelta != b.dateDelta {
			return a.dateDelta < b.dateDelta
		}
		if a.amountDelta != b.amountDelta {
			return a.amountDelta < b.amountDelta
		}
		if a.debit.ExternalID != b.debit.ExternalID {
			return a.debit.ExternalID < b.debit.ExternalID
		}
		return a.credit.ExternalID < b.credit.ExternalID
	})

	used := make(map[string]bool)      // transaction ID -> claimed this run
	ambiguous := make(map[string]bool) // transaction ID -> flagged this run

	for i, c := range cands {
		if used[c.debit.ID] || used[c.credit.ID] || ambiguous[c.debit.ID] || ambiguous[c.credit.ID] {
			continue
		}

		// A transaction with two equally good available partners is left
		// unmatched rather than guessed.
		if amb := m.equallyGood(cands[i+1:], c, used, ambiguous); amb != "" {
			ambiguous[amb] = true
			if err := m.txs.SetMatch(ctx, amb, domain.MatchAmbiguous, ""); err != nil {
				return report, fmt.Errorf("Run: flagging ambiguous %s: %w", amb, err)
			}
			report.Ambiguous++
			log.Debug().Str("transaction_id", amb).Msg("Multiple equally good reimbursement candidates, leaving unmatched")
			continue
		}

		pair := &domain.ReimbursementPair{
			ID:         uuid.NewString(),
			DebitID:    c.debit.ID,
			CreditID:   c.credit.ID,
			Confidence: m.confidence(c),
			Rule:       RuleAmountDate,
			DateDelta:  c.dateDelta,
		}
		if err := m.pairs.RecordPair(ctx, pair); err != nil {
			return report, fmt.Errorf("Run: recording pair: %w", err)
		}
		used[c.debit.ID] = true
		used[c.credit.ID] = true
		report.Paired++

		log.Info().
			Str("debit", c.debit.ExternalID).
			Str("credit", c.credit.ExternalID).
			Dur("date_delta", c.dateDelta).
			Float64("confidence", pair.Confidence).
			Msg("Reimbursement pair recorded")
	}

	return report, nil
}

// candidates builds every feasible pairing among the unpaired set.
func (m *Matcher) candidates(unpaired []*domain.Transaction) []candidate {
	var debits, credits []*domain.Transaction
	for _, tx := range unpaired {
		switch {
		case tx.Amount < 0:
			debits = append(debits, tx)
		case tx.Amount > 0:
			credits = append(credits, tx)
		}
	}

	var out []candidate
	for _, d := range debits {
		for _, c := range credits {
			if !domain.PeerPaymentSource(d.SourceTag) && !domain.PeerPaymentSource(c.SourceTag) {
				continue
			}
			amountDelta := (d.Amount.Abs() - c.Amount.Abs()).Abs()
			if amountDelta > m.cfg.AmountTolerance {
				continue
			}
			dateDelta := d.Date.Sub(c.Date)
			if dateDelta < 0 {
				dateDelta = -dateDelta
			}
			if dateDelta > m.cfg.DateTolerance {
				continue
			}
			out = append(out, candidate{debit: d, credit: c, dateDelta: dateDelta, amountDelta: amountDelta})
		}
	}
	return out
}

// equallyGood reports the transaction ID shared between c and a later
// candidate of identical rank, or "" when c is strictly best for both its
// sides. rest is already sorted, so only candidates with the same rank keys
// need examining.
func (m *Matcher) equallyGood(rest []candidate, c candidate, used, ambiguous map[string]bool) string {
	for _, other := range rest {
		if other.dateDelta != c.dateDelta || other.amountDelta != c.amountDelta {
			break
		}
		if used[other.debit.ID] || used[other.credit.ID] || ambiguous[other.debit.ID] || ambiguous[other.credit.ID] {
			continue
		}
		if other.debit.ID == c.debit.ID && other.credit.ID != c.credit.ID {
			return c.debit.ID
		}
		if other.credit.ID == c.credit.ID && other.debit.ID != c.debit.ID {
			return c.credit.ID
		}
	}
	return ""
}

// confidence scores a pair: closer dates score higher, and similar
// descriptions add a small boost on top.
func (m *Matcher) confidence(c candidate) float64 {
	score := 0.6
	if m.cfg.DateTolerance > 0 {
		closeness := 1 - float64(c.dateDelta)/float64(m.cfg.DateTolerance)
		score += 0.25 * closeness
	}
	score += 0.15 * descriptionSimilarity(c.debit.Description, c.credit.Description)
	if score > 1 {
		score = 1
	}
	return score
}

// descriptionSimilarity is a normalized Levenshtein similarity in [0, 1].
func descriptionSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(dist)/float64(longest)
}
