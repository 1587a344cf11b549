package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/txsync/internal/domain"
)

const pairColumns = `
	pair_id,
	debit_transaction_id,
	credit_transaction_id,
	confidence,
	rule,
	date_delta_seconds,
	created_ts
`

// RecordPair implements store.PairStore. The pair row and both member
// updates run inside one multi-statement transaction so readers never see
// a one-sided pair.
func (s *Store) RecordPair(ctx context.Context, pair *domain.ReimbursementPair) error {
	p := *pair
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	q := s.client.Query(`
		BEGIN TRANSACTION;

		INSERT INTO ` + s.fq(pairsTable) + ` (` + pairColumns + `)
		VALUES (@pair_id, @debit_id, @credit_id, @confidence, @rule, @date_delta_seconds, @created_ts);

		UPDATE ` + s.fq(transactionsTable) + `
		SET match_status = @paired, pair_id = @pair_id
		WHERE transaction_id IN (@debit_id, @credit_id);

		COMMIT TRANSACTION;
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "pair_id", Value: p.ID},
		{Name: "debit_id", Value: p.DebitID},
		{Name: "credit_id", Value: p.CreditID},
		{Name: "confidence", Value: p.Confidence},
		{Name: "rule", Value: p.Rule},
		{Name: "date_delta_seconds", Value: int64(p.DateDelta.Seconds())},
		{Name: "created_ts", Value: p.CreatedAt},
		{Name: "paired", Value: string(domain.MatchPaired)},
	}
	if err := s.runDML(ctx, q); err != nil {
		return fmt.Errorf("RecordPair: %w", err)
	}
	return nil
}

// ListPairs implements store.PairStore.
func (s *Store) ListPairs(ctx context.Context) ([]*domain.ReimbursementPair, error) {
	q := s.client.Query("SELECT " + pairColumns + " FROM " + s.fq(pairsTable) + " ORDER BY created_ts DESC")

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListPairs: query read: %w", err)
	}

	var out []*domain.ReimbursementPair
	for {
		var r PairRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListPairs: iter next: %w", err)
		}
		out = append(out, rowToPair(&r))
	}
	return out, nil
}

// RemovePair implements store.PairStore. Both members drop back to
// unmatched in the same transaction that deletes the pair row.
func (s *Store) RemovePair(ctx context.Context, pairID string) error {
	q := s.client.Query(`
		BEGIN TRANSACTION;

		UPDATE ` + s.fq(transactionsTable) + `
		SET match_status = NULL, pair_id = NULL
		WHERE pair_id = @pair_id;

		DELETE FROM ` + s.fq(pairsTable) + `
		WHERE pair_id = @pair_id;

		COMMIT TRANSACTION;
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "pair_id", Value: pairID},
	}
	if err := s.runDML(ctx, q); err != nil {
		return fmt.Errorf("RemovePair: %w", err)
	}
	return nil
}
