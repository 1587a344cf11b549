package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/store"
)

const transactionColumns = `
	transaction_id,
	external_id,
	account_id,
	amount,
	transaction_date,
	merchant,
	description,
	source_tag,
	category,
	ai_category,
	unclassified,
	match_status,
	pair_id,
	is_pending,
	created_ts
`

// mergeTransactionSQL builds the single keyed MERGE for the upsert. The
// matched branch writes only the mutable fields, and merchant/category only
// when the incoming value is non-empty; amount, date, and account binding
// are never written, so a disagreement on them survives in the stored row.
// Query-based DML throughout: streaming inserts land in the streaming
// buffer where later UPDATEs cannot reach them.
func mergeTransactionSQL(table string) string {
	return `
		MERGE ` + table + ` T
		USING (SELECT @external_id AS external_id) S
		ON T.external_id = S.external_id
		WHEN MATCHED AND (
			COALESCE(T.description, '') != @description
			OR (@merchant != '' AND COALESCE(T.merchant, '') != @merchant)
			OR (@category != '' AND COALESCE(T.category, '') != @category)
			OR T.is_pending != @is_pending
		) THEN UPDATE SET
			description = NULLIF(@description, ''),
			merchant = IF(@merchant != '', @merchant, T.merchant),
			category = IF(@category != '', @category, T.category),
			is_pending = @is_pending
		WHEN NOT MATCHED THEN INSERT (` + transactionColumns + `)
		VALUES (
			@transaction_id, @external_id, @account_id, @amount, @transaction_date,
			NULLIF(@merchant, ''), NULLIF(@description, ''), @source_tag,
			NULLIF(@category, ''), NULLIF(@ai_category, ''), @unclassified,
			NULLIF(@match_status, ''), NULLIF(@pair_id, ''), @is_pending, @created_ts
		)
	`
}

// mergeOutcome maps the MERGE's row counts onto an upsert outcome. Conflict
// detection happens separately; a nil stats means the backend reported no
// counts and the row is treated as already matching.
func mergeOutcome(stats *bigquery.DMLStatistics) store.Outcome {
	switch {
	case stats == nil:
		return store.OutcomeUnchanged
	case stats.InsertedRowCount > 0:
		return store.OutcomeInserted
	case stats.UpdatedRowCount > 0:
		return store.OutcomeUpdated
	default:
		return store.OutcomeUnchanged
	}
}

// UpsertTransaction implements store.TransactionStore. The write is one
// MERGE keyed on external_id, atomic per row, so concurrent writers (other
// processes included) cannot race a read-then-insert into duplicate
// external ids.
func (s *Store) UpsertTransaction(ctx context.Context, tx *domain.Transaction) (store.Outcome, error) {
	ins := *tx
	if ins.ID == "" {
		ins.ID = uuid.NewString()
	}
	if ins.CreatedAt.IsZero() {
		ins.CreatedAt = time.Now().UTC()
	}

	q := s.client.Query(mergeTransactionSQL(s.fq(transactionsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "transaction_id", Value: ins.ID},
		{Name: "external_id", Value: ins.ExternalID},
		{Name: "account_id", Value: ins.AccountID},
		{Name: "amount", Value: ins.Amount.Rat()},
		{Name: "transaction_date", Value: civil.DateOf(ins.Date)},
		{Name: "merchant", Value: ins.Merchant},
		{Name: "description", Value: ins.Description},
		{Name: "source_tag", Value: ins.SourceTag},
		{Name: "category", Value: ins.Category},
		{Name: "ai_category", Value: ins.AICategory},
		{Name: "unclassified", Value: ins.Unclassified},
		{Name: "match_status", Value: string(ins.MatchStatus)},
		{Name: "pair_id", Value: ins.PairID},
		{Name: "is_pending", Value: ins.Pending},
		{Name: "created_ts", Value: ins.CreatedAt},
	}
	stats, err := s.runDMLStats(ctx, q)
	if err != nil {
		return store.OutcomeUnchanged, fmt.Errorf("UpsertTransaction: merging %s: %w", tx.ExternalID, err)
	}

	outcome := mergeOutcome(stats)
	if outcome == store.OutcomeInserted {
		return outcome, nil
	}

	// Matched a stored row. The merge never wrote amount, date, or account
	// binding, so check the stored values for an immutable-field conflict.
	existing, err := s.GetTransactionByExternalID(ctx, tx.ExternalID)
	if err != nil {
		return outcome, fmt.Errorf("UpsertTransaction: reading merged row: %w", err)
	}
	if existing == nil {
		return outcome, fmt.Errorf("UpsertTransaction: row for %s missing after merge", tx.ExternalID)
	}
	if _, conflicts := store.Reconcile(existing, tx); len(conflicts) > 0 {
		return store.OutcomeConflict, &store.ConflictError{ExternalID: tx.ExternalID, Conflicts: conflicts}
	}
	return outcome, nil
}

// GetTransaction implements store.TransactionStore.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	rows, err := s.queryTransactions(ctx,
		"WHERE transaction_id = @transaction_id",
		[]bigquery.QueryParameter{{Name: "transaction_id", Value: id}})
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// GetTransactionByExternalID implements store.TransactionStore.
func (s *Store) GetTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	rows, err := s.queryTransactions(ctx,
		"WHERE external_id = @external_id",
		[]bigquery.QueryParameter{{Name: "external_id", Value: externalID}})
	if err != nil {
		return nil, fmt.Errorf("GetTransactionByExternalID: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, start, end time.Time, accountIDs []string) ([]*domain.Transaction, error) {
	where := "WHERE transaction_date >= @start_date AND transaction_date < @end_date"
	params := []bigquery.QueryParameter{
		{Name: "start_date", Value: civil.DateOf(start)},
		{Name: "end_date", Value: civil.DateOf(end)},
	}
	if len(accountIDs) > 0 {
		where += " AND account_id IN UNNEST(@account_ids)"
		params = append(params, bigquery.QueryParameter{Name: "account_ids", Value: accountIDs})
	}

	rows, err := s.queryTransactions(ctx, where+" ORDER BY transaction_date DESC, created_ts DESC", params)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	return rows, nil
}

// ListUnpaired implements store.TransactionStore.
func (s *Store) ListUnpaired(ctx context.Context, since time.Time) ([]*domain.Transaction, error) {
	rows, err := s.queryTransactions(ctx, `
		WHERE transaction_date >= @since_date
		  AND (match_status IS NULL OR match_status != @paired)
		ORDER BY transaction_date, created_ts`,
		[]bigquery.QueryParameter{
			{Name: "since_date", Value: civil.DateOf(since)},
			{Name: "paired", Value: string(domain.MatchPaired)},
		})
	if err != nil {
		return nil, fmt.Errorf("ListUnpaired: %w", err)
	}
	return rows, nil
}

// ListUnclassified implements store.TransactionStore.
func (s *Store) ListUnclassified(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	rows, err := s.queryTransactions(ctx, `
		WHERE ai_category IS NULL AND unclassified = FALSE
		ORDER BY transaction_date, created_ts
		LIMIT @row_limit`,
		[]bigquery.QueryParameter{{Name: "row_limit", Value: int64(limit)}})
	if err != nil {
		return nil, fmt.Errorf("ListUnclassified: %w", err)
	}
	return rows, nil
}

// SetAICategory implements store.TransactionStore.
func (s *Store) SetAICategory(ctx context.Context, id, category string, unclassified bool) error {
	q := s.client.Query(`
		UPDATE ` + s.fq(transactionsTable) + `
		SET ai_category = NULLIF(@ai_category, ''),
		    unclassified = @unclassified
		WHERE transaction_id = @transaction_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "ai_category", Value: category},
		{Name: "unclassified", Value: unclassified},
		{Name: "transaction_id", Value: id},
	}
	if err := s.runDML(ctx, q); err != nil {
		return fmt.Errorf("SetAICategory: %w", err)
	}
	return nil
}

// SetMatch implements store.TransactionStore.
func (s *Store) SetMatch(ctx context.Context, id string, status domain.MatchStatus, pairID string) error {
	q := s.client.Query(`
		UPDATE ` + s.fq(transactionsTable) + `
		SET match_status = NULLIF(@match_status, ''),
		    pair_id = NULLIF(@pair_id, '')
		WHERE transaction_id = @transaction_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "match_status", Value: string(status)},
		{Name: "pair_id", Value: pairID},
		{Name: "transaction_id", Value: id},
	}
	if err := s.runDML(ctx, q); err != nil {
		return fmt.Errorf("SetMatch: %w", err)
	}
	return nil
}

// queryTransactions runs a SELECT over the transactions table with the
// given WHERE/ORDER clause and decodes the rows.
func (s *Store) queryTransactions(ctx context.Context, clause string, params []bigquery.QueryParameter) ([]*domain.Transaction, error) {
	q := s.client.Query("SELECT " + transactionColumns + " FROM " + s.fq(transactionsTable) + "\n" + clause)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query read: %w", err)
	}

	var out []*domain.Transaction
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iter next: %w", err)
		}
		out = append(out, rowToTransaction(&r))
	}
	return out, nil
}

// runDML executes a DML statement and waits for the job to finish.
func (s *Store) runDML(ctx context.Context, q *bigquery.Query) error {
	_, err := s.runDMLStats(ctx, q)
	return err
}

// runDMLStats executes a DML statement and returns the row counts the job
// reports, nil when the backend omits them.
func (s *Store) runDMLStats(ctx context.Context, q *bigquery.Query) (*bigquery.DMLStatistics, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("job error: %w", err)
	}
	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			return qs.DMLStats, nil
		}
	}
	return nil, nil
}
