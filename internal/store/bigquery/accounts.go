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

const accountColumns = `
	account_id,
	external_id,
	name,
	kind,
	account_type,
	institution,
	mask,
	last_sync_watermark,
	created_ts
`

// mergeAccountSQL builds the keyed MERGE for the account upsert. byExternal
// keys the merge on external_id (feed accounts); otherwise on account_id
// (manual ledgers). The matched branch refreshes descriptive fields only and
// never touches the sync watermark.
func mergeAccountSQL(table string, byExternal bool) string {
	key := "T.account_id = @account_id"
	if byExternal {
		key = "T.external_id = @external_id"
	}
	return `
		MERGE ` + table + ` T
		USING (SELECT 1 AS k) S
		ON ` + key + `
		WHEN MATCHED THEN UPDATE SET
			name = @name,
			account_type = NULLIF(@account_type, ''),
			institution = NULLIF(@institution, ''),
			mask = NULLIF(@mask, '')
		WHEN NOT MATCHED THEN INSERT (` + accountColumns + `)
		VALUES (
			@account_id, NULLIF(@external_id, ''), @name, @kind,
			NULLIF(@account_type, ''), NULLIF(@institution, ''), NULLIF(@mask, ''),
			NULL, @created_ts
		)
	`
}

// UpsertAccount implements store.AccountStore. Accounts are keyed by their
// external id when they have one; manual ledgers are keyed by internal id.
// The write is one MERGE per account, so two processes bootstrapping the
// same feed cannot insert the account twice.
func (s *Store) UpsertAccount(ctx context.Context, acc *domain.Account) (string, error) {
	ins := *acc
	if ins.ID == "" {
		ins.ID = uuid.NewString()
	}
	if ins.CreatedAt.IsZero() {
		ins.CreatedAt = time.Now().UTC()
	}

	q := s.client.Query(mergeAccountSQL(s.fq(accountsTable), ins.ExternalID != ""))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "account_id", Value: ins.ID},
		{Name: "external_id", Value: ins.ExternalID},
		{Name: "name", Value: ins.Name},
		{Name: "kind", Value: string(ins.Kind)},
		{Name: "account_type", Value: ins.AccountType},
		{Name: "institution", Value: ins.Institution},
		{Name: "mask", Value: ins.Mask},
		{Name: "created_ts", Value: ins.CreatedAt},
	}
	stats, err := s.runDMLStats(ctx, q)
	if err != nil {
		return "", fmt.Errorf("UpsertAccount: merging account: %w", err)
	}
	if stats != nil && stats.InsertedRowCount > 0 {
		return ins.ID, nil
	}

	// Matched an existing row (or the backend reported no counts); the
	// stored id wins over the freshly generated one.
	var existing *domain.Account
	if ins.ExternalID != "" {
		existing, err = s.accountByExternalID(ctx, ins.ExternalID)
	} else {
		existing, err = s.GetAccount(ctx, ins.ID)
	}
	if err != nil {
		return "", fmt.Errorf("UpsertAccount: reading merged account: %w", err)
	}
	if existing == nil {
		return "", fmt.Errorf("UpsertAccount: account missing after merge")
	}
	return existing.ID, nil
}

// GetAccount implements store.AccountStore.
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	accs, err := s.queryAccounts(ctx,
		"WHERE account_id = @account_id",
		[]bigquery.QueryParameter{{Name: "account_id", Value: id}})
	if err != nil {
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	if len(accs) == 0 {
		return nil, nil
	}
	return accs[0], nil
}

func (s *Store) accountByExternalID(ctx context.Context, externalID string) (*domain.Account, error) {
	accs, err := s.queryAccounts(ctx,
		"WHERE external_id = @external_id",
		[]bigquery.QueryParameter{{Name: "external_id", Value: externalID}})
	if err != nil {
		return nil, err
	}
	if len(accs) == 0 {
		return nil, nil
	}
	return accs[0], nil
}

// ListAccounts implements store.AccountStore.
func (s *Store) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	accs, err := s.queryAccounts(ctx, "ORDER BY created_ts", nil)
	if err != nil {
		return nil, fmt.Errorf("ListAccounts: %w", err)
	}
	return accs, nil
}

// SetWatermark implements store.AccountStore.
func (s *Store) SetWatermark(ctx context.Context, accountID string, watermark time.Time) error {
	q := s.client.Query(`
		UPDATE ` + s.fq(accountsTable) + `
		SET last_sync_watermark = @watermark
		WHERE account_id = @account_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "watermark", Value: watermark},
		{Name: "account_id", Value: accountID},
	}
	if err := s.runDML(ctx, q); err != nil {
		return fmt.Errorf("SetWatermark: %w", err)
	}
	return nil
}

func (s *Store) queryAccounts(ctx context.Context, clause string, params []bigquery.QueryParameter) ([]*domain.Account, error) {
	q := s.client.Query("SELECT " + accountColumns + " FROM " + s.fq(accountsTable) + "\n" + clause)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query read: %w", err)
	}

	var out []*domain.Account
	for {
		var r AccountRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iter next: %w", err)
		}
		out = append(out, rowToAccount(&r))
	}
	return out, nil
}
