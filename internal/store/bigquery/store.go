// Package bigquery implements the persistence boundary on BigQuery. One
// dataset holds the transactions, accounts, reimbursement_pairs, and
// insights tables; cmd/migrate creates them from migrations/bigquery.
package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/txsync/internal/store"
)

const (
	transactionsTable = "transactions"
	accountsTable     = "accounts"
	pairsTable        = "reimbursement_pairs"
	insightsTable     = "insights"

	dateFormat = "2006-01-02"
)

// Store implements store.Store on a BigQuery dataset.
type Store struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// New creates a Store with its own BigQuery client.
func New(ctx context.Context, projectID, datasetID string) (*Store, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("New: bigquery client: %w", err)
	}
	return NewWithClient(client, projectID, datasetID), nil
}

// NewWithClient creates a Store over an existing BigQuery client. The caller
// keeps ownership of the client.
func NewWithClient(client *bigquery.Client, projectID, datasetID string) *Store {
	return &Store{client: client, projectID: projectID, datasetID: datasetID}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// table returns a fully qualified table handle.
func (s *Store) table(name string) *bigquery.Table {
	return s.client.DatasetInProject(s.projectID, s.datasetID).Table(name)
}

// fq returns the backtick-quoted fully qualified table name for SQL text.
func (s *Store) fq(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.projectID, s.datasetID, name)
}

var _ store.Store = (*Store)(nil)
