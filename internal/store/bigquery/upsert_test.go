package bigquery

import (
	"strings"
	"testing"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/txsync/internal/store"
)

func TestMergeTransactionSQLIsOneKeyedStatement(t *testing.T) {
	sql := mergeTransactionSQL("`p.d.transactions`")

	if got := strings.Count(sql, "MERGE"); got != 1 {
		t.Fatalf("MERGE appears %d times, want exactly 1", got)
	}
	if !strings.Contains(sql, "ON T.external_id = S.external_id") {
		t.Error("merge is not keyed on external_id")
	}
	if !strings.Contains(sql, "WHEN NOT MATCHED THEN INSERT") {
		t.Error("merge has no insert branch")
	}

	// The matched branch must never rewrite the immutable fields.
	matched := sql[strings.Index(sql, "THEN UPDATE SET"):strings.Index(sql, "WHEN NOT MATCHED")]
	for _, col := range []string{"amount =", "transaction_date =", "account_id =", "created_ts ="} {
		if strings.Contains(matched, col) {
			t.Errorf("matched branch writes immutable column %q", strings.TrimSuffix(col, " ="))
		}
	}
}

func TestMergeAccountSQLKeying(t *testing.T) {
	byExt := mergeAccountSQL("`p.d.accounts`", true)
	if !strings.Contains(byExt, "ON T.external_id = @external_id") {
		t.Error("feed-account merge is not keyed on external_id")
	}

	byID := mergeAccountSQL("`p.d.accounts`", false)
	if !strings.Contains(byID, "ON T.account_id = @account_id") {
		t.Error("manual-ledger merge is not keyed on account_id")
	}

	for _, sql := range []string{byExt, byID} {
		matched := sql[strings.Index(sql, "THEN UPDATE SET"):strings.Index(sql, "WHEN NOT MATCHED")]
		if strings.Contains(matched, "last_sync_watermark") {
			t.Error("matched branch touches the sync watermark")
		}
	}
}

func TestMergeOutcome(t *testing.T) {
	cases := []struct {
		name  string
		stats *bigquery.DMLStatistics
		want  store.Outcome
	}{
		{"nil stats", nil, store.OutcomeUnchanged},
		{"inserted", &bigquery.DMLStatistics{InsertedRowCount: 1}, store.OutcomeInserted},
		{"updated", &bigquery.DMLStatistics{UpdatedRowCount: 1}, store.OutcomeUpdated},
		{"no rows touched", &bigquery.DMLStatistics{}, store.OutcomeUnchanged},
	}
	for _, tc := range cases {
		if got := mergeOutcome(tc.stats); got != tc.want {
			t.Errorf("%s: outcome = %s, want %s", tc.name, got, tc.want)
		}
	}
}
