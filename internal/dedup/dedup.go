// Package dedup merges batches of canonical transactions into storage.
// Identity is the external id; merging the same batch any number of times
// converges on the same stored state.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/store"
)

// MergeResult summarizes one merge pass.
type MergeResult struct {
	Inserted  int
	Updated   int
	Unchanged int

	// Conflicts are immutable-field anomalies. They are surfaced here and
	// logged, never applied, and do not fail the merge.
	Conflicts []*store.ConflictError
}

// Records is the number of records the merge examined.
func (r *MergeResult) Records() int {
	return r.Inserted + r.Updated + r.Unchanged + len(r.Conflicts)
}

// Add folds another page's result into this one.
func (r *MergeResult) Add(other *MergeResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.Conflicts = append(r.Conflicts, other.Conflicts...)
}

// Engine merges canonical transactions through the store's atomic upsert.
type Engine struct {
	txs store.TransactionStore
}

// New creates a merge engine over the given transaction store.
func New(txs store.TransactionStore) *Engine {
	return &Engine{txs: txs}
}

// Merge upserts one batch. Storage failures abort the batch (the caller
// re-covers the window on the next run); conflicts are collected and the
// batch continues.
func (e *Engine) Merge(ctx context.Context, batch []domain.Transaction) (*MergeResult, error) {
	log := logger.FromContext(ctx)
	res := &MergeResult{}

	for i := range batch {
		outcome, err := e.txs.UpsertTransaction(ctx, &batch[i])
		if err != nil && outcome != store.OutcomeConflict {
			// A failed upsert applied nothing; it must not count.
			return res, fmt.Errorf("Merge: upserting %s: %w", batch[i].ExternalID, err)
		}
		switch outcome {
		case store.OutcomeInserted:
			res.Inserted++
		case store.OutcomeUpdated:
			res.Updated++
		case store.OutcomeUnchanged:
			res.Unchanged++
		case store.OutcomeConflict:
			var conflict *store.ConflictError
			if !errors.As(err, &conflict) {
				return res, fmt.Errorf("Merge: conflict outcome without conflict error for %s", batch[i].ExternalID)
			}
			log.Warn().
				Str("external_id", conflict.ExternalID).
				Interface("fields", conflict.Conflicts).
				Msg("Immutable field mismatch on known transaction, keeping stored values")
			res.Conflicts = append(res.Conflicts, conflict)
		}
	}

	return res, nil
}
