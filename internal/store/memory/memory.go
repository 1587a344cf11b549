// Package memory is the in-memory Store implementation. It backs tests and
// single-instance deployments; durability comes from the bigquery backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/store"
)

// Store keeps everything behind one RWMutex. Upserts are atomic per call,
// which is stricter than the per-key discipline the contract asks for and
// fine at this scale.
type Store struct {
	mu           sync.RWMutex
	transactions map[string]*domain.Transaction // by ID
	byExternalID map[string]string              // external_id -> ID
	accounts     map[string]*domain.Account     // by ID
	accByExt     map[string]string              // external_id -> ID
	pairs        map[string]*domain.ReimbursementPair
	insights     []*store.Insight
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		transactions: make(map[string]*domain.Transaction),
		byExternalID: make(map[string]string),
		accounts:     make(map[string]*domain.Account),
		accByExt:     make(map[string]string),
		pairs:        make(map[string]*domain.ReimbursementPair),
	}
}

var _ store.Store = (*Store)(nil)

// UpsertTransaction implements store.TransactionStore.
func (s *Store) UpsertTransaction(ctx context.Context, tx *domain.Transaction) (store.Outcome, error) {
	if tx.ExternalID == "" {
		return store.OutcomeUnchanged, fmt.Errorf("UpsertTransaction: empty external id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, known := s.byExternalID[tx.ExternalID]
	if !known {
		stored := *tx
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now().UTC()
		}
		s.transactions[stored.ID] = &stored
		s.byExternalID[stored.ExternalID] = stored.ID
		return store.OutcomeInserted, nil
	}

	existing := s.transactions[id]
	changed, conflicts := store.Reconcile(existing, tx)
	if len(conflicts) > 0 {
		return store.OutcomeConflict, &store.ConflictError{ExternalID: tx.ExternalID, Conflicts: conflicts}
	}
	if changed {
		return store.OutcomeUpdated, nil
	}
	return store.OutcomeUnchanged, nil
}

// GetTransaction implements store.TransactionStore.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

// GetTransactionByExternalID implements store.TransactionStore.
func (s *Store) GetTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternalID[externalID]
	if !ok {
		return nil, nil
	}
	cp := *s.transactions[id]
	return &cp, nil
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, start, end time.Time, accountIDs []string) ([]*domain.Transaction, error) {
	var wanted map[string]bool
	if len(accountIDs) > 0 {
		wanted = make(map[string]bool, len(accountIDs))
		for _, id := range accountIDs {
			wanted[id] = true
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, tx := range s.transactions {
		if tx.Date.Before(start) || !tx.Date.Before(end) {
			continue
		}
		if wanted != nil && !wanted[tx.AccountID] {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out, nil
}

// ListUnpaired implements store.TransactionStore.
func (s *Store) ListUnpaired(ctx context.Context, since time.Time) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, tx := range s.transactions {
		if tx.MatchStatus == domain.MatchPaired || tx.Date.Before(since) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

// ListUnclassified implements store.TransactionStore.
func (s *Store) ListUnclassified(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, tx := range s.transactions {
		if tx.AICategory != "" || tx.Unclassified {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetAICategory implements store.TransactionStore.
func (s *Store) SetAICategory(ctx context.Context, id, category string, unclassified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return fmt.Errorf("SetAICategory: no transaction %s", id)
	}
	tx.AICategory = category
	tx.Unclassified = unclassified
	return nil
}

// SetMatch implements store.TransactionStore.
func (s *Store) SetMatch(ctx context.Context, id string, status domain.MatchStatus, pairID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMatchLocked(id, status, pairID)
}

func (s *Store) setMatchLocked(id string, status domain.MatchStatus, pairID string) error {
	tx, ok := s.transactions[id]
	if !ok {
		return fmt.Errorf("setMatch: no transaction %s", id)
	}
	tx.MatchStatus = status
	tx.PairID = pairID
	return nil
}

// UpsertAccount implements store.AccountStore.
func (s *Store) UpsertAccount(ctx context.Context, acc *domain.Account) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc.ExternalID != "" {
		if id, ok := s.accByExt[acc.ExternalID]; ok {
			existing := s.accounts[id]
			if acc.Name != "" {
				existing.Name = acc.Name
			}
			if acc.AccountType != "" {
				existing.AccountType = acc.AccountType
			}
			if acc.Institution != "" {
				existing.Institution = acc.Institution
			}
			if acc.Mask != "" {
				existing.Mask = acc.Mask
			}
			return id, nil
		}
	}

	stored := *acc
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.accounts[stored.ID] = &stored
	if stored.ExternalID != "" {
		s.accByExt[stored.ExternalID] = stored.ID
	}
	return stored.ID, nil
}

// GetAccount implements store.AccountStore.
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *acc
	if acc.LastSyncWatermark != nil {
		wm := *acc.LastSyncWatermark
		cp.LastSyncWatermark = &wm
	}
	return &cp, nil
}

// ListAccounts implements store.AccountStore.
func (s *Store) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		cp := *acc
		if acc.LastSyncWatermark != nil {
			wm := *acc.LastSyncWatermark
			cp.LastSyncWatermark = &wm
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetWatermark implements store.AccountStore.
func (s *Store) SetWatermark(ctx context.Context, accountID string, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("SetWatermark: no account %s", accountID)
	}
	wm := watermark.UTC()
	acc.LastSyncWatermark = &wm
	return nil
}

// RecordPair implements store.PairStore. The pair row and both member
// transactions change under one lock so readers never observe a one-sided
// pair.
func (s *Store) RecordPair(ctx context.Context, pair *domain.ReimbursementPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[pair.DebitID]; !ok {
		return fmt.Errorf("RecordPair: no debit transaction %s", pair.DebitID)
	}
	if _, ok := s.transactions[pair.CreditID]; !ok {
		return fmt.Errorf("RecordPair: no credit transaction %s", pair.CreditID)
	}

	stored := *pair
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.pairs[stored.ID] = &stored

	if err := s.setMatchLocked(pair.DebitID, domain.MatchPaired, stored.ID); err != nil {
		return err
	}
	return s.setMatchLocked(pair.CreditID, domain.MatchPaired, stored.ID)
}

// ListPairs implements store.PairStore.
func (s *Store) ListPairs(ctx context.Context) ([]*domain.ReimbursementPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ReimbursementPair, 0, len(s.pairs))
	for _, p := range s.pairs {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemovePair implements store.PairStore.
func (s *Store) RemovePair(ctx context.Context, pairID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair, ok := s.pairs[pairID]
	if !ok {
		return fmt.Errorf("RemovePair: no pair %s", pairID)
	}
	delete(s.pairs, pairID)

	if err := s.setMatchLocked(pair.DebitID, domain.MatchNone, ""); err != nil {
		return err
	}
	return s.setMatchLocked(pair.CreditID, domain.MatchNone, "")
}

// SaveInsight implements store.InsightStore.
func (s *Store) SaveInsight(ctx context.Context, ins *store.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *ins
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.insights = append(s.insights, &stored)
	return nil
}

// ListInsights implements store.InsightStore.
func (s *Store) ListInsights(ctx context.Context, insightType string, limit int) ([]*store.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Insight
	for i := len(s.insights) - 1; i >= 0; i-- {
		ins := s.insights[i]
		if insightType != "" && ins.Type != insightType {
			continue
		}
		cp := *ins
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
