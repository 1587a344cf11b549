// Package handlers implements the HTTP API: account management, CSV
// uploads, sync triggering, and read access to transactions, pairs, and
// insights.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/dvloznov/txsync/internal/api/middleware"
	"github.com/dvloznov/txsync/internal/categorize"
	"github.com/dvloznov/txsync/internal/dedup"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/jobs"
	"github.com/dvloznov/txsync/internal/match"
	"github.com/dvloznov/txsync/internal/staging"
	"github.com/dvloznov/txsync/internal/store"
)

// CategorizePipeline is the part of the categorization pipeline the API
// drives directly.
type CategorizePipeline interface {
	Run(ctx context.Context, limit int) (*categorize.BatchReport, error)
	Analyze(ctx context.Context, insightType string, start, end time.Time, accountIDs []string, prompt string) (*store.Insight, error)
}

// DerivedRefresher refreshes matching, categorization, and cached analyses
// after transactions land outside a sync run.
type DerivedRefresher interface {
	RefreshDerived(ctx context.Context, start, end time.Time)
}

// Handlers bundles every endpoint group with its dependencies.
type Handlers struct {
	Accounts     *AccountsHandler
	Transactions *TransactionsHandler
	Upload       *UploadHandler
	Sync         *SyncHandler
	Pairs        *PairsHandler
	Insights     *InsightsHandler
}

// New wires the endpoint groups. bootstrap, refresher, catz, and archiver
// may each be nil: feed discovery, post-upload refresh, categorization, and
// upload staging are then disabled respectively.
func New(st store.Store, publisher jobs.Publisher, jobStore jobs.JobStore, bootstrap Bootstrapper, refresher DerivedRefresher, matcher *match.Matcher, catz CategorizePipeline, archiver staging.Archiver) *Handlers {
	return &Handlers{
		Accounts:     &AccountsHandler{st: st},
		Transactions: &TransactionsHandler{st: st},
		Upload:       &UploadHandler{st: st, engine: dedup.New(st), archiver: archiver, refresher: refresher},
		Sync:         &SyncHandler{st: st, publisher: publisher, jobStore: jobStore, bootstrap: bootstrap},
		Pairs:        &PairsHandler{st: st, matcher: matcher},
		Insights:     &InsightsHandler{st: st, catz: catz},
	}
}

// Routes registers every endpoint on the mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/accounts", h.Accounts.List)
	mux.HandleFunc("POST /api/accounts", h.Accounts.Create)
	mux.HandleFunc("GET /api/accounts/{id}", h.Accounts.Get)

	mux.HandleFunc("POST /api/accounts/{id}/upload", h.Upload.Upload)

	mux.HandleFunc("POST /api/accounts/{id}/sync", h.Sync.Trigger)
	mux.HandleFunc("POST /api/sync", h.Sync.TriggerAll)
	mux.HandleFunc("GET /api/jobs", h.Sync.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.Sync.GetJob)

	mux.HandleFunc("GET /api/transactions", h.Transactions.List)

	mux.HandleFunc("GET /api/pairs", h.Pairs.List)
	mux.HandleFunc("DELETE /api/pairs/{id}", h.Pairs.Remove)
	mux.HandleFunc("POST /api/match", h.Pairs.RunMatcher)

	mux.HandleFunc("GET /api/categories", h.Insights.Categories)
	mux.HandleFunc("POST /api/categorize", h.Insights.Categorize)
	mux.HandleFunc("POST /api/insights/analyze", h.Insights.Analyze)
	mux.HandleFunc("GET /api/insights", h.Insights.List)

	mux.HandleFunc("GET /health", health)
}

func health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

const dateLayout = "2006-01-02"

// parseDateRange reads start_date/end_date query parameters. The range is
// half-open [start, end); defaults cover the last year through tomorrow.
func parseDateRange(r *http.Request, now time.Time) (start, end time.Time, err error) {
	q := r.URL.Query()

	start = now.AddDate(-1, 0, 0)
	if s := q.Get("start_date"); s != "" {
		start, err = time.Parse(dateLayout, s)
		if err != nil {
			return start, end, err
		}
	}

	end = now.AddDate(0, 0, 1)
	if s := q.Get("end_date"); s != "" {
		end, err = time.Parse(dateLayout, s)
		if err != nil {
			return start, end, err
		}
	}
	return start, end, nil
}

type accountResponse struct {
	ID                string     `json:"account_id"`
	ExternalID        string     `json:"external_id,omitempty"`
	Name              string     `json:"name"`
	Kind              string     `json:"kind"`
	AccountType       string     `json:"account_type,omitempty"`
	Institution       string     `json:"institution,omitempty"`
	Mask              string     `json:"mask,omitempty"`
	LastSyncWatermark *time.Time `json:"last_sync_watermark,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func toAccountResponse(acc *domain.Account) *accountResponse {
	return &accountResponse{
		ID:                acc.ID,
		ExternalID:        acc.ExternalID,
		Name:              acc.Name,
		Kind:              string(acc.Kind),
		AccountType:       acc.AccountType,
		Institution:       acc.Institution,
		Mask:              acc.Mask,
		LastSyncWatermark: acc.LastSyncWatermark,
		CreatedAt:         acc.CreatedAt,
	}
}

type transactionResponse struct {
	ID           string `json:"transaction_id"`
	ExternalID   string `json:"external_id"`
	AccountID    string `json:"account_id"`
	AmountCents  int64  `json:"amount_cents"`
	Amount       string `json:"amount"`
	Date         string `json:"date"`
	Merchant     string `json:"merchant,omitempty"`
	Description  string `json:"description,omitempty"`
	Source       string `json:"source"`
	Category     string `json:"category,omitempty"`
	AICategory   string `json:"ai_category,omitempty"`
	Unclassified bool   `json:"unclassified,omitempty"`
	MatchStatus  string `json:"match_status,omitempty"`
	PairID       string `json:"pair_id,omitempty"`
	Pending      bool   `json:"pending,omitempty"`
}

func toTransactionResponse(tx *domain.Transaction) *transactionResponse {
	return &transactionResponse{
		ID:           tx.ID,
		ExternalID:   tx.ExternalID,
		AccountID:    tx.AccountID,
		AmountCents:  int64(tx.Amount),
		Amount:       tx.Amount.String(),
		Date:         tx.Date.Format(dateLayout),
		Merchant:     tx.Merchant,
		Description:  tx.Description,
		Source:       tx.SourceTag,
		Category:     tx.Category,
		AICategory:   tx.AICategory,
		Unclassified: tx.Unclassified,
		MatchStatus:  string(tx.MatchStatus),
		PairID:       tx.PairID,
		Pending:      tx.Pending,
	}
}

type pairResponse struct {
	ID               string    `json:"pair_id"`
	DebitID          string    `json:"debit_id"`
	CreditID         string    `json:"credit_id"`
	Confidence       float64   `json:"confidence"`
	Rule             string    `json:"rule"`
	DateDeltaSeconds int64     `json:"date_delta_seconds"`
	CreatedAt        time.Time `json:"created_at"`
}

func toPairResponse(p *domain.ReimbursementPair) *pairResponse {
	return &pairResponse{
		ID:               p.ID,
		DebitID:          p.DebitID,
		CreditID:         p.CreditID,
		Confidence:       p.Confidence,
		Rule:             p.Rule,
		DateDeltaSeconds: int64(p.DateDelta.Seconds()),
		CreatedAt:        p.CreatedAt,
	}
}

type insightResponse struct {
	ID         string    `json:"insight_id"`
	Type       string    `json:"type"`
	RangeStart string    `json:"range_start"`
	RangeEnd   string    `json:"range_end"`
	Content    string    `json:"content"`
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
}

func toInsightResponse(ins *store.Insight) *insightResponse {
	return &insightResponse{
		ID:         ins.ID,
		Type:       ins.Type,
		RangeStart: ins.RangeStart.Format(dateLayout),
		RangeEnd:   ins.RangeEnd.Format(dateLayout),
		Content:    ins.Content,
		Model:      ins.Model,
		CreatedAt:  ins.CreatedAt,
	}
}
