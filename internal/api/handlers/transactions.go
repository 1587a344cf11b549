package handlers

import (
	"net/http"
	"time"

	"github.com/dvloznov/txsync/internal/api/middleware"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/store"
)

// TransactionsHandler serves read access to canonical transactions.
type TransactionsHandler struct {
	st store.Store
}

// List handles GET /api/transactions. Query parameters: start_date and
// end_date (YYYY-MM-DD, half-open range), and account_id (repeatable).
func (h *TransactionsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	start, end, err := parseDateRange(r, time.Now().UTC())
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Dates must be YYYY-MM-DD")
		return
	}
	if !start.Before(end) {
		middleware.WriteError(w, http.StatusBadRequest, "start_date must precede end_date")
		return
	}
	accountIDs := r.URL.Query()["account_id"]

	txs, err := h.st.ListTransactions(ctx, start, end, accountIDs)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to list transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list transactions")
		return
	}

	out := make([]*transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"transactions": out,
		"count":        len(out),
	})
}
