package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dvloznov/txsync/internal/api/middleware"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/store"
)

// AccountsHandler serves account listing and manual-ledger creation.
// External-api accounts are bootstrapped by the sync orchestrator, not
// created here.
type AccountsHandler struct {
	st store.Store
}

// List handles GET /api/accounts.
func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accounts, err := h.st.ListAccounts(ctx)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to list accounts")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list accounts")
		return
	}

	out := make([]*accountResponse, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, toAccountResponse(acc))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"accounts": out,
		"count":    len(out),
	})
}

// Get handles GET /api/accounts/{id}.
func (h *AccountsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	acc, err := h.st.GetAccount(ctx, id)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("account_id", id).Msg("Failed to get account")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get account")
		return
	}
	if acc == nil {
		middleware.WriteError(w, http.StatusNotFound, "Account not found")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toAccountResponse(acc))
}

// Create handles POST /api/accounts. Only manual-upload ledgers can be
// created through the API.
func (h *AccountsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Name        string `json:"name"`
		AccountType string `json:"account_type"`
		Institution string `json:"institution"`
		Mask        string `json:"mask"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		middleware.WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	acc := &domain.Account{
		Name:        strings.TrimSpace(req.Name),
		Kind:        domain.SourceManualUpload,
		AccountType: req.AccountType,
		Institution: req.Institution,
		Mask:        req.Mask,
	}

	id, err := h.st.UpsertAccount(ctx, acc)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to create account")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	stored, err := h.st.GetAccount(ctx, id)
	if err != nil || stored == nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("account_id", id).Msg("Failed to read back created account")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, toAccountResponse(stored))
}
