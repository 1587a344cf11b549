package handlers

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/dvloznov/txsync/internal/api/middleware"
	"github.com/dvloznov/txsync/internal/dedup"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/normalize"
	"github.com/dvloznov/txsync/internal/source/upload"
	"github.com/dvloznov/txsync/internal/staging"
	"github.com/dvloznov/txsync/internal/store"
)

// maxUploadBytes caps a single CSV upload.
const maxUploadBytes = 16 << 20

// UploadHandler ingests manual CSV batches for manual-upload ledgers.
type UploadHandler struct {
	st        store.Store
	engine    *dedup.Engine
	archiver  staging.Archiver // nil disables staging
	refresher DerivedRefresher // nil disables post-upload refresh
}

// Upload handles POST /api/accounts/{id}/upload. The request body is the
// raw CSV; the optional filename query parameter names the staged copy.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	accountID := r.PathValue("id")

	acc, err := h.st.GetAccount(ctx, accountID)
	if err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Failed to get account")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get account")
		return
	}
	if acc == nil {
		middleware.WriteError(w, http.StatusNotFound, "Account not found")
		return
	}
	if acc.Kind != domain.SourceManualUpload {
		middleware.WriteError(w, http.StatusConflict, "Account is not a manual-upload ledger")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, "Upload too large")
		return
	}
	if len(body) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "Empty upload")
		return
	}

	// Archive the original bytes before parsing so a bad ingest can be
	// replayed. Staging failure does not block the ingest.
	var stagedURI string
	if h.archiver != nil {
		filename := r.URL.Query().Get("filename")
		if filename == "" {
			filename = "upload.csv"
		}
		stagedURI, err = h.archiver.Stage(ctx, accountID, filename, bytes.NewReader(body))
		if err != nil {
			log.Warn().Err(err).Str("account_id", accountID).Msg("Failed to stage upload, ingesting anyway")
			stagedURI = ""
		}
	}

	batch, skipped, err := upload.ParseCSV(accountID, bytes.NewReader(body))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Unreadable CSV")
		return
	}

	res := normalize.UploadBatch(batch, accountID)
	for _, merr := range res.Malformed {
		log.Warn().Str("account_id", accountID).Str("reason", merr.Error()).Msg("Malformed upload record")
	}

	merge, err := h.engine.Merge(ctx, res.Transactions)
	if err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Upload merge failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to ingest upload")
		return
	}

	// Uploaded records land outside a sync run, so cached analyses over the
	// merged dates and the matching/categorization state go stale here too.
	if h.refresher != nil && len(res.Transactions) > 0 {
		start, end := dateSpan(res.Transactions)
		h.refresher.RefreshDerived(ctx, start, end)
	}

	log.Info().
		Str("account_id", accountID).
		Int("inserted", merge.Inserted).
		Int("updated", merge.Updated).
		Int("unchanged", merge.Unchanged).
		Int("conflicts", len(merge.Conflicts)).
		Int("skipped", len(skipped)).
		Msg("Upload ingested")

	resp := map[string]any{
		"account_id": accountID,
		"inserted":   merge.Inserted,
		"updated":    merge.Updated,
		"unchanged":  merge.Unchanged,
		"conflicts":  len(merge.Conflicts),
		"malformed":  len(res.Malformed),
		"skipped":    len(skipped),
	}
	if stagedURI != "" {
		resp["staged_uri"] = stagedURI
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// dateSpan returns the half-open date range covering the batch.
func dateSpan(txs []domain.Transaction) (start, end time.Time) {
	start, end = txs[0].Date, txs[0].Date
	for _, tx := range txs[1:] {
		if tx.Date.Before(start) {
			start = tx.Date
		}
		if tx.Date.After(end) {
			end = tx.Date
		}
	}
	return start, end.AddDate(0, 0, 1)
}
