package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dvloznov/txsync/internal/api/middleware"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/jobs"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/store"
)

// Bootstrapper discovers accounts at the external feed and persists them.
type Bootstrapper interface {
	BootstrapAccounts(ctx context.Context) ([]*domain.Account, error)
}

// SyncHandler publishes sync jobs and serves their status. The actual sync
// runs in the worker consuming the queue.
type SyncHandler struct {
	st        store.Store
	publisher jobs.Publisher
	jobStore  jobs.JobStore
	bootstrap Bootstrapper // nil skips feed discovery on sync-all
}

// Trigger handles POST /api/accounts/{id}/sync.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
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
	if acc.Kind != domain.SourceExternalAPI {
		middleware.WriteError(w, http.StatusConflict, "Account is not synced from the external feed")
		return
	}

	job := &jobs.SyncAccountJob{AccountID: accountID, Trigger: "manual"}
	if err := h.publisher.PublishSyncAccount(ctx, job); err != nil {
		log.Error().Err(err).Str("account_id", accountID).Msg("Failed to enqueue sync job")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue sync job")
		return
	}

	log.Info().Str("job_id", job.JobID).Str("account_id", accountID).Msg("Sync job enqueued")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     job.JobID,
		"account_id": accountID,
		"status":     string(job.Status),
	})
}

// TriggerAll handles POST /api/sync: discover feed accounts, then one job
// per external-feed account.
func (h *SyncHandler) TriggerAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if h.bootstrap != nil {
		if _, err := h.bootstrap.BootstrapAccounts(ctx); err != nil {
			log.Warn().Err(err).Msg("Account discovery failed, syncing known accounts")
		}
	}

	accounts, err := h.st.ListAccounts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list accounts")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list accounts")
		return
	}

	jobIDs := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		if acc.Kind != domain.SourceExternalAPI {
			continue
		}
		job := &jobs.SyncAccountJob{AccountID: acc.ID, Trigger: "manual"}
		if err := h.publisher.PublishSyncAccount(ctx, job); err != nil {
			log.Error().Err(err).Str("account_id", acc.ID).Msg("Failed to enqueue sync job")
			middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue sync jobs")
			return
		}
		jobIDs = append(jobIDs, job.JobID)
	}

	middleware.WriteJSON(w, http.StatusAccepted, map[string]any{
		"job_ids": jobIDs,
		"count":   len(jobIDs),
	})
}

// GetJob handles GET /api/jobs/{id}.
func (h *SyncHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("id")

	job, err := h.jobStore.GetJob(ctx, jobID)
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs with account_id, status, limit, offset
// query parameters.
func (h *SyncHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := r.URL.Query()
	filter := jobs.JobFilter{
		AccountID: q.Get("account_id"),
		Status:    jobs.JobStatus(q.Get("status")),
	}
	if s := q.Get("limit"); s != "" {
		if limit, err := strconv.Atoi(s); err == nil {
			filter.Limit = limit
		}
	}
	if s := q.Get("offset"); s != "" {
		if offset, err := strconv.Atoi(s); err == nil {
			filter.Offset = offset
		}
	}

	list, err := h.jobStore.ListJobs(ctx, filter)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":  list,
		"count": len(list),
	})
}
