package handlers

import (
	"net/http"
	"time"

	"github.com/dvloznov/txsync/internal/api/middleware"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/match"
	"github.com/dvloznov/txsync/internal/store"
)

// PairsHandler serves reimbursement pairs and runs the matcher on demand.
type PairsHandler struct {
	st      store.Store
	matcher *match.Matcher
}

// List handles GET /api/pairs.
func (h *PairsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pairs, err := h.st.ListPairs(ctx)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to list pairs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list pairs")
		return
	}

	out := make([]*pairResponse, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, toPairResponse(p))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"pairs": out,
		"count": len(out),
	})
}

// Remove handles DELETE /api/pairs/{id}. Both members return to the
// unmatched pool and are reconsidered on the next matcher run.
func (h *PairsHandler) Remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pairID := r.PathValue("id")

	if err := h.st.RemovePair(ctx, pairID); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("pair_id", pairID).Msg("Failed to remove pair")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to remove pair")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"pair_id": pairID,
		"status":  "removed",
	})
}

// RunMatcher handles POST /api/match.
func (h *PairsHandler) RunMatcher(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	report, err := h.matcher.Run(ctx, time.Now().UTC())
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Matcher run failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Matcher run failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]int{
		"considered": report.Considered,
		"paired":     report.Paired,
		"ambiguous":  report.Ambiguous,
	})
}
