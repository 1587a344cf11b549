package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/dvloznov/txsync/internal/api/middleware"
	"github.com/dvloznov/txsync/internal/categorize"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/store"
)

// InsightsHandler drives the categorization pipeline and serves stored
// analysis narratives.
type InsightsHandler struct {
	st   store.Store
	catz CategorizePipeline // nil when no backend is configured
}

// Categories handles GET /api/categories: the fixed vocabulary.
func (h *InsightsHandler) Categories(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"categories": domain.Categories,
		"count":      len(domain.Categories),
	})
}

// Categorize handles POST /api/categorize: one batch of uncategorized
// transactions through the configured backend.
func (h *InsightsHandler) Categorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catz == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "No categorization backend configured")
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			middleware.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}

	report, err := h.catz.Run(ctx, limit)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Categorization batch failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Categorization batch failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]int{
		"requested":   report.Requested,
		"categorized": report.Categorized,
		"from_cache":  report.FromCache,
		"failed":      report.Failed,
	})
}

// Analyze handles POST /api/insights/analyze.
func (h *InsightsHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catz == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "No categorization backend configured")
		return
	}

	var req struct {
		InsightType string   `json:"insight_type"`
		StartDate   string   `json:"start_date"`
		EndDate     string   `json:"end_date"`
		AccountIDs  []string `json:"account_ids"`
		Prompt      string   `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.InsightType != "" {
		if _, ok := categorize.AnalysisPrompts[req.InsightType]; !ok {
			middleware.WriteError(w, http.StatusBadRequest, "Unknown insight_type")
			return
		}
	}

	start, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse(dateLayout, req.EndDate)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
		return
	}
	if !start.Before(end) {
		middleware.WriteError(w, http.StatusBadRequest, "start_date must precede end_date")
		return
	}

	ins, err := h.catz.Analyze(ctx, req.InsightType, start, end, req.AccountIDs, req.Prompt)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Analysis failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Analysis failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toInsightResponse(ins))
}

// List handles GET /api/insights with type and limit query parameters.
func (h *InsightsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := r.URL.Query()
	limit := 20
	if s := q.Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = v
		}
	}

	insights, err := h.st.ListInsights(ctx, q.Get("type"), limit)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to list insights")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list insights")
		return
	}

	out := make([]*insightResponse, 0, len(insights))
	for _, ins := range insights {
		out = append(out, toInsightResponse(ins))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"insights": out,
		"count":    len(out),
	})
}
