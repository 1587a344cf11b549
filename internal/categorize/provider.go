// Package categorize assigns each transaction one label from a fixed
// category vocabulary using a language-model backend, and produces
// spending narratives over date ranges. Backends are pluggable: a hosted
// Gemini model or a local Ollama instance, selected by configuration.
package categorize

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/txsync/internal/domain"
)

// Provider is one language-model backend. Implementations must be safe for
// concurrent use; throttling and retries live in the Pipeline, not here.
type Provider interface {
	// Name identifies the backend ("gemini", "ollama") for cache keys.
	Name() string
	// Model is the concrete model identifier, also part of cache keys.
	Model() string
	// Categorize returns a raw category label for one transaction. The
	// caller clamps the answer to the vocabulary.
	Categorize(ctx context.Context, tx *domain.Transaction) (string, error)
	// Narrate produces a free-text analysis of the given transactions.
	Narrate(ctx context.Context, prompt string, txs []*domain.Transaction) (string, error)
}

// categoryPrompt asks for exactly one vocabulary label and nothing else.
func categoryPrompt(tx *domain.Transaction) string {
	merchant := tx.Merchant
	if merchant == "" {
		merchant = "Unknown"
	}
	description := tx.Description
	if description == "" {
		description = "N/A"
	}
	return fmt.Sprintf(`Categorize this transaction into ONE of these categories:
%s

Transaction: %s - $%s
Description: %s

Respond with ONLY the category name, nothing else.`,
		strings.Join(domain.Categories, ", "), merchant, tx.Amount.Abs(), description)
}

// narratePrompt frames the transaction list for an analysis request.
func narratePrompt(prompt string, txs []*domain.Transaction) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nTransactions:\n")
	for _, tx := range txs {
		merchant := tx.Merchant
		if merchant == "" {
			merchant = "Unknown"
		}
		fmt.Fprintf(&b, "- %s: %s ($%s)\n", tx.Date.Format("2006-01-02"), merchant, tx.Amount)
	}
	b.WriteString("\nProvide a concise analysis in 3-4 sentences.")
	return b.String()
}

// systemIntent is the role preamble for narration requests.
const systemIntent = "You are a financial analyst AI assistant. Provide clear, actionable insights."

// Insight types with a built-in narrative prompt.
const (
	InsightSpendingAnalysis    = "spending_analysis"
	InsightCategoryBreakdown   = "category_breakdown"
	InsightReimbursementReview = "reimbursement_analysis"
)

// AnalysisPrompts holds the default prompt per insight type. Callers may
// override the prompt but the type must come from this map.
var AnalysisPrompts = map[string]string{
	InsightSpendingAnalysis: "Summarize the spending patterns in these transactions. " +
		"Call out the largest categories, any unusual activity, and one suggestion.",
	InsightCategoryBreakdown: "Break down spending by category. " +
		"List each category with its total and share of overall spending, largest first.",
	InsightReimbursementReview: "Review incoming transfers against expenses. " +
		"Point out likely reimbursements and any expenses that look unreimbursed.",
}

// cleanLabel reduces a model response to a bare category label. Models
// occasionally ignore instructions and wrap the answer in code fences,
// quotes, or a full sentence; only the first line survives.
func cleanLabel(raw string) string {
	s := cleanFences(raw)
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		s = s[:idx]
	}
	s = strings.Trim(s, " \t\"'`.")
	return s
}

// cleanFences strips Markdown code fences a model may wrap its output in.
func cleanFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
