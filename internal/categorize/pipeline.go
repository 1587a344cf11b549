package categorize

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dvloznov/txsync/internal/config"
	"github.com/dvloznov/txsync/internal/domain"
	"github.com/dvloznov/txsync/internal/logger"
	"github.com/dvloznov/txsync/internal/store"
)

// NewProvider selects a backend from configuration.
func NewProvider(ctx context.Context, cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGemini(ctx, cfg.GeminiModel)
	case "ollama":
		return NewOllama(cfg.OllamaBaseURL, cfg.OllamaModel, cfg.RequestTimeout), nil
	default:
		return nil, fmt.Errorf("NewProvider: unknown llm provider %q", cfg.Provider)
	}
}

// Options tunes pipeline throttling and retry behavior.
type Options struct {
	// RequestsPerMinute caps backend calls; <= 0 means unlimited.
	RequestsPerMinute int
	// MaxRetries is the number of additional attempts after a failure.
	MaxRetries int
	// RetryBaseDelay is the first backoff step; it doubles per attempt.
	RetryBaseDelay time.Duration
}

// BatchReport summarizes one categorization batch.
type BatchReport struct {
	Requested   int
	Categorized int
	FromCache   int
	Failed      int
}

// Pipeline drives categorization and analysis through one Provider. Backend
// answers are cached by transaction content hash so re-synced duplicates and
// repeated merchants never cost a second call, and all backend traffic flows
// through a shared rate limiter. A backend outage degrades to transactions
// staying unclassified; it never blocks ingestion.
type Pipeline struct {
	provider   Provider
	txs        store.TransactionStore
	insights   store.InsightStore
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration

	mu         sync.Mutex
	labels     map[string]string
	narratives map[string]*store.Insight
}

// NewPipeline wires a pipeline over the given provider and stores.
func NewPipeline(provider Provider, txs store.TransactionStore, insights store.InsightStore, opts Options) *Pipeline {
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Pipeline{
		provider:   provider,
		txs:        txs,
		insights:   insights,
		limiter:    rate.NewLimiter(limit, 1),
		maxRetries: opts.MaxRetries,
		baseDelay:  baseDelay,
		labels:     make(map[string]string),
		narratives: make(map[string]*store.Insight),
	}
}

// Run categorizes up to limit pending transactions. Individual backend
// failures mark the transaction unclassified and move on; only storage
// errors or context cancellation abort the batch.
func (p *Pipeline) Run(ctx context.Context, limit int) (*BatchReport, error) {
	log := logger.FromContext(ctx)

	pending, err := p.txs.ListUnclassified(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("Run: listing unclassified: %w", err)
	}

	report := &BatchReport{Requested: len(pending)}
	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		key := p.labelKey(tx)
		if label, ok := p.cachedLabel(key); ok {
			if err := p.txs.SetAICategory(ctx, tx.ID, label, false); err != nil {
				return report, fmt.Errorf("Run: storing cached category: %w", err)
			}
			report.FromCache++
			continue
		}

		raw, err := p.withRetry(ctx, func(ctx context.Context) (string, error) {
			return p.provider.Categorize(ctx, tx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			log.Warn().Err(err).
				Str("transaction_id", tx.ID).
				Str("provider", p.provider.Name()).
				Msg("Categorization failed, leaving transaction unclassified")
			if err := p.txs.SetAICategory(ctx, tx.ID, "", true); err != nil {
				return report, fmt.Errorf("Run: marking unclassified: %w", err)
			}
			report.Failed++
			continue
		}

		label, ok := domain.CanonicalCategory(raw)
		if !ok {
			log.Debug().Str("answer", raw).Msg("Backend answer outside vocabulary, storing as Other")
			label = domain.CategoryOther
		}
		if err := p.txs.SetAICategory(ctx, tx.ID, label, false); err != nil {
			return report, fmt.Errorf("Run: storing category: %w", err)
		}
		p.storeLabel(key, label)
		report.Categorized++
	}

	return report, nil
}

// Analyze produces a narrative of the given insight type over [start, end)
// for the given accounts, reusing a cached result when nothing in the range
// changed since. An empty insightType means spending_analysis; an empty
// prompt takes the type's default from AnalysisPrompts.
func (p *Pipeline) Analyze(ctx context.Context, insightType string, start, end time.Time, accountIDs []string, prompt string) (*store.Insight, error) {
	if insightType == "" {
		insightType = InsightSpendingAnalysis
	}
	defaultPrompt, ok := AnalysisPrompts[insightType]
	if !ok {
		return nil, fmt.Errorf("Analyze: unknown insight type %q", insightType)
	}
	if prompt == "" {
		prompt = defaultPrompt
	}
	key := p.narrativeKey(insightType, start, end, accountIDs, prompt)

	p.mu.Lock()
	if ins, ok := p.narratives[key]; ok {
		cp := *ins
		p.mu.Unlock()
		return &cp, nil
	}
	p.mu.Unlock()

	txs, err := p.txs.ListTransactions(ctx, start, end, accountIDs)
	if err != nil {
		return nil, fmt.Errorf("Analyze: listing transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("Analyze: no transactions between %s and %s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	content, err := p.withRetry(ctx, func(ctx context.Context) (string, error) {
		return p.provider.Narrate(ctx, prompt, txs)
	})
	if err != nil {
		return nil, fmt.Errorf("Analyze: %w", err)
	}

	ins := &store.Insight{
		ID:         uuid.NewString(),
		Type:       insightType,
		RangeStart: start,
		RangeEnd:   end,
		Content:    content,
		Model:      p.provider.Name() + "/" + p.provider.Model(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.insights.SaveInsight(ctx, ins); err != nil {
		return nil, fmt.Errorf("Analyze: saving insight: %w", err)
	}

	p.mu.Lock()
	p.narratives[key] = ins
	p.mu.Unlock()

	cp := *ins
	return &cp, nil
}

// InvalidateRange drops cached narratives whose range overlaps [start, end).
// The syncer calls this after merging new data so stale analyses are not
// served.
func (p *Pipeline) InvalidateRange(start, end time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, ins := range p.narratives {
		if ins.RangeStart.Before(end) && start.Before(ins.RangeEnd) {
			delete(p.narratives, key)
		}
	}
}

// withRetry runs fn through the rate limiter with exponential backoff.
func (p *Pipeline) withRetry(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.baseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("retries exhausted after %d attempts: %w", p.maxRetries+1, lastErr)
}

func (p *Pipeline) labelKey(tx *domain.Transaction) string {
	return tx.ContentHash() + "|" + p.provider.Name() + "|" + p.provider.Model()
}

func (p *Pipeline) narrativeKey(insightType string, start, end time.Time, accountIDs []string, prompt string) string {
	accounts := append([]string(nil), accountIDs...)
	sort.Strings(accounts)
	return strings.Join([]string{
		insightType,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
		strings.Join(accounts, ","),
		p.provider.Name(),
		p.provider.Model(),
		prompt,
	}, "|")
}

func (p *Pipeline) cachedLabel(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	label, ok := p.labels[key]
	return label, ok
}

func (p *Pipeline) storeLabel(key, label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.labels[key] = label
}
