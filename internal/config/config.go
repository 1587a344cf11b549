package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full application configuration. It is built once at
// startup and handed to the orchestrator and service constructors; nothing
// reads configuration globally.
type Config struct {
	Log   LogConfig
	HTTP  HTTPConfig
	Store StoreConfig
	GCS   GCSConfig
	Feed  FeedConfig
	Sync  SyncConfig
	Match MatchConfig
	LLM   LLMConfig
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// HTTPConfig holds API server settings.
type HTTPConfig struct {
	Port string
}

// StoreConfig selects and parameterizes the persistence backend.
type StoreConfig struct {
	// Backend is "memory" or "bigquery".
	Backend string
	Project string
	Dataset string
}

// GCSConfig holds upload-staging settings. An empty bucket disables staging;
// uploads are then ingested directly from the request body.
type GCSConfig struct {
	Bucket string
}

// FeedConfig holds paginated-source settings.
type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Credential     string        `mapstructure:"credential"`
	PageSize       int           `mapstructure:"page_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SyncConfig holds orchestration settings.
type SyncConfig struct {
	InitialWindowMonths int           `mapstructure:"initial_window_months"`
	SafetyOverlapDays   int           `mapstructure:"safety_overlap_days"`
	Interval            time.Duration `mapstructure:"interval"` // 0 disables scheduled syncs
	QueueSize           int           `mapstructure:"queue_size"`
	Workers             int           `mapstructure:"workers"`
}

// MatchConfig holds reimbursement-matcher tolerances.
type MatchConfig struct {
	AmountToleranceCents int64 `mapstructure:"amount_tolerance_cents"`
	DateToleranceDays    int   `mapstructure:"date_tolerance_days"`
	WindowDays           int   `mapstructure:"window_days"`
}

// LLMConfig selects and parameterizes the categorization backend.
type LLMConfig struct {
	// Provider is "gemini" or "ollama".
	Provider string `mapstructure:"provider"`

	GeminiModel   string `mapstructure:"gemini_model"`
	OllamaModel   string `mapstructure:"ollama_model"`
	OllamaBaseURL string `mapstructure:"ollama_base_url"`

	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`

	// BatchSize caps one categorization pass; <= 0 disables the
	// post-sync pass.
	BatchSize int `mapstructure:"batch_size"`
}

// Load reads configuration from an optional TOML file and the environment.
// Env var overrides use prefix TXSYNC_, e.g. TXSYNC_LLM_PROVIDER=ollama.
// path may be empty, in which case only defaults and env apply.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("http.port", "8080")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.project", "")
	v.SetDefault("store.dataset", "txsync")
	v.SetDefault("gcs.bucket", "")
	v.SetDefault("feed.base_url", "https://sandbox.feed.example.com")
	v.SetDefault("feed.credential", "")
	v.SetDefault("feed.page_size", 500)
	v.SetDefault("feed.max_retries", 3)
	v.SetDefault("feed.retry_base_delay", "500ms")
	v.SetDefault("feed.request_timeout", "30s")
	v.SetDefault("sync.initial_window_months", 24)
	v.SetDefault("sync.safety_overlap_days", 3)
	v.SetDefault("sync.interval", "0s")
	v.SetDefault("sync.queue_size", 100)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("match.amount_tolerance_cents", 1)
	v.SetDefault("match.date_tolerance_days", 7)
	v.SetDefault("match.window_days", 90)
	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.gemini_model", "gemini-2.5-flash")
	v.SetDefault("llm.ollama_model", "llama3")
	v.SetDefault("llm.ollama_base_url", "http://localhost:11434")
	v.SetDefault("llm.requests_per_minute", 30)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.retry_base_delay", "1s")
	v.SetDefault("llm.request_timeout", "60s")
	v.SetDefault("llm.batch_size", 50)

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("Load: reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("TXSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("Load: unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "bigquery":
		if c.Store.Project == "" {
			return fmt.Errorf("Validate: store.project is required for the bigquery backend")
		}
	default:
		return fmt.Errorf("Validate: unknown store backend %q", c.Store.Backend)
	}

	switch c.LLM.Provider {
	case "gemini", "ollama":
	default:
		return fmt.Errorf("Validate: unknown llm provider %q (must be gemini or ollama)", c.LLM.Provider)
	}

	if c.Feed.PageSize < 1 {
		return fmt.Errorf("Validate: feed.page_size must be positive, got %d", c.Feed.PageSize)
	}
	if c.Sync.InitialWindowMonths < 1 {
		return fmt.Errorf("Validate: sync.initial_window_months must be positive, got %d", c.Sync.InitialWindowMonths)
	}
	if c.Match.DateToleranceDays < 0 || c.Match.AmountToleranceCents < 0 {
		return fmt.Errorf("Validate: match tolerances must be non-negative")
	}
	return nil
}

// SafetyOverlap returns the watermark overlap as a duration.
func (c SyncConfig) SafetyOverlap() time.Duration {
	return time.Duration(c.SafetyOverlapDays) * 24 * time.Hour
}
