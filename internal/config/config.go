package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the tutorledger server and worker.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	OCR       OCRConfig
	Worker    WorkerConfig
	Quota     QuotaConfig
	Reconcile ReconcileConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// RequestsPerMinute is the per-API-key HTTP rate limit.
	RequestsPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	Ollama           OllamaConfig
	VLLM             VLLMConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type AnthropicConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type OCRConfig struct {
	Provider        string
	CredentialsFile string
	// MaxImageBytes bounds how much of an exam sheet is read into memory.
	MaxImageBytes int64
}

// WorkerConfig tunes the claim-and-execute pool and the stale-running reaper.
type WorkerConfig struct {
	ID                 string
	Concurrency        int
	PollInterval       time.Duration
	IdleBackoffMax     time.Duration
	AdapterTimeout     time.Duration
	StaleAfter         time.Duration
	ReaperInterval     time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	DefaultMaxAttempts int
}

type TierLimits struct {
	MaxRequests int64
	MaxTokens   int64
}

type QuotaConfig struct {
	Tiers           map[string]TierLimits
	DefaultTimezone string
}

type ReconcileConfig struct {
	// AutoImportConfidence enables auto-import for matches at or above it; 0 disables.
	AutoImportConfidence float64
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
}

var validOCRProviders = map[string]bool{
	"gcp_vision": true,
	"mock":       true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("TUTORLEDGER_PORT", 8080),
			Env:               envString("TUTORLEDGER_ENV", "development"),
			RequestsPerMinute: envInt("TUTORLEDGER_REQUESTS_PER_MINUTE", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 120*time.Second),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000"),
				Model:   envString("VLLM_MODEL", ""),
			},
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
			Anthropic: AnthropicConfig{
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
		OCR: OCRConfig{
			Provider:        envString("OCR_PROVIDER", "gcp_vision"),
			CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
			MaxImageBytes:   int64(envInt("OCR_MAX_IMAGE_BYTES", 20<<20)),
		},
		Worker: WorkerConfig{
			ID:                 envString("WORKER_ID", hostname),
			Concurrency:        envInt("WORKER_CONCURRENCY", 4),
			PollInterval:       envDuration("WORKER_POLL_INTERVAL", 1*time.Second),
			IdleBackoffMax:     envDuration("WORKER_IDLE_BACKOFF_MAX", 15*time.Second),
			AdapterTimeout:     envDuration("WORKER_ADAPTER_TIMEOUT", 3*time.Minute),
			StaleAfter:         envDuration("WORKER_STALE_AFTER", 10*time.Minute),
			ReaperInterval:     envDuration("WORKER_REAPER_INTERVAL", 1*time.Minute),
			RetryBaseDelay:     envDuration("WORKER_RETRY_BASE_DELAY", 30*time.Second),
			RetryMaxDelay:      envDuration("WORKER_RETRY_MAX_DELAY", 10*time.Minute),
			DefaultMaxAttempts: envInt("JOB_DEFAULT_MAX_ATTEMPTS", 3),
		},
		Quota: QuotaConfig{
			Tiers: map[string]TierLimits{
				"free": {
					MaxRequests: envInt64("QUOTA_FREE_MAX_REQUESTS", 100),
					MaxTokens:   envInt64("QUOTA_FREE_MAX_TOKENS", 200_000),
				},
				"standard": {
					MaxRequests: envInt64("QUOTA_STANDARD_MAX_REQUESTS", 1_000),
					MaxTokens:   envInt64("QUOTA_STANDARD_MAX_TOKENS", 2_000_000),
				},
				"premium": {
					MaxRequests: envInt64("QUOTA_PREMIUM_MAX_REQUESTS", 10_000),
					MaxTokens:   envInt64("QUOTA_PREMIUM_MAX_TOKENS", 20_000_000),
				},
			},
			DefaultTimezone: envString("QUOTA_DEFAULT_TIMEZONE", "UTC"),
		},
		Reconcile: ReconcileConfig{
			AutoImportConfidence: envFloat("RECONCILE_AUTO_IMPORT_CONFIDENCE", 0),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}

	if !validOCRProviders[c.OCR.Provider] {
		return fmt.Errorf("OCR_PROVIDER must be one of gcp_vision, mock; got %q", c.OCR.Provider)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.DefaultMaxAttempts < 1 {
		return fmt.Errorf("JOB_DEFAULT_MAX_ATTEMPTS must be at least 1, got %d", c.Worker.DefaultMaxAttempts)
	}
	if c.Worker.StaleAfter <= c.Worker.AdapterTimeout {
		return fmt.Errorf("WORKER_STALE_AFTER (%s) must exceed WORKER_ADAPTER_TIMEOUT (%s)",
			c.Worker.StaleAfter, c.Worker.AdapterTimeout)
	}

	for tier, limits := range c.Quota.Tiers {
		if limits.MaxRequests < 0 || limits.MaxTokens < 0 {
			return fmt.Errorf("quota limits for tier %q must not be negative", tier)
		}
	}
	if _, err := time.LoadLocation(c.Quota.DefaultTimezone); err != nil {
		return fmt.Errorf("QUOTA_DEFAULT_TIMEZONE %q is not a valid IANA zone: %w", c.Quota.DefaultTimezone, err)
	}

	if c.Reconcile.AutoImportConfidence < 0 || c.Reconcile.AutoImportConfidence > 1 {
		return fmt.Errorf("RECONCILE_AUTO_IMPORT_CONFIDENCE must be between 0 and 1, got %v", c.Reconcile.AutoImportConfidence)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
