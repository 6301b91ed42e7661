// Package config loads bidmatch configuration from defaults, an optional
// YAML file and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/custodia-labs/bidmatch/internal/core/services"
)

// Backend names.
const (
	BackendFilesystem = "filesystem"
	BackendPostgres   = "postgres"
	BackendRedis      = "redis"
	BackendVespa      = "vespa"
	BackendPgvector   = "pgvector"
	BackendNone       = "none"
	BackendAuto       = "auto"
)

// Config is the complete runtime configuration.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Storage       StorageConfig       `yaml:"storage"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Queue         QueueConfig         `yaml:"queue"`
	Lock          LockConfig          `yaml:"lock"`
	Worker        WorkerConfig        `yaml:"worker"`
	LLM           LLMConfig           `yaml:"llm"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	KnowledgeBase KnowledgeBaseConfig `yaml:"knowledge_base"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// ServerConfig configures the driving HTTP API.
type ServerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port" validate:"gte=1,lte=65535"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes" validate:"gte=0"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout" validate:"gte=0"`
}

// AuthConfig configures service token verification.
// An empty secret disables authentication on the API.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl" validate:"gte=0"`
}

// StorageConfig selects the object store holding opportunities and results.
type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=filesystem postgres"`

	// Root is the directory for the filesystem backend
	Root string `yaml:"root"`

	// ResultsContainer receives match results, error records and run summaries
	ResultsContainer string `yaml:"results_container" validate:"required"`
}

// DatabaseConfig configures the PostgreSQL connection pool.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// RedisConfig configures the Redis client.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig selects the work queue transport.
// "auto" picks redis when a Redis URL is set, then postgres when a
// database URL is set, and otherwise runs without a queue.
type QueueConfig struct {
	Backend           string        `yaml:"backend" validate:"oneof=auto redis postgres none"`
	ConsumerName      string        `yaml:"consumer_name"`
	ClaimTimeout      time.Duration `yaml:"claim_timeout" validate:"gte=0"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" validate:"gte=0"`
	MaxAttempts       int           `yaml:"max_attempts" validate:"gte=1"`
}

// LockConfig selects the per-item lock backend.
type LockConfig struct {
	Backend string        `yaml:"backend" validate:"oneof=auto redis postgres none"`
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
}

// WorkerConfig configures the queue consumer.
type WorkerConfig struct {
	Concurrency    int           `yaml:"concurrency" validate:"gte=1"`
	BatchSize      int           `yaml:"batch_size" validate:"gte=1"`
	ReceiveTimeout int           `yaml:"receive_timeout" validate:"gte=0"`
	StatsInterval  time.Duration `yaml:"stats_interval" validate:"gte=0"`
}

// LLMConfig configures the language model shared by extraction and scoring.
type LLMConfig struct {
	Provider          string        `yaml:"provider" validate:"oneof=gemini anthropic ollama"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	RequestsPerMinute int           `yaml:"requests_per_minute" validate:"gte=0"`
	ExtractionModel   string        `yaml:"extraction_model"`
	ScoringModel      string        `yaml:"scoring_model"`
}

// EmbeddingConfig configures query embeddings for semantic retrieval.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider" validate:"omitempty,oneof=openai ollama gemini"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	Dimensions int           `yaml:"dimensions" validate:"gte=0"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
}

// KnowledgeBaseConfig selects the capability knowledge base.
type KnowledgeBaseConfig struct {
	Backend      string        `yaml:"backend" validate:"oneof=vespa pgvector none"`
	ID           string        `yaml:"id"`
	VespaURL     string        `yaml:"vespa_url"`
	DocumentType string        `yaml:"document_type"`
	TargetHits   int           `yaml:"target_hits" validate:"gte=0"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`

	// DatabaseURL overrides Database.URL for the pgvector backend
	DatabaseURL string `yaml:"database_url"`
}

// PipelineConfig holds the matching pipeline's tunables.
type PipelineConfig struct {
	MatchThreshold           float64       `yaml:"match_threshold" validate:"gt=0,lte=1"`
	CitationOverlapThreshold float64       `yaml:"citation_overlap_threshold" validate:"gt=0,lte=1"`
	MaxAttachmentFiles       int           `yaml:"max_attachment_files" validate:"gte=0"`
	MaxAttachmentChars       int           `yaml:"max_attachment_chars" validate:"gte=0"`
	MaxTotalAttachmentChars  int           `yaml:"max_total_attachment_chars" validate:"gte=0"`
	MaxDescriptionChars      int           `yaml:"max_description_chars" validate:"gte=0"`
	MaxConcurrentFetches     int           `yaml:"max_concurrent_fetches" validate:"gte=1"`
	MaxSnippets              int           `yaml:"max_snippets" validate:"gte=1"`
	MaxRetrievalResults      int           `yaml:"max_retrieval_results" validate:"gte=1"`
	InterCallDelay           time.Duration `yaml:"inter_call_delay" validate:"gte=0"`

	Retry services.RetryPolicy `yaml:"retry"`

	// VerboseErrors adds stack traces to classified error logs
	VerboseErrors bool `yaml:"verbose_errors"`
}

// MetricsConfig toggles the Prometheus observer and /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			MaxBodyBytes:  1 << 20,
			InvokeTimeout: 15 * time.Minute,
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		Storage: StorageConfig{
			Backend:          BackendFilesystem,
			Root:             "./data",
			ResultsContainer: "results",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Queue: QueueConfig{
			Backend:           BackendAuto,
			ClaimTimeout:      10 * time.Minute,
			VisibilityTimeout: 15 * time.Minute,
			MaxAttempts:       3,
		},
		Lock: LockConfig{Backend: BackendAuto, TTL: services.DefaultItemLockTTL},
		Worker: WorkerConfig{
			Concurrency:    2,
			BatchSize:      10,
			ReceiveTimeout: 5,
			StatsInterval:  15 * time.Second,
		},
		LLM: LLMConfig{
			Provider:        "gemini",
			Timeout:         2 * time.Minute,
			ExtractionModel: "gemini-2.5-flash",
			ScoringModel:    "gemini-2.5-pro",
		},
		Embedding: EmbeddingConfig{Timeout: 30 * time.Second},
		KnowledgeBase: KnowledgeBaseConfig{
			Backend:      BackendNone,
			ID:           "company-capabilities",
			DocumentType: "capability",
			TargetHits:   100,
			Timeout:      30 * time.Second,
		},
		Pipeline: PipelineConfig{
			MatchThreshold:           0.7,
			CitationOverlapThreshold: 0.30,
			MaxAttachmentFiles:       10,
			MaxAttachmentChars:       20000,
			MaxTotalAttachmentChars:  50000,
			MaxDescriptionChars:      10000,
			MaxConcurrentFetches:     5,
			MaxSnippets:              5,
			MaxRetrievalResults:      services.DefaultMaxRetrievalHits,
			InterCallDelay:           services.DefaultInterCallDelay,
			Retry:                    services.DefaultRetryPolicy(),
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load builds a Config from defaults, the YAML file at path and the
// environment. An empty path falls back to CONFIG_FILE; if both are
// empty no file is read.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Log.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(getEnv("LOG_FORMAT", c.Log.Format))

	c.Server.Host = getEnv("HOST", c.Server.Host)
	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Server.InvokeTimeout = getEnvDuration("INVOKE_TIMEOUT", c.Server.InvokeTimeout)

	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.TokenTTL = getEnvDuration("JWT_TOKEN_TTL", c.Auth.TokenTTL)

	c.Storage.Backend = strings.ToLower(getEnv("STORAGE_BACKEND", c.Storage.Backend))
	c.Storage.Root = getEnv("STORAGE_ROOT", c.Storage.Root)
	c.Storage.ResultsContainer = getEnv("RESULTS_CONTAINER", c.Storage.ResultsContainer)

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)

	c.Queue.Backend = strings.ToLower(getEnv("QUEUE_BACKEND", c.Queue.Backend))
	c.Queue.ConsumerName = getEnv("QUEUE_CONSUMER_NAME", c.Queue.ConsumerName)
	c.Queue.MaxAttempts = getEnvInt("MAX_DELIVERY_ATTEMPTS", c.Queue.MaxAttempts)

	c.Lock.Backend = strings.ToLower(getEnv("LOCK_BACKEND", c.Lock.Backend))
	c.Lock.TTL = getEnvDuration("ITEM_LOCK_TTL", c.Lock.TTL)

	c.Worker.Concurrency = getEnvInt("WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Worker.BatchSize = getEnvInt("WORKER_BATCH_SIZE", c.Worker.BatchSize)
	c.Worker.ReceiveTimeout = getEnvInt("WORKER_RECEIVE_TIMEOUT", c.Worker.ReceiveTimeout)

	c.LLM.Provider = strings.ToLower(getEnv("LLM_PROVIDER", c.LLM.Provider))
	c.LLM.APIKey = getEnv("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.BaseURL = getEnv("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Timeout = getEnvDuration("LLM_TIMEOUT", c.LLM.Timeout)
	c.LLM.RequestsPerMinute = getEnvInt("LLM_REQUESTS_PER_MINUTE", c.LLM.RequestsPerMinute)
	c.LLM.ExtractionModel = getEnv("EXTRACTION_MODEL", c.LLM.ExtractionModel)
	c.LLM.ScoringModel = getEnv("SCORING_MODEL", c.LLM.ScoringModel)

	c.Embedding.Provider = strings.ToLower(getEnv("EMBEDDING_PROVIDER", c.Embedding.Provider))
	c.Embedding.APIKey = getEnv("EMBEDDING_API_KEY", c.Embedding.APIKey)
	c.Embedding.Model = getEnv("EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.BaseURL = getEnv("EMBEDDING_BASE_URL", c.Embedding.BaseURL)
	c.Embedding.Dimensions = getEnvInt("EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)

	c.KnowledgeBase.Backend = strings.ToLower(getEnv("KB_BACKEND", c.KnowledgeBase.Backend))
	c.KnowledgeBase.ID = getEnv("KNOWLEDGE_BASE_ID", c.KnowledgeBase.ID)
	c.KnowledgeBase.VespaURL = getEnv("VESPA_URL", c.KnowledgeBase.VespaURL)
	c.KnowledgeBase.DatabaseURL = getEnv("PGVECTOR_DATABASE_URL", c.KnowledgeBase.DatabaseURL)

	p := &c.Pipeline
	p.MatchThreshold = getEnvFloat("MATCH_THRESHOLD", p.MatchThreshold)
	p.CitationOverlapThreshold = getEnvFloat("CITATION_OVERLAP_THRESHOLD", p.CitationOverlapThreshold)
	p.MaxAttachmentFiles = getEnvInt("MAX_ATTACHMENT_FILES", p.MaxAttachmentFiles)
	p.MaxAttachmentChars = getEnvInt("MAX_ATTACHMENT_CHARS", p.MaxAttachmentChars)
	p.MaxTotalAttachmentChars = getEnvInt("MAX_TOTAL_ATTACHMENT_CHARS", p.MaxTotalAttachmentChars)
	p.MaxDescriptionChars = getEnvInt("MAX_DESCRIPTION_CHARS", p.MaxDescriptionChars)
	p.MaxConcurrentFetches = getEnvInt("MAX_CONCURRENT_FETCHES", p.MaxConcurrentFetches)
	p.MaxSnippets = getEnvInt("MAX_SNIPPETS", p.MaxSnippets)
	p.MaxRetrievalResults = getEnvInt("MAX_RETRIEVAL_RESULTS", p.MaxRetrievalResults)
	p.InterCallDelay = getEnvDuration("INTER_CALL_DELAY", p.InterCallDelay)
	p.Retry.MaxRetries = getEnvInt("RETRY_MAX_RETRIES", p.Retry.MaxRetries)
	p.Retry.BaseDelay = getEnvDuration("RETRY_BASE_DELAY", p.Retry.BaseDelay)
	p.Retry.MaxDelay = getEnvDuration("RETRY_MAX_DELAY", p.Retry.MaxDelay)
	p.VerboseErrors = getEnvBool("PIPELINE_VERBOSE_ERRORS", p.VerboseErrors)

	c.Metrics.Enabled = getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the cross-field requirements of the
// selected backends.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Storage.Backend == BackendFilesystem && c.Storage.Root == "" {
		return errors.New("invalid config: storage.root is required for the filesystem backend")
	}
	if c.Storage.Backend == BackendPostgres && c.Database.URL == "" {
		return errors.New("invalid config: database.url is required for the postgres storage backend")
	}
	switch c.QueueBackend() {
	case BackendRedis:
		if c.Redis.URL == "" {
			return errors.New("invalid config: redis.url is required for the redis queue")
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			return errors.New("invalid config: database.url is required for the postgres queue")
		}
	}
	if c.LockBackend() == BackendRedis && c.Redis.URL == "" {
		return errors.New("invalid config: redis.url is required for the redis lock")
	}
	if c.LockBackend() == BackendPostgres && c.Database.URL == "" {
		return errors.New("invalid config: database.url is required for the postgres lock")
	}
	switch c.KnowledgeBase.Backend {
	case BackendVespa:
		if c.KnowledgeBase.VespaURL == "" {
			return errors.New("invalid config: knowledge_base.vespa_url is required for the vespa backend")
		}
	case BackendPgvector:
		if c.KnowledgeBaseDSN() == "" {
			return errors.New("invalid config: a database url is required for the pgvector backend")
		}
		if c.Embedding.Provider == "" {
			return errors.New("invalid config: embedding.provider is required for the pgvector backend")
		}
	}
	return nil
}

// QueueBackend resolves "auto" to redis, postgres or none, preferring
// whichever store is configured.
func (c *Config) QueueBackend() string {
	if c.Queue.Backend != BackendAuto {
		return c.Queue.Backend
	}
	return c.autoBackend()
}

// LockBackend resolves "auto" the same way as QueueBackend.
func (c *Config) LockBackend() string {
	if c.Lock.Backend != BackendAuto {
		return c.Lock.Backend
	}
	return c.autoBackend()
}

func (c *Config) autoBackend() string {
	switch {
	case c.Redis.URL != "":
		return BackendRedis
	case c.Database.URL != "":
		return BackendPostgres
	default:
		return BackendNone
	}
}

// KnowledgeBaseDSN returns the pgvector connection string.
func (c *Config) KnowledgeBaseDSN() string {
	if c.KnowledgeBase.DatabaseURL != "" {
		return c.KnowledgeBase.DatabaseURL
	}
	return c.Database.URL
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
