package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for recete-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, API keys, encryption keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	RAG       RAGConfig       `yaml:"rag"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Shopify   ShopifyConfig   `yaml:"shopify"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// PhoneEncryptionKey protects customer phone numbers at rest.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	PhoneEncryptionKey string `yaml:"-" env:"PHONE_ENCRYPTION_KEY"` // Secret - not in YAML

	// CredentialsKey encrypts per-merchant integration secrets (WhatsApp tokens, Shopify secrets).
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
}

// AuthConfig holds merchant API authentication configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"recete"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"recete_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
}

// RedisConfig holds Redis configuration for caches and conversation locks.
// An empty host disables Redis; caches fall back to in-process memory.
type RedisConfig struct {
	Host      string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port      int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password  string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB        int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:"recete"`
}

// Enabled reports whether a Redis host is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// LLMConfig selects and tunes the chat-completion provider.
type LLMConfig struct {
	Provider    string        `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"` // openai | anthropic
	BaseURL     string        `yaml:"base_url" env:"LLM_BASE_URL" env-default:""`
	Model       string        `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	Temperature float32       `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.7"`
	MaxTokens   int           `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"500"`
	Timeout     time.Duration `yaml:"timeout" env:"LLM_TIMEOUT" env-default:"60s"`

	OpenAIAPIKey    string `yaml:"-" env:"OPENAI_API_KEY"`    // Secret - not in YAML
	AnthropicAPIKey string `yaml:"-" env:"ANTHROPIC_API_KEY"` // Secret - not in YAML
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	BaseURL        string `yaml:"base_url" env:"EMBEDDING_BASE_URL" env-default:""`
	Model          string `yaml:"model" env:"EMBEDDING_MODEL" env-default:"text-embedding-3-small"`
	Dimensions     int    `yaml:"dimensions" env:"EMBEDDING_DIMENSIONS" env-default:"1536"`
	BatchSize      int    `yaml:"batch_size" env:"EMBEDDING_BATCH_SIZE" env-default:"100"`
	MaxInputTokens int    `yaml:"max_input_tokens" env:"EMBEDDING_MAX_INPUT_TOKENS" env-default:"8191"`
}

// RAGConfig holds retrieval defaults.
type RAGConfig struct {
	TopK                int     `yaml:"top_k" env:"RAG_TOP_K" env-default:"5"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" env:"RAG_SIMILARITY_THRESHOLD" env-default:"0.5"`
	ChunkSize           int     `yaml:"chunk_size" env:"RAG_CHUNK_SIZE" env-default:"1000"`
	ChunkOverlap        int     `yaml:"chunk_overlap" env:"RAG_CHUNK_OVERLAP" env-default:"200"`
	ResultCacheTTL      int     `yaml:"result_cache_ttl_seconds" env:"RAG_RESULT_CACHE_TTL" env-default:"900"`
	EmbeddingCacheTTL   int     `yaml:"embedding_cache_ttl_seconds" env:"RAG_EMBEDDING_CACHE_TTL" env-default:"3600"`
	MaxUserScan         int     `yaml:"max_user_scan" env:"RAG_MAX_USER_SCAN" env-default:"5000"`
}

// WhatsAppConfig configures the WhatsApp Cloud API transport.
type WhatsAppConfig struct {
	APIBaseURL    string  `yaml:"api_base_url" env:"WHATSAPP_API_BASE_URL" env-default:"https://graph.facebook.com/v21.0"`
	RatePerSecond float64 `yaml:"rate_per_second" env:"WHATSAPP_RATE_PER_SECOND" env-default:"20"`
	Burst         int     `yaml:"burst" env:"WHATSAPP_BURST" env-default:"5"`

	AccessToken string `yaml:"-" env:"WHATSAPP_ACCESS_TOKEN"` // Secret - not in YAML
	AppSecret   string `yaml:"-" env:"WHATSAPP_APP_SECRET"`   // Secret - not in YAML
	VerifyToken string `yaml:"-" env:"WHATSAPP_VERIFY_TOKEN"` // Secret - not in YAML
}

// ShopifyConfig holds Shopify webhook settings.
type ShopifyConfig struct {
	WebhookSecret string `yaml:"-" env:"SHOPIFY_WEBHOOK_SECRET"` // Secret - not in YAML
}

// SchedulerConfig controls the background loops started by `serve`.
type SchedulerConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" env:"SCHEDULER_POLL_INTERVAL" env-default:"30s"`
	BatchSize       int           `yaml:"batch_size" env:"SCHEDULER_BATCH_SIZE" env-default:"50"`
	EventDrainLimit int           `yaml:"event_drain_limit" env:"SCHEDULER_EVENT_DRAIN_LIMIT" env-default:"100"`
	MaxConcurrent   int           `yaml:"max_concurrent" env:"SCHEDULER_MAX_CONCURRENT" env-default:"4"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED" env-default:"true"`
	Path    string `yaml:"path" env:"METRICS_PATH" env-default:"/metrics"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFrom("config.yaml", version)
}

// LoadFrom is Load with an explicit config file path.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.Auth.JWKSEndpoints = parseJWKSEndpoints(cfg.Auth.JWKSEndpointsStr)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

func (c *Config) validate() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""
	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}
	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported llm.provider %q: must be openai or anthropic", c.LLM.Provider)
	}

	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap (%d) must be smaller than rag.chunk_size (%d)", c.RAG.ChunkOverlap, c.RAG.ChunkSize)
	}
	return nil
}

// parseJWKSEndpoints parses "issuer1=url1,issuer2=url2" into a map.
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	for _, pair := range strings.Split(value, ",") {
		issuer, jwksURL, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		endpoints[strings.TrimSpace(issuer)] = strings.TrimSpace(jwksURL)
	}
	return endpoints
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// ResultTTL returns the RAG result cache TTL as a duration.
func (c *RAGConfig) ResultTTL() time.Duration {
	return time.Duration(c.ResultCacheTTL) * time.Second
}

// EmbeddingTTL returns the query-embedding cache TTL as a duration.
func (c *RAGConfig) EmbeddingTTL() time.Duration {
	return time.Duration(c.EmbeddingCacheTTL) * time.Second
}
