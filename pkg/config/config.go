// Package config provides unified configuration for the chatgate server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (CHATGATE_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"time"

	"github.com/rhuss/chatgate/pkg/resilience"
)

// Config holds all configuration for the chatgate server.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Engines       map[string]EngineConfig `yaml:"engines"`
	DefaultEngine string                  `yaml:"default_engine"`
	Resilience    resilience.Config       `yaml:"resilience"`
	Gateway       GatewayConfig           `yaml:"gateway"`
	ABTest        ABTestConfig            `yaml:"abtest"`
	Tools         ToolsConfig             `yaml:"tools"`
	Storage       StorageConfig           `yaml:"storage"`
	Auth          AuthConfig              `yaml:"auth"`
	Observability ObservabilityConfig     `yaml:"observability"`
	Logging       LoggingConfig           `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
	DrainDelay      time.Duration `yaml:"drain_delay"`      // default: 0
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 10 MB
}

// EngineConfig describes one OpenAI-compatible inference backend.
type EngineConfig struct {
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	APIKeyFile string `yaml:"api_key_file"` // _file variant for api_key

	// Resilience overrides the global policies for this engine. Fields
	// left unset inherit the global value.
	Resilience *resilience.Config `yaml:"resilience,omitempty"`
}

// GatewayConfig holds direct streaming settings.
type GatewayConfig struct {
	StreamTimeout time.Duration `yaml:"stream_timeout"` // default: 90s
}

// ABTestConfig holds A/B comparison settings.
type ABTestConfig struct {
	Enabled       bool          `yaml:"enabled"` // default: true
	Primary       string        `yaml:"primary"`
	Shadow        string        `yaml:"shadow"`
	Timeout       time.Duration `yaml:"timeout"`
	ResultTTL     time.Duration `yaml:"result_ttl"`
	CacheMaxSize  int           `yaml:"cache_max_size"`
	ShadowWorkers int           `yaml:"shadow_workers"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// ToolsConfig holds tool orchestration settings.
type ToolsConfig struct {
	MaxIterations int               `yaml:"max_iterations"` // default: 5
	Timeout       time.Duration     `yaml:"timeout"`        // default: 30s
	Concurrency   int               `yaml:"concurrency"`    // 0 runs a whole batch at once
	MCP           []MCPServerConfig `yaml:"mcp"`
	WebSearch     WebSearchConfig   `yaml:"web_search"`
}

// WebSearchConfig enables the built-in web_search tool when URL is set.
type WebSearchConfig struct {
	URL           string   `yaml:"url"` // SearXNG base URL
	MaxResults    int      `yaml:"max_results"`
	RequiredRoles []string `yaml:"required_roles"`
}

// MCPServerConfig describes a single MCP server connection.
type MCPServerConfig struct {
	Name          string            `yaml:"name" json:"name"`
	Transport     string            `yaml:"transport" json:"transport"` // "sse" or "streamable-http"
	URL           string            `yaml:"url" json:"url"`
	Headers       map[string]string `yaml:"headers" json:"headers,omitempty"`
	RequiredRoles []string          `yaml:"required_roles" json:"required_roles,omitempty"`
}

// StorageConfig selects where A/B results are persisted.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "memory", "sqlite" or "postgres", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 10000
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds embedded database settings.
type SQLiteConfig struct {
	Path string `yaml:"path"` // default: "chatgate.db"
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	DSNFile         string        `yaml:"dsn_file"` // _file variant for dsn
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none", "apikey" or "jwt", default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // static keys, for type=apikey or alongside jwt
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string   `yaml:"key" json:"key"`
	KeyFile     string   `yaml:"key_file" json:"key_file,omitempty"` // _file variant for key
	Subject     string   `yaml:"subject" json:"subject"`
	TenantID    string   `yaml:"tenant_id" json:"tenant_id,omitempty"`
	ServiceTier string   `yaml:"service_tier" json:"service_tier,omitempty"`
	Roles       []string `yaml:"roles" json:"roles,omitempty"`
}

// JWTConfig holds bearer token validation settings.
type JWTConfig struct {
	Issuer      string        `yaml:"issuer"`
	Audience    string        `yaml:"audience"`
	JWKSURL     string        `yaml:"jwks_url"`
	UserClaim   string        `yaml:"user_claim"`
	TenantClaim string        `yaml:"tenant_claim"`
	RolesClaim  string        `yaml:"roles_claim"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// RateLimitConfig holds per-tier request limits. Zero disables limiting.
type RateLimitConfig struct {
	DefaultRPM int            `yaml:"default_rpm"`
	Tiers      map[string]int `yaml:"tiers"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"` // default: true
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error" or "trace", default: "info"
	Format string `yaml:"format"` // "text" or "json", default: "text"
	Debug  string `yaml:"debug"`  // comma-separated debug categories
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodySize:     10 << 20,
		},
		Engines: map[string]EngineConfig{
			"vllm": {BaseURL: "http://localhost:8000", Model: "meta-llama/Llama-3.1-8B-Instruct"},
			"gguf": {BaseURL: "http://localhost:8081", Model: "llama-3.1-8b-instruct-q4_k_m"},
		},
		DefaultEngine: "vllm",
		Resilience:    resilience.DefaultConfig(),
		Gateway: GatewayConfig{
			StreamTimeout: 90 * time.Second,
		},
		ABTest: ABTestConfig{
			Enabled:       true,
			Primary:       "vllm",
			Shadow:        "gguf",
			Timeout:       120 * time.Second,
			ResultTTL:     24 * time.Hour,
			CacheMaxSize:  10000,
			ShadowWorkers: 64,
			PurgeInterval: 10 * time.Minute,
		},
		Tools: ToolsConfig{
			MaxIterations: 5,
			Timeout:       30 * time.Second,
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			SQLite: SQLiteConfig{
				Path: "chatgate.db",
			},
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
