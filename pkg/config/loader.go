package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rhuss/chatgate/pkg/resilience"
)

const envPrefix = "CHATGATE_"

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, CHATGATE_CONFIG env, ./config.yaml, /etc/chatgate/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Per-engine resilience overrides inherit unset fields
//  6. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	for name, e := range cfg.Engines {
		if e.Resilience != nil {
			merged := inheritResilience(*e.Resilience, cfg.Resilience)
			e.Resilience = &merged
			cfg.Engines[name] = e
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. CHATGATE_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/chatgate/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv(envPrefix + "CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/chatgate/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values,
// except engines: a file that lists engines replaces the default set.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	defaults := cfg.Engines
	cfg.Engines = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	if cfg.Engines == nil {
		cfg.Engines = defaults
	}
	return nil
}

// applyEnvOverrides maps CHATGATE_* environment variables to config fields.
// Unparseable numeric values are ignored and leave the current value.
//
// Engines are addressed as CHATGATE_ENGINE_<NAME>_{URL,MODEL,API_KEY};
// an unknown name adds a new engine.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv(envPrefix + "DRAIN_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.DrainDelay = d
		}
	}
	if v := os.Getenv(envPrefix + "DEFAULT_ENGINE"); v != "" {
		cfg.DefaultEngine = v
	}
	applyEngineEnv(cfg)

	if v := os.Getenv(envPrefix + "AB_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ABTest.Enabled = b
		}
	}
	if v := os.Getenv(envPrefix + "AB_PRIMARY"); v != "" {
		cfg.ABTest.Primary = v
	}
	if v := os.Getenv(envPrefix + "AB_SHADOW"); v != "" {
		cfg.ABTest.Shadow = v
	}

	if v := os.Getenv(envPrefix + "TOOLS_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tools.MaxIterations = n
		}
	}
	if v := os.Getenv(envPrefix + "WEBSEARCH_URL"); v != "" {
		cfg.Tools.WebSearch.URL = v
	}
	if v := os.Getenv(envPrefix + "MCP_SERVERS"); v != "" {
		servers, err := parseMCPServersJSON(v)
		if err == nil && len(servers) > 0 {
			cfg.Tools.MCP = servers
		}
	}

	if v := os.Getenv(envPrefix + "STORAGE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv(envPrefix + "STORAGE_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Storage.MaxSize = size
		}
	}
	if v := os.Getenv(envPrefix + "SQLITE_PATH"); v != "" {
		cfg.Storage.SQLite.Path = v
	}
	if v := os.Getenv(envPrefix + "POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}

	if v := os.Getenv(envPrefix + "AUTH_TYPE"); v != "" {
		cfg.Auth.Type = v
	}
	// CHATGATE_API_KEYS: JSON array of API key configs.
	if v := os.Getenv(envPrefix + "API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err == nil && len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}
	if v := os.Getenv(envPrefix + "JWKS_URL"); v != "" {
		cfg.Auth.JWT.JWKSURL = v
	}

	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(envPrefix + "DEBUG"); v != "" {
		cfg.Logging.Debug = v
	}
}

func applyEngineEnv(cfg *Config) {
	const enginePrefix = envPrefix + "ENGINE_"
	fields := []string{"_API_KEY", "_MODEL", "_URL"}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(key, enginePrefix) {
			continue
		}
		rest := strings.TrimPrefix(key, enginePrefix)
		for _, field := range fields {
			name, found := strings.CutSuffix(rest, field)
			if !found || name == "" {
				continue
			}
			name = strings.ToLower(name)
			if cfg.Engines == nil {
				cfg.Engines = map[string]EngineConfig{}
			}
			e := cfg.Engines[name]
			switch field {
			case "_URL":
				e.BaseURL = value
			case "_MODEL":
				e.Model = value
			case "_API_KEY":
				e.APIKey = value
			}
			cfg.Engines[name] = e
			break
		}
	}
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// parseMCPServersJSON parses a JSON array of MCP server configurations.
func parseMCPServersJSON(jsonStr string) ([]MCPServerConfig, error) {
	var servers []MCPServerConfig
	if err := json.Unmarshal([]byte(jsonStr), &servers); err != nil {
		return nil, fmt.Errorf("parsing MCP servers JSON: %w", err)
	}
	return servers, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	for name, e := range cfg.Engines {
		if e.APIKeyFile != "" && e.APIKey == "" {
			val, err := readSecretFile(e.APIKeyFile)
			if err != nil {
				return fmt.Errorf("engines.%s.api_key_file: %w", name, err)
			}
			e.APIKey = val
			cfg.Engines[name] = e
		}
	}

	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}

	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].KeyFile != "" && cfg.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.APIKeys[i].Key = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// inheritResilience fills the zero fields of o from global.
func inheritResilience(o, global resilience.Config) resilience.Config {
	b, gb := &o.CircuitBreaker, global.CircuitBreaker
	setIfZero(&b.SlidingWindowSize, gb.SlidingWindowSize)
	setIfZero(&b.MinimumCalls, gb.MinimumCalls)
	setIfZero(&b.FailureRateThreshold, gb.FailureRateThreshold)
	setIfZero(&b.SlowCallRateThreshold, gb.SlowCallRateThreshold)
	setIfZero(&b.SlowCallDuration, gb.SlowCallDuration)
	setIfZero(&b.WaitDurationInOpen, gb.WaitDurationInOpen)
	setIfZero(&b.PermittedHalfOpenCalls, gb.PermittedHalfOpenCalls)

	r, gr := &o.Retry, global.Retry
	setIfZero(&r.MaxAttempts, gr.MaxAttempts)
	setIfZero(&r.InitialInterval, gr.InitialInterval)
	setIfZero(&r.Multiplier, gr.Multiplier)
	setIfZero(&r.MaxInterval, gr.MaxInterval)
	if r.ExcludedStatusCodes == nil {
		r.ExcludedStatusCodes = gr.ExcludedStatusCodes
	}

	setIfZero(&o.TimeLimiter.Timeout, global.TimeLimiter.Timeout)
	return o
}

func setIfZero[T comparable](field *T, fallback T) {
	var zero T
	if *field == zero {
		*field = fallback
	}
}
