package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
)

// Validate checks the configuration for required fields and valid values.
// All failures are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be > 0, got %d", c.Server.MaxBodySize))
	}
	if c.Server.DrainDelay < 0 {
		errs = append(errs, errors.New("server.drain_delay must not be negative"))
	}

	errs = append(errs, c.validateEngines()...)

	if err := c.Resilience.Validate(); err != nil {
		errs = append(errs, prefixed("resilience", err))
	}
	if c.Gateway.StreamTimeout <= 0 {
		errs = append(errs, errors.New("gateway.stream_timeout must be positive"))
	}

	if c.ABTest.Enabled {
		errs = append(errs, c.validateABTest()...)
	}

	errs = append(errs, c.validateTools()...)

	switch c.Storage.Type {
	case "memory":
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required when storage.type is \"sqlite\""))
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, errors.New("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\", \"sqlite\" or \"postgres\", got %q", c.Storage.Type))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, errors.New("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
	case "jwt":
		if c.Auth.JWT.JWKSURL == "" {
			errs = append(errs, errors.New("auth.jwt.jwks_url is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" && k.KeyFile == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d]: key or key_file is required", i))
		}
		if k.Subject == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d].subject is required", i))
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "warning", "error", "trace"}, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error, trace, got %q", c.Logging.Level))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func (c *Config) validateEngines() []error {
	var errs []error
	if len(c.Engines) == 0 {
		return []error{errors.New("engines must define at least one engine")}
	}

	names := make([]string, 0, len(c.Engines))
	for name := range c.Engines {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := c.Engines[name]
		if name == "auto" || name == "ab" {
			errs = append(errs, fmt.Errorf("engines.%s: %q is a reserved selector", name, name))
		}
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("engines.%s.base_url is required", name))
		} else if u, err := url.Parse(e.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("engines.%s.base_url %q is not an absolute URL", name, e.BaseURL))
		}
		if e.Resilience != nil {
			if err := e.Resilience.Validate(); err != nil {
				errs = append(errs, prefixed("engines."+name+".resilience", err))
			}
		}
	}

	if _, ok := c.Engines[c.DefaultEngine]; !ok {
		errs = append(errs, fmt.Errorf("default_engine %q is not a configured engine", c.DefaultEngine))
	}
	return errs
}

func (c *Config) validateABTest() []error {
	var errs []error
	ab := c.ABTest
	if _, ok := c.Engines[ab.Primary]; !ok {
		errs = append(errs, fmt.Errorf("abtest.primary %q is not a configured engine", ab.Primary))
	}
	if _, ok := c.Engines[ab.Shadow]; !ok {
		errs = append(errs, fmt.Errorf("abtest.shadow %q is not a configured engine", ab.Shadow))
	}
	if ab.Primary == ab.Shadow {
		errs = append(errs, fmt.Errorf("abtest.primary and abtest.shadow must differ, both are %q", ab.Primary))
	}
	if ab.Timeout <= 0 {
		errs = append(errs, errors.New("abtest.timeout must be positive"))
	}
	if ab.ResultTTL <= 0 {
		errs = append(errs, errors.New("abtest.result_ttl must be positive"))
	}
	if ab.ShadowWorkers < 1 {
		errs = append(errs, errors.New("abtest.shadow_workers must be at least 1"))
	}
	if ab.CacheMaxSize < 0 {
		errs = append(errs, errors.New("abtest.cache_max_size must not be negative"))
	}
	return errs
}

func (c *Config) validateTools() []error {
	var errs []error
	if c.Tools.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("tools.max_iterations must be at least 1, got %d", c.Tools.MaxIterations))
	}
	if c.Tools.Timeout <= 0 {
		errs = append(errs, errors.New("tools.timeout must be positive"))
	}
	seen := map[string]bool{}
	for i, s := range c.Tools.MCP {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("tools.mcp[%d].name is required", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("tools.mcp[%d]: duplicate server name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("tools.mcp[%d].url is required", i))
		}
		switch s.Transport {
		case "", "sse", "streamable-http":
		default:
			errs = append(errs, fmt.Errorf("tools.mcp[%d].transport must be \"sse\" or \"streamable-http\", got %q", i, s.Transport))
		}
	}
	if ws := c.Tools.WebSearch; ws.URL != "" {
		if u, err := url.Parse(ws.URL); err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Errorf("tools.web_search.url must be an absolute URL, got %q", ws.URL))
		}
		if ws.MaxResults < 0 {
			errs = append(errs, errors.New("tools.web_search.max_results must not be negative"))
		}
	}
	return errs
}

// prefixed qualifies every joined error in err with a field path prefix.
func prefixed(prefix string, err error) error {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		inner := joined.Unwrap()
		out := make([]error, len(inner))
		for i, e := range inner {
			out[i] = fmt.Errorf("%s.%w", prefix, e)
		}
		return errors.Join(out...)
	}
	return fmt.Errorf("%s.%w", prefix, err)
}
