package abtest

import "time"

// Config holds A/B coordinator settings.
type Config struct {
	Primary string
	Shadow  string

	// Timeout bounds each side of a comparison.
	Timeout time.Duration

	// ResultTTL is how long a finished result stays retrievable.
	ResultTTL time.Duration

	// CacheMaxSize bounds the in-memory result cache. 0 means unbounded.
	CacheMaxSize int

	// ShadowWorkers bounds the number of concurrently running shadow streams.
	ShadowWorkers int
}

// DefaultConfig returns the default A/B settings.
func DefaultConfig() Config {
	return Config{
		Primary:       "vllm",
		Shadow:        "gguf",
		Timeout:       120 * time.Second,
		ResultTTL:     24 * time.Hour,
		CacheMaxSize:  10000,
		ShadowWorkers: 64,
	}
}
