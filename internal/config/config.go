// Package config loads the gateway configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// ProviderConfig is the per-vendor credential block.
type ProviderConfig struct {
	Enabled bool
	APIKey  string
	BaseURL string
}

// Config is the full gateway configuration. Every field has a working
// default except the provider API keys.
type Config struct {
	Port      string
	VersionID string

	DefaultModel    string
	DefaultProvider string
	AutoSelect      bool
	FallbackEnabled bool

	RequestTimeout      time.Duration
	LoadBalanceStrategy string

	PrefsBackend string // "memory" or "redis"
	RedisAddr    string

	ProvenProvider      string
	ProvenProviderBonus float64

	OpenAI    ProviderConfig
	Anthropic ProviderConfig
}

// Load reads the environment once at startup.
func Load() Config {
	return Config{
		Port:      getenv("PORT", "8080"),
		VersionID: getenv("GATEWAY_VERSION", "v1"),

		DefaultModel:    getenv("DEFAULT_MODEL", "gpt-4o-mini"),
		DefaultProvider: getenv("DEFAULT_PROVIDER", "openai"),
		AutoSelect:      getbool("AUTO_SELECT_ENABLED", true),
		FallbackEnabled: getbool("FALLBACK_ENABLED", true),

		RequestTimeout:      getduration("REQUEST_TIMEOUT", 120*time.Second),
		LoadBalanceStrategy: getenv("LOAD_BALANCE_STRATEGY", "round_robin"),

		PrefsBackend: getenv("PREFS_BACKEND", "memory"),
		RedisAddr:    getenv("REDIS_ADDR", "127.0.0.1:6379"),

		ProvenProvider:      getenv("PREFERRED_PROVIDER", ""),
		ProvenProviderBonus: getfloat("PREFERRED_PROVIDER_BONUS", 0.05),

		OpenAI: ProviderConfig{
			Enabled: getbool("OPENAI_ENABLED", true),
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			BaseURL: getenv("OPENAI_BASE_URL", "https://api.openai.com"),
		},
		Anthropic: ProviderConfig{
			Enabled: getbool("ANTHROPIC_ENABLED", true),
			APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			BaseURL: getenv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		},
	}
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getduration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getfloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
