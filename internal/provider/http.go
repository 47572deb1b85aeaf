package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	maxRequestSize = 2 * 1024 * 1024 // total JSON payload
	maxMessageSize = 512 * 1024      // per message content
)

// AdapterConfig configures one HTTP-backed adapter.
type AdapterConfig struct {
	BaseURL string
	APIKey  string

	UpstreamTimeout time.Duration // per-request timeout (default 30s)
	MaxRetries      int           // connect retry attempts (default 2)
	BaseBackoff     time.Duration // initial backoff (default 100ms)

	PoolSize            int // round-robin HTTP clients (default 4)
	MaxIdleConns        int // default 100
	MaxIdleConnsPerHost int // default 100

	// Custom HTTP client; when set, PoolSize is ignored and every request
	// uses this client. Used by tests.
	HTTPClient *http.Client
}

// Validate checks the required fields only.
func (c *AdapterConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("BaseURL is required")
	}
	if c.APIKey == "" {
		return errors.New("APIKey is required")
	}
	return nil
}

// WithDefaults returns a copy with defaults applied and BaseURL normalized.
func (c *AdapterConfig) WithDefaults() AdapterConfig {
	cfg := *c

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 100
	}

	return cfg
}

// newAdapterPool builds the client pool for an adapter config.
func newAdapterPool(cfg AdapterConfig) *clientPool {
	if cfg.HTTPClient != nil {
		return &clientPool{clients: []*http.Client{cfg.HTTPClient}}
	}
	return newClientPool(cfg.PoolSize, func() *http.Client {
		return &http.Client{
			Transport: defaultTransport(cfg.MaxIdleConns, cfg.MaxIdleConnsPerHost),
		}
	})
}

// kindForStatus maps an upstream HTTP status to an error kind.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrKindAuth
	case status >= 400 && status < 600:
		return ErrKindAPI
	default:
		return ErrKindUnknown
	}
}

// checkMessageSizes enforces the per-message content guard.
func checkMessageSizes(name string, msgs []ChatMessage) error {
	for i, m := range msgs {
		if len(m.Content) > maxMessageSize {
			return &InvalidRequestError{
				Reason: fmt.Sprintf("%s: message[%d] content too large (%d bytes, max %d)",
					name, i, len(m.Content), maxMessageSize),
			}
		}
	}
	return nil
}

// truncate limits string length for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
