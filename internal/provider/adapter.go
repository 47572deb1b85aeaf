package provider

import (
	"context"
	"time"
)

// HealthStatus is the coarse health of one provider.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

// HealthReport is the outcome of one health check.
type HealthReport struct {
	Provider  string        `json:"provider"`
	Status    HealthStatus  `json:"status"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Adapter is the uniform contract every LLM backend implements. Vendor
// wire clients live entirely behind this interface; the registry, selector
// and orchestrator only ever see Adapter.
type Adapter interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string

	// Models returns the static catalog, in preference order.
	Models() []ModelInfo

	// ValidateConfig reports whether credentials and endpoints are sane.
	// Called once at registry initialization; a failing adapter is
	// excluded, not fatal.
	ValidateConfig() error

	// ModelInfo looks up one catalog entry by id.
	ModelInfo(id string) (ModelInfo, bool)

	// IsModelAvailable reports whether the adapter can serve the model.
	IsModelAvailable(id string) bool

	// CountTokens approximates the token count of text for the model.
	CountTokens(text, model string) int

	// ChatCompletion performs a synchronous completion. Failures are
	// *Error values tagged with an ErrorKind.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatCompletionStream starts a streaming completion. Errors raised
	// before the stream opens are returned directly; errors during the
	// stream arrive as StreamResult.Err. The channel is always closed.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamResult, error)

	// HealthCheck probes the backend.
	HealthCheck(ctx context.Context) HealthReport
}
