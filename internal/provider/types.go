package provider

import (
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Capability is a feature a model can advertise. The selector filters and
// scores candidates against these.
type Capability string

const (
	CapChat           Capability = "chat"
	CapToolCalling    Capability = "tool_calling"
	CapVision         Capability = "vision"
	CapStreaming      Capability = "streaming"
	CapLongContext    Capability = "long_context"
	CapCodeGeneration Capability = "code_generation"
	CapMultimodal     Capability = "multimodal"
)

// ModelInfo is the static descriptor of one backend model. Catalogs are
// defined per adapter at startup and never mutated afterwards.
type ModelInfo struct {
	ID              string        `json:"id"`
	DisplayName     string        `json:"display_name"`
	Provider        string        `json:"provider"`
	Capabilities    []Capability  `json:"capabilities"`
	MaxTokens       int           `json:"max_tokens"`
	ContextWindow   int           `json:"context_window"`
	InputCostPer1K  float64       `json:"input_cost_per_1k"`
	OutputCostPer1K float64       `json:"output_cost_per_1k"`
	AvgLatency      time.Duration `json:"avg_latency"`
	QualityScore    float64       `json:"quality_score"` // 0..1
	SpeedScore      float64       `json:"speed_score"`   // 0..1
	Deprecated      bool          `json:"deprecated"`

	SupportsSystemPrompt bool `json:"supports_system_prompt"`
	SupportsTemperature  bool `json:"supports_temperature"`
	SupportsStreaming    bool `json:"supports_streaming"`
}

// Has reports whether the model advertises the given capability.
func (m ModelInfo) Has(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// ToolFunction is the callable half of a tool-call payload.
type ToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function ToolFunction `json:"function"`
}

// ToolDescriptor is a tool schema attached to a request. The gateway treats
// it as opaque pass-through from the tool provider collaborator.
type ToolDescriptor struct {
	Type     string     `json:"type"`
	Function ToolSchema `json:"function"`
}

type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []ChatMessage    `json:"messages"`
	Temperature float32          `json:"temperature,omitempty"`
	TopP        float32          `json:"top_p,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Tools       []ToolDescriptor `json:"tools,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is a completed non-streaming response, annotated with the
// routing metadata the orchestrator attaches on the way out.
type ChatResponse struct {
	ID           string        `json:"id,omitempty"`
	Created      time.Time     `json:"created,omitempty"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Reasoning    string        `json:"reasoning,omitempty"`
	FallbackUsed bool          `json:"fallback_used"`
}

// ChunkKind discriminates units of a streaming response.
type ChunkKind string

const (
	ChunkContent        ChunkKind = "content"
	ChunkModelSelection ChunkKind = "model_selection"
	ChunkMetadata       ChunkKind = "metadata"
	ChunkError          ChunkKind = "error"
	ChunkDone           ChunkKind = "done"
)

// StreamChunk is one unit of a streaming response. Consumers must read
// chunks in order; every content chunk precedes the terminal done chunk.
type StreamChunk struct {
	Kind         ChunkKind     `json:"kind"`
	Delta        string        `json:"delta,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	Model        string        `json:"model,omitempty"`
	ToolCall     *ToolCall     `json:"tool_call,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	WillFallback bool          `json:"will_fallback,omitempty"`
	FallbackUsed bool          `json:"fallback_used,omitempty"`
	Reasoning    string        `json:"reasoning,omitempty"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
}

// StreamResult carries either a chunk or a terminal error on the stream
// channel.
type StreamResult struct {
	Chunk *StreamChunk
	Err   error
}
