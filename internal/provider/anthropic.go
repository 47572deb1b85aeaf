package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

// Anthropic wire shapes. The Messages API differs from OpenAI's: the system
// prompt travels in a top-level field and streaming uses typed SSE events.

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicChatRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float32            `json:"temperature,omitempty"`
	TopP        float32            `json:"top_p,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicContentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicChatResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// One SSE data payload; Type discriminates the event.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage anthropicUsage `json:"usage"`
}

// AnthropicAdapter serves chat completions through the Anthropic Messages
// API.
type AnthropicAdapter struct {
	cfg     AdapterConfig
	pool    *clientPool
	retry   retryPolicy
	catalog []ModelInfo
	byID    map[string]ModelInfo
	logger  *zap.Logger
}

func NewAnthropicAdapter(cfg AdapterConfig, logger *zap.Logger) *AnthropicAdapter {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("anthropic")

	catalog := anthropicCatalog()
	return &AnthropicAdapter{
		cfg:     cfg,
		pool:    newAdapterPool(cfg),
		retry:   retryPolicy{maxRetries: cfg.MaxRetries, baseBackoff: cfg.BaseBackoff, logger: logger},
		catalog: catalog,
		byID:    catalogIndex(catalog),
		logger:  logger,
	}
}

func (a *AnthropicAdapter) Name() string { return ProviderAnthropic }

func (a *AnthropicAdapter) Models() []ModelInfo {
	out := make([]ModelInfo, len(a.catalog))
	copy(out, a.catalog)
	return out
}

func (a *AnthropicAdapter) ValidateConfig() error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("anthropic config: %w", err)
	}
	return nil
}

func (a *AnthropicAdapter) ModelInfo(id string) (ModelInfo, bool) {
	m, ok := a.byID[id]
	return m, ok
}

func (a *AnthropicAdapter) IsModelAvailable(id string) bool {
	_, ok := a.byID[id]
	return ok
}

func (a *AnthropicAdapter) CountTokens(text, model string) int {
	return approxTokens(text)
}

func (a *AnthropicAdapter) Close() error {
	a.pool.closeIdle()
	return nil
}

func (a *AnthropicAdapter) ChatCompletion(parentCtx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	if req == nil {
		return nil, &InvalidRequestError{Reason: "request is nil"}
	}
	if err := checkMessageSizes(ProviderAnthropic, req.Messages); err != nil {
		return nil, err
	}

	ctx, cancel := a.requestContext(parentCtx)
	defer cancel()

	body, err := a.marshalRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := a.retry.do(ctx, func(ctx context.Context) (*http.Response, error) {
		return a.doOnce(ctx, body)
	})
	if err != nil {
		a.logger.Error("chat request failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, NewError(ProviderAnthropic, ErrKindConnection, 0, err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, a.upstreamError(resp, req.Model)
	}

	var pResp anthropicChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return nil, NewError(ProviderAnthropic, ErrKindAPI, resp.StatusCode,
			"decode upstream response: "+err.Error(), err)
	}

	var content string
	var toolCalls []ToolCall
	for _, block := range pResp.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: ToolFunction{Name: block.Name, Arguments: string(args)},
			})
		}
	}

	usage := &Usage{
		PromptTokens:     pResp.Usage.InputTokens,
		CompletionTokens: pResp.Usage.OutputTokens,
		TotalTokens:      pResp.Usage.InputTokens + pResp.Usage.OutputTokens,
	}

	out := &ChatResponse{
		ID:           pResp.ID,
		Created:      start,
		Provider:     ProviderAnthropic,
		Model:        pResp.Model,
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: normalizeStopReason(pResp.StopReason),
		Usage:        usage,
		ResponseTime: time.Since(start),
	}

	a.logger.Info("chat request completed",
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.Duration("duration", out.ResponseTime),
	)

	return out, nil
}

func (a *AnthropicAdapter) ChatCompletionStream(parentCtx context.Context, req *ChatRequest) (<-chan StreamResult, error) {
	if req == nil {
		return nil, &InvalidRequestError{Reason: "request is nil"}
	}
	if err := checkMessageSizes(ProviderAnthropic, req.Messages); err != nil {
		return nil, err
	}

	body, err := a.marshalRequest(req, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.requestContext(parentCtx)

	resp, err := a.retry.do(ctx, func(ctx context.Context) (*http.Response, error) {
		return a.doOnce(ctx, body)
	})
	if err != nil {
		cancel()
		a.logger.Error("stream connect failed",
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return nil, NewError(ProviderAnthropic, ErrKindConnection, 0, err.Error(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upErr := a.upstreamError(resp, req.Model)
		resp.Body.Close()
		cancel()
		return nil, upErr
	}

	results := make(chan StreamResult, 16)

	go func() {
		defer close(results)
		defer cancel()
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		chunkCount := 0
		var usage Usage

		emit := func(sc *StreamChunk) bool {
			select {
			case <-ctx.Done():
				a.logger.Info("stream cancelled while sending chunk",
					zap.String("model", req.Model),
					zap.Int("chunks", chunkCount),
					zap.Error(ctx.Err()),
				)
				return false
			case results <- StreamResult{Chunk: sc}:
				return true
			}
		}

		for {
			select {
			case <-ctx.Done():
				a.logger.Info("stream cancelled",
					zap.String("model", req.Model),
					zap.Error(ctx.Err()),
				)
				return
			default:
			}

			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					a.logger.Info("stream completed (EOF)",
						zap.String("model", req.Model),
						zap.Int("chunks", chunkCount),
					)
					return
				}
				results <- StreamResult{Err: NewError(ProviderAnthropic, ErrKindConnection, 0,
					"read stream line: "+err.Error(), err)}
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			// Anthropic prefixes each data line with an "event:" line; the
			// data payload's type field is authoritative, so event lines
			// are skipped.
			const prefix = "data: "
			if !bytes.HasPrefix(line, []byte(prefix)) {
				continue
			}
			payload := bytes.TrimSpace(line[len(prefix):])

			var event anthropicStreamEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				results <- StreamResult{Err: NewError(ProviderAnthropic, ErrKindAPI, 0,
					"unmarshal stream event: "+err.Error(), err)}
				return
			}

			switch event.Type {
			case "message_start":
				usage.PromptTokens = event.Message.Usage.InputTokens
			case "content_block_delta":
				if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
					continue
				}
				chunkCount++
				if !emit(&StreamChunk{
					Kind:     ChunkContent,
					Delta:    event.Delta.Text,
					Provider: ProviderAnthropic,
					Model:    req.Model,
				}) {
					return
				}
			case "message_delta":
				usage.CompletionTokens = event.Usage.OutputTokens
				usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				if event.Delta.StopReason != "" {
					u := usage
					if !emit(&StreamChunk{
						Kind:         ChunkContent,
						Provider:     ProviderAnthropic,
						Model:        req.Model,
						FinishReason: normalizeStopReason(event.Delta.StopReason),
						Usage:        &u,
					}) {
						return
					}
				}
			case "message_stop":
				a.logger.Info("stream received message_stop",
					zap.String("model", req.Model),
					zap.Int("chunks", chunkCount),
				)
				return
			}
		}
	}()

	return results, nil
}

// HealthCheck sends a minimal one-token request; Anthropic has no cheap
// catalog endpoint that validates credentials.
func (a *AnthropicAdapter) HealthCheck(parentCtx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(parentCtx, 5*time.Second)
	defer cancel()

	start := time.Now()
	report := HealthReport{Provider: ProviderAnthropic, CheckedAt: start}

	probe := anthropicChatRequest{
		Model:     a.catalog[len(a.catalog)-1].ID,
		Messages:  []anthropicMessage{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}
	body, err := json.Marshal(probe)
	if err != nil {
		report.Status = StatusUnhealthy
		report.Error = err.Error()
		return report
	}

	resp, err := a.doOnce(ctx, body)
	report.Latency = time.Since(start)
	if err != nil {
		report.Status = StatusUnhealthy
		report.Error = err.Error()
		return report
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		report.Status = StatusHealthy
	} else {
		report.Status = StatusUnhealthy
		report.Error = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return report
}

func (a *AnthropicAdapter) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.UpstreamTimeout > 0 {
		return context.WithTimeout(parent, a.cfg.UpstreamTimeout)
	}
	return context.WithCancel(parent)
}

func (a *AnthropicAdapter) marshalRequest(req *ChatRequest, stream bool) ([]byte, error) {
	var system string
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		// Messages API requires max_tokens.
		maxTokens = 4096
	}

	pReq := anthropicChatRequest{
		Model:       req.Model,
		System:      system,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   maxTokens,
		Stop:        req.Stop,
		Stream:      stream,
	}
	body, err := json.Marshal(pReq)
	if err != nil {
		return nil, NewError(ProviderAnthropic, ErrKindUnknown, 0, "marshal request: "+err.Error(), err)
	}
	if len(body) > maxRequestSize {
		return nil, &InvalidRequestError{
			Reason: fmt.Sprintf("request too large (%d bytes, max %d)", len(body), maxRequestSize),
		}
	}
	return body, nil
}

func (a *AnthropicAdapter) doOnce(ctx context.Context, body []byte) (*http.Response, error) {
	url := a.cfg.BaseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build HTTP request: %w", err)
	}
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")
	return a.pool.acquire().Do(httpReq)
}

func (a *AnthropicAdapter) upstreamError(resp *http.Response, model string) error {
	body, _ := io.ReadAll(resp.Body)
	kind := kindForStatus(resp.StatusCode)

	var perr anthropicErrorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		a.logger.Error("provider error",
			zap.String("model", model),
			zap.Int("status", resp.StatusCode),
			zap.String("error_type", perr.Error.Type),
			zap.String("error_message", perr.Error.Message),
		)
		return NewError(ProviderAnthropic, kind, resp.StatusCode,
			fmt.Sprintf("%s (%s)", perr.Error.Message, perr.Error.Type), nil)
	}

	a.logger.Error("upstream error",
		zap.String("model", model),
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncate(string(body), 200)),
	)
	return NewError(ProviderAnthropic, kind, resp.StatusCode, truncate(string(body), 200), nil)
}

// normalizeStopReason maps Anthropic stop reasons onto the OpenAI-style
// finish reasons the rest of the gateway speaks.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
