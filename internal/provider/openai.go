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

// OpenAI wire shapes, kept separate from the internal types.

type openaiChatRequest struct {
	Model       string           `json:"model"`
	Messages    []ChatMessage    `json:"messages"`
	Temperature float32          `json:"temperature,omitempty"`
	TopP        float32          `json:"top_p,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Tools       []ToolDescriptor `json:"tools,omitempty"`
}

type openaiChatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

type openaiErrorResponse struct {
	Error struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code"`
	} `json:"error"`
}

type openaiStreamChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string     `json:"role,omitempty"`
			Content   string     `json:"content,omitempty"`
			ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

// OpenAIAdapter serves chat completions through the OpenAI HTTP API.
type OpenAIAdapter struct {
	cfg     AdapterConfig
	pool    *clientPool
	retry   retryPolicy
	catalog []ModelInfo
	byID    map[string]ModelInfo
	logger  *zap.Logger
}

// NewOpenAIAdapter builds the adapter; config validation is deferred to
// ValidateConfig so the registry decides what to do with a bad one.
func NewOpenAIAdapter(cfg AdapterConfig, logger *zap.Logger) *OpenAIAdapter {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("openai")

	catalog := openAICatalog()
	return &OpenAIAdapter{
		cfg:     cfg,
		pool:    newAdapterPool(cfg),
		retry:   retryPolicy{maxRetries: cfg.MaxRetries, baseBackoff: cfg.BaseBackoff, logger: logger},
		catalog: catalog,
		byID:    catalogIndex(catalog),
		logger:  logger,
	}
}

func (a *OpenAIAdapter) Name() string { return ProviderOpenAI }

func (a *OpenAIAdapter) Models() []ModelInfo {
	out := make([]ModelInfo, len(a.catalog))
	copy(out, a.catalog)
	return out
}

func (a *OpenAIAdapter) ValidateConfig() error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("openai config: %w", err)
	}
	return nil
}

func (a *OpenAIAdapter) ModelInfo(id string) (ModelInfo, bool) {
	m, ok := a.byID[id]
	return m, ok
}

func (a *OpenAIAdapter) IsModelAvailable(id string) bool {
	_, ok := a.byID[id]
	return ok
}

func (a *OpenAIAdapter) CountTokens(text, model string) int {
	return approxTokens(text)
}

// Close releases pooled connections.
func (a *OpenAIAdapter) Close() error {
	a.pool.closeIdle()
	return nil
}

func (a *OpenAIAdapter) ChatCompletion(parentCtx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	if req == nil {
		return nil, &InvalidRequestError{Reason: "request is nil"}
	}
	if err := checkMessageSizes(ProviderOpenAI, req.Messages); err != nil {
		return nil, err
	}

	a.logger.Debug("chat request starting",
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
	)

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
		return nil, NewError(ProviderOpenAI, ErrKindConnection, 0, err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, a.upstreamError(resp, req.Model)
	}

	var pResp openaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return nil, NewError(ProviderOpenAI, ErrKindAPI, resp.StatusCode,
			"decode upstream response: "+err.Error(), err)
	}
	if len(pResp.Choices) == 0 {
		a.logger.Error("provider returned no choices", zap.String("model", req.Model))
		return nil, NewError(ProviderOpenAI, ErrKindAPI, resp.StatusCode, "provider returned no choices", nil)
	}

	choice := pResp.Choices[0]
	out := &ChatResponse{
		ID:           pResp.ID,
		Created:      time.Unix(pResp.Created, 0),
		Provider:     ProviderOpenAI,
		Model:        pResp.Model,
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage:        &Usage{},
		ResponseTime: time.Since(start),
	}
	if pResp.Usage != nil {
		*out.Usage = *pResp.Usage
	}

	a.logger.Info("chat request completed",
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("duration", out.ResponseTime),
	)

	return out, nil
}

func (a *OpenAIAdapter) ChatCompletionStream(parentCtx context.Context, req *ChatRequest) (<-chan StreamResult, error) {
	if req == nil {
		return nil, &InvalidRequestError{Reason: "request is nil"}
	}
	if err := checkMessageSizes(ProviderOpenAI, req.Messages); err != nil {
		return nil, err
	}

	body, err := a.marshalRequest(req, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.requestContext(parentCtx)

	// Connect before spawning the reader so pre-stream failures surface as
	// a plain error return, per the adapter contract.
	resp, err := a.retry.do(ctx, func(ctx context.Context) (*http.Response, error) {
		return a.doOnce(ctx, body)
	})
	if err != nil {
		cancel()
		a.logger.Error("stream connect failed",
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return nil, NewError(ProviderOpenAI, ErrKindConnection, 0, err.Error(), err)
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
				results <- StreamResult{Err: NewError(ProviderOpenAI, ErrKindConnection, 0,
					"read stream line: "+err.Error(), err)}
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			const prefix = "data: "
			if !bytes.HasPrefix(line, []byte(prefix)) {
				continue
			}
			payload := bytes.TrimSpace(line[len(prefix):])

			if bytes.Equal(payload, []byte("[DONE]")) {
				a.logger.Info("stream received [DONE]",
					zap.String("model", req.Model),
					zap.Int("chunks", chunkCount),
				)
				return
			}

			var chunk openaiStreamChunk
			if err := json.Unmarshal(payload, &chunk); err != nil {
				results <- StreamResult{Err: NewError(ProviderOpenAI, ErrKindAPI, 0,
					"unmarshal stream chunk: "+err.Error(), err)}
				return
			}

			for _, choice := range chunk.Choices {
				sc := &StreamChunk{
					Kind:         ChunkContent,
					Delta:        choice.Delta.Content,
					Provider:     ProviderOpenAI,
					Model:        req.Model,
					FinishReason: choice.FinishReason,
					Usage:        chunk.Usage,
				}
				if len(choice.Delta.ToolCalls) > 0 {
					tc := choice.Delta.ToolCalls[0]
					sc.ToolCall = &tc
				}
				if sc.Delta == "" && sc.FinishReason == "" && sc.ToolCall == nil {
					continue
				}
				chunkCount++

				select {
				case <-ctx.Done():
					a.logger.Info("stream cancelled while sending chunk",
						zap.String("model", req.Model),
						zap.Int("chunks", chunkCount),
						zap.Error(ctx.Err()),
					)
					return
				case results <- StreamResult{Chunk: sc}:
				}
			}
		}
	}()

	return results, nil
}

// HealthCheck probes /v1/models with a short deadline.
func (a *OpenAIAdapter) HealthCheck(parentCtx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(parentCtx, 5*time.Second)
	defer cancel()

	start := time.Now()
	report := HealthReport{Provider: ProviderOpenAI, CheckedAt: start}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		report.Status = StatusUnhealthy
		report.Error = err.Error()
		return report
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.pool.acquire().Do(httpReq)
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

func (a *OpenAIAdapter) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.UpstreamTimeout > 0 {
		return context.WithTimeout(parent, a.cfg.UpstreamTimeout)
	}
	return context.WithCancel(parent)
}

func (a *OpenAIAdapter) marshalRequest(req *ChatRequest, stream bool) ([]byte, error) {
	pReq := openaiChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      stream,
		Tools:       req.Tools,
	}
	body, err := json.Marshal(pReq)
	if err != nil {
		return nil, NewError(ProviderOpenAI, ErrKindUnknown, 0, "marshal request: "+err.Error(), err)
	}
	if len(body) > maxRequestSize {
		return nil, &InvalidRequestError{
			Reason: fmt.Sprintf("request too large (%d bytes, max %d)", len(body), maxRequestSize),
		}
	}
	return body, nil
}

func (a *OpenAIAdapter) doOnce(ctx context.Context, body []byte) (*http.Response, error) {
	url := a.cfg.BaseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build HTTP request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	return a.pool.acquire().Do(httpReq)
}

// upstreamError reads the body of a non-2xx response and converts it to a
// tagged provider error.
func (a *OpenAIAdapter) upstreamError(resp *http.Response, model string) error {
	body, _ := io.ReadAll(resp.Body)
	kind := kindForStatus(resp.StatusCode)

	var perr openaiErrorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		a.logger.Error("provider error",
			zap.String("model", model),
			zap.Int("status", resp.StatusCode),
			zap.String("error_type", perr.Error.Type),
			zap.String("error_message", perr.Error.Message),
		)
		return NewError(ProviderOpenAI, kind, resp.StatusCode,
			fmt.Sprintf("%s (%s)", perr.Error.Message, perr.Error.Type), nil)
	}

	a.logger.Error("upstream error",
		zap.String("model", model),
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncate(string(body), 200)),
	)
	return NewError(ProviderOpenAI, kind, resp.StatusCode, truncate(string(body), 200), nil)
}
