// Package handlers holds the HTTP endpoints of the gateway.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"modelgate/internal/orchestrator"
	"modelgate/internal/provider"
	"modelgate/internal/selector"
	"modelgate/internal/stream"
	"modelgate/pkg/logging"
)

// chatWireRequest is the OpenAI-compatible request body, extended with the
// gateway routing fields. Messages stay raw; the orchestrator validates
// them message by message.
type chatWireRequest struct {
	Model    string           `json:"model,omitempty"`
	Messages []map[string]any `json:"messages"`
	Stream   bool             `json:"stream,omitempty"`

	Temperature float32  `json:"temperature,omitempty"`
	TopP        float32  `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	User        string   `json:"user,omitempty"`

	// Gateway extensions.
	Provider          string `json:"provider,omitempty"`
	Force             bool   `json:"force,omitempty"`
	Fallback          *bool  `json:"fallback,omitempty"`
	Context           string `json:"context,omitempty"`
	Priority          string `json:"priority,omitempty"`
	Activity          string `json:"activity,omitempty"`
	PreferredProvider string `json:"preferred_provider,omitempty"`
	MaxResponseTimeMS int    `json:"max_response_time_ms,omitempty"`
	StreamFormat      string `json:"stream_format,omitempty"`
}

// chatWireResponse is the sync response: OpenAI message shape plus routing
// metadata extension fields.
type chatWireResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []chatWireChoice `json:"choices"`
	Usage   *provider.Usage  `json:"usage,omitempty"`

	Provider       string `json:"provider"`
	Reasoning      string `json:"reasoning,omitempty"`
	FallbackUsed   bool   `json:"fallback_used"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}

type chatWireChoice struct {
	Index        int                  `json:"index"`
	Message      provider.ChatMessage `json:"message"`
	FinishReason string               `json:"finish_reason"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ChatHandler serves /v1/chat/completions.
type ChatHandler struct {
	Orchestrator *orchestrator.Orchestrator
}

func NewChatHandler(o *orchestrator.Orchestrator) *ChatHandler {
	return &ChatHandler{Orchestrator: o}
}

// ChatCompletion handles POST /v1/chat/completions, dispatching to the
// sync or streaming path on the stream flag.
func (h *ChatHandler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var wire chatWireRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		logger.Warn("invalid request body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON", "invalid_request_error")
		return
	}

	req := &orchestrator.Request{
		Messages:          wire.Messages,
		Model:             wire.Model,
		Provider:          wire.Provider,
		Force:             wire.Force,
		Temperature:       wire.Temperature,
		TopP:              wire.TopP,
		MaxTokens:         wire.MaxTokens,
		Stop:              wire.Stop,
		UserID:            userID(r, wire.User),
		Activity:          wire.Activity,
		Context:           selector.ContextType(wire.Context),
		Priority:          selector.Priority(wire.Priority),
		PreferredProvider: wire.PreferredProvider,
		Fallback:          wire.Fallback,
		RequestID:         r.Header.Get("X-Request-ID"),
	}
	if wire.MaxResponseTimeMS > 0 {
		req.MaxResponseTime = time.Duration(wire.MaxResponseTimeMS) * time.Millisecond
	}

	if wire.Stream {
		h.streamCompletion(w, r, req, wireFormat(r, wire))
		return
	}
	h.syncCompletion(w, r, req)
}

func (h *ChatHandler) syncCompletion(w http.ResponseWriter, r *http.Request, req *orchestrator.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	resp, err := h.Orchestrator.Complete(ctx, req)
	if err != nil {
		status, errType := classifyError(err)
		logger.Warn("chat completion failed",
			zap.Int("status", status),
			zap.Error(err),
		)
		writeError(w, status, err.Error(), errType)
		return
	}

	logger.Info("chat completion",
		zap.String("provider", resp.Provider),
		zap.String("model", resp.Model),
		zap.Bool("fallback_used", resp.FallbackUsed),
		zap.Duration("total_latency_ms", time.Since(start)),
	)

	out := chatWireResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatWireChoice{{
			Message: provider.ChatMessage{
				Role:      provider.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			},
			FinishReason: resp.FinishReason,
		}},
		Usage:          resp.Usage,
		Provider:       resp.Provider,
		Reasoning:      resp.Reasoning,
		FallbackUsed:   resp.FallbackUsed,
		ResponseTimeMS: resp.ResponseTime.Milliseconds(),
	}
	if !resp.Created.IsZero() {
		out.Created = resp.Created.Unix()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ChatHandler) streamCompletion(w http.ResponseWriter, r *http.Request, req *orchestrator.Request, format stream.WireFormat) {
	ctx := r.Context()
	logger := logging.L(ctx)

	results, err := h.Orchestrator.Stream(ctx, req)
	if err != nil {
		// Pre-stream failures are still plain JSON errors.
		status, errType := classifyError(err)
		logger.Warn("stream setup failed", zap.Int("status", status), zap.Error(err))
		writeError(w, status, err.Error(), errType)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("response writer does not support flushing")
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "internal_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	formatter := stream.NewFormatter(format, stream.NewBuffer(stream.BufferConfig{Logger: logger}))

	write := func(events [][]byte) bool {
		for _, ev := range events {
			if _, err := w.Write(ev); err != nil {
				return false
			}
		}
		if len(events) > 0 {
			flusher.Flush()
		}
		return true
	}

	for result := range results {
		if result.Err != nil {
			logger.Warn("stream aborted", zap.Error(result.Err))
			write(formatter.Format(&provider.StreamChunk{
				Kind:  provider.ChunkError,
				Error: result.Err.Error(),
			}))
			break
		}
		if !write(formatter.Format(result.Chunk)) {
			// Client went away; drain so the producer can finish.
			for range results {
			}
			return
		}
	}

	write(formatter.Finish())
}

// classifyError maps domain errors to HTTP status and OpenAI error type.
func classifyError(err error) (int, string) {
	if provider.IsInvalidRequest(err) {
		return http.StatusBadRequest, "invalid_request_error"
	}
	if _, ok := provider.AsProviderError(err); ok {
		return http.StatusBadGateway, "provider_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

func wireFormat(r *http.Request, wire chatWireRequest) stream.WireFormat {
	if hdr := r.Header.Get("X-Stream-Format"); hdr != "" {
		return stream.ParseWireFormat(hdr)
	}
	return stream.ParseWireFormat(wire.StreamFormat)
}

func userID(r *http.Request, bodyUser string) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return bodyUser
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	var body errorBody
	body.Error.Message = message
	body.Error.Type = errType
	writeJSON(w, status, body)
}
