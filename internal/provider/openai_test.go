package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func openaiTestAdapter(t *testing.T, baseURL string) *OpenAIAdapter {
	t.Helper()
	return NewOpenAIAdapter(AdapterConfig{
		BaseURL:     baseURL,
		APIKey:      "test-key",
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
	}, zaptest.NewLogger(t))
}

func simpleChatRequest(model string) *ChatRequest {
	return &ChatRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: RoleUser, Content: "hello"},
		},
	}
}

func TestOpenAIValidateConfig(t *testing.T) {
	t.Parallel()

	a := NewOpenAIAdapter(AdapterConfig{}, zaptest.NewLogger(t))
	if err := a.ValidateConfig(); err == nil {
		t.Fatalf("expected validation error for empty config")
	}

	a = openaiTestAdapter(t, "https://api.openai.com")
	if err := a.ValidateConfig(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestOpenAIChatCompletionSuccess(t *testing.T) {
	t.Parallel()

	var gotReq openaiChatRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o",
			"choices": [{"index":0,"message":{"role":"assistant","content":"response"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}
		}`)
	}))
	defer srv.Close()

	a := openaiTestAdapter(t, srv.URL)
	resp, err := a.ChatCompletion(context.Background(), simpleChatRequest("gpt-4o"))
	if err != nil {
		t.Fatalf("ChatCompletion failed: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Fatalf("missing bearer auth: %q", gotAuth)
	}
	if gotReq.Model != "gpt-4o" || gotReq.Stream {
		t.Fatalf("unexpected upstream request: %+v", gotReq)
	}
	if resp.Provider != ProviderOpenAI || resp.Content != "response" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage lost: %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("finish reason lost: %+v", resp)
	}
}

func TestOpenAIChatCompletionAuthError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_api_key"}}`)
	}))
	defer srv.Close()

	a := openaiTestAdapter(t, srv.URL)
	_, err := a.ChatCompletion(context.Background(), simpleChatRequest("gpt-4o"))
	if err == nil {
		t.Fatalf("expected auth error")
	}

	pe, ok := AsProviderError(err)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if pe.Kind != ErrKindAuth || pe.Status != http.StatusUnauthorized {
		t.Fatalf("wrong classification: %+v", pe)
	}
	if !strings.Contains(pe.Message, "bad key") {
		t.Fatalf("upstream message lost: %+v", pe)
	}
}

func TestOpenAIRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-2", "object": "chat.completion", "created": 1700000000, "model": "gpt-4o",
			"choices": [{"index":0,"message":{"role":"assistant","content":"second try"},"finish_reason":"stop"}]
		}`)
	}))
	defer srv.Close()

	a := openaiTestAdapter(t, srv.URL)
	resp, err := a.ChatCompletion(context.Background(), simpleChatRequest("gpt-4o"))
	if err != nil {
		t.Fatalf("ChatCompletion failed after retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	if resp.Content != "second try" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
}

func TestOpenAIStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Errorf("stream flag not set upstream")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		lines := []string{
			`data: {"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`data: {"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`data: {"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
			`data: [DONE]`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	a := openaiTestAdapter(t, srv.URL)
	results, err := a.ChatCompletionStream(context.Background(), simpleChatRequest("gpt-4o"))
	if err != nil {
		t.Fatalf("ChatCompletionStream failed: %v", err)
	}

	var content string
	var finishReason string
	var usage *Usage
	for result := range results {
		if result.Err != nil {
			t.Fatalf("stream error: %v", result.Err)
		}
		content += result.Chunk.Delta
		if result.Chunk.FinishReason != "" {
			finishReason = result.Chunk.FinishReason
		}
		if result.Chunk.Usage != nil {
			usage = result.Chunk.Usage
		}
	}

	if content != "Hello" {
		t.Fatalf("content = %q, want Hello", content)
	}
	if finishReason != "stop" {
		t.Fatalf("finish reason = %q", finishReason)
	}
	if usage == nil || usage.TotalTokens != 5 {
		t.Fatalf("usage lost: %+v", usage)
	}
}

func TestOpenAIStreamConnectErrorReturnsDirectly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"forbidden","type":"permission"}}`)
	}))
	defer srv.Close()

	a := openaiTestAdapter(t, srv.URL)
	_, err := a.ChatCompletionStream(context.Background(), simpleChatRequest("gpt-4o"))
	if err == nil {
		t.Fatalf("expected pre-stream error return")
	}
	pe, ok := AsProviderError(err)
	if !ok || pe.Kind != ErrKindAuth {
		t.Fatalf("wrong classification: %v", err)
	}
}

func TestOpenAIStreamCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n")
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	a := openaiTestAdapter(t, srv.URL)
	results, err := a.ChatCompletionStream(ctx, simpleChatRequest("gpt-4o"))
	if err != nil {
		t.Fatalf("ChatCompletionStream failed: %v", err)
	}

	<-results // first chunk
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-results:
			if !ok {
				return // closed promptly after cancellation
			}
		case <-deadline:
			t.Fatalf("stream channel not closed after cancellation")
		}
	}
}

func TestOpenAIHealthCheck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"object":"list","data":[]}`)
	}))
	defer srv.Close()

	a := openaiTestAdapter(t, srv.URL)
	report := a.HealthCheck(context.Background())
	if report.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", report)
	}

	srv.Close()
	report = a.HealthCheck(context.Background())
	if report.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy after server close, got %+v", report)
	}
}

func TestOpenAIRequestTooLarge(t *testing.T) {
	t.Parallel()

	a := openaiTestAdapter(t, "http://localhost:0")
	req := &ChatRequest{
		Model: "gpt-4o",
		Messages: []ChatMessage{
			{Role: RoleUser, Content: strings.Repeat("x", maxMessageSize+1)},
		},
	}
	_, err := a.ChatCompletion(context.Background(), req)
	if err == nil || !IsInvalidRequest(err) {
		t.Fatalf("expected InvalidRequest for oversized message, got %v", err)
	}
}
