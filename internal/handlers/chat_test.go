package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"modelgate/internal/instrument"
	"modelgate/internal/orchestrator"
	"modelgate/internal/provider"
	"modelgate/internal/selector"
)

// scriptedAdapter backs handler tests without touching the network.
type scriptedAdapter struct {
	name     string
	models   []provider.ModelInfo
	failWith error
	content  string
}

func (s *scriptedAdapter) Name() string                 { return s.name }
func (s *scriptedAdapter) Models() []provider.ModelInfo { return s.models }
func (s *scriptedAdapter) ValidateConfig() error        { return nil }

func (s *scriptedAdapter) ModelInfo(id string) (provider.ModelInfo, bool) {
	for _, m := range s.models {
		if m.ID == id {
			return m, true
		}
	}
	return provider.ModelInfo{}, false
}

func (s *scriptedAdapter) IsModelAvailable(id string) bool {
	_, ok := s.ModelInfo(id)
	return ok
}

func (s *scriptedAdapter) CountTokens(text, model string) int { return len(text) / 4 }

func (s *scriptedAdapter) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return &provider.ChatResponse{
		ID:           "resp-1",
		Provider:     s.name,
		Model:        req.Model,
		Content:      s.content,
		FinishReason: "stop",
		Usage:        &provider.Usage{PromptTokens: 4, CompletionTokens: 3, TotalTokens: 7},
	}, nil
}

func (s *scriptedAdapter) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamResult, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := make(chan provider.StreamResult, 4)
	out <- provider.StreamResult{Chunk: &provider.StreamChunk{Kind: provider.ChunkContent, Delta: s.content + " "}}
	close(out)
	return out, nil
}

func (s *scriptedAdapter) HealthCheck(ctx context.Context) provider.HealthReport {
	return provider.HealthReport{Provider: s.name, Status: provider.StatusHealthy, CheckedAt: time.Now()}
}

func handlerFixture(t *testing.T, adapters ...provider.Adapter) (*ChatHandler, *ModelsHandler) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	registry := provider.NewRegistry(logger, adapters...)
	sel := selector.New(registry, nil, selector.Config{}, logger)
	tracker := instrument.NewTracker(0, logger)
	orch := orchestrator.New(registry, sel, tracker, orchestrator.Config{
		AutoSelect:      true,
		FallbackEnabled: true,
	}, logger)

	return NewChatHandler(orch), NewModelsHandler(registry)
}

func defaultAdapter() *scriptedAdapter {
	return &scriptedAdapter{
		name: "mockai",
		models: []provider.ModelInfo{{
			ID:           "mock-1",
			Provider:     "mockai",
			Capabilities: []provider.Capability{provider.CapChat, provider.CapStreaming},
			AvgLatency:   500 * time.Millisecond,
			QualityScore: 0.8,
			SpeedScore:   0.9,
		}},
		content: "mocked reply",
	}
}

func postChat(t *testing.T, h *ChatHandler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ChatCompletion(rec, req)
	return rec
}

func TestChatCompletionSync(t *testing.T) {
	t.Parallel()

	chat, _ := handlerFixture(t, defaultAdapter())

	rec := postChat(t, chat, `{
		"model": "mock-1",
		"messages": [{"role":"user","content":"hello"}]
	}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp chatWireResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Object != "chat.completion" {
		t.Fatalf("object = %q", resp.Object)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "mocked reply" {
		t.Fatalf("unexpected choices: %+v", resp.Choices)
	}
	if resp.Provider != "mockai" || resp.FallbackUsed {
		t.Fatalf("routing metadata wrong: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 7 {
		t.Fatalf("usage missing: %+v", resp.Usage)
	}
}

func TestChatCompletionInvalidJSON(t *testing.T) {
	t.Parallel()

	chat, _ := handlerFixture(t, defaultAdapter())
	rec := postChat(t, chat, `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatCompletionMissingContent(t *testing.T) {
	t.Parallel()

	chat, _ := handlerFixture(t, defaultAdapter())
	rec := postChat(t, chat, `{
		"model": "mock-1",
		"messages": [{"role":"user"}]
	}`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error.Type != "invalid_request_error" {
		t.Fatalf("error type = %q", body.Error.Type)
	}
}

func TestChatCompletionProviderErrorMapsTo502(t *testing.T) {
	t.Parallel()

	failing := defaultAdapter()
	failing.failWith = provider.NewError("mockai", provider.ErrKindConnection, 0, "connection refused", nil)
	chat, _ := handlerFixture(t, failing)

	rec := postChat(t, chat, `{
		"model": "mock-1",
		"messages": [{"role":"user","content":"hello"}]
	}`, nil)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletionStreamOpenAIFormat(t *testing.T) {
	t.Parallel()

	chat, _ := handlerFixture(t, defaultAdapter())

	rec := postChat(t, chat, `{
		"model": "mock-1",
		"stream": true,
		"messages": [{"role":"user","content":"hello"}]
	}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body := rec.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("stream must end with [DONE]: %q", body)
	}
	if !strings.Contains(body, `"object":"chat.completion.chunk"`) {
		t.Fatalf("missing chunk events: %q", body)
	}
	if !strings.Contains(body, "mocked reply") {
		t.Fatalf("content lost: %q", body)
	}
}

func TestChatCompletionStreamInternalFormat(t *testing.T) {
	t.Parallel()

	chat, _ := handlerFixture(t, defaultAdapter())

	rec := postChat(t, chat, `{
		"model": "mock-1",
		"stream": true,
		"messages": [{"role":"user","content":"hello"}]
	}`, map[string]string{"X-Stream-Format": "internal"})

	body := rec.Body.String()
	if !strings.Contains(body, `"type":"model_selection"`) {
		t.Fatalf("internal format should carry selection events: %q", body)
	}
	if !strings.Contains(body, `"type":"content"`) {
		t.Fatalf("missing content events: %q", body)
	}
	if !strings.Contains(body, `"type":"done"`) {
		t.Fatalf("missing done event: %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("stream must end with [DONE]: %q", body)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()

	_, models := handlerFixture(t, defaultAdapter())

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	models.ListModels(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 1 {
		t.Fatalf("unexpected listing: %+v", resp)
	}
	if resp.Data[0].ID != "mock-1" || resp.Data[0].OwnedBy != "mockai" {
		t.Fatalf("unexpected entry: %+v", resp.Data[0])
	}
}

func TestProviderHealth(t *testing.T) {
	t.Parallel()

	_, models := handlerFixture(t, defaultAdapter())

	req := httptest.NewRequest(http.MethodGet, "/v1/providers/health", nil)
	rec := httptest.NewRecorder()
	models.ProviderHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Status    string                `json:"status"`
		Providers []providerHealthEntry `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "ok" || len(resp.Providers) != 1 {
		t.Fatalf("unexpected health payload: %+v", resp)
	}
	if resp.Providers[0].Status != provider.StatusHealthy {
		t.Fatalf("provider not healthy: %+v", resp.Providers[0])
	}
}
