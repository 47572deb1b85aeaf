package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"modelgate/internal/provider"
)

// decodeEvent strips the SSE framing and unmarshals the payload into v.
func decodeEvent(t *testing.T, event []byte, v any) {
	t.Helper()
	if !bytes.HasPrefix(event, []byte("data: ")) || !bytes.HasSuffix(event, []byte("\n\n")) {
		t.Fatalf("malformed SSE event: %q", event)
	}
	payload := bytes.TrimSuffix(bytes.TrimPrefix(event, []byte("data: ")), []byte("\n\n"))
	if err := json.Unmarshal(payload, v); err != nil {
		t.Fatalf("unmarshal event %q: %v", event, err)
	}
}

func TestFormatterOpenAIContent(t *testing.T) {
	t.Parallel()

	f := NewFormatter(FormatOpenAI, nil)

	events := f.Format(&provider.StreamChunk{
		Kind:  provider.ChunkContent,
		Delta: "Hello world. ",
		Model: "gpt-4o",
	})
	if len(events) == 0 {
		t.Fatalf("expected content events")
	}

	var chunk openaiWireChunk
	decodeEvent(t, events[0], &chunk)
	if chunk.Object != "chat.completion.chunk" {
		t.Fatalf("unexpected object: %s", chunk.Object)
	}
	if !strings.HasPrefix(chunk.ID, "chatcmpl-") {
		t.Fatalf("unexpected id: %s", chunk.ID)
	}
	if chunk.Model != "gpt-4o" {
		t.Fatalf("unexpected model: %s", chunk.Model)
	}
	if len(chunk.Choices) != 1 || chunk.Choices[0].Delta.Content == "" {
		t.Fatalf("missing delta content: %+v", chunk.Choices)
	}
	if chunk.Choices[0].FinishReason != nil {
		t.Fatalf("content chunk should not carry finish_reason")
	}
}

func TestFormatterOpenAISkipsRoutingEvents(t *testing.T) {
	t.Parallel()

	f := NewFormatter(FormatOpenAI, nil)

	if events := f.Format(&provider.StreamChunk{
		Kind:     provider.ChunkModelSelection,
		Provider: "openai",
		Model:    "gpt-4o",
	}); len(events) != 0 {
		t.Fatalf("model_selection should be suppressed in openai format: %q", events)
	}
	if events := f.Format(&provider.StreamChunk{
		Kind:     provider.ChunkMetadata,
		Provider: "openai",
	}); len(events) != 0 {
		t.Fatalf("metadata should be suppressed in openai format: %q", events)
	}
}

func TestFormatterFinishTerminates(t *testing.T) {
	t.Parallel()

	f := NewFormatter(FormatOpenAI, nil)
	f.Format(&provider.StreamChunk{Kind: provider.ChunkContent, Delta: "partial wor"})

	events := f.Finish()
	if len(events) < 3 {
		t.Fatalf("expected flush + finish + done, got %d events", len(events))
	}

	// Buffered partial word flushes first.
	var flushed openaiWireChunk
	decodeEvent(t, events[0], &flushed)
	if !strings.Contains(flushed.Choices[0].Delta.Content, "wor") {
		t.Fatalf("flush lost buffered content: %+v", flushed)
	}

	var terminal openaiWireChunk
	decodeEvent(t, events[len(events)-2], &terminal)
	if terminal.Choices[0].FinishReason == nil || *terminal.Choices[0].FinishReason != "stop" {
		t.Fatalf("missing terminal finish_reason: %+v", terminal)
	}

	if !bytes.Equal(events[len(events)-1], []byte("data: [DONE]\n\n")) {
		t.Fatalf("stream must end with [DONE], got %q", events[len(events)-1])
	}
}

func TestFormatterInternalEvents(t *testing.T) {
	t.Parallel()

	f := NewFormatter(FormatInternal, nil)

	events := f.Format(&provider.StreamChunk{
		Kind:      provider.ChunkModelSelection,
		Provider:  "anthropic",
		Model:     "claude-3-5-haiku",
		Reasoning: "fast greeting model",
	})
	if len(events) != 1 {
		t.Fatalf("expected one selection event, got %d", len(events))
	}
	var sel internalWireEvent
	decodeEvent(t, events[0], &sel)
	if sel.Type != "model_selection" || sel.Provider != "anthropic" {
		t.Fatalf("unexpected selection event: %+v", sel)
	}

	events = f.Format(&provider.StreamChunk{
		Kind:         provider.ChunkError,
		Error:        "connection refused",
		WillFallback: true,
	})
	var errEv internalWireEvent
	decodeEvent(t, events[0], &errEv)
	if errEv.Type != "error" || !errEv.WillFallback {
		t.Fatalf("unexpected error event: %+v", errEv)
	}

	final := f.Finish()
	var done internalWireEvent
	decodeEvent(t, final[len(final)-2], &done)
	if done.Type != "done" || done.FinishReason != "stop" {
		t.Fatalf("unexpected done event: %+v", done)
	}
	if !bytes.Equal(final[len(final)-1], []byte("data: [DONE]\n\n")) {
		t.Fatalf("internal format must still end with [DONE]")
	}
}

func TestFormatterDirectivePassthrough(t *testing.T) {
	t.Parallel()

	f := NewFormatter(FormatInternal, nil)

	var contents []string
	collect := func(events [][]byte) {
		for _, ev := range events {
			if bytes.Equal(ev, []byte("data: [DONE]\n\n")) {
				continue
			}
			var e internalWireEvent
			decodeEvent(t, ev, &e)
			if e.Type == "content" {
				contents = append(contents, e.Content)
			}
		}
	}

	collect(f.Format(&provider.StreamChunk{Kind: provider.ChunkContent, Delta: `go: {"m":"te`}))
	collect(f.Format(&provider.StreamChunk{Kind: provider.ChunkContent, Delta: `leport"}`}))
	collect(f.Finish())

	want := []string{"go: ", `{"m":"teleport"}`}
	if len(contents) != len(want) {
		t.Fatalf("expected %d content events, got %q", len(want), contents)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Fatalf("content %d: got %q, want %q", i, contents[i], want[i])
		}
	}
}

func TestParseWireFormat(t *testing.T) {
	t.Parallel()

	if got := ParseWireFormat("internal"); got != FormatInternal {
		t.Fatalf("expected internal, got %s", got)
	}
	if got := ParseWireFormat(""); got != FormatOpenAI {
		t.Fatalf("empty should default to openai, got %s", got)
	}
	if got := ParseWireFormat("bogus"); got != FormatOpenAI {
		t.Fatalf("unknown should default to openai, got %s", got)
	}
}
