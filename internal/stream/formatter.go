package stream

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"modelgate/internal/provider"
)

// WireFormat selects the SSE event shape sent to the caller.
type WireFormat string

const (
	// FormatOpenAI emits OpenAI chat.completion.chunk events.
	FormatOpenAI WireFormat = "openai"
	// FormatInternal emits the simplified internal v0.3 event shape.
	FormatInternal WireFormat = "internal"
)

// ParseWireFormat maps a caller-supplied name to a WireFormat, defaulting
// to the OpenAI-compatible shape.
func ParseWireFormat(name string) WireFormat {
	if name == string(FormatInternal) {
		return FormatInternal
	}
	return FormatOpenAI
}

// doneEvent is the literal terminal SSE event for both formats.
var doneEvent = []byte("data: [DONE]\n\n")

// Wire format A: OpenAI chat.completion.chunk.
type openaiWireChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []openaiWireChoice `json:"choices"`
}

type openaiWireChoice struct {
	Index        int             `json:"index"`
	Delta        openaiWireDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type openaiWireDelta struct {
	Content string `json:"content,omitempty"`
}

type openaiWireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Wire format B: internal v0.3.
type internalWireEvent struct {
	Type           string          `json:"type"`
	Content        string          `json:"content,omitempty"`
	Model          string          `json:"model,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	Reasoning      string          `json:"reasoning,omitempty"`
	Error          string          `json:"error,omitempty"`
	WillFallback   bool            `json:"will_fallback,omitempty"`
	FallbackUsed   bool            `json:"fallback_used,omitempty"`
	ResponseTimeMS int64           `json:"response_time_ms,omitempty"`
	Usage          *provider.Usage `json:"usage,omitempty"`
	FinishReason   string          `json:"finish_reason,omitempty"`
}

// Formatter serializes orchestrator stream chunks to SSE events, running
// content deltas through a Buffer so emitted events respect word and
// directive boundaries. One Formatter per response stream.
type Formatter struct {
	format  WireFormat
	buf     *Buffer
	id      string
	created int64
	model   string

	finishReason string
}

func NewFormatter(format WireFormat, buf *Buffer) *Formatter {
	if buf == nil {
		buf = NewBuffer(BufferConfig{})
	}
	return &Formatter{
		format:  format,
		buf:     buf,
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
	}
}

// Format converts one chunk into zero or more ready-to-write SSE events.
func (f *Formatter) Format(chunk *provider.StreamChunk) [][]byte {
	if chunk == nil {
		return nil
	}
	if chunk.Model != "" {
		f.model = chunk.Model
	}

	switch chunk.Kind {
	case provider.ChunkContent:
		if chunk.FinishReason != "" {
			f.finishReason = chunk.FinishReason
		}
		if chunk.Delta == "" {
			return nil
		}
		var events [][]byte
		for _, piece := range f.buf.Process(chunk.Delta) {
			events = append(events, f.contentEvent(piece))
		}
		return events

	case provider.ChunkModelSelection:
		if f.format == FormatOpenAI {
			// Format A has no selection event shape; routing metadata
			// rides on the response headers instead.
			return nil
		}
		return [][]byte{f.event(internalWireEvent{
			Type:         "model_selection",
			Model:        chunk.Model,
			Provider:     chunk.Provider,
			Reasoning:    chunk.Reasoning,
			FallbackUsed: chunk.FallbackUsed,
		})}

	case provider.ChunkMetadata:
		if f.format == FormatOpenAI {
			return nil
		}
		return [][]byte{f.event(internalWireEvent{
			Type:           "metadata",
			Provider:       chunk.Provider,
			Model:          chunk.Model,
			Usage:          chunk.Usage,
			FallbackUsed:   chunk.FallbackUsed,
			ResponseTimeMS: chunk.ResponseTime.Milliseconds(),
		})}

	case provider.ChunkError:
		if f.format == FormatOpenAI {
			var we openaiWireError
			we.Error.Message = chunk.Error
			we.Error.Type = "provider_error"
			return [][]byte{marshalEvent(we)}
		}
		return [][]byte{f.event(internalWireEvent{
			Type:         "error",
			Error:        chunk.Error,
			Provider:     chunk.Provider,
			WillFallback: chunk.WillFallback,
		})}

	case provider.ChunkDone:
		if chunk.FinishReason != "" {
			f.finishReason = chunk.FinishReason
		}
		return nil

	default:
		return nil
	}
}

// Finish flushes buffered content and emits the terminal events. The
// stream always ends with the [DONE] sentinel.
func (f *Formatter) Finish() [][]byte {
	var events [][]byte
	for _, piece := range f.buf.Flush() {
		events = append(events, f.contentEvent(piece))
	}

	reason := f.finishReason
	if reason == "" {
		reason = "stop"
	}

	if f.format == FormatOpenAI {
		events = append(events, marshalEvent(openaiWireChunk{
			ID:      f.id,
			Object:  "chat.completion.chunk",
			Created: f.created,
			Model:   f.model,
			Choices: []openaiWireChoice{{Index: 0, FinishReason: &reason}},
		}))
	} else {
		events = append(events, f.event(internalWireEvent{
			Type:         "done",
			FinishReason: reason,
		}))
	}

	return append(events, doneEvent)
}

func (f *Formatter) contentEvent(text string) []byte {
	if f.format == FormatOpenAI {
		return marshalEvent(openaiWireChunk{
			ID:      f.id,
			Object:  "chat.completion.chunk",
			Created: f.created,
			Model:   f.model,
			Choices: []openaiWireChoice{{Index: 0, Delta: openaiWireDelta{Content: text}}},
		})
	}
	return f.event(internalWireEvent{Type: "content", Content: text})
}

func (f *Formatter) event(e internalWireEvent) []byte {
	return marshalEvent(e)
}

func marshalEvent(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		// Wire structs only hold marshalable fields; this is unreachable
		// short of a programming error.
		payload = []byte(`{"type":"error","error":"event marshal failed"}`)
	}
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	return append(out, "\n\n"...)
}
