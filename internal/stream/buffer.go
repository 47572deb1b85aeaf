// Package stream converts arbitrarily-fragmented LLM token streams into
// chunks that never split a word or an embedded JSON directive.
package stream

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Mode selects which characters close a chunk.
type Mode int

const (
	// ModeSentence emits at '.', '!' and '?'.
	ModeSentence Mode = iota
	// ModePhrase additionally emits at ':', ';' and newline.
	ModePhrase
)

const (
	sentenceEndings = ".!?"
	phraseEndings   = ".!?:;\n"
	wordBoundaries  = " \t\n,"
)

// directiveSentinel recognizes the opening of a JSON control directive: an
// object whose first key is "m". The literal shape is the contract; it is
// not a general JSON detector.
var directiveSentinel = regexp.MustCompile(`\{\s*"m"\s*:`)

// BufferConfig configures a Buffer. The zero value means sentence mode
// with directive preservation on.
type BufferConfig struct {
	Mode Mode

	// SplitDirectives disables directive detection; embedded JSON is then
	// chunked like any other text.
	SplitDirectives bool

	Logger *zap.Logger
}

// Buffer is a stateful incremental chunker. It is pure computation: Process
// and Flush never block. Not safe for concurrent use; one Buffer belongs to
// one stream.
type Buffer struct {
	mode               Mode
	preserveDirectives bool
	logger             *zap.Logger

	// pending holds an incomplete trailing word.
	pending string

	// directive accumulation state.
	inDirective bool
	directive   strings.Builder
	depth       int
	inString    bool
	escaped     bool
}

func NewBuffer(cfg BufferConfig) *Buffer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{
		mode:               cfg.Mode,
		preserveDirectives: !cfg.SplitDirectives,
		logger:             logger.Named("streambuffer"),
	}
}

// Process appends fragment to any held-back content and returns the chunks
// that became complete. The concatenation of all returned chunks plus a
// final Flush always equals the concatenation of all inputs.
func (b *Buffer) Process(fragment string) []string {
	var out []string

	if b.inDirective {
		emitted, rest, done := b.consumeDirective(fragment)
		if !done {
			return nil
		}
		out = append(out, emitted)
		fragment = rest
	}

	text := b.pending + fragment
	b.pending = ""
	if text == "" {
		return out
	}

	return append(out, b.splitText(text)...)
}

// Flush emits whatever is still buffered. An unterminated directive is
// emitted as-is with a diagnostic log rather than dropped.
func (b *Buffer) Flush() []string {
	var out []string

	if b.inDirective {
		raw := b.directive.String()
		b.logger.Warn("flushing unterminated JSON directive",
			zap.Int("buffered_bytes", len(raw)),
			zap.Int("brace_depth", b.depth),
		)
		out = append(out, raw)
		b.resetDirective()
	}

	if b.pending != "" {
		out = append(out, b.pending)
		b.pending = ""
	}

	return out
}

// splitText applies directive detection first, then plain segmentation.
func (b *Buffer) splitText(text string) []string {
	if b.preserveDirectives {
		if loc := directiveSentinel.FindStringIndex(text); loc != nil {
			var out []string

			// Text ahead of the directive is complete; push all of it out
			// through the normal boundary rules.
			if prefix := text[:loc[0]]; prefix != "" {
				out = append(out, b.segmentComplete(prefix)...)
			}

			emitted, rest, done := b.consumeDirective(text[loc[0]:])
			if !done {
				return out
			}
			out = append(out, emitted)
			// The remainder may itself open another directive.
			if rest != "" {
				out = append(out, b.splitText(rest)...)
			}
			return out
		}
	}

	return b.segment(text)
}

// segment implements the plain-text chunking rules. It may leave a trailing
// partial word in b.pending.
func (b *Buffer) segment(text string) []string {
	var out []string

	for text != "" {
		endings := b.endings()
		count := countAny(text, endings)
		last := text[len(text)-1]

		// A fragment that ends on its only ending character is one chunk.
		if count == 1 && strings.IndexByte(endings, last) >= 0 {
			return append(out, text)
		}

		// Trailing whitespace means every word is complete.
		if isSpace(last) {
			return append(out, text)
		}

		// Emit through the first ending plus any whitespace right after
		// it, then reprocess the remainder.
		if i := strings.IndexAny(text, endings); i >= 0 {
			j := i + 1
			for j < len(text) && isSpace(text[j]) {
				j++
			}
			out = append(out, text[:j])
			text = text[j:]
			continue
		}

		// No ending at all: emit the complete-words prefix and hold the
		// trailing partial word. A boundary at index zero leaves no
		// complete word to emit.
		if i := strings.LastIndexAny(text, wordBoundaries); i > 0 {
			out = append(out, text[:i+1])
			b.pending = text[i+1:]
			return out
		}

		b.pending = text
		return out
	}

	return out
}

// segmentComplete is segment for text known to be complete (it precedes a
// directive): any residue is emitted instead of buffered.
func (b *Buffer) segmentComplete(text string) []string {
	out := b.segment(text)
	if b.pending != "" {
		out = append(out, b.pending)
		b.pending = ""
	}
	return out
}

// consumeDirective feeds s into the directive accumulator, tracking brace
// depth while skipping braces inside JSON strings. When the object closes
// it returns the full directive and the unconsumed remainder.
func (b *Buffer) consumeDirective(s string) (emitted, rest string, done bool) {
	b.inDirective = true

	for i := 0; i < len(s); i++ {
		c := s[i]
		b.directive.WriteByte(c)

		if b.inString {
			switch {
			case b.escaped:
				b.escaped = false
			case c == '\\':
				b.escaped = true
			case c == '"':
				b.inString = false
			}
			continue
		}

		switch c {
		case '"':
			b.inString = true
		case '{':
			b.depth++
		case '}':
			b.depth--
			if b.depth == 0 {
				emitted = b.directive.String()
				b.resetDirective()
				return emitted, s[i+1:], true
			}
		}
	}

	return "", "", false
}

func (b *Buffer) resetDirective() {
	b.inDirective = false
	b.directive.Reset()
	b.depth = 0
	b.inString = false
	b.escaped = false
}

func (b *Buffer) endings() string {
	if b.mode == ModePhrase {
		return phraseEndings
	}
	return sentenceEndings
}

func countAny(s, chars string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(chars, s[i]) >= 0 {
			n++
		}
	}
	return n
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n'
}
