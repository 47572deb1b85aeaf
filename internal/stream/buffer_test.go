package stream

import (
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

// feed pushes fragments through a fresh buffer and returns every emitted
// chunk including the flush.
func feed(t *testing.T, cfg BufferConfig, fragments []string) []string {
	t.Helper()
	b := NewBuffer(cfg)
	var out []string
	for _, f := range fragments {
		out = append(out, b.Process(f)...)
	}
	return append(out, b.Flush()...)
}

// fragmentations returns every two-way split of s plus the byte-at-a-time
// split, covering the fragmentation space the chunking rules care about.
func fragmentations(s string) [][]string {
	var out [][]string
	for i := 1; i < len(s); i++ {
		out = append(out, []string{s[:i], s[i:]})
	}
	var bytewise []string
	for i := 0; i < len(s); i++ {
		bytewise = append(bytewise, s[i:i+1])
	}
	return append(out, bytewise)
}

// endsCleanly reports whether a chunk ends at a word or sentence boundary.
func endsCleanly(chunk string) bool {
	last := chunk[len(chunk)-1]
	return strings.IndexByte(sentenceEndings+wordBoundaries, last) >= 0
}

func TestProcessSingleSentence(t *testing.T) {
	t.Parallel()

	got := feed(t, BufferConfig{}, []string{"Hel", "lo wo", "rld!"})
	if joined := strings.Join(got, ""); joined != "Hello world!" {
		t.Fatalf("concatenation mismatch: %q", joined)
	}
	for _, chunk := range got {
		if strings.Contains(chunk, "Hello") && !strings.HasPrefix(chunk, "Hello") {
			t.Fatalf("chunk splits 'Hello': %q", chunk)
		}
		if strings.Contains(chunk, "world") && !strings.Contains(chunk, "world!") {
			t.Fatalf("chunk splits 'world': %q", chunk)
		}
	}
}

func TestProcessNeverSplitsWords(t *testing.T) {
	t.Parallel()

	const text = "The quick brown fox jumps. Over the lazy dog! Really? Yes, truly."

	for _, frags := range fragmentations(text) {
		got := feed(t, BufferConfig{}, frags)

		if joined := strings.Join(got, ""); joined != text {
			t.Fatalf("lost or reordered content for %d fragments: %q", len(frags), joined)
		}
		// Every chunk except the final flush must end cleanly.
		for i, chunk := range got[:len(got)-1] {
			if !endsCleanly(chunk) {
				t.Fatalf("chunk %d ends mid-word: %q (fragments %d)", i, chunk, len(frags))
			}
		}
	}
}

func TestProcessOrderingPreserved(t *testing.T) {
	t.Parallel()

	const text = "alpha beta: gamma; delta\nepsilon zeta"

	for _, mode := range []Mode{ModeSentence, ModePhrase} {
		for _, frags := range fragmentations(text) {
			got := feed(t, BufferConfig{Mode: mode}, frags)
			if joined := strings.Join(got, ""); joined != text {
				t.Fatalf("mode %d: concatenation mismatch: %q", mode, joined)
			}
		}
	}
}

func TestDirectiveEmittedAtomically(t *testing.T) {
	t.Parallel()

	const directive = `{"m":"spawn","entity":"dragon","count":2}`
	const text = "A dragon appears. " + directive + " It roars loudly."

	for _, frags := range fragmentations(text) {
		got := feed(t, BufferConfig{Logger: zaptest.NewLogger(t)}, frags)

		if joined := strings.Join(got, ""); joined != text {
			t.Fatalf("concatenation mismatch: %q", joined)
		}

		found := 0
		for _, chunk := range got {
			if chunk == directive {
				found++
				if !json.Valid([]byte(chunk)) {
					t.Fatalf("directive chunk is not valid JSON: %q", chunk)
				}
			} else if strings.Contains(chunk, `"m"`) {
				t.Fatalf("directive fragment leaked into plain chunk: %q", chunk)
			}
		}
		if found != 1 {
			t.Fatalf("directive emitted %d times across %d fragments", found, len(frags))
		}
	}
}

func TestDirectiveWithNestedBracesAndStrings(t *testing.T) {
	t.Parallel()

	const directive = `{"m":"emote","data":{"text":"say \"hi\" {now}","nested":{"x":1}}}`

	for _, frags := range fragmentations(directive) {
		got := feed(t, BufferConfig{}, frags)
		if len(got) != 1 || got[0] != directive {
			t.Fatalf("expected single atomic chunk, got %q", got)
		}
	}
}

func TestDirectiveScenario(t *testing.T) {
	t.Parallel()

	b := NewBuffer(BufferConfig{})

	first := b.Process(`spawn: {"m":"sp`)
	if len(first) != 1 || first[0] != "spawn: " {
		t.Fatalf("first fragment: got %q", first)
	}

	second := b.Process(`awn"}`)
	if len(second) != 1 || second[0] != `{"m":"spawn"}` {
		t.Fatalf("second fragment: got %q", second)
	}

	third := b.Process(" done")
	if len(third) != 0 {
		t.Fatalf("trailing partial word emitted early: %q", third)
	}

	flushed := b.Flush()
	if len(flushed) != 1 || flushed[0] != " done" {
		t.Fatalf("flush: got %q", flushed)
	}
}

func TestSplitDirectivesDisablesDetection(t *testing.T) {
	t.Parallel()

	const text = `before {"m":"spawn"} after.`
	got := feed(t, BufferConfig{SplitDirectives: true}, []string{text})

	if joined := strings.Join(got, ""); joined != text {
		t.Fatalf("concatenation mismatch: %q", joined)
	}
	for _, chunk := range got {
		if chunk == `{"m":"spawn"}` {
			t.Fatalf("directive preserved despite SplitDirectives: %q", got)
		}
	}
}

func TestPhraseModeEmitsAtColon(t *testing.T) {
	t.Parallel()

	b := NewBuffer(BufferConfig{Mode: ModePhrase})
	got := b.Process("first: second")
	if len(got) == 0 || got[0] != "first: " {
		t.Fatalf("expected phrase break at colon, got %q", got)
	}
}

func TestFlushUnterminatedDirective(t *testing.T) {
	t.Parallel()

	b := NewBuffer(BufferConfig{Logger: zaptest.NewLogger(t)})
	if got := b.Process(`{"m":"spawn","unclosed":`); len(got) != 0 {
		t.Fatalf("incomplete directive emitted early: %q", got)
	}

	flushed := b.Flush()
	if len(flushed) != 1 || flushed[0] != `{"m":"spawn","unclosed":` {
		t.Fatalf("flush should emit raw unterminated directive, got %q", flushed)
	}

	// The buffer is reusable after the flush reset.
	if got := feed(t, BufferConfig{}, []string{"ok. "}); len(got) != 1 {
		t.Fatalf("buffer not reusable: %q", got)
	}
}

func TestFlushEmptyBuffer(t *testing.T) {
	t.Parallel()

	b := NewBuffer(BufferConfig{})
	if got := b.Flush(); len(got) != 0 {
		t.Fatalf("empty flush emitted %q", got)
	}
}

func TestBackToBackDirectives(t *testing.T) {
	t.Parallel()

	const text = `{"m":"a"}{"m":"b"}`
	got := feed(t, BufferConfig{}, []string{text})
	if len(got) != 2 || got[0] != `{"m":"a"}` || got[1] != `{"m":"b"}` {
		t.Fatalf("expected two atomic directives, got %q", got)
	}
}
