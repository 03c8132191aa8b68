package chunker

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/floegence/evidra/internal/provenance"
	"github.com/floegence/evidra/internal/tokenize"
)

func mustChunker(t *testing.T, cfg Config) *Chunker {
	t.Helper()
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	return c
}

func assertCoverage(t *testing.T, chunks []Chunk, totalRunes, overlap int) {
	t.Helper()
	if len(chunks) == 0 {
		t.Fatalf("expected chunks for %d runes", totalRunes)
	}
	if chunks[0].StartOffset != 0 {
		t.Fatalf("first chunk starts at %d, expected 0", chunks[0].StartOffset)
	}
	if last := chunks[len(chunks)-1]; last.EndOffset != totalRunes {
		t.Fatalf("last chunk ends at %d, expected %d", last.EndOffset, totalRunes)
	}
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		if cur.StartOffset > prev.EndOffset {
			t.Fatalf("gap between chunk %d and %d: %d > %d", i-1, i, cur.StartOffset, prev.EndOffset)
		}
		if got := prev.EndOffset - cur.StartOffset; got > overlap {
			t.Fatalf("overlap between chunk %d and %d is %d, limit %d", i-1, i, got, overlap)
		}
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{ChunkSize: 10, Overlap: 10, Strategy: StrategyFixed}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestChunkText_SingleChunkWhenShort(t *testing.T) {
	t.Parallel()

	c := mustChunker(t, DefaultConfig)
	chunks, err := c.ChunkText("hello", "notes.txt", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	got := chunks[0]
	if got.StartOffset != 0 || got.EndOffset != 5 || got.Text != "hello" {
		t.Fatalf("unexpected chunk: %+v", got)
	}
	if got.ContentHash != provenance.ComputeTextHash("hello") {
		t.Fatalf("content hash mismatch: %s", got.ContentHash)
	}
	if len(got.ChunkID) != 64 {
		t.Fatalf("expected sha256 hex chunk id, got %q", got.ChunkID)
	}
	if got.SourcePath != "notes.txt" || got.Project != "demo" {
		t.Fatalf("source fields lost: %+v", got)
	}
}

func TestChunkText_EmptyTextYieldsNoChunks(t *testing.T) {
	t.Parallel()

	c := mustChunker(t, DefaultConfig)
	chunks, err := c.ChunkText("", "empty.txt", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
}

func TestChunkText_CoversLongDocumentWithOverlap(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("A", 3000)
	c := mustChunker(t, DefaultConfig)
	chunks, err := c.ChunkText(text, "big.txt", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks for 3000 runes at size 1200, got %d", len(chunks))
	}
	assertCoverage(t, chunks, 3000, DefaultConfig.Overlap)

	wantSpans := [][2]int{{0, 1200}, {1000, 2200}, {2000, 3000}}
	for i, want := range wantSpans {
		if chunks[i].StartOffset != want[0] || chunks[i].EndOffset != want[1] {
			t.Fatalf("chunk %d span = [%d,%d), want [%d,%d)", i, chunks[i].StartOffset, chunks[i].EndOffset, want[0], want[1])
		}
	}
	for i, ch := range chunks {
		if ch.ChunkIndex != i {
			t.Fatalf("chunk %d carries index %d", i, ch.ChunkIndex)
		}
		if ch.CharCount != ch.EndOffset-ch.StartOffset {
			t.Fatalf("chunk %d char count %d does not match span", i, ch.CharCount)
		}
	}
}

func TestChunkText_DeterministicIDs(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("A", 3000)
	c := mustChunker(t, DefaultConfig)
	first, err := c.ChunkText(text, "big.txt", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	second, err := c.ChunkText(text, "big.txt", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("chunking is not deterministic")
	}

	// Identical chunk text at different positions still gets distinct ids.
	if first[0].ContentHash != first[1].ContentHash {
		t.Fatalf("expected equal content hashes for repeated text")
	}
	if first[0].ChunkID == first[1].ChunkID {
		t.Fatalf("chunk ids must differ across indexes")
	}

	// A different source path changes every id.
	moved, err := c.ChunkText(text, "other.txt", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	if moved[0].ChunkID == first[0].ChunkID {
		t.Fatalf("chunk id must depend on source path")
	}
}

func TestChunkText_LineStrategyEndsChunksAtNewlines(t *testing.T) {
	t.Parallel()

	text := strings.Repeat(strings.Repeat("x", 39)+"\n", 100)
	c := mustChunker(t, Config{ChunkSize: 1000, Overlap: 100, MinChunkSize: 50, Strategy: StrategyLine})
	chunks, err := c.ChunkText(text, "main.go", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	assertCoverage(t, chunks, 4000, 100)
	for i, ch := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(ch.Text, "\n") {
			t.Fatalf("chunk %d does not end at a line boundary: %q", i, ch.Text[len(ch.Text)-10:])
		}
	}
}

func TestChunkText_SentenceStrategyEndsChunksAtSentences(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("word word word word word end. ", 20)
	c := mustChunker(t, Config{ChunkSize: 200, Overlap: 30, MinChunkSize: 20, Strategy: StrategySentence})
	chunks, err := c.ChunkText(text, "guide.txt", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	assertCoverage(t, chunks, utf8.RuneCountInString(text), 30)
	for i, ch := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(ch.Text, ".") {
			t.Fatalf("chunk %d does not end at a sentence: %q", i, ch.Text)
		}
	}
}

func TestChunkText_ParagraphStrategyEndsChunksAtBlankLines(t *testing.T) {
	t.Parallel()

	text := strings.Repeat(strings.Repeat("p", 98)+"\n\n", 30)
	c := mustChunker(t, Config{ChunkSize: 800, Overlap: 100, MinChunkSize: 50, Strategy: StrategyParagraph})
	chunks, err := c.ChunkText(text, "readme.md", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	assertCoverage(t, chunks, 3000, 100)
	for i, ch := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(ch.Text, "\n\n") {
			t.Fatalf("chunk %d does not end at a paragraph boundary", i)
		}
	}
}

func TestChunkText_FoldsShortTailIntoPreviousChunk(t *testing.T) {
	t.Parallel()

	cfg := Config{ChunkSize: 100, Overlap: 0, MinChunkSize: 30, Strategy: StrategyFixed}
	c := mustChunker(t, cfg)

	chunks, err := c.ChunkText(strings.Repeat("B", 110), "tail.txt", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected the 10-rune tail folded into one chunk, got %d chunks", len(chunks))
	}
	if chunks[0].EndOffset != 110 || chunks[0].CharCount != 110 {
		t.Fatalf("folded chunk does not cover the text: %+v", chunks[0])
	}

	// A tail at or above the minimum stays separate.
	chunks, err = c.ChunkText(strings.Repeat("B", 150), "tail.txt", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	assertCoverage(t, chunks, 150, 0)
}

func TestChunkText_OffsetsCountRunes(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("é", 1500)
	c := mustChunker(t, Config{ChunkSize: 1000, Overlap: 100, Strategy: StrategyFixed})
	chunks, err := c.ChunkText(text, "accents.txt", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].EndOffset != 1000 || utf8.RuneCountInString(chunks[0].Text) != 1000 {
		t.Fatalf("offsets must count runes: %+v", chunks[0])
	}
	if chunks[1].StartOffset != 900 || chunks[1].EndOffset != 1500 {
		t.Fatalf("unexpected second span: %+v", chunks[1])
	}
}

func TestChunkText_CountsTokensWhenCounterSet(t *testing.T) {
	t.Parallel()

	c, err := New(DefaultConfig, tokenize.Heuristic{})
	if err != nil {
		t.Fatalf("new chunker: %v", err)
	}
	chunks, err := c.ChunkText(strings.Repeat("A", 3000), "big.txt", "demo")
	if err != nil {
		t.Fatalf("chunk text: %v", err)
	}
	for i, ch := range chunks {
		if ch.TokenCount <= 0 {
			t.Fatalf("chunk %d missing token count: %+v", i, ch)
		}
	}
}

func TestRechunkIfChanged_SkipsWhenHashMatches(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("line one\nline two\n", 200)
	c := mustChunker(t, DefaultConfig)

	prev := provenance.ComputeTextHash(text)
	chunks, changed, err := c.RechunkIfChanged(text, "a.txt", "demo", prev)
	if err != nil {
		t.Fatalf("rechunk: %v", err)
	}
	if changed || chunks != nil {
		t.Fatalf("expected skip for matching hash, got changed=%v chunks=%d", changed, len(chunks))
	}

	// Line-ending drift alone does not count as a change.
	crlf := strings.ReplaceAll(text, "\n", "\r\n")
	chunks, changed, err = c.RechunkIfChanged(crlf, "a.txt", "demo", prev)
	if err != nil {
		t.Fatalf("rechunk: %v", err)
	}
	if changed || chunks != nil {
		t.Fatalf("expected skip for normalized-equal text, got changed=%v", changed)
	}
}

func TestRechunkIfChanged_RechunksOnMismatch(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("A", 3000)
	c := mustChunker(t, DefaultConfig)
	chunks, changed, err := c.RechunkIfChanged(text, "a.txt", "demo", "stale-hash")
	if err != nil {
		t.Fatalf("rechunk: %v", err)
	}
	if !changed {
		t.Fatalf("expected changed=true for differing hash")
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
}
