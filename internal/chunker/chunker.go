// Package chunker splits document text into deterministic, overlapping
// chunks. Boundaries prefer natural break points near the target size;
// identical input always yields identical chunk ids.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/floegence/evidra/internal/provenance"
	"github.com/floegence/evidra/internal/tokenize"
)

// Chunk is one retrievable slice of a source document. Offsets count
// runes from the start of the document text.
type Chunk struct {
	ChunkID     string `json:"chunk_id"`
	ChunkIndex  int    `json:"chunk_index"`
	SourcePath  string `json:"source_path"`
	Project     string `json:"project"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	Text        string `json:"text"`
	ContentHash string `json:"content_hash"`
	CharCount   int    `json:"char_count"`
	LineCount   int    `json:"line_count"`
	TokenCount  int    `json:"token_count,omitempty"`
}

// Chunker splits text under one validated config.
type Chunker struct {
	cfg    Config
	tokens tokenize.Counter
}

// New validates cfg and returns a Chunker. tokens may be nil, in which
// case chunks carry no token counts.
func New(cfg Config, tokens tokenize.Counter) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg, tokens: tokens}, nil
}

// ChunkText splits text into chunks. Empty text yields no chunks. The
// chunk spans cover the whole text with no gaps, and adjacent chunks
// share at most the configured overlap.
func (c *Chunker) ChunkText(text, sourcePath, project string) ([]Chunk, error) {
	if c == nil {
		return nil, errors.New("nil chunker")
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	sourcePath = strings.TrimSpace(sourcePath)
	project = strings.TrimSpace(project)
	if text == "" {
		return nil, nil
	}

	runes := []rune(text)
	spans := c.spans(len(runes), splitCandidates(runes, c.cfg.Strategy))
	chunks := make([]Chunk, 0, len(spans))
	for i, sp := range spans {
		body := string(runes[sp.start:sp.end])
		contentHash := provenance.ComputeTextHash(body)
		chunk := Chunk{
			ChunkID:     chunkID(sourcePath, i, contentHash),
			ChunkIndex:  i,
			SourcePath:  sourcePath,
			Project:     project,
			StartOffset: sp.start,
			EndOffset:   sp.end,
			Text:        body,
			ContentHash: contentHash,
			CharCount:   sp.end - sp.start,
			LineCount:   countLines(body),
		}
		if c.tokens != nil {
			chunk.TokenCount = c.tokens.Count(body)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// RechunkIfChanged skips the split entirely when previousHash already
// matches the normalized hash of text. It reports whether new chunks
// were produced.
func (c *Chunker) RechunkIfChanged(text, sourcePath, project, previousHash string) ([]Chunk, bool, error) {
	if strings.TrimSpace(previousHash) == provenance.ComputeTextHash(text) {
		return nil, false, nil
	}
	chunks, err := c.ChunkText(text, sourcePath, project)
	if err != nil {
		return nil, false, err
	}
	return chunks, true, nil
}

type span struct {
	start int
	end   int
}

func (c *Chunker) spans(n int, candidates []int) []span {
	if n <= 0 {
		return nil
	}
	if n <= c.cfg.ChunkSize {
		return []span{{0, n}}
	}

	tol := snapTolerance(c.cfg)
	var out []span
	start := 0
	for {
		target := start + c.cfg.ChunkSize
		if target >= n {
			out = append(out, span{start, n})
			break
		}
		lo := target - tol
		if m := start + c.cfg.MinChunkSize; lo < m {
			lo = m
		}
		if lo <= start {
			lo = start + 1
		}
		hi := target + tol
		if hi > n {
			hi = n
		}
		end := target
		if snapped, ok := snapIndex(candidates, target, lo, hi); ok {
			end = snapped
		}
		if end >= n {
			out = append(out, span{start, n})
			break
		}
		out = append(out, span{start, end})
		next := end - c.cfg.Overlap
		if next < 0 {
			next = 0
		}
		start = next
	}

	// Fold a too-short tail into the previous chunk.
	if len(out) >= 2 {
		last := out[len(out)-1]
		if last.end-last.start < c.cfg.MinChunkSize {
			out[len(out)-2].end = n
			out = out[:len(out)-1]
		}
	}
	return out
}

// snapTolerance bounds how far a boundary may drift from the target
// size. It stays below chunk_size-overlap so every chunk strictly
// advances past the previous start.
func snapTolerance(cfg Config) int {
	tol := cfg.ChunkSize * 15 / 100
	if max := cfg.ChunkSize - cfg.Overlap - 1; tol > max {
		tol = max
	}
	if tol < 0 {
		tol = 0
	}
	return tol
}

// snapIndex picks the candidate nearest to target within [lo, hi].
// Ties prefer the earlier candidate.
func snapIndex(candidates []int, target, lo, hi int) (int, bool) {
	if len(candidates) == 0 || lo > hi {
		return 0, false
	}
	i := sort.SearchInts(candidates, target)
	best := -1
	if i < len(candidates) {
		if c := candidates[i]; c >= lo && c <= hi {
			best = c
		}
	}
	if i > 0 {
		if c := candidates[i-1]; c >= lo && c <= hi {
			if best < 0 || target-c <= best-target {
				best = c
			}
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// splitCandidates lists the rune offsets where a chunk may end: after a
// newline for LINE, after terminal punctuation for SENTENCE, after a
// blank line for PARAGRAPH. FIXED has no candidates.
func splitCandidates(runes []rune, strategy Strategy) []int {
	n := len(runes)
	var out []int
	switch strategy {
	case StrategyLine:
		for i := 0; i < n; i++ {
			if runes[i] == '\n' {
				out = append(out, i+1)
			}
		}
	case StrategySentence:
		for i := 0; i < n; i++ {
			switch runes[i] {
			case '.', '!', '?':
				if i+1 < n && isSpaceRune(runes[i+1]) {
					out = append(out, i+1)
				}
			}
		}
	case StrategyParagraph:
		for i := 0; i+1 < n; i++ {
			if runes[i] == '\n' && runes[i+1] == '\n' {
				out = append(out, i+2)
			}
		}
	}
	return out
}

func isSpaceRune(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

func chunkID(sourcePath string, index int, contentHash string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", sourcePath, index, contentHash)))
	return hex.EncodeToString(sum[:])
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	return strings.Count(text, "\n") + 1
}
