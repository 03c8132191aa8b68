package chunker

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Strategy selects where chunk boundaries prefer to land.
type Strategy string

const (
	StrategyFixed     Strategy = "FIXED"
	StrategyLine      Strategy = "LINE"
	StrategySentence  Strategy = "SENTENCE"
	StrategyParagraph Strategy = "PARAGRAPH"
)

// ErrInvalidConfig marks configuration rejected before any chunking runs.
var ErrInvalidConfig = errors.New("invalid chunk config")

// Config controls how one document is split.
type Config struct {
	ChunkSize    int      `yaml:"chunk_size" json:"chunk_size"`
	Overlap      int      `yaml:"overlap" json:"overlap"`
	MinChunkSize int      `yaml:"min_chunk_size" json:"min_chunk_size"`
	Strategy     Strategy `yaml:"split_strategy" json:"split_strategy"`
}

func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidConfig, c.ChunkSize)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("%w: overlap must not be negative, got %d", ErrInvalidConfig, c.Overlap)
	}
	if c.Overlap >= c.ChunkSize {
		return fmt.Errorf("%w: overlap %d must be smaller than chunk_size %d", ErrInvalidConfig, c.Overlap, c.ChunkSize)
	}
	if c.MinChunkSize < 0 {
		return fmt.Errorf("%w: min_chunk_size must not be negative, got %d", ErrInvalidConfig, c.MinChunkSize)
	}
	if c.MinChunkSize > c.ChunkSize {
		return fmt.Errorf("%w: min_chunk_size %d must not exceed chunk_size %d", ErrInvalidConfig, c.MinChunkSize, c.ChunkSize)
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	return nil
}

func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(raw))) {
	case StrategyFixed:
		return StrategyFixed, nil
	case StrategyLine:
		return StrategyLine, nil
	case StrategySentence:
		return StrategySentence, nil
	case StrategyParagraph:
		return StrategyParagraph, nil
	default:
		return "", fmt.Errorf("%w: unknown split_strategy %q", ErrInvalidConfig, raw)
	}
}

// DefaultConfig is the generic profile applied when no extension matches.
var DefaultConfig = Config{
	ChunkSize:    1200,
	Overlap:      200,
	MinChunkSize: 100,
	Strategy:     StrategyFixed,
}

var builtinProfiles = map[string]Config{
	".md":   {ChunkSize: 1600, Overlap: 240, MinChunkSize: 120, Strategy: StrategyParagraph},
	".rst":  {ChunkSize: 1600, Overlap: 240, MinChunkSize: 120, Strategy: StrategyParagraph},
	".adoc": {ChunkSize: 1600, Overlap: 240, MinChunkSize: 120, Strategy: StrategyParagraph},
	".txt":  {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategySentence},

	".go":    {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".py":    {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".js":    {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".jsx":   {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".ts":    {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".tsx":   {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".java":  {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".rs":    {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".c":     {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".h":     {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".cpp":   {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".cs":    {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".rb":    {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".sh":    {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".sql":   {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".json":  {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".yaml":  {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".yml":   {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".toml":  {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
	".proto": {ChunkSize: 1200, Overlap: 200, MinChunkSize: 100, Strategy: StrategyLine},
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// ProfileFor returns the builtin config for a file extension, falling
// back to DefaultConfig when the extension is unknown.
func ProfileFor(ext string) Config {
	if cfg, ok := builtinProfiles[normalizeExt(ext)]; ok {
		return cfg
	}
	return DefaultConfig
}

// ProfileForPath is ProfileFor keyed by the path's extension.
func ProfileForPath(path string) Config {
	return ProfileFor(filepath.Ext(strings.TrimSpace(path)))
}
