package chunker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type profileEntry struct {
	ChunkSize     *int   `yaml:"chunk_size"`
	Overlap       *int   `yaml:"overlap"`
	MinChunkSize  *int   `yaml:"min_chunk_size"`
	SplitStrategy string `yaml:"split_strategy"`
}

type profileFile struct {
	Default  *profileEntry           `yaml:"default"`
	Profiles map[string]profileEntry `yaml:"profiles"`
}

// ProfileSet resolves a chunking config per file extension.
type ProfileSet struct {
	def   Config
	byExt map[string]Config
}

// DefaultProfiles returns the builtin profile table.
func DefaultProfiles() *ProfileSet {
	byExt := make(map[string]Config, len(builtinProfiles))
	for ext, cfg := range builtinProfiles {
		byExt[ext] = cfg
	}
	return &ProfileSet{def: DefaultConfig, byExt: byExt}
}

// LoadProfiles reads extension overrides from a YAML file and layers
// them over the builtin table. An empty path returns the builtins. Every
// resulting profile is validated before the set is returned.
func LoadProfiles(path string) (*ProfileSet, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultProfiles(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file profileFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%s: parse chunk profiles: %w", path, err)
	}

	set := DefaultProfiles()
	if file.Default != nil {
		def, err := mergeProfile(set.def, *file.Default)
		if err != nil {
			return nil, fmt.Errorf("%s: default profile: %w", path, err)
		}
		set.def = def
	}

	exts := make([]string, 0, len(file.Profiles))
	for ext := range file.Profiles {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		key := normalizeExt(ext)
		if key == "" {
			return nil, fmt.Errorf("%s: %w: empty profile extension", path, ErrInvalidConfig)
		}
		cfg, err := mergeProfile(set.def, file.Profiles[ext])
		if err != nil {
			return nil, fmt.Errorf("%s: profile %s: %w", path, key, err)
		}
		set.byExt[key] = cfg
	}
	return set, nil
}

// mergeProfile fills unset entry fields from base, then validates.
func mergeProfile(base Config, entry profileEntry) (Config, error) {
	cfg := base
	if entry.ChunkSize != nil {
		cfg.ChunkSize = *entry.ChunkSize
	}
	if entry.Overlap != nil {
		cfg.Overlap = *entry.Overlap
	}
	if entry.MinChunkSize != nil {
		cfg.MinChunkSize = *entry.MinChunkSize
	}
	if raw := strings.TrimSpace(entry.SplitStrategy); raw != "" {
		strategy, err := ParseStrategy(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.Strategy = strategy
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// For returns the config for a file extension.
func (p *ProfileSet) For(ext string) Config {
	if p == nil {
		return DefaultConfig
	}
	if cfg, ok := p.byExt[normalizeExt(ext)]; ok {
		return cfg
	}
	return p.def
}

// ForPath returns the config for a path's extension.
func (p *ProfileSet) ForPath(path string) Config {
	return p.For(filepath.Ext(strings.TrimSpace(path)))
}
