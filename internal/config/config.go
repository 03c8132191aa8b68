package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/evidra/internal/veracity"
)

// Config is the on-disk configuration for evidra.
type Config struct {
	// Project scopes verdicts, feedback, and tuning state. Empty means
	// the global scope.
	Project string `json:"project,omitempty"`

	// RootDir is the filesystem root scanned during ingest.
	// If empty, the current working directory is used.
	RootDir string `json:"root_dir,omitempty"`

	// StateDir overrides where the tuning database, audit log, and lock
	// file live. If empty, the directory of the config file is used.
	StateDir string `json:"state_dir,omitempty"`

	// ChunkProfilePath points at an optional YAML file overriding the
	// built-in per-extension chunking profiles.
	ChunkProfilePath string `json:"chunk_profile_path,omitempty"`

	// Tokenizer names the BPE encoding used for chunk token counts.
	// Empty selects a local heuristic that needs no downloads.
	Tokenizer string `json:"tokenizer,omitempty"`

	// MaxFileBytes caps the size of a single ingested artifact.
	MaxFileBytes int64 `json:"max_file_bytes,omitempty"`

	// AuditMaxBytes and AuditMaxBackups bound the packet audit log.
	AuditMaxBytes   int64 `json:"audit_max_bytes,omitempty"`
	AuditMaxBackups int   `json:"audit_max_backups,omitempty"`

	// Validator threshold overrides. Zero keeps the default.
	StalenessDays     int `json:"staleness_days,omitempty"`
	OrphanThreshold   int `json:"orphan_threshold,omitempty"`
	ContradictionDays int `json:"contradiction_days,omitempty"`
	MinResults        int `json:"min_results,omitempty"`

	// Tuning run knobs. Zero keeps the default.
	TuningWindowDays int     `json:"tuning_window_days,omitempty"`
	TuningMinSamples int     `json:"tuning_min_samples,omitempty"`
	TuningStrength   float64 `json:"tuning_strength,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log_format: %s", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level: %s", c.LogLevel)
	}
	if c.MaxFileBytes < 0 {
		return errors.New("max_file_bytes must not be negative")
	}
	if c.AuditMaxBytes < 0 || c.AuditMaxBackups < 0 {
		return errors.New("audit limits must not be negative")
	}
	if c.StalenessDays < 0 || c.OrphanThreshold < 0 || c.ContradictionDays < 0 || c.MinResults < 0 {
		return errors.New("validator thresholds must not be negative")
	}
	if c.TuningWindowDays < 0 || c.TuningMinSamples < 0 {
		return errors.New("tuning window and min samples must not be negative")
	}
	if c.TuningStrength < 0 || c.TuningStrength > 1 {
		return errors.New("tuning_strength must be within [0,1]")
	}
	return nil
}

// Thresholds maps the configured overrides onto the validator defaults.
func (c *Config) Thresholds() veracity.Thresholds {
	t := veracity.DefaultThresholds()
	if c == nil {
		return t
	}
	if c.StalenessDays > 0 {
		t.StalenessDays = c.StalenessDays
	}
	if c.OrphanThreshold > 0 {
		t.OrphanThreshold = c.OrphanThreshold
	}
	if c.ContradictionDays > 0 {
		t.ContradictionDays = c.ContradictionDays
	}
	if c.MinResults > 0 {
		t.MinResults = c.MinResults
	}
	return t
}

// DefaultConfigPath returns the default config path:
//
//	~/.evidra/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "evidra.config.json"
	}
	return filepath.Join(home, ".evidra", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
