// Package pipeline wires the evidence integrity stages together:
// artifact scanning, provenance gating, chunking, veracity validation,
// packet assembly and contract checks, audit, and the feedback loop
// that tunes validator penalties.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/floegence/evidra/internal/auditlog"
	"github.com/floegence/evidra/internal/chunker"
	"github.com/floegence/evidra/internal/config"
	"github.com/floegence/evidra/internal/provenance"
	"github.com/floegence/evidra/internal/tokenize"
	"github.com/floegence/evidra/internal/tuner"
	"github.com/floegence/evidra/internal/tuningstore"
	"github.com/floegence/evidra/internal/veracity"
)

type Options struct {
	Config *config.Config
	// ConfigPath is the path used to load the config file (used to
	// derive the state dir when the config has no explicit override).
	ConfigPath string

	// Logger overrides the one built from the config (tests).
	Logger *slog.Logger

	Version string
}

type Pipeline struct {
	cfg *config.Config
	log *slog.Logger

	version  string
	project  string
	stateDir string

	profiles *chunker.ProfileSet
	tracker  *provenance.Tracker
	tokens   tokenize.Counter

	store *tuningstore.Store
	tuner *tuner.Tuner
	audit *auditlog.Store
}

func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		l, err := newLogger(strings.TrimSpace(opts.Config.LogFormat), strings.TrimSpace(opts.Config.LogLevel))
		if err != nil {
			return nil, err
		}
		logger = l
	}

	stateDir := strings.TrimSpace(opts.Config.StateDir)
	if stateDir == "" {
		cfgPath := strings.TrimSpace(opts.ConfigPath)
		if cfgPath == "" {
			cfgPath = config.DefaultConfigPath()
		}
		abs, err := filepath.Abs(cfgPath)
		if err != nil {
			return nil, err
		}
		stateDir = filepath.Dir(abs)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}

	profiles, err := chunker.LoadProfiles(strings.TrimSpace(opts.Config.ChunkProfilePath))
	if err != nil {
		return nil, fmt.Errorf("load chunk profiles: %w", err)
	}
	tracker, err := provenance.NewTracker(0)
	if err != nil {
		return nil, err
	}

	store, err := tuningstore.Open(filepath.Join(stateDir, "tuning.db"))
	if err != nil {
		return nil, fmt.Errorf("init tuning store: %w", err)
	}
	audit, err := auditlog.New(auditlog.Options{
		Logger:     logger,
		StateDir:   stateDir,
		MaxBytes:   opts.Config.AuditMaxBytes,
		MaxBackups: opts.Config.AuditMaxBackups,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init audit log: %w", err)
	}

	return &Pipeline{
		cfg:      opts.Config,
		log:      logger,
		version:  strings.TrimSpace(opts.Version),
		project:  strings.TrimSpace(opts.Config.Project),
		stateDir: stateDir,
		profiles: profiles,
		tracker:  tracker,
		tokens:   tokenize.Fallback(strings.TrimSpace(opts.Config.Tokenizer)),
		store:    store,
		tuner:    tuner.New(store, logger),
		audit:    audit,
	}, nil
}

func (p *Pipeline) Close() error {
	if p == nil || p.store == nil {
		return nil
	}
	return p.store.Close()
}

func (p *Pipeline) Logger() *slog.Logger {
	if p == nil {
		return nil
	}
	return p.log
}

func (p *Pipeline) StateDir() string {
	if p == nil {
		return ""
	}
	return p.stateDir
}

// Tune runs one feedback-driven tuning pass for the configured scope.
func (p *Pipeline) Tune(ctx context.Context, opts tuner.RunOptions) (tuner.RunResult, error) {
	if p == nil || p.tuner == nil {
		return tuner.RunResult{}, errors.New("pipeline not initialized")
	}
	if strings.TrimSpace(opts.Project) == "" {
		opts.Project = p.project
	}
	if opts.Window <= 0 && p.cfg.TuningWindowDays > 0 {
		opts.Window = daysToDuration(p.cfg.TuningWindowDays)
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = p.cfg.TuningMinSamples
	}
	if opts.Strength <= 0 && p.cfg.TuningStrength > 0 {
		opts.Strength = p.cfg.TuningStrength
	}

	res, err := p.tuner.Run(ctx, opts)
	if err != nil {
		return res, err
	}
	if res.Applied {
		p.audit.Append(auditlog.Entry{
			Action:  "tuning_applied",
			Project: scopeOrGlobal(opts.Project),
			Detail: map[string]any{
				"tuning_count": res.State.TuningCount,
				"adjustments":  res.Adjustments,
				"samples":      res.Analysis.SampleCount,
			},
		})
	}
	return res, nil
}

// CurrentTuning reads the cumulative tuning state for a scope. An empty
// project falls back to the configured one.
func (p *Pipeline) CurrentTuning(ctx context.Context, project string) (tuningstore.TuningState, error) {
	if p == nil || p.tuner == nil {
		return tuningstore.TuningState{}, errors.New("pipeline not initialized")
	}
	if strings.TrimSpace(project) == "" {
		project = p.project
	}
	return p.tuner.GetCurrentTuning(ctx, project)
}

// AuditTrail lists recent audit entries, newest first.
func (p *Pipeline) AuditTrail(project, action string, limit int) ([]auditlog.Entry, error) {
	if p == nil || p.audit == nil {
		return nil, errors.New("pipeline not initialized")
	}
	return p.audit.ListFiltered(project, action, limit)
}

func (p *Pipeline) effectivePenalties(ctx context.Context, project string) veracity.Penalties {
	if p == nil || p.tuner == nil {
		return veracity.EffectivePenalties(nil)
	}
	penalties, err := p.tuner.EffectivePenalties(ctx, project)
	if err != nil {
		p.log.Warn("failed to read tuning state, using default penalties", "error", err)
		return veracity.EffectivePenalties(nil)
	}
	return penalties
}

func scopeOrGlobal(project string) string {
	project = strings.TrimSpace(project)
	if project == "" {
		return "global"
	}
	return project
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
