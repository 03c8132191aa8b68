// Package tuner closes the feedback loop. It aggregates feedback on
// past query verdicts, derives bounded penalty adjustments, and applies
// them atomically to the per-scope tuning state.
package tuner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/floegence/evidra/internal/tuningstore"
	"github.com/floegence/evidra/internal/veracity"
)

type Tuner struct {
	store *tuningstore.Store
	log   *slog.Logger
}

func New(store *tuningstore.Store, logger *slog.Logger) *Tuner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Tuner{store: store, log: logger}
}

// ApplyOptions control one apply call.
type ApplyOptions struct {
	Project     string
	DryRun      bool
	Strength    float64
	SampleCount int
	Note        string
	Now         time.Time
}

// ApplyTuning adds the adjustments to the scope's cumulative state.
// With DryRun set it returns the state the apply would produce without
// persisting anything; a later read still sees the old state.
func (t *Tuner) ApplyTuning(ctx context.Context, adjustments map[veracity.FaultType]float64, opts ApplyOptions) (tuningstore.TuningState, error) {
	if t == nil || t.store == nil {
		return tuningstore.TuningState{}, errors.New("tuner not initialized")
	}
	project := strings.TrimSpace(opts.Project)
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	if opts.DryRun {
		current, err := t.store.GetState(ctx, project)
		if err != nil {
			return tuningstore.TuningState{}, err
		}
		merged := make(map[veracity.FaultType]float64, len(current.Deltas)+len(adjustments))
		for faultType, delta := range current.Deltas {
			merged[faultType] = delta
		}
		for faultType, delta := range adjustments {
			merged[faultType] += delta
		}
		t.log.Info("tuning dry run", "scope", scopeLabel(project), "adjustments", len(adjustments))
		return tuningstore.TuningState{
			Scope:           project,
			Deltas:          merged,
			TuningCount:     current.TuningCount + 1,
			UpdatedAtUnixMs: now.UnixMilli(),
		}, nil
	}

	state, err := t.store.ApplyAdjustments(ctx, project, adjustments, tuningstore.ApplyOptions{
		Strength:    opts.Strength,
		SampleCount: opts.SampleCount,
		Note:        opts.Note,
		NowUnixMs:   now.UnixMilli(),
	})
	if err != nil {
		return tuningstore.TuningState{}, err
	}
	t.log.Info("tuning applied", "scope", scopeLabel(project), "tuning_count", state.TuningCount)
	return state, nil
}

// GetCurrentTuning reads the cumulative adjustment state for a scope.
func (t *Tuner) GetCurrentTuning(ctx context.Context, project string) (tuningstore.TuningState, error) {
	if t == nil || t.store == nil {
		return tuningstore.TuningState{}, errors.New("tuner not initialized")
	}
	return t.store.GetState(ctx, strings.TrimSpace(project))
}

// EffectivePenalties resolves the penalties the validator should use
// for a scope: defaults plus the scope's cumulative deltas, clamped.
func (t *Tuner) EffectivePenalties(ctx context.Context, project string) (veracity.Penalties, error) {
	state, err := t.GetCurrentTuning(ctx, project)
	if err != nil {
		return nil, err
	}
	return veracity.EffectivePenalties(state.Deltas), nil
}

// RunOptions configure one end-to-end tuning run.
type RunOptions struct {
	Window     time.Duration
	Project    string
	MinSamples int
	Strength   float64
	DryRun     bool
	Note       string
	Now        time.Time
}

// RunResult reports what a tuning run saw and did.
type RunResult struct {
	Analysis    Analysis                       `json:"analysis"`
	Adjustments map[veracity.FaultType]float64 `json:"adjustments"`
	State       tuningstore.TuningState        `json:"state"`
	Applied     bool                           `json:"applied"`
}

// Run analyzes the feedback window, derives adjustments, and applies
// them. Insufficient data or an empty adjustment set leaves the stored
// state untouched.
func (t *Tuner) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	if t == nil || t.store == nil {
		return RunResult{}, errors.New("tuner not initialized")
	}

	analyzeOpts := AnalyzeOptions{
		Window:     opts.Window,
		Project:    opts.Project,
		MinSamples: opts.MinSamples,
		Now:        opts.Now,
	}
	adjustments, analysis, err := t.CalculateAdjustments(ctx, analyzeOpts, opts.Strength)
	if err != nil {
		return RunResult{}, err
	}
	res := RunResult{Analysis: analysis, Adjustments: adjustments}

	if analysis.Status != StatusOK {
		t.log.Warn("tuning skipped",
			"scope", scopeLabel(opts.Project),
			"status", analysis.Status,
			"samples", analysis.SampleCount,
			"min_samples", analysis.MinSamples)
		res.State, err = t.GetCurrentTuning(ctx, opts.Project)
		return res, err
	}
	if len(adjustments) == 0 {
		t.log.Info("tuning found no adjustments", "scope", scopeLabel(opts.Project), "samples", analysis.SampleCount)
		res.State, err = t.GetCurrentTuning(ctx, opts.Project)
		return res, err
	}

	res.State, err = t.ApplyTuning(ctx, adjustments, ApplyOptions{
		Project:     opts.Project,
		DryRun:      opts.DryRun,
		Strength:    clampStrength(opts.Strength),
		SampleCount: analysis.SampleCount,
		Note:        opts.Note,
		Now:         opts.Now,
	})
	if err != nil {
		return res, err
	}
	res.Applied = !opts.DryRun
	return res, nil
}

func scopeLabel(project string) string {
	project = strings.TrimSpace(project)
	if project == "" {
		return "global"
	}
	return project
}
