package tuningstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/floegence/evidra/internal/veracity"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tuning.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_MigratesAndReopens(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tuning.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	state, err := s.GetState(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.TuningCount != 0 || len(state.Deltas) != 0 {
		t.Fatalf("expected zero state, got %+v", state)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening runs the migration again without error.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetState(context.Background(), ""); err != nil {
		t.Fatalf("get state after reopen: %v", err)
	}
}

func TestAppendFeedback_ValidatesAndNormalizes(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	if _, err := s.AppendFeedback(ctx, FeedbackEvent{Verdict: VerdictCorrect}); err == nil {
		t.Fatalf("expected error for missing query_id")
	}
	if _, err := s.AppendFeedback(ctx, FeedbackEvent{QueryID: "qr_1", Verdict: "meh"}); err == nil {
		t.Fatalf("expected error for unknown verdict")
	}

	ev, err := s.AppendFeedback(ctx, FeedbackEvent{QueryID: " qr_1 ", Verdict: " CORRECT "})
	if err != nil {
		t.Fatalf("append feedback: %v", err)
	}
	if ev.ID == 0 || ev.QueryID != "qr_1" || ev.Verdict != VerdictCorrect {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.CreatedAtUnixMs <= 0 {
		t.Fatalf("expected timestamp filled, got %+v", ev)
	}
}

func TestRecordVerdict_Upserts(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	v := QueryVerdict{
		QueryID:         "qr_1",
		Project:         "alpha",
		ConfidenceScore: 75,
		IsStale:         true,
		FaultCounts:     map[veracity.FaultType]int{veracity.FaultStaleDoc: 1, veracity.FaultLowCoverage: 1},
		CreatedAtUnixMs: 1000,
	}
	if err := s.RecordVerdict(ctx, v); err != nil {
		t.Fatalf("record verdict: %v", err)
	}

	got, ok, err := s.GetVerdict(ctx, "qr_1")
	if err != nil {
		t.Fatalf("get verdict: %v", err)
	}
	if !ok {
		t.Fatalf("expected verdict found")
	}
	if got.ConfidenceScore != 75 || !got.IsStale || got.FaultCounts[veracity.FaultStaleDoc] != 1 {
		t.Fatalf("unexpected verdict: %+v", got)
	}

	v.ConfidenceScore = 40
	v.IsStale = false
	if err := s.RecordVerdict(ctx, v); err != nil {
		t.Fatalf("re-record verdict: %v", err)
	}
	got, _, err = s.GetVerdict(ctx, "qr_1")
	if err != nil {
		t.Fatalf("get verdict: %v", err)
	}
	if got.ConfidenceScore != 40 || got.IsStale {
		t.Fatalf("upsert did not replace: %+v", got)
	}

	if _, ok, err := s.GetVerdict(ctx, "qr_missing"); err != nil || ok {
		t.Fatalf("expected not found, got ok=%v err=%v", ok, err)
	}
}

func TestListJoinedFeedback_WindowAndScope(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	mustVerdict := func(queryID, project string, score float64) {
		t.Helper()
		err := s.RecordVerdict(ctx, QueryVerdict{
			QueryID: queryID, Project: project, ConfidenceScore: score, CreatedAtUnixMs: 500,
		})
		if err != nil {
			t.Fatalf("record verdict %s: %v", queryID, err)
		}
	}
	mustFeedback := func(queryID, verdict string, at int64) {
		t.Helper()
		_, err := s.AppendFeedback(ctx, FeedbackEvent{QueryID: queryID, Verdict: verdict, CreatedAtUnixMs: at})
		if err != nil {
			t.Fatalf("append feedback %s: %v", queryID, err)
		}
	}

	mustVerdict("qr_a1", "alpha", 85)
	mustVerdict("qr_a2", "alpha", 30)
	mustVerdict("qr_b1", "beta", 90)

	mustFeedback("qr_a1", VerdictIncorrect, 1000)
	mustFeedback("qr_a2", VerdictCorrect, 2000)
	mustFeedback("qr_b1", VerdictCorrect, 3000)
	mustFeedback("qr_ghost", VerdictCorrect, 3500) // no verdict recorded

	all, err := s.ListJoinedFeedback(ctx, "", 0)
	if err != nil {
		t.Fatalf("list joined: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 joined rows, got %+v", all)
	}
	if all[0].QueryID != "qr_a1" || all[2].QueryID != "qr_b1" {
		t.Fatalf("expected oldest first, got %+v", all)
	}
	if all[0].ConfidenceScore != 85 {
		t.Fatalf("join lost verdict fields: %+v", all[0])
	}

	windowed, err := s.ListJoinedFeedback(ctx, "", 1500)
	if err != nil {
		t.Fatalf("list joined: %v", err)
	}
	if len(windowed) != 2 {
		t.Fatalf("expected window to drop old events, got %+v", windowed)
	}

	scoped, err := s.ListJoinedFeedback(ctx, "alpha", 0)
	if err != nil {
		t.Fatalf("list joined: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("expected 2 alpha rows, got %+v", scoped)
	}
	for _, j := range scoped {
		if j.Project != "alpha" {
			t.Fatalf("scope filter leaked: %+v", j)
		}
	}
}

func TestApplyAdjustments_CumulativeWithHistory(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	first, err := s.ApplyAdjustments(ctx, "alpha", map[veracity.FaultType]float64{
		veracity.FaultStaleDoc: -2.5,
	}, ApplyOptions{Strength: 0.5, SampleCount: 12, Note: "shrink stale penalty", NowUnixMs: 1000})
	if err != nil {
		t.Fatalf("apply adjustments: %v", err)
	}
	if first.TuningCount != 1 {
		t.Fatalf("expected tuning_count 1, got %+v", first)
	}
	if first.Deltas[veracity.FaultStaleDoc] != -2.5 {
		t.Fatalf("unexpected deltas: %+v", first.Deltas)
	}

	second, err := s.ApplyAdjustments(ctx, "alpha", map[veracity.FaultType]float64{
		veracity.FaultStaleDoc:      -1,
		veracity.FaultContradiction: 3,
	}, ApplyOptions{Strength: 1, SampleCount: 20, NowUnixMs: 2000})
	if err != nil {
		t.Fatalf("apply adjustments: %v", err)
	}
	if second.TuningCount != 2 {
		t.Fatalf("expected tuning_count 2, got %+v", second)
	}
	if second.Deltas[veracity.FaultStaleDoc] != -3.5 || second.Deltas[veracity.FaultContradiction] != 3 {
		t.Fatalf("cumulative deltas wrong: %+v", second.Deltas)
	}

	state, err := s.GetState(ctx, "alpha")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.TuningCount != 2 || state.Deltas[veracity.FaultStaleDoc] != -3.5 {
		t.Fatalf("persisted state wrong: %+v", state)
	}

	history, err := s.ListHistory(ctx, "alpha", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %+v", history)
	}
	if history[0].TuningCount != 2 || history[1].TuningCount != 1 {
		t.Fatalf("history not newest first: %+v", history)
	}
	if history[1].Adjustments[veracity.FaultStaleDoc] != -2.5 || history[1].Note != "shrink stale penalty" {
		t.Fatalf("first apply not preserved: %+v", history[1])
	}
	if history[0].Deltas[veracity.FaultStaleDoc] != -3.5 {
		t.Fatalf("history must capture cumulative deltas: %+v", history[0])
	}
}

func TestApplyAdjustments_ScopesAreIndependent(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	if _, err := s.ApplyAdjustments(ctx, "alpha", map[veracity.FaultType]float64{veracity.FaultStaleDoc: -1}, ApplyOptions{NowUnixMs: 1000}); err != nil {
		t.Fatalf("apply alpha: %v", err)
	}
	if _, err := s.ApplyAdjustments(ctx, "beta", map[veracity.FaultType]float64{veracity.FaultOrphanedNode: 2}, ApplyOptions{NowUnixMs: 1000}); err != nil {
		t.Fatalf("apply beta: %v", err)
	}

	alpha, err := s.GetState(ctx, "alpha")
	if err != nil {
		t.Fatalf("get alpha: %v", err)
	}
	beta, err := s.GetState(ctx, "beta")
	if err != nil {
		t.Fatalf("get beta: %v", err)
	}
	if alpha.TuningCount != 1 || beta.TuningCount != 1 {
		t.Fatalf("scope counts wrong: %+v %+v", alpha, beta)
	}
	if _, ok := alpha.Deltas[veracity.FaultOrphanedNode]; ok {
		t.Fatalf("beta deltas leaked into alpha: %+v", alpha)
	}

	global, err := s.GetState(ctx, "")
	if err != nil {
		t.Fatalf("get global: %v", err)
	}
	if global.TuningCount != 0 {
		t.Fatalf("global scope must be untouched: %+v", global)
	}
}
