package veracity

import (
	"reflect"
	"testing"
	"time"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func msAgo(days int) *int64 {
	ms := testNow.Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	return &ms
}

func TestNewReport_EmptyFaultList(t *testing.T) {
	t.Parallel()

	report := NewReport(nil, DefaultPenalties())
	if report.ConfidenceScore != 100 {
		t.Fatalf("expected score 100, got %v", report.ConfidenceScore)
	}
	if report.IsStale {
		t.Fatalf("expected is_stale=false for empty fault list")
	}
	if report.Faults == nil || len(report.Faults) != 0 {
		t.Fatalf("expected empty fault slice, got %+v", report.Faults)
	}
}

func TestNewReport_StaleAndLowCoverage(t *testing.T) {
	t.Parallel()

	faults := []Fault{
		{Type: FaultStaleDoc, Message: "doc is old"},
		{Type: FaultLowCoverage, Message: "too few results"},
	}
	report := NewReport(faults, DefaultPenalties())
	if report.ConfidenceScore != 75 {
		t.Fatalf("expected score 75 (100-15-10), got %v", report.ConfidenceScore)
	}
	if !report.IsStale {
		t.Fatalf("expected is_stale=true with a STALE_DOC fault")
	}
}

func TestComputeScore_ClampsAtZero(t *testing.T) {
	t.Parallel()

	faults := make([]Fault, 0, 5)
	for i := 0; i < 5; i++ {
		faults = append(faults, Fault{Type: FaultContradiction})
	}
	if got := ComputeScore(faults, DefaultPenalties()); got != 0 {
		t.Fatalf("expected score clamped to 0, got %v", got)
	}
}

func TestComputeScore_NonIncreasing(t *testing.T) {
	t.Parallel()

	sequence := []FaultType{
		FaultLowCoverage, FaultOrphanedNode, FaultStaleDoc,
		FaultContradiction, FaultContradiction, FaultStaleDoc,
		FaultOrphanedNode, FaultContradiction, FaultContradiction,
	}
	var faults []Fault
	prev := ComputeScore(faults, DefaultPenalties())
	if prev != 100 {
		t.Fatalf("expected baseline 100, got %v", prev)
	}
	for _, faultType := range sequence {
		faults = append(faults, Fault{Type: faultType})
		score := ComputeScore(faults, DefaultPenalties())
		if score > prev {
			t.Fatalf("score increased from %v to %v after %s", prev, score, faultType)
		}
		if score < 0 || score > 100 {
			t.Fatalf("score out of range: %v", score)
		}
		prev = score
	}
}

func TestValidate_EmptyBatchFlagsLowCoverageOnly(t *testing.T) {
	t.Parallel()

	report := Validate(nil, testNow, DefaultThresholds(), DefaultPenalties())
	if len(report.Faults) != 1 || report.Faults[0].Type != FaultLowCoverage {
		t.Fatalf("expected exactly one LOW_COVERAGE fault, got %+v", report.Faults)
	}
	if report.ConfidenceScore != 90 {
		t.Fatalf("expected score 90, got %v", report.ConfidenceScore)
	}
	if report.IsStale {
		t.Fatalf("empty batch must not be stale")
	}
}

func TestValidate_FlagsStaleDocsOnly(t *testing.T) {
	t.Parallel()

	records := []EvidenceRecord{
		{ID: "1", Name: "guide", Path: "docs/guide.md", Category: CategoryDoc, LastModifiedUnixMs: msAgo(200)},
		{ID: "2", Name: "handler", Path: "svc/handler.go", Category: CategoryCode, LastModifiedUnixMs: msAgo(400)},
		{ID: "3", Name: "readme", Path: "README.md", Category: CategoryDoc, LastModifiedUnixMs: msAgo(180)},
		{ID: "4", Name: "notes", Path: "docs/notes.md", Category: CategoryDoc},
	}
	report := Validate(records, testNow, DefaultThresholds(), DefaultPenalties())

	counts := report.FaultCounts()
	if counts[FaultStaleDoc] != 1 {
		t.Fatalf("expected one STALE_DOC fault, got %+v", report.Faults)
	}
	if !report.IsStale {
		t.Fatalf("expected is_stale=true")
	}
	if report.Faults[0].Evidence["node"] != "guide" {
		t.Fatalf("stale fault names wrong node: %+v", report.Faults[0].Evidence)
	}
}

func TestValidate_FlagsOrphans(t *testing.T) {
	t.Parallel()

	records := []EvidenceRecord{
		{ID: "1", Name: "alone", Category: CategoryCode, Neighbors: []string{}},
		{ID: "2", Name: "connected", Category: CategoryCode, Neighbors: []string{"a", "b"}},
		{ID: "3", Name: "unknown", Category: CategoryCode},
	}
	report := Validate(records, testNow, DefaultThresholds(), DefaultPenalties())

	counts := report.FaultCounts()
	if counts[FaultOrphanedNode] != 1 {
		t.Fatalf("expected one ORPHANED_NODE fault, got %+v", report.Faults)
	}
	for _, f := range report.Faults {
		if f.Type == FaultOrphanedNode && f.Evidence["node"] != "alone" {
			t.Fatalf("orphan fault names wrong node: %+v", f.Evidence)
		}
	}
}

func TestValidate_FlagsContradictions(t *testing.T) {
	t.Parallel()

	records := []EvidenceRecord{
		{ID: "1", Name: "auth-guide", Category: CategoryDoc, LastModifiedUnixMs: msAgo(300),
			Neighbors: []string{"login_handler", "logout_handler", "other-guide", "ghost"}},
		{ID: "2", Name: "login_handler", Category: CategoryCode, LastModifiedUnixMs: msAgo(10)},
		{ID: "3", Name: "logout_handler", Category: CategoryCode, LastModifiedUnixMs: msAgo(250)},
		{ID: "4", Name: "other-guide", Category: CategoryDoc, LastModifiedUnixMs: msAgo(10)},
	}
	report := Validate(records, testNow, DefaultThresholds(), DefaultPenalties())

	counts := report.FaultCounts()
	// login_handler drifted 290 days ahead of the doc; logout_handler only
	// 50 days; doc and absent neighbors never contradict.
	if counts[FaultContradiction] != 1 {
		t.Fatalf("expected one CONTRADICTION fault, got %+v", report.Faults)
	}
	for _, f := range report.Faults {
		if f.Type == FaultContradiction {
			if f.Evidence["doc"] != "auth-guide" || f.Evidence["code"] != "login_handler" {
				t.Fatalf("contradiction pairs wrong nodes: %+v", f.Evidence)
			}
		}
	}
}

func TestValidate_SkipsRecordPerDetectorOnly(t *testing.T) {
	t.Parallel()

	// No timestamp: staleness and contradiction skip the record, but the
	// orphan detector and the coverage count still see it.
	records := []EvidenceRecord{
		{ID: "1", Name: "halfbaked", Category: CategoryDoc, Neighbors: []string{}},
	}
	report := Validate(records, testNow, DefaultThresholds(), DefaultPenalties())

	counts := report.FaultCounts()
	if counts[FaultStaleDoc] != 0 || counts[FaultContradiction] != 0 {
		t.Fatalf("detectors must skip records missing timestamps: %+v", report.Faults)
	}
	if counts[FaultOrphanedNode] != 1 {
		t.Fatalf("expected orphan fault, got %+v", report.Faults)
	}
	if counts[FaultLowCoverage] != 1 {
		t.Fatalf("expected low coverage fault, got %+v", report.Faults)
	}
	if report.ConfidenceScore != 85 {
		t.Fatalf("expected score 85 (100-5-10), got %v", report.ConfidenceScore)
	}
}

func TestValidate_Deterministic(t *testing.T) {
	t.Parallel()

	records := []EvidenceRecord{
		{ID: "1", Name: "guide", Category: CategoryDoc, LastModifiedUnixMs: msAgo(300), Neighbors: []string{"fn"}},
		{ID: "2", Name: "fn", Category: CategoryCode, LastModifiedUnixMs: msAgo(5), Neighbors: []string{"guide"}},
	}
	first := Validate(records, testNow, DefaultThresholds(), DefaultPenalties())
	second := Validate(records, testNow, DefaultThresholds(), DefaultPenalties())
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("validation is not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestEffectivePenalties_Bounds(t *testing.T) {
	t.Parallel()

	merged := EffectivePenalties(map[FaultType]float64{
		FaultStaleDoc:      -20,
		FaultContradiction: 40,
		FaultType("BOGUS"): 99,
	})
	if merged[FaultStaleDoc] != 0 {
		t.Fatalf("expected STALE_DOC clamped to 0, got %v", merged[FaultStaleDoc])
	}
	if merged[FaultContradiction] != 50 {
		t.Fatalf("expected CONTRADICTION clamped to 50, got %v", merged[FaultContradiction])
	}
	if merged[FaultOrphanedNode] != 5 || merged[FaultLowCoverage] != 10 {
		t.Fatalf("untouched penalties must keep defaults: %+v", merged)
	}
	if _, ok := merged[FaultType("BOGUS")]; ok {
		t.Fatalf("unknown fault types must be ignored")
	}

	if got := EffectivePenalties(nil); !reflect.DeepEqual(got, DefaultPenalties()) {
		t.Fatalf("nil deltas must return defaults, got %+v", got)
	}
}

func TestValidate_NormalizesThresholds(t *testing.T) {
	t.Parallel()

	// A zero-value Thresholds behaves like the defaults instead of
	// flagging everything.
	records := []EvidenceRecord{
		{ID: "1", Name: "a", Category: CategoryCode, LastModifiedUnixMs: msAgo(1), Neighbors: []string{"b", "c"}},
		{ID: "2", Name: "b", Category: CategoryCode, LastModifiedUnixMs: msAgo(1), Neighbors: []string{"a", "c"}},
		{ID: "3", Name: "c", Category: CategoryCode, LastModifiedUnixMs: msAgo(1), Neighbors: []string{"a", "b"}},
	}
	report := Validate(records, testNow, Thresholds{}, DefaultPenalties())
	if len(report.Faults) != 0 {
		t.Fatalf("expected clean report, got %+v", report.Faults)
	}
	if report.ConfidenceScore != 100 {
		t.Fatalf("expected score 100, got %v", report.ConfidenceScore)
	}
}

func TestCategoryFromLabels(t *testing.T) {
	t.Parallel()

	if got := CategoryFromLabels([]string{"Function", "Exported"}); got != CategoryCode {
		t.Fatalf("code labels mapped to %q", got)
	}
	if got := CategoryFromLabels([]string{"File", "Documentation"}); got != CategoryDoc {
		t.Fatalf("documentation label mapped to %q", got)
	}
	if got := CategoryFromLabels([]string{" CHUNK "}); got != CategoryDoc {
		t.Fatalf("chunk label must match case-insensitively, got %q", got)
	}
	if got := CategoryFromLabels(nil); got != CategoryCode {
		t.Fatalf("no labels must default to code, got %q", got)
	}
}
