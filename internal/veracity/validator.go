// Package veracity runs deterministic fault detectors over a batch of
// evidence records and scores the result. Validation is pure: the same
// records, clock, and configuration always produce the same report.
package veracity

import (
	"fmt"
	"strings"
	"time"
)

// FaultType names one detectable quality problem.
type FaultType string

const (
	FaultStaleDoc      FaultType = "STALE_DOC"
	FaultOrphanedNode  FaultType = "ORPHANED_NODE"
	FaultContradiction FaultType = "CONTRADICTION"
	FaultLowCoverage   FaultType = "LOW_COVERAGE"
)

// FaultTypes lists every detector output in scoring order.
var FaultTypes = []FaultType{FaultStaleDoc, FaultOrphanedNode, FaultContradiction, FaultLowCoverage}

// Category tells the detectors whether a record describes code or
// documentation. Records with any other category are skipped by the
// category-sensitive detectors.
type Category string

const (
	CategoryCode Category = "code"
	CategoryDoc  Category = "doc"
)

// CategoryFromLabels maps a graph node's labels to a category: doc when
// any label names documentation content, code otherwise. Matching is
// case-insensitive.
func CategoryFromLabels(labels []string) Category {
	for _, label := range labels {
		switch strings.ToLower(strings.TrimSpace(label)) {
		case "doc", "docs", "documentation", "doc_chunk", "chunk", "readme":
			return CategoryDoc
		}
	}
	return CategoryCode
}

// EvidenceRecord is one candidate result retrieved for a query. Optional
// fields stay nil/absent when the retriever did not supply them; a
// detector that needs a missing field skips the record instead of
// flagging it.
type EvidenceRecord struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Path               string   `json:"path"`
	Category           Category `json:"category"`
	Score              float64  `json:"score,omitempty"`
	Docstring          string   `json:"docstring,omitempty"`
	LastModifiedUnixMs *int64   `json:"last_modified_unix_ms,omitempty"`
	Neighbors          []string `json:"neighbors,omitempty"`
}

// Fault is one detected problem. Evidence carries the detector's
// supporting values keyed by stable names.
type Fault struct {
	Type     FaultType      `json:"fault_type"`
	Message  string         `json:"message"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// Report is the scored outcome for one validated batch.
type Report struct {
	ConfidenceScore float64 `json:"confidence_score"`
	IsStale         bool    `json:"is_stale"`
	Faults          []Fault `json:"faults"`
}

// FaultCounts tallies report faults per type.
func (r Report) FaultCounts() map[FaultType]int {
	counts := make(map[FaultType]int, len(FaultTypes))
	for _, f := range r.Faults {
		counts[f.Type]++
	}
	return counts
}

// Thresholds configure the detectors. Non-positive fields fall back to
// the defaults.
type Thresholds struct {
	StalenessDays     int `json:"staleness_days"`
	OrphanThreshold   int `json:"orphan_threshold"`
	ContradictionDays int `json:"contradiction_days"`
	MinResults        int `json:"min_results"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StalenessDays:     180,
		OrphanThreshold:   2,
		ContradictionDays: 90,
		MinResults:        3,
	}
}

func (t Thresholds) normalized() Thresholds {
	def := DefaultThresholds()
	if t.StalenessDays <= 0 {
		t.StalenessDays = def.StalenessDays
	}
	if t.OrphanThreshold <= 0 {
		t.OrphanThreshold = def.OrphanThreshold
	}
	if t.ContradictionDays <= 0 {
		t.ContradictionDays = def.ContradictionDays
	}
	if t.MinResults <= 0 {
		t.MinResults = def.MinResults
	}
	return t
}

// Penalties map each fault type to the points subtracted per instance.
type Penalties map[FaultType]float64

func DefaultPenalties() Penalties {
	return Penalties{
		FaultStaleDoc:      15,
		FaultOrphanedNode:  5,
		FaultContradiction: 20,
		FaultLowCoverage:   10,
	}
}

const (
	maxPenalty = 50
	msPerDay   = int64(24 * time.Hour / time.Millisecond)
)

// EffectivePenalties layers cumulative tuning deltas over the defaults.
// Each merged penalty is clamped to [0, 50] so tuning can never turn a
// penalty into a bonus or let one fault type dominate the score alone.
func EffectivePenalties(deltas map[FaultType]float64) Penalties {
	out := DefaultPenalties()
	for faultType, delta := range deltas {
		base, ok := out[faultType]
		if !ok {
			continue
		}
		merged := base + delta
		if merged < 0 {
			merged = 0
		}
		if merged > maxPenalty {
			merged = maxPenalty
		}
		out[faultType] = merged
	}
	return out
}

func (p Penalties) points(faultType FaultType) float64 {
	if p != nil {
		if v, ok := p[faultType]; ok {
			return v
		}
	}
	return DefaultPenalties()[faultType]
}

// ComputeScore starts at 100 and subtracts the per-type penalty for
// every fault instance, clamped to [0, 100]. Adding a fault never
// raises the score.
func ComputeScore(faults []Fault, penalties Penalties) float64 {
	score := 100.0
	for _, f := range faults {
		points := penalties.points(f.Type)
		if points < 0 {
			points = 0
		}
		score -= points
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// NewReport scores a fault list. IsStale is set iff at least one
// STALE_DOC fault is present.
func NewReport(faults []Fault, penalties Penalties) Report {
	if faults == nil {
		faults = make([]Fault, 0)
	}
	stale := false
	for _, f := range faults {
		if f.Type == FaultStaleDoc {
			stale = true
			break
		}
	}
	return Report{
		ConfidenceScore: ComputeScore(faults, penalties),
		IsStale:         stale,
		Faults:          faults,
	}
}

// Validate runs every detector over the batch and returns the scored
// report. Records in the batch are examined in order, so fault order is
// deterministic.
func Validate(records []EvidenceRecord, now time.Time, thresholds Thresholds, penalties Penalties) Report {
	thresholds = thresholds.normalized()
	nowMs := now.UnixMilli()
	faults := make([]Fault, 0, 4)

	faults = append(faults, detectStaleDocs(records, nowMs, thresholds)...)
	faults = append(faults, detectOrphans(records, thresholds)...)
	faults = append(faults, detectContradictions(records, thresholds)...)
	faults = append(faults, detectLowCoverage(records, thresholds)...)

	return NewReport(faults, penalties)
}

func detectStaleDocs(records []EvidenceRecord, nowMs int64, th Thresholds) []Fault {
	var faults []Fault
	limit := int64(th.StalenessDays) * msPerDay
	for _, rec := range records {
		if rec.Category != CategoryDoc || rec.LastModifiedUnixMs == nil {
			continue
		}
		age := nowMs - *rec.LastModifiedUnixMs
		if age <= limit {
			continue
		}
		days := age / msPerDay
		faults = append(faults, Fault{
			Type:    FaultStaleDoc,
			Message: fmt.Sprintf("%s has not been updated in %d days", displayName(rec), days),
			Evidence: map[string]any{
				"node":     displayName(rec),
				"path":     rec.Path,
				"days_old": days,
			},
		})
	}
	return faults
}

func detectOrphans(records []EvidenceRecord, th Thresholds) []Fault {
	var faults []Fault
	for _, rec := range records {
		if rec.Neighbors == nil {
			continue
		}
		if len(rec.Neighbors) >= th.OrphanThreshold {
			continue
		}
		faults = append(faults, Fault{
			Type:    FaultOrphanedNode,
			Message: fmt.Sprintf("%s has only %d graph neighbors", displayName(rec), len(rec.Neighbors)),
			Evidence: map[string]any{
				"node":           displayName(rec),
				"neighbor_count": len(rec.Neighbors),
			},
		})
	}
	return faults
}

type nodeInfo struct {
	lastModifiedMs int64
	category       Category
}

func detectContradictions(records []EvidenceRecord, th Thresholds) []Fault {
	index := make(map[string]nodeInfo, len(records))
	for _, rec := range records {
		name := strings.TrimSpace(rec.Name)
		if name == "" || rec.LastModifiedUnixMs == nil {
			continue
		}
		if rec.Category != CategoryCode && rec.Category != CategoryDoc {
			continue
		}
		// First occurrence wins when names collide.
		if _, exists := index[name]; exists {
			continue
		}
		index[name] = nodeInfo{lastModifiedMs: *rec.LastModifiedUnixMs, category: rec.Category}
	}

	var faults []Fault
	limit := int64(th.ContradictionDays) * msPerDay
	for _, rec := range records {
		if rec.Category != CategoryDoc || rec.LastModifiedUnixMs == nil || rec.Neighbors == nil {
			continue
		}
		for _, neighbor := range rec.Neighbors {
			name := strings.TrimSpace(neighbor)
			info, ok := index[name]
			if !ok || info.category != CategoryCode {
				continue
			}
			drift := info.lastModifiedMs - *rec.LastModifiedUnixMs
			if drift <= limit {
				continue
			}
			days := drift / msPerDay
			faults = append(faults, Fault{
				Type:    FaultContradiction,
				Message: fmt.Sprintf("%s lags %d days behind %s", displayName(rec), days, name),
				Evidence: map[string]any{
					"doc":        displayName(rec),
					"code":       name,
					"drift_days": days,
				},
			})
		}
	}
	return faults
}

func detectLowCoverage(records []EvidenceRecord, th Thresholds) []Fault {
	if len(records) >= th.MinResults {
		return nil
	}
	return []Fault{{
		Type:    FaultLowCoverage,
		Message: fmt.Sprintf("only %d results retrieved, expected at least %d", len(records), th.MinResults),
		Evidence: map[string]any{
			"result_count": len(records),
			"min_results":  th.MinResults,
		},
	}}
}

func displayName(rec EvidenceRecord) string {
	if name := strings.TrimSpace(rec.Name); name != "" {
		return name
	}
	if id := strings.TrimSpace(rec.ID); id != "" {
		return id
	}
	return strings.TrimSpace(rec.Path)
}
