package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/evidra/internal/auditlog"
	"github.com/floegence/evidra/internal/packet"
	"github.com/floegence/evidra/internal/tuningstore"
	"github.com/floegence/evidra/internal/veracity"
)

const excerptRunes = 280

// EvidenceInput is one record returned by the graph/embedding
// collaborator, carrying the validator fields plus optional
// presentation extras for the packet. Collaborators that tag nodes
// with graph labels instead of a category may leave Category empty
// and supply Labels.
type EvidenceInput struct {
	veracity.EvidenceRecord

	Labels    []string `json:"labels,omitempty"`
	Kind      string   `json:"kind,omitempty"`
	Snippet   string   `json:"snippet,omitempty"`
	Excerpt   string   `json:"excerpt,omitempty"`
	ChunkID   string   `json:"chunk_id,omitempty"`
	StartLine int      `json:"start_line,omitempty"`
	EndLine   int      `json:"end_line,omitempty"`
}

func (in EvidenceInput) record() veracity.EvidenceRecord {
	rec := in.EvidenceRecord
	if rec.Category == "" && len(in.Labels) > 0 {
		rec.Category = veracity.CategoryFromLabels(in.Labels)
	}
	return rec
}

// QueryRequest is one agent question plus the evidence retrieved for it.
type QueryRequest struct {
	QueryID       string                `json:"query_id,omitempty"`
	Project       string                `json:"project,omitempty"`
	Question      string                `json:"question"`
	Evidence      []EvidenceInput       `json:"evidence"`
	Relationships []packet.Relationship `json:"relationships,omitempty"`

	// Now pins the validation clock (tests). Zero means wall clock.
	Now time.Time `json:"-"`
}

// QueryResult is the assembled, validated, hashed, audited packet.
type QueryResult struct {
	Packet packet.Packet  `json:"packet"`
	Hash   string         `json:"hash"`
	Issues []packet.Issue `json:"issues,omitempty"`
}

// RunQuery assembles and contract-checks the evidence packet for one
// query, appends the audit entry, and records the verdict for later
// feedback joins. A packet with contract issues is degraded, never
// shipped as success.
func (p *Pipeline) RunQuery(ctx context.Context, req QueryRequest) (QueryResult, error) {
	if p == nil || p.store == nil {
		return QueryResult{}, errors.New("pipeline not initialized")
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return QueryResult{}, errors.New("missing question")
	}
	project := strings.TrimSpace(req.Project)
	if project == "" {
		project = p.project
	}
	queryID := strings.TrimSpace(req.QueryID)
	if queryID == "" {
		id, err := packet.NewQueryID()
		if err != nil {
			return QueryResult{}, err
		}
		queryID = id
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	records := make([]veracity.EvidenceRecord, 0, len(req.Evidence))
	for _, in := range req.Evidence {
		records = append(records, in.record())
	}
	report := veracity.Validate(records, now, p.cfg.Thresholds(), p.effectivePenalties(ctx, project))

	pkt := buildPacket(queryID, project, question, now, req, records, report)

	issues := packet.Validate(pkt)
	if len(issues) > 0 {
		pkt.Status = packet.StatusInsufficientEvidence
	}
	audited, err := packet.CreateAuditEntry(pkt, now)
	if err != nil {
		return QueryResult{}, err
	}

	if err := p.store.RecordVerdict(ctx, tuningstore.QueryVerdict{
		QueryID:         queryID,
		Project:         project,
		ConfidenceScore: report.ConfidenceScore,
		IsStale:         report.IsStale,
		FaultCounts:     report.FaultCounts(),
		CreatedAtUnixMs: now.UnixMilli(),
	}); err != nil {
		return QueryResult{}, fmt.Errorf("record verdict: %w", err)
	}

	action, status := "query_answered", "success"
	if len(issues) > 0 {
		action, status = "packet_rejected", "failure"
	}
	entry := auditlog.PacketEntry(action, status, audited)
	if len(issues) > 0 {
		entry.Error = joinIssues(issues)
	}
	p.audit.Append(entry)

	p.log.Info("query answered",
		"query_id", queryID,
		"project", scopeOrGlobal(project),
		"status", pkt.Status,
		"confidence", report.ConfidenceScore,
		"faults", len(report.Faults),
		"issues", len(issues))

	return QueryResult{Packet: pkt, Hash: audited.PacketHash, Issues: issues}, nil
}

// CheckPacket re-validates and re-hashes a previously shipped packet.
func (p *Pipeline) CheckPacket(data []byte) (string, []packet.Issue, error) {
	var pkt packet.Packet
	if err := json.Unmarshal(data, &pkt); err != nil {
		return "", nil, fmt.Errorf("parse packet: %w", err)
	}
	return packet.ValidateAndHash(pkt)
}

// Feedback is one verdict from the consuming agent about a shipped packet.
type Feedback struct {
	QueryID string
	Verdict string
	Project string
	Note    string
	Now     time.Time
}

// RecordFeedback persists an agent verdict for later tuning analysis.
func (p *Pipeline) RecordFeedback(ctx context.Context, fb Feedback) (tuningstore.FeedbackEvent, error) {
	if p == nil || p.store == nil {
		return tuningstore.FeedbackEvent{}, errors.New("pipeline not initialized")
	}
	project := strings.TrimSpace(fb.Project)
	if project == "" {
		project = p.project
	}
	var at int64
	if !fb.Now.IsZero() {
		at = fb.Now.UnixMilli()
	}
	ev, err := p.store.AppendFeedback(ctx, tuningstore.FeedbackEvent{
		QueryID:         fb.QueryID,
		Project:         project,
		Verdict:         fb.Verdict,
		Note:            fb.Note,
		CreatedAtUnixMs: at,
	})
	if err != nil {
		return tuningstore.FeedbackEvent{}, err
	}
	p.log.Info("feedback recorded", "query_id", ev.QueryID, "verdict", ev.Verdict, "project", scopeOrGlobal(ev.Project))
	return ev, nil
}

func buildPacket(queryID, project, question string, now time.Time, req QueryRequest, records []veracity.EvidenceRecord, report veracity.Report) packet.Packet {
	pkt := packet.New(queryID, project, question, now)
	pkt.Veracity = report
	pkt.GraphRelationships = req.Relationships

	for i, in := range req.Evidence {
		lastModified := ""
		if in.LastModifiedUnixMs != nil {
			lastModified = packet.FormatTime(time.UnixMilli(*in.LastModifiedUnixMs))
		}
		if records[i].Category == veracity.CategoryDoc {
			excerpt := in.Excerpt
			if excerpt == "" {
				excerpt = clip(in.Docstring, excerptRunes)
			}
			pkt.DocClaims = append(pkt.DocClaims, packet.DocResult{
				ID:           in.ID,
				Path:         in.Path,
				Name:         in.Name,
				ChunkID:      in.ChunkID,
				Score:        in.Score,
				Excerpt:      excerpt,
				LastModified: lastModified,
			})
			continue
		}
		pkt.CodeTruth = append(pkt.CodeTruth, packet.CodeResult{
			ID:           in.ID,
			Path:         in.Path,
			Name:         in.Name,
			Kind:         in.Kind,
			Score:        in.Score,
			Snippet:      in.Snippet,
			StartLine:    in.StartLine,
			EndLine:      in.EndLine,
			LastModified: lastModified,
		})
	}

	counts := report.FaultCounts()
	if counts[veracity.FaultLowCoverage] > 0 {
		pkt.Status = packet.StatusInsufficientEvidence
	}
	pkt.SuggestedActions = suggestActions(counts)
	pkt.TechnicalBrief = technicalBrief(pkt, report)
	return pkt
}

func suggestActions(counts map[veracity.FaultType]int) []string {
	actions := make([]string, 0, 4)
	if n := counts[veracity.FaultStaleDoc]; n > 0 {
		actions = append(actions, fmt.Sprintf("Re-verify %d stale documentation claim(s) against the current code", n))
	}
	if n := counts[veracity.FaultContradiction]; n > 0 {
		actions = append(actions, fmt.Sprintf("Prefer code evidence where documentation disagrees (%d contradiction(s) detected)", n))
	}
	if counts[veracity.FaultOrphanedNode] > 0 {
		actions = append(actions, "Corroborate weakly connected evidence before relying on it")
	}
	if counts[veracity.FaultLowCoverage] > 0 {
		actions = append(actions, "Broaden the query or ingest more sources; coverage is below the minimum")
	}
	return actions
}

func technicalBrief(pkt packet.Packet, report veracity.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d code result(s) and %d documentation claim(s); confidence %.1f/100",
		len(pkt.CodeTruth), len(pkt.DocClaims), report.ConfidenceScore)
	if len(report.Faults) == 0 {
		b.WriteString("; no integrity faults detected.")
		return b.String()
	}

	counts := report.FaultCounts()
	parts := make([]string, 0, len(veracity.FaultTypes))
	for _, faultType := range veracity.FaultTypes {
		if n := counts[faultType]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, faultType))
		}
	}
	fmt.Fprintf(&b, "; faults: %s", strings.Join(parts, ", "))
	if report.IsStale {
		b.WriteString("; documentation may lag the code")
	}
	b.WriteString(".")
	return b.String()
}

func joinIssues(issues []packet.Issue) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.String())
	}
	return strings.Join(parts, "; ")
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
