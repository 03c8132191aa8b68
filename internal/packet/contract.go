package packet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/evidra/internal/veracity"
)

// Issue is one contract violation found in a packet.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Field + ": " + i.Message
}

// Validate checks the packet against the contract and returns every
// violation found. An empty list means the packet is valid.
func Validate(p Packet) []Issue {
	issues := make([]Issue, 0)

	meta := p.Meta
	switch {
	case strings.TrimSpace(meta.SchemaVersion) == "":
		issues = append(issues, Issue{Field: "meta.schema_version", Message: "missing"})
	case meta.SchemaVersion != SchemaVersion:
		issues = append(issues, Issue{Field: "meta.schema_version", Message: fmt.Sprintf("unsupported version %q, want %q", meta.SchemaVersion, SchemaVersion)})
	}
	if strings.TrimSpace(meta.QueryID) == "" {
		issues = append(issues, Issue{Field: "meta.query_id", Message: "missing"})
	}
	switch {
	case strings.TrimSpace(meta.Timestamp) == "":
		issues = append(issues, Issue{Field: "meta.timestamp", Message: "missing"})
	default:
		if _, err := time.Parse(time.RFC3339, meta.Timestamp); err != nil {
			issues = append(issues, Issue{Field: "meta.timestamp", Message: "not an RFC 3339 timestamp"})
		}
	}
	if strings.TrimSpace(meta.Project) == "" {
		issues = append(issues, Issue{Field: "meta.project", Message: "missing"})
	}
	if strings.TrimSpace(meta.Question) == "" {
		issues = append(issues, Issue{Field: "meta.question", Message: "missing"})
	}

	switch p.Status {
	case StatusSuccess, StatusInsufficientEvidence:
	default:
		issues = append(issues, Issue{Field: "status", Message: fmt.Sprintf("unknown status %q", p.Status)})
	}

	for i, r := range p.CodeTruth {
		issues = appendResultIssues(issues, fmt.Sprintf("code_truth[%d]", i), r.ID, r.Path, r.Name)
	}
	for i, r := range p.DocClaims {
		issues = appendResultIssues(issues, fmt.Sprintf("doc_claims[%d]", i), r.ID, r.Path, r.Name)
	}

	issues = append(issues, veracityIssues(p.Veracity)...)

	for i, rel := range p.GraphRelationships {
		prefix := fmt.Sprintf("graph_relationships[%d]", i)
		if strings.TrimSpace(rel.FromID) == "" {
			issues = append(issues, Issue{Field: prefix + ".from_id", Message: "missing"})
		}
		if strings.TrimSpace(rel.ToID) == "" {
			issues = append(issues, Issue{Field: prefix + ".to_id", Message: "missing"})
		}
		if strings.TrimSpace(rel.Type) == "" {
			issues = append(issues, Issue{Field: prefix + ".type", Message: "missing"})
		}
	}

	return issues
}

func appendResultIssues(issues []Issue, prefix, id, path, name string) []Issue {
	if strings.TrimSpace(id) == "" {
		issues = append(issues, Issue{Field: prefix + ".id", Message: "missing"})
	}
	if strings.TrimSpace(path) == "" {
		issues = append(issues, Issue{Field: prefix + ".path", Message: "missing"})
	}
	if strings.TrimSpace(name) == "" {
		issues = append(issues, Issue{Field: prefix + ".name", Message: "missing"})
	}
	return issues
}

func veracityIssues(report veracity.Report) []Issue {
	var issues []Issue
	if report.ConfidenceScore < 0 || report.ConfidenceScore > 100 {
		issues = append(issues, Issue{Field: "veracity.confidence_score", Message: fmt.Sprintf("out of range: %v", report.ConfidenceScore)})
	}
	staleSeen := false
	for i, f := range report.Faults {
		prefix := fmt.Sprintf("veracity.faults[%d]", i)
		switch f.Type {
		case veracity.FaultStaleDoc:
			staleSeen = true
		case veracity.FaultOrphanedNode, veracity.FaultContradiction, veracity.FaultLowCoverage:
		default:
			issues = append(issues, Issue{Field: prefix + ".fault_type", Message: fmt.Sprintf("unknown fault type %q", f.Type)})
		}
		if strings.TrimSpace(f.Message) == "" {
			issues = append(issues, Issue{Field: prefix + ".message", Message: "missing"})
		}
	}
	if report.IsStale != staleSeen {
		issues = append(issues, Issue{Field: "veracity.is_stale", Message: "inconsistent with faults"})
	}
	return issues
}

// ComputeHash hashes the canonical serialization of the packet. The
// round trip through a generic value sorts every object key, so field
// insertion order never changes the digest.
func ComputeHash(p Packet) (string, error) {
	canonical, err := canonicalJSON(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(p Packet) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal packet: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize packet: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize packet: %w", err)
	}
	return canonical, nil
}

// AuditEntry wraps a packet with its hash for append-only logging.
type AuditEntry struct {
	PacketHash string `json:"packet_hash"`
	LoggedAt   string `json:"logged_at"`
	Packet     Packet `json:"packet"`
}

// CreateAuditEntry hashes the packet and stamps the entry with the
// given wall-clock time.
func CreateAuditEntry(p Packet, now time.Time) (AuditEntry, error) {
	hash, err := ComputeHash(p)
	if err != nil {
		return AuditEntry{}, err
	}
	return AuditEntry{
		PacketHash: hash,
		LoggedAt:   FormatTime(now),
		Packet:     p,
	}, nil
}

// ValidateAndHash runs Validate and ComputeHash together. The hash is
// returned even for invalid packets so they can still be audited; the
// caller decides whether to reject or degrade.
func ValidateAndHash(p Packet) (string, []Issue, error) {
	issues := Validate(p)
	hash, err := ComputeHash(p)
	if err != nil {
		return "", issues, err
	}
	return hash, issues, nil
}
