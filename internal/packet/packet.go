// Package packet defines the versioned evidence packet every query
// answer flows through, plus the contract that validates and hashes it.
package packet

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/floegence/evidra/internal/veracity"
)

// SchemaVersion is fixed per release. Consumers reject packets whose
// meta carries any other value.
const SchemaVersion = "1.0"

// Status is the packet-level outcome of a query.
type Status string

const (
	StatusSuccess              Status = "success"
	StatusInsufficientEvidence Status = "insufficient_evidence"
)

// Meta identifies one query answer. All fields are required.
type Meta struct {
	SchemaVersion string `json:"schema_version"`
	QueryID       string `json:"query_id"`
	Timestamp     string `json:"timestamp"`
	Project       string `json:"project"`
	Question      string `json:"question"`
}

// CodeResult is one code entity returned as evidence.
type CodeResult struct {
	ID           string  `json:"id"`
	Path         string  `json:"path"`
	Name         string  `json:"name"`
	Kind         string  `json:"kind,omitempty"`
	Score        float64 `json:"score,omitempty"`
	Snippet      string  `json:"snippet,omitempty"`
	StartLine    int     `json:"start_line,omitempty"`
	EndLine      int     `json:"end_line,omitempty"`
	LastModified string  `json:"last_modified,omitempty"`
}

// DocResult is one documentation chunk returned as evidence.
type DocResult struct {
	ID           string  `json:"id"`
	Path         string  `json:"path"`
	Name         string  `json:"name"`
	ChunkID      string  `json:"chunk_id,omitempty"`
	Score        float64 `json:"score,omitempty"`
	Excerpt      string  `json:"excerpt,omitempty"`
	LastModified string  `json:"last_modified,omitempty"`
}

// Relationship is one graph edge between returned evidence nodes.
type Relationship struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
	Type   string `json:"type"`
}

// Packet is the complete response bundle for one query. It is built
// once and treated as immutable afterwards.
type Packet struct {
	Meta               Meta            `json:"meta"`
	Status             Status          `json:"status"`
	CodeTruth          []CodeResult    `json:"code_truth"`
	DocClaims          []DocResult     `json:"doc_claims"`
	Veracity           veracity.Report `json:"veracity"`
	GraphRelationships []Relationship  `json:"graph_relationships,omitempty"`
	SuggestedActions   []string        `json:"suggested_actions,omitempty"`
	TechnicalBrief     string          `json:"technical_brief,omitempty"`
}

// New returns an empty packet with meta filled in. Result slices start
// empty, not nil, so the serialized packet always carries arrays.
func New(queryID, project, question string, now time.Time) Packet {
	return Packet{
		Meta: Meta{
			SchemaVersion: SchemaVersion,
			QueryID:       queryID,
			Timestamp:     FormatTime(now),
			Project:       project,
			Question:      question,
		},
		Status:    StatusSuccess,
		CodeTruth: make([]CodeResult, 0),
		DocClaims: make([]DocResult, 0),
		Veracity:  veracity.NewReport(nil, nil),
	}
}

// FormatTime renders a timestamp the way packet and audit fields expect.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewQueryID generates a cryptographically random query id.
func NewQueryID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "qr_" + base64.RawURLEncoding.EncodeToString(b), nil
}
