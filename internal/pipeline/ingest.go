package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/floegence/evidra/internal/auditlog"
	"github.com/floegence/evidra/internal/chunker"
	"github.com/floegence/evidra/internal/ingest"
	"github.com/floegence/evidra/internal/provenance"
)

// IngestResult summarizes one ingest run. Chunks and Records are the
// handoff to the downstream graph/embedding store.
type IngestResult struct {
	Project   string              `json:"project,omitempty"`
	Root      string              `json:"root"`
	Scanned   int                 `json:"scanned"`
	Skipped   int                 `json:"skipped"`
	Unchanged int                 `json:"unchanged"`
	Binary    int                 `json:"binary"`
	Files     int                 `json:"files_chunked"`
	Chunks    []chunker.Chunk     `json:"chunks"`
	Records   []provenance.Record `json:"records"`
}

// Ingest walks root, records provenance for every changed artifact, and
// chunks the text ones. Unchanged artifacts (by remembered hash) are
// passed over without re-chunking.
func (p *Pipeline) Ingest(ctx context.Context, root string) (IngestResult, error) {
	if p == nil || p.tracker == nil {
		return IngestResult{}, errors.New("pipeline not initialized")
	}
	if strings.TrimSpace(root) == "" {
		root = p.cfg.RootDir
	}

	scanner, err := ingest.NewScanner(ingest.Options{Root: root, MaxBytes: p.cfg.MaxFileBytes})
	if err != nil {
		return IngestResult{}, err
	}

	res := IngestResult{
		Project: p.project,
		Root:    scanner.Root(),
		Chunks:  []chunker.Chunk{},
		Records: []provenance.Record{},
	}
	stats, err := scanner.Walk(ctx, func(a ingest.Artifact) error {
		if !p.tracker.Check(a.RelPath, a.Data) {
			res.Unchanged++
			return nil
		}

		rec := provenance.CreateRecord(a.RelPath, a.Data, a.Binary, a.ModTime)
		if err := p.tracker.Remember(rec); err != nil {
			return err
		}
		res.Records = append(res.Records, rec)

		if a.Binary {
			res.Binary++
			return nil
		}

		ck, err := chunker.New(p.profiles.ForPath(a.RelPath), p.tokens)
		if err != nil {
			return err
		}
		chunks, err := ck.ChunkText(string(a.Data), a.RelPath, p.project)
		if err != nil {
			return err
		}
		res.Files++
		res.Chunks = append(res.Chunks, chunks...)
		return nil
	})
	res.Scanned = stats.Scanned
	res.Skipped = stats.Skipped
	if err != nil {
		return res, err
	}

	p.log.Info("ingest completed",
		"root", res.Root,
		"scanned", res.Scanned,
		"skipped", res.Skipped,
		"unchanged", res.Unchanged,
		"files_chunked", res.Files,
		"chunks", len(res.Chunks))
	p.audit.Append(auditlog.Entry{
		Action:  "ingest_completed",
		Project: p.project,
		Detail: map[string]any{
			"root":          res.Root,
			"scanned":       res.Scanned,
			"skipped":       res.Skipped,
			"unchanged":     res.Unchanged,
			"binary":        res.Binary,
			"files_chunked": res.Files,
			"chunks":        len(res.Chunks),
		},
	})
	return res, nil
}
