package tuningstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/evidra/internal/veracity"
)

const (
	VerdictCorrect   = "correct"
	VerdictIncorrect = "incorrect"
	VerdictPartial   = "partial"
)

// FeedbackEvent is one accept/reject signal tied to a past query.
type FeedbackEvent struct {
	ID              int64  `json:"id"`
	QueryID         string `json:"query_id"`
	Project         string `json:"project"`
	Verdict         string `json:"verdict"`
	Note            string `json:"note,omitempty"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// QueryVerdict captures what the pipeline shipped for one query, so
// later feedback can be joined against it.
type QueryVerdict struct {
	QueryID         string                     `json:"query_id"`
	Project         string                     `json:"project"`
	ConfidenceScore float64                    `json:"confidence_score"`
	IsStale         bool                       `json:"is_stale"`
	FaultCounts     map[veracity.FaultType]int `json:"fault_counts"`
	CreatedAtUnixMs int64                      `json:"created_at_unix_ms"`
}

// JoinedFeedback pairs a feedback event with the verdict it judges.
type JoinedFeedback struct {
	FeedbackEvent
	ConfidenceScore float64                    `json:"confidence_score"`
	IsStale         bool                       `json:"is_stale"`
	FaultCounts     map[veracity.FaultType]int `json:"fault_counts"`
}

func normalizeVerdict(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case VerdictCorrect:
		return VerdictCorrect, nil
	case VerdictIncorrect:
		return VerdictIncorrect, nil
	case VerdictPartial:
		return VerdictPartial, nil
	default:
		return "", fmt.Errorf("unknown verdict %q", raw)
	}
}

// AppendFeedback stores one feedback event and returns it with its row
// id and timestamp filled in.
func (s *Store) AppendFeedback(ctx context.Context, ev FeedbackEvent) (FeedbackEvent, error) {
	if s == nil || s.db == nil {
		return FeedbackEvent{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ev.QueryID = strings.TrimSpace(ev.QueryID)
	ev.Project = strings.TrimSpace(ev.Project)
	ev.Note = strings.TrimSpace(ev.Note)
	if ev.QueryID == "" {
		return FeedbackEvent{}, errors.New("missing query_id")
	}
	verdict, err := normalizeVerdict(ev.Verdict)
	if err != nil {
		return FeedbackEvent{}, err
	}
	ev.Verdict = verdict
	if ev.CreatedAtUnixMs <= 0 {
		ev.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO feedback_events(query_id, project, verdict, note, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
`, ev.QueryID, ev.Project, ev.Verdict, ev.Note, ev.CreatedAtUnixMs)
	if err != nil {
		return FeedbackEvent{}, err
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return ev, nil
}

// RecordVerdict upserts the shipped verdict for a query. Re-recording
// the same query id replaces the previous row.
func (s *Store) RecordVerdict(ctx context.Context, v QueryVerdict) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	v.QueryID = strings.TrimSpace(v.QueryID)
	v.Project = strings.TrimSpace(v.Project)
	if v.QueryID == "" {
		return errors.New("missing query_id")
	}
	if v.CreatedAtUnixMs <= 0 {
		v.CreatedAtUnixMs = time.Now().UnixMilli()
	}
	counts, err := marshalFaultCounts(v.FaultCounts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO query_verdicts(query_id, project, confidence_score, is_stale, fault_counts_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(query_id) DO UPDATE SET
  project = excluded.project,
  confidence_score = excluded.confidence_score,
  is_stale = excluded.is_stale,
  fault_counts_json = excluded.fault_counts_json,
  created_at_unix_ms = excluded.created_at_unix_ms
`, v.QueryID, v.Project, v.ConfidenceScore, boolToInt(v.IsStale), counts, v.CreatedAtUnixMs)
	return err
}

// GetVerdict loads the shipped verdict for one query id.
func (s *Store) GetVerdict(ctx context.Context, queryID string) (QueryVerdict, bool, error) {
	if s == nil || s.db == nil {
		return QueryVerdict{}, false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	queryID = strings.TrimSpace(queryID)
	if queryID == "" {
		return QueryVerdict{}, false, errors.New("missing query_id")
	}

	var (
		v         QueryVerdict
		stale     int
		countsRaw string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT query_id, project, confidence_score, is_stale, fault_counts_json, created_at_unix_ms
FROM query_verdicts
WHERE query_id = ?
`, queryID).Scan(&v.QueryID, &v.Project, &v.ConfidenceScore, &stale, &countsRaw, &v.CreatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return QueryVerdict{}, false, nil
	}
	if err != nil {
		return QueryVerdict{}, false, err
	}
	v.IsStale = stale != 0
	v.FaultCounts, err = unmarshalFaultCounts(countsRaw)
	if err != nil {
		return QueryVerdict{}, false, err
	}
	return v, true, nil
}

// ListJoinedFeedback returns feedback events inside the window joined
// to their shipped verdicts, oldest first. Events without a recorded
// verdict are dropped; an empty scope matches every project.
func (s *Store) ListJoinedFeedback(ctx context.Context, scope string, sinceUnixMs int64) ([]JoinedFeedback, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	scope = strings.TrimSpace(scope)

	rows, err := s.db.QueryContext(ctx, `
SELECT f.id, f.query_id, f.project, f.verdict, f.note, f.created_at_unix_ms,
       q.confidence_score, q.is_stale, q.fault_counts_json
FROM feedback_events f
JOIN query_verdicts q ON q.query_id = f.query_id
WHERE f.created_at_unix_ms >= ?
  AND (? = '' OR q.project = ?)
ORDER BY f.created_at_unix_ms ASC, f.id ASC
`, sinceUnixMs, scope, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JoinedFeedback
	for rows.Next() {
		var (
			j         JoinedFeedback
			stale     int
			countsRaw string
		)
		if err := rows.Scan(&j.ID, &j.QueryID, &j.Project, &j.Verdict, &j.Note, &j.CreatedAtUnixMs,
			&j.ConfidenceScore, &stale, &countsRaw); err != nil {
			return nil, err
		}
		j.IsStale = stale != 0
		j.FaultCounts, err = unmarshalFaultCounts(countsRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
