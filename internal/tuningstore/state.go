package tuningstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/floegence/evidra/internal/veracity"
)

// TuningState is the cumulative adjustment for one scope. The empty
// scope is the global state.
type TuningState struct {
	Scope           string                         `json:"scope"`
	Deltas          map[veracity.FaultType]float64 `json:"deltas"`
	TuningCount     int64                          `json:"tuning_count"`
	UpdatedAtUnixMs int64                          `json:"updated_at_unix_ms"`
}

// TuningRecord is one appended history row: the adjustments of a single
// apply plus the cumulative deltas right after it.
type TuningRecord struct {
	ID              int64                          `json:"id"`
	Scope           string                         `json:"scope"`
	TuningCount     int64                          `json:"tuning_count"`
	Adjustments     map[veracity.FaultType]float64 `json:"adjustments"`
	Deltas          map[veracity.FaultType]float64 `json:"deltas"`
	Strength        float64                        `json:"strength"`
	SampleCount     int                            `json:"sample_count"`
	Note            string                         `json:"note,omitempty"`
	CreatedAtUnixMs int64                          `json:"created_at_unix_ms"`
}

// ApplyOptions carries audit context for one apply.
type ApplyOptions struct {
	Strength    float64
	SampleCount int
	Note        string
	NowUnixMs   int64
}

// GetState reads the cumulative tuning state for a scope. A scope that
// was never tuned returns a zero state, not an error.
func (s *Store) GetState(ctx context.Context, scope string) (TuningState, error) {
	if s == nil || s.db == nil {
		return TuningState{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	scope = strings.TrimSpace(scope)

	var (
		state     TuningState
		deltasRaw string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT scope, deltas_json, tuning_count, updated_at_unix_ms
FROM tuning_state
WHERE scope = ?
`, scope).Scan(&state.Scope, &deltasRaw, &state.TuningCount, &state.UpdatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return TuningState{Scope: scope, Deltas: map[veracity.FaultType]float64{}}, nil
	}
	if err != nil {
		return TuningState{}, err
	}
	state.Deltas, err = unmarshalDeltas(deltasRaw)
	if err != nil {
		return TuningState{}, err
	}
	return state, nil
}

// ApplyAdjustments atomically adds the adjustments to the scope's
// cumulative state and appends a history row. The update is a
// compare-and-update against the current tuning_count; a concurrent
// apply for the same scope loses with ErrTuningConflict and must
// re-derive its adjustments.
func (s *Store) ApplyAdjustments(ctx context.Context, scope string, adjustments map[veracity.FaultType]float64, opts ApplyOptions) (TuningState, error) {
	if s == nil || s.db == nil {
		return TuningState{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	scope = strings.TrimSpace(scope)
	now := opts.NowUnixMs
	if now <= 0 {
		now = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TuningState{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		deltasRaw    string
		currentCount int64
	)
	rowErr := tx.QueryRowContext(ctx, `
SELECT deltas_json, tuning_count
FROM tuning_state
WHERE scope = ?
`, scope).Scan(&deltasRaw, &currentCount)

	merged := map[veracity.FaultType]float64{}
	switch {
	case errors.Is(rowErr, sql.ErrNoRows):
		for faultType, delta := range adjustments {
			merged[faultType] = delta
		}
		mergedRaw, err := marshalDeltas(merged)
		if err != nil {
			return TuningState{}, err
		}
		currentCount = 0
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tuning_state(scope, deltas_json, tuning_count, updated_at_unix_ms)
VALUES(?, ?, ?, ?)
`, scope, mergedRaw, currentCount+1, now); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return TuningState{}, ErrTuningConflict
			}
			return TuningState{}, err
		}
	case rowErr != nil:
		return TuningState{}, rowErr
	default:
		merged, err = unmarshalDeltas(deltasRaw)
		if err != nil {
			return TuningState{}, err
		}
		for faultType, delta := range adjustments {
			merged[faultType] += delta
		}
		mergedRaw, err := marshalDeltas(merged)
		if err != nil {
			return TuningState{}, err
		}
		res, err := tx.ExecContext(ctx, `
UPDATE tuning_state
SET deltas_json = ?,
    tuning_count = ?,
    updated_at_unix_ms = ?
WHERE scope = ? AND tuning_count = ?
`, mergedRaw, currentCount+1, now, scope, currentCount)
		if err != nil {
			return TuningState{}, err
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return TuningState{}, ErrTuningConflict
		}
	}

	adjustmentsRaw, err := marshalDeltas(adjustments)
	if err != nil {
		return TuningState{}, err
	}
	mergedRaw, err := marshalDeltas(merged)
	if err != nil {
		return TuningState{}, err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO tuning_history(
  scope, tuning_count, adjustments_json, deltas_json,
  strength, sample_count, note, created_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, scope, currentCount+1, adjustmentsRaw, mergedRaw,
		opts.Strength, opts.SampleCount, strings.TrimSpace(opts.Note), now); err != nil {
		return TuningState{}, err
	}

	if err := tx.Commit(); err != nil {
		return TuningState{}, err
	}
	return TuningState{
		Scope:           scope,
		Deltas:          merged,
		TuningCount:     currentCount + 1,
		UpdatedAtUnixMs: now,
	}, nil
}

// ListHistory returns applied tuning records for a scope, newest first.
func (s *Store) ListHistory(ctx context.Context, scope string, limit int) ([]TuningRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	scope = strings.TrimSpace(scope)
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, scope, tuning_count, adjustments_json, deltas_json,
       strength, sample_count, note, created_at_unix_ms
FROM tuning_history
WHERE scope = ?
ORDER BY id DESC
LIMIT ?
`, scope, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TuningRecord
	for rows.Next() {
		var (
			rec            TuningRecord
			adjustmentsRaw string
			deltasRaw      string
		)
		if err := rows.Scan(&rec.ID, &rec.Scope, &rec.TuningCount, &adjustmentsRaw, &deltasRaw,
			&rec.Strength, &rec.SampleCount, &rec.Note, &rec.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		rec.Adjustments, err = unmarshalDeltas(adjustmentsRaw)
		if err != nil {
			return nil, err
		}
		rec.Deltas, err = unmarshalDeltas(deltasRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
