// Package tuningstore is the SQLite-backed persistence layer for the
// feedback loop: raw feedback events, the verdict each query shipped
// with, and the cumulative per-scope tuning state plus its append-only
// history.
package tuningstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/floegence/evidra/internal/veracity"
)

// ErrTuningConflict reports a lost compare-and-update race: another
// writer advanced the same scope first.
var ErrTuningConflict = errors.New("tuning state version conflict")

// Store wraps one local SQLite database.
//
// Notes:
// - State is scoped by project; the empty scope holds the global state.
// - WAL is enabled so readers keep working while a tuning run writes.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS feedback_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  query_id TEXT NOT NULL,
  project TEXT NOT NULL DEFAULT '',
  verdict TEXT NOT NULL,
  note TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_events_created ON feedback_events(created_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS query_verdicts (
  query_id TEXT PRIMARY KEY,
  project TEXT NOT NULL DEFAULT '',
  confidence_score REAL NOT NULL,
  is_stale INTEGER NOT NULL DEFAULT 0,
  fault_counts_json TEXT NOT NULL DEFAULT '{}',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_verdicts_project_created ON query_verdicts(project, created_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS tuning_state (
  scope TEXT PRIMARY KEY,
  deltas_json TEXT NOT NULL DEFAULT '{}',
  tuning_count INTEGER NOT NULL DEFAULT 0,
  updated_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tuning_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  scope TEXT NOT NULL,
  tuning_count INTEGER NOT NULL,
  adjustments_json TEXT NOT NULL,
  deltas_json TEXT NOT NULL,
  strength REAL NOT NULL DEFAULT 0,
  sample_count INTEGER NOT NULL DEFAULT 0,
  note TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tuning_history_scope ON tuning_history(scope, id DESC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func marshalDeltas(deltas map[veracity.FaultType]float64) (string, error) {
	if deltas == nil {
		deltas = map[veracity.FaultType]float64{}
	}
	raw, err := json.Marshal(deltas)
	if err != nil {
		return "", fmt.Errorf("marshal deltas: %w", err)
	}
	return string(raw), nil
}

func unmarshalDeltas(raw string) (map[veracity.FaultType]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[veracity.FaultType]float64{}, nil
	}
	out := map[veracity.FaultType]float64{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unmarshal deltas: %w", err)
	}
	return out, nil
}

func marshalFaultCounts(counts map[veracity.FaultType]int) (string, error) {
	if counts == nil {
		counts = map[veracity.FaultType]int{}
	}
	raw, err := json.Marshal(counts)
	if err != nil {
		return "", fmt.Errorf("marshal fault counts: %w", err)
	}
	return string(raw), nil
}

func unmarshalFaultCounts(raw string) (map[veracity.FaultType]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[veracity.FaultType]int{}, nil
	}
	out := map[veracity.FaultType]int{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unmarshal fault counts: %w", err)
	}
	return out, nil
}
