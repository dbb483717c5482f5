package metrics

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the local SQLite mirror of stage records. GitHub comments stay
// the source of truth; the mirror exists for duration and cost queries
// that would otherwise hammer the API.
type Store struct {
	conn *sql.DB
	path string
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS stage_records (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    issue_ref    TEXT NOT NULL,
    stage        TEXT NOT NULL,
    agent        TEXT NOT NULL DEFAULT '',
    retry_number INTEGER NOT NULL DEFAULT 0,
    cost_usd     REAL NOT NULL DEFAULT 0,
    duration_s   REAL NOT NULL DEFAULT 0,
    turns_used   INTEGER NOT NULL DEFAULT 0,
    session_id   TEXT NOT NULL DEFAULT '',
    was_stuck    BOOLEAN NOT NULL DEFAULT FALSE,
    stuck_reason TEXT NOT NULL DEFAULT '',
    is_error     BOOLEAN NOT NULL DEFAULT FALSE,
    created_at   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_stage_records_issue ON stage_records(issue_ref);
CREATE INDEX IF NOT EXISTS idx_stage_records_stage ON stage_records(stage);
`

// OpenStore opens or creates the database at path and applies migrations.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory %s: %w", dir, err)
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	s := &Store{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.conn.Exec(schemaV1); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var version int
	err := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version < 1 {
		if _, err := s.conn.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// RecordStage persists one stage record.
func (s *Store) RecordStage(issueRef string, rec StageRecord) error {
	_, err := s.conn.Exec(`
		INSERT INTO stage_records
			(issue_ref, stage, agent, retry_number, cost_usd, duration_s, turns_used, session_id, was_stuck, stuck_reason, is_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issueRef, rec.Stage, rec.Agent, rec.RetryNumber, rec.CostUSD, rec.DurationS,
		rec.TurnsUsed, rec.SessionID, rec.WasStuck, rec.StuckReason, rec.IsError)
	if err != nil {
		return fmt.Errorf("record stage for %s: %w", issueRef, err)
	}
	return nil
}

// IssueRecords returns all stage records for one issue, oldest first.
func (s *Store) IssueRecords(issueRef string) ([]StageRecord, error) {
	rows, err := s.conn.Query(`
		SELECT stage, agent, retry_number, cost_usd, duration_s, turns_used, session_id, was_stuck, stuck_reason, is_error
		FROM stage_records WHERE issue_ref = ? ORDER BY id`, issueRef)
	if err != nil {
		return nil, fmt.Errorf("query records for %s: %w", issueRef, err)
	}
	defer rows.Close()

	var records []StageRecord
	for rows.Next() {
		var r StageRecord
		if err := rows.Scan(&r.Stage, &r.Agent, &r.RetryNumber, &r.CostUSD, &r.DurationS,
			&r.TurnsUsed, &r.SessionID, &r.WasStuck, &r.StuckReason, &r.IsError); err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalCost returns the summed agent cost for one issue.
func (s *Store) TotalCost(issueRef string) (float64, error) {
	var cost float64
	err := s.conn.QueryRow(
		"SELECT COALESCE(SUM(cost_usd), 0) FROM stage_records WHERE issue_ref = ?", issueRef).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("query total cost for %s: %w", issueRef, err)
	}
	return cost, nil
}

// StageDuration holds aggregate duration stats for one stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_s"`
	P50   float64 `json:"p50_s"`
	P95   float64 `json:"p95_s"`
}

// StageDurations returns per-stage duration stats over all recorded runs.
func (s *Store) StageDurations() ([]StageDuration, error) {
	rows, err := s.conn.Query(
		"SELECT stage, duration_s FROM stage_records WHERE duration_s > 0 ORDER BY stage, duration_s")
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	byStage := map[string][]float64{}
	for rows.Next() {
		var stage string
		var d float64
		if err := rows.Scan(&stage, &d); err != nil {
			return nil, fmt.Errorf("scan duration: %w", err)
		}
		byStage[stage] = append(byStage[stage], d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range byStage {
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Stage < results[j].Stage })
	return results, nil
}

func avg(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return math.Round(sum/float64(len(vals))*10) / 10
}

// percentile expects sorted input.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	frac := rank - float64(lower)
	val := sorted[lower] + frac*(sorted[upper]-sorted[lower])
	return math.Round(val*10) / 10
}
