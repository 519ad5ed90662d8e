package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"tradeflow/internal/domain"
)

// EnsureSchema creates the snapshot table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS stats_snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  sampled_at DATETIME NOT NULL,
  queue_depth INTEGER NOT NULL,
  running INTEGER NOT NULL,
  completed INTEGER NOT NULL,
  failed INTEGER NOT NULL,
  throughput REAL NOT NULL,
  error_rate REAL NOT NULL,
  memory_bytes INTEGER NOT NULL,
  body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_sampled_at ON stats_snapshots(sampled_at);
`
	_, err := db.Exec(schema)
	return err
}

// OpenSQLite opens the snapshot database at path with a single writer.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// SQLiteSink keeps a history of snapshots, trimmed to the newest keep rows.
type SQLiteSink struct {
	db   *sql.DB
	keep int
}

func NewSQLiteSink(db *sql.DB, keep int) *SQLiteSink {
	if keep <= 0 {
		keep = 10_000
	}
	return &SQLiteSink{db: db, keep: keep}
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Publish(ctx context.Context, st domain.Stats) error {
	body, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO stats_snapshots(sampled_at,queue_depth,running,completed,failed,throughput,error_rate,memory_bytes,body)
VALUES(?,?,?,?,?,?,?,?,?)`,
		st.SampledAt.UTC(), st.QueueDepth, st.Running, st.Completed, st.Failed,
		st.ThroughputPerSec, st.ErrorRate, int64(st.MemoryBytes), string(body))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
DELETE FROM stats_snapshots WHERE id <= (SELECT MAX(id) FROM stats_snapshots) - ?`, s.keep)
	return err
}

// Recent returns up to limit snapshots, newest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]domain.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT body FROM stats_snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Stats
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var st domain.Stats
		if err := json.Unmarshal([]byte(body), &st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
