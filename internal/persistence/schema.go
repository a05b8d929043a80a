package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		branch TEXT NOT NULL,
		terminal TEXT,
		status TEXT NOT NULL,
		error TEXT,
		started_at INTEGER NOT NULL, -- unix ms
		finished_at INTEGER,
		duration_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_runs_subject_started ON runs(subject, started_at);

	CREATE TABLE IF NOT EXISTS node_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		branch TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		missing TEXT,
		outputs TEXT,
		timed_out INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		recorded_at INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_node_runs_run_id ON node_runs(run_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
