package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const queryTimeout = 5 * time.Second

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func joinList(list []string) string {
	return strings.Join(list, "\n")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// BeginRun records a job as running. Beginning an already recorded run is a
// no-op.
func (s *SQLiteStore) BeginRun(ctx context.Context, run RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if run.ID == "" {
		return fmt.Errorf("begin run: empty run id")
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, subject, branch, terminal, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.Subject, run.Branch, run.Terminal, string(run.Status), toMillis(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to begin run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun marks a run succeeded (runErr nil) or failed.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID, terminal string, runErr error, finished time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if finished.IsZero() {
		finished = time.Now()
	}
	status, errStr := RunSucceeded, ""
	if runErr != nil {
		status, errStr = RunFailed, runErr.Error()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			error = ?,
			terminal = CASE WHEN ? = '' THEN terminal ELSE ? END,
			finished_at = ?,
			duration_ms = ? - started_at
		WHERE id = ?
	`, string(status), errStr, terminal, terminal, toMillis(finished), toMillis(finished), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: no run %q: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// RecordNode appends a node outcome to its run.
func (s *SQLiteStore) RecordNode(ctx context.Context, rec NodeRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	timedOut := 0
	if rec.TimedOut {
		timedOut = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_runs (run_id, node_id, stage, branch, status, error, missing, outputs, timed_out, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.NodeID, rec.Stage, rec.Branch, string(rec.Outcome), rec.Error,
		joinList(rec.Missing), joinList(rec.Outputs), timedOut, rec.Duration.Milliseconds(), toMillis(rec.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to record node %s: %w", rec.NodeID, err)
	}
	return nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, subject, branch, COALESCE(terminal, ''), status, COALESCE(error, ''),
		started_at, COALESCE(finished_at, 0), COALESCE(duration_ms, 0) FROM runs`
	var (
		where []string
		args  []any
	)
	if filter.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, filter.Subject)
	}
	if filter.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, filter.Branch)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			r                     RunRecord
			status                string
			started, finished, ms int64
		)
		if err := rows.Scan(&r.ID, &r.Subject, &r.Branch, &r.Terminal, &status, &r.Error, &started, &finished, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = RunStatus(status)
		r.StartedAt = fromMillis(started)
		r.FinishedAt = fromMillis(finished)
		r.Duration = time.Duration(ms) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListNodeRuns returns a run's node outcomes in recording order.
func (s *SQLiteStore) ListNodeRuns(ctx context.Context, runID string) ([]NodeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, node_id, stage, branch, status, COALESCE(error, ''), COALESCE(missing, ''),
			COALESCE(outputs, ''), timed_out, duration_ms, recorded_at
		FROM node_runs
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node runs: %w", err)
	}
	defer rows.Close()

	var recs []NodeRecord
	for rows.Next() {
		var (
			r                NodeRecord
			outcome          string
			missing, outputs string
			timedOut         int
			ms, recorded     int64
		)
		if err := rows.Scan(&r.RunID, &r.NodeID, &r.Stage, &r.Branch, &outcome, &r.Error, &missing,
			&outputs, &timedOut, &ms, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan node run: %w", err)
		}
		r.Outcome = NodeOutcome(outcome)
		r.Missing = splitList(missing)
		r.Outputs = splitList(outputs)
		r.TimedOut = timedOut != 0
		r.Duration = time.Duration(ms) * time.Millisecond
		r.RecordedAt = fromMillis(recorded)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
