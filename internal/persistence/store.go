package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// RunStatus is the lifecycle state of a recorded job.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// NodeOutcome is how a node ended within a run.
type NodeOutcome string

const (
	NodeSkipped   NodeOutcome = "skipped"
	NodeCompleted NodeOutcome = "completed"
	NodeFailed    NodeOutcome = "failed"
)

// RunRecord is one (subject, branch) job as journalled.
type RunRecord struct {
	ID         string
	Subject    string
	Branch     string
	Terminal   string
	Status     RunStatus
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Duration   time.Duration
}

// NodeRecord is one node outcome within a run.
type NodeRecord struct {
	RunID      string
	NodeID     string
	Stage      string
	Branch     string
	Outcome    NodeOutcome
	Error      string
	Missing    []string
	Outputs    []string
	TimedOut   bool
	Duration   time.Duration
	RecordedAt time.Time
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Subject string
	Branch  string
	Limit   int // default 50
}

// Store is the run-history journal. It records what happened; completion is
// always decided from output files, never from the store.
type Store interface {
	BeginRun(ctx context.Context, run RunRecord) error
	FinishRun(ctx context.Context, runID, terminal string, runErr error, finished time.Time) error
	RecordNode(ctx context.Context, rec NodeRecord) error
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
	ListNodeRuns(ctx context.Context, runID string) ([]NodeRecord, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the DSN; see open.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each store
// gets its own named database shared by its connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:history-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Writes from concurrent jobs are serialised on one connection.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
