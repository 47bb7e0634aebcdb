// ABOUTME: SQLite-backed index of run summaries for fast list/status queries without scanning run directories.
// ABOUTME: Always rebuildable from the filesystem run store; a queryable cache, never the source of truth.
package pipeline

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RunSummaryRow is a row from the runs index table.
type RunSummaryRow struct {
	RunID        string
	WorkspaceID  string
	Status       string
	CurrentStage string
	RetryCount   int
	CreatedAt    string
	UpdatedAt    string
}

// SqliteRunIndex mirrors run summaries in SQLite for query endpoints.
type SqliteRunIndex struct {
	db *sql.DB
}

// OpenSqliteRunIndex opens or creates the index database at the given path
// and runs migrations to ensure the schema is up to date.
func OpenSqliteRunIndex(path string) (*SqliteRunIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_stage TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
		CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate runs index: %w", err)
	}

	return &SqliteRunIndex{db: db}, nil
}

// Close closes the underlying database.
func (x *SqliteRunIndex) Close() error {
	return x.db.Close()
}

// Upsert inserts or replaces the summary row for a run.
func (x *SqliteRunIndex) Upsert(run *Run) error {
	_, err := x.db.Exec(`
		INSERT INTO runs (run_id, workspace_id, status, current_stage, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			current_stage = excluded.current_stage,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at`,
		run.ID,
		run.WorkspaceID,
		string(run.Status),
		string(run.CurrentStage),
		run.RetryCount,
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert run %q: %w", run.ID, err)
	}
	return nil
}

// ListByStatus returns summaries with the given status, newest first.
// An empty status returns all runs.
func (x *SqliteRunIndex) ListByStatus(status RunStatus) ([]RunSummaryRow, error) {
	query := `SELECT run_id, workspace_id, status, current_stage, retry_count, created_at, updated_at
		FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummaryRow
	for rows.Next() {
		var r RunSummaryRow
		if err := rows.Scan(&r.RunID, &r.WorkspaceID, &r.Status, &r.CurrentStage, &r.RetryCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rebuild repopulates the index from the run store. The index is dropped and
// rewritten inside one transaction so readers never see a partial rebuild.
func (x *SqliteRunIndex) Rebuild(store RunStore) error {
	runs, err := store.List()
	if err != nil {
		return fmt.Errorf("list runs for rebuild: %w", err)
	}

	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM runs`); err != nil {
		return fmt.Errorf("clear runs index: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, run := range runs {
		if _, err := tx.Exec(`
			INSERT INTO runs (run_id, workspace_id, status, current_stage, retry_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.WorkspaceID, string(run.Status), string(run.CurrentStage),
			run.RetryCount, run.CreatedAt.UTC().Format(time.RFC3339Nano), now,
		); err != nil {
			return fmt.Errorf("insert run %q: %w", run.ID, err)
		}
	}

	return tx.Commit()
}
