// ABOUTME: Tests for the SQLite run summary index: upsert semantics, status filtering, and rebuild.
package pipeline

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestIndex(t *testing.T) *SqliteRunIndex {
	t.Helper()
	idx, err := OpenSqliteRunIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSqliteRunIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndexUpsertInsertThenUpdate(t *testing.T) {
	idx := newTestIndex(t)

	run := newTestRun("run_idx")
	if err := idx.Upsert(run); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	run.Status = StatusRetrying
	run.CurrentStage = StageSelfHeal
	run.RetryCount = 1
	if err := idx.Upsert(run); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}

	rows, err := idx.ListByStatus("")
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 (upsert must not duplicate)", len(rows))
	}
	row := rows[0]
	if row.Status != string(StatusRetrying) || row.CurrentStage != string(StageSelfHeal) || row.RetryCount != 1 {
		t.Errorf("row not updated: %+v", row)
	}
}

func TestIndexListByStatusFilters(t *testing.T) {
	idx := newTestIndex(t)

	running := newTestRun("run_r")
	running.Status = StatusRunning
	done := newTestRun("run_d")
	done.Status = StatusCompleted
	for _, r := range []*Run{running, done} {
		if err := idx.Upsert(r); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	rows, err := idx.ListByStatus(StatusRunning)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(rows) != 1 || rows[0].RunID != "run_r" {
		t.Errorf("filter mismatch: %+v", rows)
	}

	all, err := idx.ListByStatus("")
	if err != nil {
		t.Fatalf("ListByStatus all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d rows, want 2", len(all))
	}
}

func TestIndexListNewestFirst(t *testing.T) {
	idx := newTestIndex(t)

	old := newTestRun("run_older")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	recent := newTestRun("run_newer")
	for _, r := range []*Run{old, recent} {
		if err := idx.Upsert(r); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	rows, err := idx.ListByStatus("")
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(rows) != 2 || rows[0].RunID != "run_newer" {
		t.Errorf("expected newest first, got %+v", rows)
	}
}

func TestIndexRebuildMirrorsStore(t *testing.T) {
	idx := newTestIndex(t)
	store := newTestStore(t)

	// A stale row that no longer exists in the store.
	stale := newTestRun("run_stale")
	if err := idx.Upsert(stale); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	kept := newTestRun("run_kept")
	kept.Status = StatusFailed
	if err := store.Create(kept); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := idx.Rebuild(store); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	rows, err := idx.ListByStatus("")
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(rows) != 1 || rows[0].RunID != "run_kept" {
		t.Fatalf("rebuild should mirror the store exactly, got %+v", rows)
	}
	if rows[0].Status != string(StatusFailed) {
		t.Errorf("status = %s, want failed", rows[0].Status)
	}
}
