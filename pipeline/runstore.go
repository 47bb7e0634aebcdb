// ABOUTME: Filesystem-backed run state store: one directory per run with an atomic manifest.json,
// ABOUTME: an append-only events.jsonl, and an artifacts/ subdirectory. The manifest is the source of truth.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// RunStore is the interface for durable, atomic persistence of run records.
// Every state mutation is committed before the corresponding event is
// emitted; the event log is a derived notification channel.
type RunStore interface {
	Create(run *Run) error
	Get(id string) (*Run, error)
	Update(run *Run) error
	List() ([]*Run, error)
	AppendEvent(id string, ev Event) error
	ReadEvents(id string) ([]Event, error)
	ArtifactsDir(id string) string
	RunDir(id string) string
}

// Compile-time check that FSRunStore implements RunStore.
var _ RunStore = (*FSRunStore)(nil)

// FSRunStore is a filesystem-backed RunStore rooted at baseDir.
// All mutations to a run's record are serialized under the store lock, so no
// two control loops can interleave writes to the same manifest.
type FSRunStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFSRunStore creates a run store rooted at baseDir, creating it if needed.
func NewFSRunStore(baseDir string) (*FSRunStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run store dir: %w", err)
	}
	return &FSRunStore{baseDir: baseDir}, nil
}

// Create persists a new run. It fails if a run with the same ID exists.
func (s *FSRunStore) Create(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir := filepath.Join(s.baseDir, run.ID)
	if _, err := os.Stat(runDir); err == nil {
		return fmt.Errorf("run %q already exists", run.ID)
	}

	if err := os.MkdirAll(filepath.Join(runDir, "artifacts"), 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	if err := s.writeManifest(runDir, run); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "events.jsonl"), []byte(""), 0o644); err != nil {
		return fmt.Errorf("create events file: %w", err)
	}
	return nil
}

// Get loads a run by ID.
func (s *FSRunStore) Get(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUnlocked(id)
}

func (s *FSRunStore) getUnlocked(id string) (*Run, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, id, "manifest.json"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("run %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest for %q: %w", id, err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse manifest for %q: %w", id, err)
	}
	return &run, nil
}

// Update atomically overwrites the manifest of an existing run.
func (s *FSRunStore) Update(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir := filepath.Join(s.baseDir, run.ID)
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		return fmt.Errorf("run %q not found", run.ID)
	}
	if err := s.writeManifest(runDir, run); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// List returns all stored runs, most recently created first.
// Non-directory entries and corrupt runs are skipped.
func (s *FSRunStore) List() ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read run store dir: %w", err)
	}

	var runs []*Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := s.getUnlocked(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// AppendEvent appends one event to the run's events.jsonl.
func (s *FSRunStore) AppendEvent(id string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runDir := filepath.Join(s.baseDir, id)
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		return fmt.Errorf("run %q not found", id)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(runDir, "events.jsonl"), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// ReadEvents parses events.jsonl, one Event per line, in append order.
func (s *FSRunStore) ReadEvents(id string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, id, "events.jsonl"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("run %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read events for %q: %w", id, err)
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return []Event{}, nil
	}

	lines := strings.Split(content, "\n")
	events := make([]Event, 0, len(lines))
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("parse event line %d for %q: %w", i, id, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// ArtifactsDir returns the artifacts directory path for a run.
func (s *FSRunStore) ArtifactsDir(id string) string {
	return filepath.Join(s.baseDir, id, "artifacts")
}

// RunDir returns the base directory path for a run.
func (s *FSRunStore) RunDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// FindResumable returns all runs in a non-terminal status, oldest first.
// Used at process restart to resume interrupted control loops.
func (s *FSRunStore) FindResumable() ([]*Run, error) {
	runs, err := s.List()
	if err != nil {
		return nil, err
	}
	var resumable []*Run
	for _, run := range runs {
		if !run.Status.IsTerminal() {
			resumable = append(resumable, run)
		}
	}
	sort.Slice(resumable, func(i, j int) bool {
		return resumable[i].CreatedAt.Before(resumable[j].CreatedAt)
	})
	return resumable, nil
}

// writeManifest serializes the run to manifest.json via temp file + rename.
func (s *FSRunStore) writeManifest(runDir string, run *Run) error {
	if run.OutputsIndex == nil {
		run.OutputsIndex = map[string]string{}
	}
	if run.StageHistory == nil {
		run.StageHistory = []StageHistoryEntry{}
	}
	return writeJSONAtomic(filepath.Join(runDir, "manifest.json"), run)
}

// writeJSONAtomic writes a JSON value using a temp file + rename for atomicity.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
