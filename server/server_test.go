// ABOUTME: HTTP control surface tests over httptest: run lifecycle endpoints, artifact serving,
// ABOUTME: error status mapping, and the SSE snapshot/replay stream for terminal runs.
package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/growpad/config"
	"github.com/2389-research/growpad/pipeline"
	"github.com/2389-research/growpad/stages"
)

type fixture struct {
	server *Server
	store  pipeline.RunStore
	engine *pipeline.Engine
}

// newFixture wires a server over an offline engine so runs execute for real,
// deterministically, with no generation backend.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := pipeline.NewFSRunStore(filepath.Join(t.TempDir(), "runs"))
	if err != nil {
		t.Fatalf("NewFSRunStore: %v", err)
	}
	emitter := pipeline.NewEmitter(store)

	handlers := pipeline.NewHandlerRegistry()
	stages.RegisterAll(handlers, stages.Deps{Offline: true})

	engine := pipeline.NewEngine(store, emitter, pipeline.DefaultStageRegistry(), handlers)

	cfg := &config.Config{Workspaces: []config.WorkspaceConfig{{ID: "default", TeamName: "default"}}}
	return &fixture{
		server: New(engine, store, emitter, nil, cfg),
		store:  store,
		engine: engine,
	}
}

func newEvidenceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := "- Users get lost during setup\n- Nobody finds the import button\n"
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func (f *fixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createRun(t *testing.T) string {
	t.Helper()
	body := `{"goal": "reduce onboarding drop-off", "evidence_dir": "` + newEvidenceDir(t) + `", "fast_mode": true}`
	rec := f.do(t, http.MethodPost, "/runs", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create run: %d %s", rec.Code, rec.Body.String())
	}
	var run pipeline.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("parse run: %v", err)
	}
	return run.ID
}

func (f *fixture) waitTerminal(t *testing.T, id string) *pipeline.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := f.store.Get(id)
		if err == nil && run.Status.IsTerminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run never reached a terminal status")
	return nil
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCreateAndFollowRunToCompletion(t *testing.T) {
	f := newFixture(t)
	id := f.createRun(t)

	run := f.waitTerminal(t, id)
	if run.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %s (error: %s)", run.Status, run.Error)
	}

	rec := f.do(t, http.MethodGet, "/runs/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get run: %d", rec.Code)
	}
	var got pipeline.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != id || got.Status != pipeline.StatusCompleted {
		t.Errorf("got = %+v", got)
	}
}

func TestCreateRunUnknownWorkspace(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/runs", `{"workspace_id": "ghost", "goal": "g", "evidence_dir": "/tmp"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/runs/run_ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListRuns(t *testing.T) {
	f := newFixture(t)
	id := f.createRun(t)
	f.waitTerminal(t, id)

	rec := f.do(t, http.MethodGet, "/runs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var payload struct {
		Runs []pipeline.Run `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Runs) != 1 || payload.Runs[0].ID != id {
		t.Errorf("runs = %+v", payload.Runs)
	}

	rec = f.do(t, http.MethodGet, "/runs?status=failed", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Runs) != 0 {
		t.Errorf("status filter leaked runs: %+v", payload.Runs)
	}
}

func TestArtifactEndpoints(t *testing.T) {
	f := newFixture(t)
	id := f.createRun(t)
	f.waitTerminal(t, id)

	rec := f.do(t, http.MethodGet, "/runs/"+id+"/artifacts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list artifacts: %d", rec.Code)
	}
	var listing struct {
		Artifacts []struct {
			Name string `json:"name"`
			Ref  string `json:"ref"`
		} `json:"artifacts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, a := range listing.Artifacts {
		names[a.Name] = true
	}
	for _, want := range pipeline.RequiredArtifacts(pipeline.StatusCompleted) {
		if !names[want] {
			t.Errorf("artifact listing missing %s: %v", want, names)
		}
	}

	rec = f.do(t, http.MethodGet, "/runs/"+id+"/artifacts/prd", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get artifact: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "PRD") {
		t.Errorf("artifact body = %q", rec.Body.String())
	}

	// Markdown renders to HTML when the client asks for it.
	req := httptest.NewRequest(http.MethodGet, "/runs/"+id+"/artifacts/prd", nil)
	req.Header.Set("Accept", "text/html")
	htmlRec := httptest.NewRecorder()
	f.server.ServeHTTP(htmlRec, req)
	if ct := htmlRec.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(htmlRec.Body.String(), "<html>") {
		t.Error("expected rendered HTML")
	}

	rec = f.do(t, http.MethodGet, "/runs/"+id+"/artifacts/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown artifact: %d, want 404", rec.Code)
	}
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	f := newFixture(t)
	id := f.createRun(t)
	f.waitTerminal(t, id)

	rec := f.do(t, http.MethodPost, "/runs/"+id+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestApprovalOnRunNotAwaitingInput(t *testing.T) {
	f := newFixture(t)
	id := f.createRun(t)
	f.waitTerminal(t, id)

	rec := f.do(t, http.MethodPost, "/runs/"+id+"/approval", `{"decision": "approved"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 (%s)", rec.Code, rec.Body.String())
	}
}

func TestSupplyInputInvalidBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/runs/run_x/input", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestEventsSnapshotAndReplayForTerminalRun(t *testing.T) {
	f := newFixture(t)
	id := f.createRun(t)
	f.waitTerminal(t, id)

	rec := f.do(t, http.MethodGet, "/runs/"+id+"/events?from=0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("events: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	var sawSnapshot, sawCompleted bool
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: snapshot" {
			sawSnapshot = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"run_completed"`) {
			sawCompleted = true
		}
	}
	if !sawSnapshot {
		t.Error("stream missing the snapshot frame")
	}
	if !sawCompleted {
		t.Error("replay missing the run_completed event")
	}
}
