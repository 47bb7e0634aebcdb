// ABOUTME: Tests for configuration loading: defaults, YAML parsing, env overrides, and guardrail merging.
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/2389-research/growpad/pipeline"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "data" || cfg.Listen != ":8484" {
		t.Errorf("defaults = %+v", cfg)
	}
	if len(cfg.Workspaces) != 1 || cfg.Workspaces[0].ID != "default" {
		t.Errorf("expected a default workspace, got %+v", cfg.Workspaces)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "growpad.yaml")
	yaml := `
data_dir: /var/lib/growpad
listen: ":9000"
workspaces:
  - id: growth
    team_name: Growth
    repo_dir: /srv/checkouts/growth
    approval_enabled: true
    verify_command: "go test ./..."
    guardrails:
      max_retries: 1
      mode: pr
      forbidden_paths: [infra, payments, secrets]
  - id: platform
    team_name: Platform
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/growpad" || cfg.Listen != ":9000" {
		t.Errorf("cfg = %+v", cfg)
	}

	ws, ok := cfg.Workspace("growth")
	if !ok {
		t.Fatal("workspace growth not found")
	}
	if !ws.ApprovalEnabled || ws.VerifyCommand != "go test ./..." {
		t.Errorf("workspace = %+v", ws)
	}

	g := ws.PipelineGuardrails()
	if g.MaxRetries != 1 || g.Mode != pipeline.ModePR || len(g.ForbiddenPaths) != 3 {
		t.Errorf("guardrails = %+v", g)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GROWPAD_DATA_DIR", "/tmp/override")
	t.Setenv("GROWPAD_LISTEN", ":7777")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/override" || cfg.Listen != ":7777" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("named missing file should fail")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("workspaces:\n  - id: x\n    guardrails:\n      mode: yolo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("unknown guardrail mode should fail")
	}

	noID := filepath.Join(t.TempDir(), "noid.yaml")
	if err := os.WriteFile(noID, []byte("workspaces:\n  - team_name: Nameless\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(noID); err == nil {
		t.Error("workspace without id should fail")
	}
}

func TestWorkspaceLookup(t *testing.T) {
	cfg := &Config{Workspaces: []WorkspaceConfig{{ID: "a"}, {ID: "b"}}}

	if ws, ok := cfg.Workspace(""); !ok || ws.ID != "a" {
		t.Errorf("empty id should select the first workspace, got %+v", ws)
	}
	if ws, ok := cfg.Workspace("b"); !ok || ws.ID != "b" {
		t.Errorf("lookup by id failed: %+v", ws)
	}
	if _, ok := cfg.Workspace("nope"); ok {
		t.Error("unknown workspace should not resolve")
	}
}

func TestPipelineGuardrailsDefaults(t *testing.T) {
	ws := &WorkspaceConfig{ID: "bare"}
	g := ws.PipelineGuardrails()
	want := pipeline.DefaultGuardrails()
	if g.MaxRetries != want.MaxRetries || g.Mode != want.Mode || len(g.ForbiddenPaths) != len(want.ForbiddenPaths) {
		t.Errorf("guardrails = %+v, want defaults %+v", g, want)
	}

	// An explicit zero disables the retry loop; it must not fall back to the
	// default of 2.
	zero := 0
	ws = &WorkspaceConfig{ID: "strict", Guardrails: GuardrailsConfig{MaxRetries: &zero}}
	if g := ws.PipelineGuardrails(); g.MaxRetries != 0 {
		t.Errorf("explicit zero retries ignored: %+v", g)
	}
}
