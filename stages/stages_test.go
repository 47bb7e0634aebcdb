// ABOUTME: Shared test fixtures for stage handler tests: run contexts, evidence dirs, and a stub LLM.
package stages

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/2389-research/growpad/llm"
	"github.com/2389-research/growpad/pipeline"
)

// scriptedLLM returns canned text for the online generation path.
type scriptedLLM struct {
	response string
	err      error
}

func (c *scriptedLLM) GenerateText(ctx context.Context, req llm.Request) (string, error) {
	return c.response, c.err
}

func newRunContext(t *testing.T) *pipeline.RunContext {
	t.Helper()
	runDir := t.TempDir()
	return &pipeline.RunContext{
		RunID:        "run_stagetest",
		WorkspaceID:  "default",
		Goal:         "reduce onboarding drop-off",
		Guardrails:   pipeline.DefaultGuardrails(),
		Guardrail:    pipeline.NewGuardrailEnforcer([]string{"infra", "payments"}),
		OutputsIndex: map[string]string{},
		RunDir:       runDir,
		ArtifactsDir: filepath.Join(runDir, "artifacts"),
	}
}

func newEvidenceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"interviews.md": "# Interviews\n\n- Users get lost during setup\n- Users get lost during setup\n- Nobody finds the import button\n",
		"support.txt":   "- Users get lost during setup\n- Password reset emails land in spam\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// registerArtifact writes an artifact file and records it in the context's
// outputs index, standing in for a prior committed stage.
func registerArtifact(t *testing.T, rc *pipeline.RunContext, name, filename, content string) {
	t.Helper()
	ref, err := writeArtifact(rc, filename, content)
	if err != nil {
		t.Fatalf("writeArtifact: %v", err)
	}
	rc.OutputsIndex[name] = ref
}

func requireSuccess(t *testing.T, res pipeline.StageResult) {
	t.Helper()
	if res.Err != nil {
		t.Fatalf("stage failed: %v", res.Err)
	}
	if res.Prompt != nil {
		t.Fatalf("stage unexpectedly suspended: %+v", res.Prompt)
	}
}

func readRunFile(t *testing.T, rc *pipeline.RunContext, ref string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(rc.RunDir, filepath.FromSlash(ref)))
	if err != nil {
		t.Fatalf("read %s: %v", ref, err)
	}
	return string(data)
}
