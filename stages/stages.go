// ABOUTME: Shared wiring for stage handlers: collaborator dependencies and artifact I/O helpers.
// ABOUTME: Handlers write files under the run's artifacts directory and report them by canonical name.
package stages

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/2389-research/growpad/llm"
	"github.com/2389-research/growpad/pipeline"
)

// Deps carries the collaborators stage handlers delegate to.
type Deps struct {
	LLM llm.Client

	// Offline marks the LLM as the deterministic fallback; handlers that
	// need structured output switch to rule-based generation instead of
	// prompting for JSON they will never get.
	Offline bool

	// VerifyCommand is the shell command VERIFY runs in the repo work tree.
	// Empty means static change-set validation only.
	VerifyCommand string
}

// client resolves the generation backend. A nil client falls back to the
// deterministic offline generator, so offline wiring never hands a handler a
// nil collaborator.
func (d Deps) client() llm.Client {
	if d.LLM != nil {
		return d.LLM
	}
	return &llm.OfflineClient{}
}

// RegisterAll binds every stage handler into the registry.
func RegisterAll(reg *pipeline.HandlerRegistry, deps Deps) {
	reg.Register(NewIntakeHandler())
	reg.Register(NewSynthesizeHandler(deps))
	reg.Register(NewSelectFeatureHandler())
	reg.Register(NewGeneratePRDHandler(deps))
	reg.Register(NewGenerateDesignHandler(deps))
	reg.Register(NewGenerateTicketsHandler(deps))
	reg.Register(NewImplementHandler(deps))
	reg.Register(NewVerifyHandler(deps))
	reg.Register(NewSelfHealHandler(deps))
	reg.Register(NewExportHandler())
}

// writeArtifact stores content under the run's artifacts directory and
// returns the ref recorded in outputs_index (relative to the run directory,
// forward slashes).
func writeArtifact(rc *pipeline.RunContext, filename, content string) (string, error) {
	if err := os.MkdirAll(rc.ArtifactsDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(rc.ArtifactsDir, filename), []byte(content), 0o644); err != nil {
		return "", err
	}
	return path.Join("artifacts", filename), nil
}

// readArtifact loads a prior stage's artifact by canonical name.
func readArtifact(rc *pipeline.RunContext, name string) (string, error) {
	ref, ok := rc.OutputsIndex[name]
	if !ok || ref == "" {
		return "", fmt.Errorf("artifact %q not present in outputs index", name)
	}
	data, err := os.ReadFile(filepath.Join(rc.RunDir, filepath.FromSlash(ref)))
	if err != nil {
		return "", fmt.Errorf("read artifact %q: %w", name, err)
	}
	return string(data), nil
}

// selectedFeature resolves the run's chosen feature.
func selectedFeature(rc *pipeline.RunContext) (pipeline.Feature, error) {
	if rc.SelectedFeatureIndex == nil {
		return pipeline.Feature{}, fmt.Errorf("no feature selected")
	}
	idx := *rc.SelectedFeatureIndex
	if idx < 0 || idx >= len(rc.TopFeatures) {
		return pipeline.Feature{}, fmt.Errorf("selected feature index %d out of range", idx)
	}
	return rc.TopFeatures[idx], nil
}
