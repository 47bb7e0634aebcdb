// ABOUTME: INTAKE stage: validates the evidence bundle and pins the run's inputs hash.
// ABOUTME: Malformed input halts the run here, before any downstream stage executes.
package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/2389-research/growpad/pipeline"
	"github.com/2389-research/growpad/tools"
)

// IntakeHandler validates the run's inputs and produces the intake report.
type IntakeHandler struct{}

func NewIntakeHandler() *IntakeHandler { return &IntakeHandler{} }

func (h *IntakeHandler) Stage() pipeline.StageID { return pipeline.StageIntake }

func (h *IntakeHandler) Execute(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	var problems []string
	if strings.TrimSpace(rc.Goal) == "" {
		problems = append(problems, "goal is required")
	}
	if rc.EvidenceDir == "" {
		problems = append(problems, "evidence directory is required")
	}
	if len(problems) > 0 {
		return pipeline.Failure(&pipeline.ValidationError{Problems: problems})
	}

	bundle, bundleProblems := tools.LoadBundle(rc.EvidenceDir)
	if len(bundleProblems) > 0 {
		return pipeline.Failure(&pipeline.ValidationError{Problems: bundleProblems})
	}

	// The inputs hash covers the goal and the bundle content, so replaying
	// the same request hashes identically on any machine.
	sum := sha256.Sum256([]byte(rc.Goal + "\x00" + bundle.Hash))
	inputsHash := hex.EncodeToString(sum[:])

	var b strings.Builder
	b.WriteString("# Intake Report\n\n")
	fmt.Fprintf(&b, "- Goal: %s\n", rc.Goal)
	fmt.Fprintf(&b, "- Inputs hash: %s\n", inputsHash)
	fmt.Fprintf(&b, "- Evidence files: %d\n\n", len(bundle.Files))
	for _, f := range bundle.Files {
		fmt.Fprintf(&b, "- %s (%d bytes)\n", f.Path, f.Size)
	}

	ref, err := writeArtifact(rc, "intake-report.md", b.String())
	if err != nil {
		return pipeline.Failure(err)
	}

	return pipeline.StageResult{
		Outputs: map[string]string{pipeline.ArtifactIntakeReport: ref},
		Updates: &pipeline.RunUpdates{InputsHash: inputsHash},
	}
}

var _ pipeline.StageHandler = (*IntakeHandler)(nil)
