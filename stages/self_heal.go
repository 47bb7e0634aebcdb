// ABOUTME: SELF_HEAL stage: generates a corrected change set from the failure log and current diff.
// ABOUTME: Corrections land through the same guardrail path as IMPLEMENT; a violating fix hard-fails.
package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389-research/growpad/llm"
	"github.com/2389-research/growpad/pipeline"
)

// SelfHealHandler attempts one automatic correction after a verify failure.
type SelfHealHandler struct {
	llm     llm.Client
	offline bool
}

func NewSelfHealHandler(deps Deps) *SelfHealHandler {
	return &SelfHealHandler{llm: deps.client(), offline: deps.Offline}
}

func (h *SelfHealHandler) Stage() pipeline.StageID { return pipeline.StageSelfHeal }

func (h *SelfHealHandler) Execute(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	diffText, err := readArtifact(rc, pipeline.ArtifactDiff)
	if err != nil {
		return pipeline.Failure(err)
	}

	// The failed verification registers its report in the outputs index; the
	// disk fallback covers reports written before the index entry landed.
	failureLog, rerr := readArtifact(rc, pipeline.ArtifactTestReport)
	if rerr != nil {
		if data, derr := os.ReadFile(filepath.Join(rc.ArtifactsDir, "test-report.md")); derr == nil {
			failureLog = string(data)
		}
	}

	var patchText string
	if h.offline {
		patchText = deterministicCorrection(diffText, rc.RetryCount)
	} else {
		patchText, err = h.generateCorrection(ctx, diffText, failureLog)
		if err != nil {
			return pipeline.Failure(&pipeline.ExternalServiceError{Service: "llm", Err: err})
		}
	}

	// Keep a per-attempt copy for the audit trail; the registered diff
	// artifact is overwritten with the correction.
	attemptName := fmt.Sprintf("self-heal-%d.patch", rc.RetryCount)
	if _, werr := writeArtifact(rc, attemptName, patchText); werr != nil {
		return pipeline.Failure(werr)
	}

	return landChangeSet(rc, patchText, "self-heal")
}

func (h *SelfHealHandler) generateCorrection(ctx context.Context, diffText, failureLog string) (string, error) {
	prompt := fmt.Sprintf(
		"The change set below failed verification. Produce a corrected patch "+
			"in the v4a format that addresses the failure.\n\n"+
			"Failure log:\n%s\n\nCurrent change set:\n%s\n\nRespond with only the patch.",
		failureLog, diffText)

	text, err := h.llm.GenerateText(ctx, llm.Request{
		System: "You fix failing patches with minimal, targeted corrections.",
		Prompt: prompt,
	})
	if err != nil {
		return "", err
	}
	return llm.StripFences(text), nil
}

// deterministicCorrection is the offline fallback: the original change set
// plus a correction note, deterministic per retry index.
func deterministicCorrection(diffText string, retry int) string {
	note := fmt.Sprintf(
		"*** Add File: docs/growpad/self-heal-%d.md\n+# Self-Heal Attempt %d\n+\n+Automatic correction pass.\n",
		retry, retry)

	// Insert the note before the end marker so the result stays one patch.
	const endMarker = "*** End Patch"
	if idx := strings.LastIndex(diffText, endMarker); idx >= 0 {
		return diffText[:idx] + note + diffText[idx:]
	}
	return diffText + "\n" + note + endMarker + "\n"
}

var _ pipeline.StageHandler = (*SelfHealHandler)(nil)
