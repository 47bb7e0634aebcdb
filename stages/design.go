// ABOUTME: GENERATE_DESIGN stage: technical design notes derived from the PRD.
// ABOUTME: Skipped entirely in fast mode; the engine records the skip, this handler never sees it.
package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389-research/growpad/llm"
	"github.com/2389-research/growpad/pipeline"
)

// GenerateDesignHandler drafts design notes from the PRD.
type GenerateDesignHandler struct {
	llm llm.Client
}

func NewGenerateDesignHandler(deps Deps) *GenerateDesignHandler {
	return &GenerateDesignHandler{llm: deps.client()}
}

func (h *GenerateDesignHandler) Stage() pipeline.StageID { return pipeline.StageGenerateDesign }

func (h *GenerateDesignHandler) Execute(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	prd, err := readArtifact(rc, pipeline.ArtifactPRD)
	if err != nil {
		return pipeline.Failure(err)
	}

	var prompt strings.Builder
	prompt.WriteString("Write technical design notes in markdown for the PRD below.\n")
	if rc.ApprovalFeedback != "" {
		fmt.Fprintf(&prompt, "Reviewer feedback to address: %s\n", rc.ApprovalFeedback)
	}
	stack := rc.StackDetected
	if stack == "" {
		stack = "unknown"
	}
	fmt.Fprintf(&prompt, "\nTarget stack: %s\n\n%s\n", stack, prd)
	prompt.WriteString("\nSections: Overview, Architecture, Data Changes, Rollout, Open Risks.")

	text, err := h.llm.GenerateText(ctx, llm.Request{
		System: "You write pragmatic engineering design notes.",
		Prompt: prompt.String(),
	})
	if err != nil {
		return pipeline.Failure(&pipeline.ExternalServiceError{Service: "llm", Err: err})
	}

	ref, err := writeArtifact(rc, "design.md", "# Design Notes\n\n"+strings.TrimSpace(text)+"\n")
	if err != nil {
		return pipeline.Failure(err)
	}
	return pipeline.Success(map[string]string{pipeline.ArtifactDesign: ref})
}

var _ pipeline.StageHandler = (*GenerateDesignHandler)(nil)
