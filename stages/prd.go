// ABOUTME: GENERATE_PRD stage: drafts the product requirements document for the selected feature.
// ABOUTME: Reviewer feedback from a changes_requested decision is folded into the regeneration prompt.
package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389-research/growpad/llm"
	"github.com/2389-research/growpad/pipeline"
)

// GeneratePRDHandler drafts the PRD from the selected feature and evidence.
type GeneratePRDHandler struct {
	llm llm.Client
}

func NewGeneratePRDHandler(deps Deps) *GeneratePRDHandler {
	return &GeneratePRDHandler{llm: deps.client()}
}

func (h *GeneratePRDHandler) Stage() pipeline.StageID { return pipeline.StageGeneratePRD }

func (h *GeneratePRDHandler) Execute(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	feature, err := selectedFeature(rc)
	if err != nil {
		return pipeline.Failure(&pipeline.InternalConsistencyError{Msg: err.Error()})
	}
	evidence, err := readArtifact(rc, pipeline.ArtifactEvidenceMap)
	if err != nil {
		return pipeline.Failure(err)
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Write a PRD in markdown for the feature below.\n\n")
	fmt.Fprintf(&prompt, "Goal: %s\n", rc.Goal)
	fmt.Fprintf(&prompt, "Feature: %s\n", feature.Feature)
	fmt.Fprintf(&prompt, "Rationale: %s\n\n", feature.Rationale)
	fmt.Fprintf(&prompt, "Evidence map:\n%s\n", evidence)
	if rc.ApprovalFeedback != "" {
		fmt.Fprintf(&prompt, "\nReviewer feedback to address in this revision:\n%s\n", rc.ApprovalFeedback)
	}
	prompt.WriteString("\nSections: Problem, Proposed Solution, Requirements, Success Metrics, Risks.")

	text, err := h.llm.GenerateText(ctx, llm.Request{
		System: "You write concise, evidence-grounded product requirement documents.",
		Prompt: prompt.String(),
	})
	if err != nil {
		return pipeline.Failure(&pipeline.ExternalServiceError{Service: "llm", Err: err})
	}

	doc := fmt.Sprintf("# PRD: %s\n\n%s\n", feature.Feature, strings.TrimSpace(text))
	ref, err := writeArtifact(rc, "prd.md", doc)
	if err != nil {
		return pipeline.Failure(err)
	}
	return pipeline.Success(map[string]string{pipeline.ArtifactPRD: ref})
}

var _ pipeline.StageHandler = (*GeneratePRDHandler)(nil)
