// ABOUTME: GENERATE_TICKETS stage: breaks the selected feature into implementation tickets.
// ABOUTME: Works from the PRD when present, falling back to the selected feature in fast mode.
package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389-research/growpad/llm"
	"github.com/2389-research/growpad/pipeline"
)

// GenerateTicketsHandler drafts the ticket breakdown.
type GenerateTicketsHandler struct {
	llm llm.Client
}

func NewGenerateTicketsHandler(deps Deps) *GenerateTicketsHandler {
	return &GenerateTicketsHandler{llm: deps.client()}
}

func (h *GenerateTicketsHandler) Stage() pipeline.StageID { return pipeline.StageGenerateTickets }

func (h *GenerateTicketsHandler) Execute(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	feature, err := selectedFeature(rc)
	if err != nil {
		return pipeline.Failure(&pipeline.InternalConsistencyError{Msg: err.Error()})
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Break this feature into 3-7 implementation tickets in markdown.\n\n")
	fmt.Fprintf(&prompt, "Feature: %s\nRationale: %s\n", feature.Feature, feature.Rationale)
	if prd, err := readArtifact(rc, pipeline.ArtifactPRD); err == nil {
		fmt.Fprintf(&prompt, "\nPRD:\n%s\n", prd)
	}
	prompt.WriteString("\nEach ticket: a title line, acceptance criteria, and an estimate (S/M/L).")

	text, err := h.llm.GenerateText(ctx, llm.Request{
		System: "You write small, testable engineering tickets.",
		Prompt: prompt.String(),
	})
	if err != nil {
		return pipeline.Failure(&pipeline.ExternalServiceError{Service: "llm", Err: err})
	}

	ref, err := writeArtifact(rc, "tickets.md", "# Tickets\n\n"+strings.TrimSpace(text)+"\n")
	if err != nil {
		return pipeline.Failure(err)
	}
	return pipeline.Success(map[string]string{pipeline.ArtifactTickets: ref})
}

var _ pipeline.StageHandler = (*GenerateTicketsHandler)(nil)
