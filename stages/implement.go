// ABOUTME: IMPLEMENT stage: produces a v4a change set, checks it against guardrails, and lands it.
// ABOUTME: Guardrail checks run on the proposed paths before a single byte is written to the repo.
package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389-research/growpad/llm"
	"github.com/2389-research/growpad/pipeline"
	"github.com/2389-research/growpad/tools"
)

// ImplementHandler turns the ticket breakdown into an applied change set.
type ImplementHandler struct {
	llm     llm.Client
	offline bool
}

func NewImplementHandler(deps Deps) *ImplementHandler {
	return &ImplementHandler{llm: deps.client(), offline: deps.Offline}
}

func (h *ImplementHandler) Stage() pipeline.StageID { return pipeline.StageImplement }

func (h *ImplementHandler) Execute(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	feature, err := selectedFeature(rc)
	if err != nil {
		return pipeline.Failure(&pipeline.InternalConsistencyError{Msg: err.Error()})
	}
	tickets, err := readArtifact(rc, pipeline.ArtifactTickets)
	if err != nil {
		return pipeline.Failure(err)
	}

	var patchText string
	if h.offline {
		patchText = deterministicChangeSet(feature, tickets)
	} else {
		patchText, err = h.generateChangeSet(ctx, feature, tickets, rc.StackDetected)
		if err != nil {
			return pipeline.Failure(&pipeline.ExternalServiceError{Service: "llm", Err: err})
		}
	}

	return landChangeSet(rc, patchText, "implement")
}

// generateChangeSet prompts for a patch in the v4a format.
func (h *ImplementHandler) generateChangeSet(ctx context.Context, feature pipeline.Feature, tickets, stack string) (string, error) {
	prompt := fmt.Sprintf(
		"Implement the first ticket below as a patch in the v4a format "+
			"(*** Begin Patch / *** Add File: / *** Update File: / *** End Patch).\n\n"+
			"Feature: %s\nStack: %s\n\n%s\n\nRespond with only the patch.",
		feature.Feature, stack, tickets)

	text, err := h.llm.GenerateText(ctx, llm.Request{
		System: "You produce minimal, reviewable patches in the v4a format.",
		Prompt: prompt,
	})
	if err != nil {
		return "", err
	}
	return llm.StripFences(text), nil
}

// landChangeSet parses, guardrail-checks, optionally applies, and records a
// change set as the diff artifact. Shared with self-heal.
func landChangeSet(rc *pipeline.RunContext, patchText, tool string) pipeline.StageResult {
	cs, err := tools.ParseChangeSet(patchText)
	if err != nil {
		return pipeline.Failure(&pipeline.ExternalServiceError{Service: "llm", Err: err})
	}

	if violation := rc.Guardrail.Check(cs.TargetPaths()); violation != nil {
		return pipeline.Failure(violation)
	}

	if rc.Guardrails.Mode == pipeline.ModePR && rc.RepoDir != "" {
		if _, err := cs.Apply(rc.RepoDir); err != nil {
			return pipeline.Failure(&pipeline.ToolExecutionError{
				Tool:     tool,
				ExitCode: 1,
				Stderr:   err.Error(),
			})
		}
	}

	ref, err := writeArtifact(rc, "diff.patch", patchText)
	if err != nil {
		return pipeline.Failure(err)
	}
	return pipeline.Success(map[string]string{pipeline.ArtifactDiff: ref})
}

// deterministicChangeSet is the offline fallback: a documentation-only patch
// derived entirely from the tickets, so repeated runs produce identical diffs.
func deterministicChangeSet(feature pipeline.Feature, tickets string) string {
	var b strings.Builder
	b.WriteString("*** Begin Patch\n")
	fmt.Fprintf(&b, "*** Add File: docs/growpad/%s.md\n", slugify(feature.Feature))
	fmt.Fprintf(&b, "+# Implementation Notes: %s\n", feature.Feature)
	b.WriteString("+\n")
	for _, line := range strings.Split(strings.TrimSpace(tickets), "\n") {
		b.WriteString("+" + line + "\n")
	}
	b.WriteString("*** End Patch\n")
	return b.String()
}

// slugify reduces a feature title to a filesystem-safe slug.
func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "feature"
	}
	if len(slug) > 48 {
		slug = slug[:48]
	}
	return slug
}

var _ pipeline.StageHandler = (*ImplementHandler)(nil)
