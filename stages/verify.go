// ABOUTME: VERIFY stage: runs the configured test command, or statically validates the change set.
// ABOUTME: The test report file is written even on failure so self-heal can read the failure log.
package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389-research/growpad/pipeline"
	"github.com/2389-research/growpad/tools"
)

// VerifyHandler checks the landed change. With a configured command and a pr
// mode work tree it runs real tests; otherwise it validates the change set
// statically.
type VerifyHandler struct {
	command string
}

func NewVerifyHandler(deps Deps) *VerifyHandler {
	return &VerifyHandler{command: deps.VerifyCommand}
}

func (h *VerifyHandler) Stage() pipeline.StageID { return pipeline.StageVerify }

func (h *VerifyHandler) Execute(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	diffText, err := readArtifact(rc, pipeline.ArtifactDiff)
	if err != nil {
		return pipeline.Failure(err)
	}

	if h.command != "" && rc.Guardrails.Mode == pipeline.ModePR && rc.RepoDir != "" {
		return h.runCommand(ctx, rc)
	}
	return h.staticCheck(rc, diffText)
}

func (h *VerifyHandler) runCommand(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	res := tools.RunCommand(ctx, h.command, rc.RepoDir, 0)

	var b strings.Builder
	b.WriteString("# Test Report\n\n")
	fmt.Fprintf(&b, "- Command: `%s`\n", h.command)
	fmt.Fprintf(&b, "- Exit code: %d\n", res.ExitCode)
	fmt.Fprintf(&b, "- Timed out: %v\n\n", res.TimedOut)
	fmt.Fprintf(&b, "## Stdout\n\n```\n%s\n```\n\n", strings.TrimSpace(res.Stdout))
	fmt.Fprintf(&b, "## Stderr\n\n```\n%s\n```\n", strings.TrimSpace(res.Stderr))

	ref, werr := writeArtifact(rc, "test-report.md", b.String())
	if werr != nil {
		return pipeline.Failure(werr)
	}

	if !res.Success {
		// The report is registered even on failure so self-heal and the
		// post-mortem can reach it through the outputs index.
		return pipeline.FailureWithOutputs(&pipeline.ToolExecutionError{
			Tool:     "verify",
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}, map[string]string{pipeline.ArtifactTestReport: ref})
	}
	return pipeline.Success(map[string]string{pipeline.ArtifactTestReport: ref})
}

func (h *VerifyHandler) staticCheck(rc *pipeline.RunContext, diffText string) pipeline.StageResult {
	cs, parseErr := tools.ParseChangeSet(diffText)

	var b strings.Builder
	b.WriteString("# Test Report\n\n")
	b.WriteString("- Mode: static change-set validation\n")
	if parseErr != nil {
		fmt.Fprintf(&b, "- Result: FAIL\n\n```\n%v\n```\n", parseErr)
	} else {
		fmt.Fprintf(&b, "- Result: PASS\n- Files touched: %d\n", len(cs.TargetPaths()))
	}

	ref, werr := writeArtifact(rc, "test-report.md", b.String())
	if werr != nil {
		return pipeline.Failure(werr)
	}

	if parseErr != nil {
		return pipeline.FailureWithOutputs(&pipeline.ToolExecutionError{
			Tool:     "patch-validator",
			ExitCode: 1,
			Stderr:   parseErr.Error(),
		}, map[string]string{pipeline.ArtifactTestReport: ref})
	}
	return pipeline.Success(map[string]string{pipeline.ArtifactTestReport: ref})
}

var _ pipeline.StageHandler = (*VerifyHandler)(nil)
