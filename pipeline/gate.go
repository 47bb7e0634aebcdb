// ABOUTME: Artifact completeness gate run before every terminal status commit.
// ABOUTME: A gate failure is an orchestrator defect and blocks the commit rather than silently succeeding.
package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// requiredArtifacts maps each terminal path to the artifact names that must
// exist in outputs_index before that status may be committed. Cancelled runs
// are best-effort: whatever exists is exported, nothing is required.
var requiredArtifacts = map[RunStatus][]string{
	StatusCompleted: {
		ArtifactEvidenceMap,
		ArtifactPRD,
		ArtifactTickets,
		ArtifactDiff,
		ArtifactTestReport,
		ArtifactRunSummary,
	},
	StatusFailed:    {ArtifactFailureReport},
	StatusCancelled: {},
}

// RequiredArtifacts returns the required artifact set for a terminal status.
func RequiredArtifacts(status RunStatus) []string {
	req := requiredArtifacts[status]
	out := make([]string, len(req))
	copy(out, req)
	return out
}

// CheckCompleteness verifies that the required artifact set for the given
// terminal status is present in outputs_index. It returns nil on success or
// an *InternalConsistencyError naming the missing artifacts.
func CheckCompleteness(status RunStatus, outputsIndex map[string]string) error {
	if !status.IsTerminal() {
		return &InternalConsistencyError{Msg: fmt.Sprintf("completeness gate invoked for non-terminal status %q", status)}
	}

	var missing []string
	for _, name := range requiredArtifacts[status] {
		if ref, ok := outputsIndex[name]; !ok || ref == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &InternalConsistencyError{
			Msg: fmt.Sprintf("terminal status %q missing required artifacts: %s", status, strings.Join(missing, ", ")),
		}
	}
	return nil
}
