// ABOUTME: EXPORT stage: writes the run summary and packages every artifact into a checksummed bundle.
// ABOUTME: The bundle's internal manifest is what downstream consumers verify artifacts against.
package stages

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/2389-research/growpad/pipeline"
	"github.com/2389-research/growpad/tools"
)

// ExportHandler finalizes a successful run.
type ExportHandler struct{}

func NewExportHandler() *ExportHandler { return &ExportHandler{} }

func (h *ExportHandler) Stage() pipeline.StageID { return pipeline.StageExport }

func (h *ExportHandler) Execute(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	var b strings.Builder
	b.WriteString("# Run Summary\n\n")
	fmt.Fprintf(&b, "- Run: %s\n", rc.RunID)
	fmt.Fprintf(&b, "- Goal: %s\n", rc.Goal)
	if feature, err := selectedFeature(rc); err == nil {
		fmt.Fprintf(&b, "- Feature: %s\n", feature.Feature)
	}
	fmt.Fprintf(&b, "- Self-heal attempts: %d\n\n", rc.RetryCount)

	b.WriteString("## Artifacts\n\n")
	names := make([]string, 0, len(rc.OutputsIndex))
	for name := range rc.OutputsIndex {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, rc.OutputsIndex[name])
	}

	summaryRef, err := writeArtifact(rc, "run-summary.md", b.String())
	if err != nil {
		return pipeline.Failure(err)
	}

	bundlePath := filepath.Join(rc.ArtifactsDir, "bundle.zip")
	if _, err := tools.PackageArtifacts(rc.RunID, rc.ArtifactsDir, bundlePath, artifactProducers(rc)); err != nil {
		return pipeline.Failure(&pipeline.ToolExecutionError{
			Tool:     "packager",
			ExitCode: 1,
			Stderr:   err.Error(),
		})
	}

	return pipeline.Success(map[string]string{
		pipeline.ArtifactRunSummary: summaryRef,
		pipeline.ArtifactBundle:     path.Join("artifacts", "bundle.zip"),
	})
}

// artifactProducers maps each bundled file to the stage that produced it, for
// the manifest. The landed diff belongs to self-heal once any retry has run.
func artifactProducers(rc *pipeline.RunContext) map[string]string {
	producers := map[string]string{"run-summary.md": string(pipeline.StageExport)}

	registry := pipeline.DefaultStageRegistry()
	for name, ref := range rc.OutputsIndex {
		if stage, ok := registry.Producer(name); ok {
			producers[path.Base(ref)] = string(stage)
		}
	}
	for attempt := 1; attempt <= rc.RetryCount; attempt++ {
		producers[fmt.Sprintf("self-heal-%d.patch", attempt)] = string(pipeline.StageSelfHeal)
	}
	if rc.RetryCount > 0 {
		if ref, ok := rc.OutputsIndex[pipeline.ArtifactDiff]; ok {
			producers[path.Base(ref)] = string(pipeline.StageSelfHeal)
		}
	}
	return producers
}

var _ pipeline.StageHandler = (*ExportHandler)(nil)
