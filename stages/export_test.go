// ABOUTME: Tests for the export stage: run summary content and the checksummed artifact bundle.
package stages

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/2389-research/growpad/pipeline"
	"github.com/2389-research/growpad/tools"
)

func TestExportWritesSummaryAndBundle(t *testing.T) {
	rc := newRunContext(t)
	rc.RetryCount = 1
	idx := 0
	rc.SelectedFeatureIndex = &idx
	rc.TopFeatures = []pipeline.Feature{{Feature: "guided checklist"}}
	registerArtifact(t, rc, pipeline.ArtifactPRD, "prd.md", "# PRD\n")
	registerArtifact(t, rc, pipeline.ArtifactDiff, "diff.patch", validPatch)

	res := NewExportHandler().Execute(context.Background(), rc)
	requireSuccess(t, res)

	summary := readRunFile(t, rc, res.Outputs[pipeline.ArtifactRunSummary])
	for _, want := range []string{rc.RunID, rc.Goal, "guided checklist", "Self-heal attempts: 1", "prd.md"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}

	bundleRef := res.Outputs[pipeline.ArtifactBundle]
	if bundleRef == "" {
		t.Fatal("bundle not registered")
	}
	zr, err := zip.OpenReader(filepath.Join(rc.RunDir, filepath.FromSlash(bundleRef)))
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	defer zr.Close()

	names := make(map[string]bool)
	var manifestData []byte
	for _, f := range zr.File {
		names[f.Name] = true
		if f.Name == "manifest.json" {
			rd, err := f.Open()
			if err != nil {
				t.Fatal(err)
			}
			manifestData, err = io.ReadAll(rd)
			rd.Close()
			if err != nil {
				t.Fatal(err)
			}
		}
	}
	for _, want := range []string{"prd.md", "diff.patch", "run-summary.md", "manifest.json"} {
		if !names[want] {
			t.Errorf("bundle missing %s, have %v", want, names)
		}
	}

	// The manifest attributes each file to its producing stage.
	var manifest tools.PackageManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	wantStages := map[string]string{
		"prd.md":         string(pipeline.StageGeneratePRD),
		"diff.patch":     string(pipeline.StageSelfHeal), // retried runs land their diff via self-heal
		"run-summary.md": string(pipeline.StageExport),
	}
	for name, stage := range wantStages {
		entry, ok := manifest.Entry(name)
		if !ok {
			t.Errorf("manifest missing %s", name)
			continue
		}
		if entry.Stage != stage {
			t.Errorf("manifest stage for %s = %q, want %q", name, entry.Stage, stage)
		}
		if entry.ContentHash == "" || entry.Timestamp.IsZero() {
			t.Errorf("manifest entry %s incomplete: %+v", name, entry)
		}
	}
}

func TestExportWithoutSelectionStillSucceeds(t *testing.T) {
	rc := newRunContext(t)
	registerArtifact(t, rc, pipeline.ArtifactPRD, "prd.md", "# PRD\n")

	res := NewExportHandler().Execute(context.Background(), rc)
	requireSuccess(t, res)
}
