// ABOUTME: SELECT_FEATURE stage: picks one candidate feature, by human choice or fast-mode auto-pick.
// ABOUTME: With no input and fast mode off, the stage suspends the run until a selection arrives.
package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389-research/growpad/pipeline"
)

// SelectFeatureHandler resolves which candidate feature the run pursues.
type SelectFeatureHandler struct{}

func NewSelectFeatureHandler() *SelectFeatureHandler { return &SelectFeatureHandler{} }

func (h *SelectFeatureHandler) Stage() pipeline.StageID { return pipeline.StageSelectFeature }

func (h *SelectFeatureHandler) Execute(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	if len(rc.TopFeatures) == 0 {
		return pipeline.Failure(&pipeline.InternalConsistencyError{
			Msg: "feature selection reached with no candidate features",
		})
	}

	var idx int
	switch {
	case rc.Input != nil && rc.Input.SelectedIndex != nil:
		idx = *rc.Input.SelectedIndex
	case rc.FastMode:
		idx = highestConfidence(rc.TopFeatures)
	default:
		options := make([]string, len(rc.TopFeatures))
		for i, f := range rc.TopFeatures {
			options[i] = fmt.Sprintf("[%d] %s (confidence %.2f)", i, f.Feature, f.Confidence)
		}
		return pipeline.NeedsInput(&pipeline.InputPrompt{
			Kind:     pipeline.PromptFeatureSelection,
			Question: "Which candidate feature should this run pursue?",
			Options:  options,
		})
	}

	if idx < 0 || idx >= len(rc.TopFeatures) {
		return pipeline.Failure(&pipeline.ValidationError{
			Problems: []string{fmt.Sprintf("selected feature index %d out of range [0, %d)", idx, len(rc.TopFeatures))},
		})
	}

	selection := struct {
		Index   int              `json:"index"`
		Feature pipeline.Feature `json:"feature"`
	}{Index: idx, Feature: rc.TopFeatures[idx]}

	data, err := json.MarshalIndent(selection, "", "  ")
	if err != nil {
		return pipeline.Failure(err)
	}
	ref, err := writeArtifact(rc, "selected-feature.json", string(data))
	if err != nil {
		return pipeline.Failure(err)
	}

	return pipeline.StageResult{
		Outputs: map[string]string{pipeline.ArtifactSelectedFeature: ref},
		Updates: &pipeline.RunUpdates{SelectedFeatureIndex: &idx},
	}
}

func highestConfidence(features []pipeline.Feature) int {
	best := 0
	for i, f := range features {
		if f.Confidence > features[best].Confidence {
			best = i
		}
	}
	return best
}

var _ pipeline.StageHandler = (*SelectFeatureHandler)(nil)
