// ABOUTME: SYNTHESIZE stage: distills the evidence bundle into a claim map and candidate features.
// ABOUTME: Online it prompts for structured JSON; offline it derives claims and features by rule.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/2389-research/growpad/llm"
	"github.com/2389-research/growpad/pipeline"
	"github.com/2389-research/growpad/tools"
)

// evidenceClaim is one extracted observation with its source file.
type evidenceClaim struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Claim  string `json:"claim"`
}

// evidenceMap is the synthesized view of the bundle, stored as JSON.
type evidenceMap struct {
	Claims   []evidenceClaim    `json:"claims"`
	Features []pipeline.Feature `json:"features"`
	Stack    string             `json:"stack"`
}

// maxClaimsPerFile bounds extraction so one giant file cannot drown the rest.
const maxClaimsPerFile = 5

// SynthesizeHandler builds the evidence map and candidate feature list.
type SynthesizeHandler struct {
	llm     llm.Client
	offline bool
}

func NewSynthesizeHandler(deps Deps) *SynthesizeHandler {
	return &SynthesizeHandler{llm: deps.client(), offline: deps.Offline}
}

func (h *SynthesizeHandler) Stage() pipeline.StageID { return pipeline.StageSynthesize }

func (h *SynthesizeHandler) Execute(ctx context.Context, rc *pipeline.RunContext) pipeline.StageResult {
	bundle, problems := tools.LoadBundle(rc.EvidenceDir)
	if len(problems) > 0 {
		return pipeline.Failure(&pipeline.ValidationError{Problems: problems})
	}

	claims, err := extractClaims(bundle)
	if err != nil {
		return pipeline.Failure(err)
	}

	emap := evidenceMap{
		Claims: claims,
		Stack:  detectStack(rc.RepoDir),
	}

	if h.offline {
		emap.Features = deriveFeatures(claims)
	} else {
		features, err := h.generateFeatures(ctx, rc.Goal, claims)
		if err != nil {
			return pipeline.Failure(&pipeline.ExternalServiceError{Service: "llm", Err: err})
		}
		emap.Features = features
	}
	if len(emap.Features) == 0 {
		emap.Features = deriveFeatures(claims)
	}

	data, err := json.MarshalIndent(emap, "", "  ")
	if err != nil {
		return pipeline.Failure(err)
	}
	ref, err := writeArtifact(rc, "evidence-map.json", string(data))
	if err != nil {
		return pipeline.Failure(err)
	}

	return pipeline.StageResult{
		Outputs: map[string]string{pipeline.ArtifactEvidenceMap: ref},
		Updates: &pipeline.RunUpdates{
			TopFeatures:   emap.Features,
			StackDetected: emap.Stack,
		},
	}
}

// generateFeatures asks the model for a ranked feature list grounded in the
// extracted claims.
func (h *SynthesizeHandler) generateFeatures(ctx context.Context, goal string, claims []evidenceClaim) ([]pipeline.Feature, error) {
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}

	var out struct {
		Features []pipeline.Feature `json:"features"`
	}
	req := llm.Request{
		System: "You synthesize product evidence into candidate features.",
		Prompt: fmt.Sprintf(
			"Goal: %s\n\nEvidence claims:\n%s\n\n"+
				`Return {"features": [{"feature", "rationale", "confidence", "linked_claim_ids"}]} with the top 3 candidates, highest confidence first.`,
			goal, claimsJSON),
	}
	if err := llm.GenerateJSON(ctx, h.llm, req, &out); err != nil {
		return nil, err
	}
	return out.Features, nil
}

// extractClaims pulls short declarative lines out of each evidence file.
func extractClaims(bundle *tools.Bundle) ([]evidenceClaim, error) {
	var claims []evidenceClaim
	for _, f := range bundle.Files {
		text, err := bundle.ReadFileText(f.Path)
		if err != nil {
			return nil, err
		}

		count := 0
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			claims = append(claims, evidenceClaim{
				ID:     fmt.Sprintf("C%d", len(claims)+1),
				Source: f.Path,
				Claim:  line,
			})
			count++
			if count == maxClaimsPerFile {
				break
			}
		}
	}
	return claims, nil
}

// deriveFeatures is the deterministic fallback: claims mentioned most often
// become the candidates, ranked by recurrence.
func deriveFeatures(claims []evidenceClaim) []pipeline.Feature {
	type bucket struct {
		claim evidenceClaim
		ids   []string
	}
	byText := make(map[string]*bucket)
	var order []string
	for _, c := range claims {
		key := strings.ToLower(c.Claim)
		if byText[key] == nil {
			byText[key] = &bucket{claim: c}
			order = append(order, key)
		}
		byText[key].ids = append(byText[key].ids, c.ID)
	}

	sort.SliceStable(order, func(i, j int) bool {
		return len(byText[order[i]].ids) > len(byText[order[j]].ids)
	})

	var features []pipeline.Feature
	for i, key := range order {
		if i == 3 {
			break
		}
		b := byText[key]
		features = append(features, pipeline.Feature{
			Feature:        b.claim.Claim,
			Rationale:      fmt.Sprintf("Mentioned %d time(s), first in %s", len(b.ids), b.claim.Source),
			Confidence:     0.9 - 0.1*float64(i),
			LinkedClaimIDs: b.ids,
		})
	}
	return features
}

// detectStack sniffs the repo work tree for a toolchain marker.
func detectStack(repoDir string) string {
	if repoDir == "" {
		return "unknown"
	}
	markers := []struct{ file, stack string }{
		{"go.mod", "go"},
		{"package.json", "node"},
		{"pyproject.toml", "python"},
		{"requirements.txt", "python"},
		{"Cargo.toml", "rust"},
	}
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(repoDir, m.file)); err == nil {
			return m.stack
		}
	}
	return "unknown"
}

var _ pipeline.StageHandler = (*SynthesizeHandler)(nil)
