// ABOUTME: Declarative stage descriptor table mapping stage IDs to their handler contracts.
// ABOUTME: The registry is process-wide static configuration, loaded once and never mutated at runtime.
package pipeline

import "time"

// StageID identifies one discrete unit of pipeline work.
type StageID string

const (
	StageIntake          StageID = "INTAKE"
	StageSynthesize      StageID = "SYNTHESIZE"
	StageSelectFeature   StageID = "SELECT_FEATURE"
	StageGeneratePRD     StageID = "GENERATE_PRD"
	StageGenerateDesign  StageID = "GENERATE_DESIGN"
	StageGenerateTickets StageID = "GENERATE_TICKETS"
	StageImplement       StageID = "IMPLEMENT"
	StageVerify          StageID = "VERIFY"
	StageSelfHeal        StageID = "SELF_HEAL"
	StageExport          StageID = "EXPORT"
)

// Canonical artifact names appearing in outputs_index.
const (
	ArtifactIntakeReport    = "intake-report"
	ArtifactEvidenceMap     = "evidence-map"
	ArtifactSelectedFeature = "selected-feature"
	ArtifactPRD             = "prd"
	ArtifactDesign          = "design"
	ArtifactTickets         = "tickets"
	ArtifactDiff            = "diff"
	ArtifactTestReport      = "test-report"
	ArtifactRunSummary      = "run-summary"
	ArtifactFailureReport   = "failure-report"
	ArtifactBundle          = "bundle"
)

// StageDescriptor declares a stage's handler contract: which artifacts it
// requires, which it produces, and whether its failure is retryable.
type StageDescriptor struct {
	ID        StageID
	Label     string
	Retryable bool
	Requires  []string
	Produces  []string
	Timeout   time.Duration
}

// StageRegistry is the static, ordered table of stage descriptors.
// SELF_HEAL is registered but off-sequence: it is only ever entered through
// the retry manager, never as a normal successor.
type StageRegistry struct {
	order []StageID
	byID  map[StageID]StageDescriptor
}

// NewStageRegistry builds a registry from the given descriptors, preserving
// order. Descriptors with an empty Timeout get the supplied default.
func NewStageRegistry(descriptors []StageDescriptor, defaultTimeout time.Duration) *StageRegistry {
	reg := &StageRegistry{byID: make(map[StageID]StageDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.Timeout == 0 {
			d.Timeout = defaultTimeout
		}
		if d.ID != StageSelfHeal {
			reg.order = append(reg.order, d.ID)
		}
		reg.byID[d.ID] = d
	}
	return reg
}

// DefaultStageRegistry returns the standard evidence-to-artifact sequence.
func DefaultStageRegistry() *StageRegistry {
	const stageTimeout = 60 * time.Second
	return NewStageRegistry([]StageDescriptor{
		{ID: StageIntake, Label: "Validate evidence bundle", Produces: []string{ArtifactIntakeReport}},
		{ID: StageSynthesize, Label: "Synthesize evidence map", Requires: []string{ArtifactIntakeReport}, Produces: []string{ArtifactEvidenceMap}},
		{ID: StageSelectFeature, Label: "Select candidate feature", Requires: []string{ArtifactEvidenceMap}, Produces: []string{ArtifactSelectedFeature}},
		{ID: StageGeneratePRD, Label: "Generate PRD", Requires: []string{ArtifactSelectedFeature}, Produces: []string{ArtifactPRD}},
		{ID: StageGenerateDesign, Label: "Generate design notes", Requires: []string{ArtifactPRD}, Produces: []string{ArtifactDesign}},
		{ID: StageGenerateTickets, Label: "Generate tickets", Requires: []string{ArtifactSelectedFeature}, Produces: []string{ArtifactTickets}},
		{ID: StageImplement, Label: "Implement change", Requires: []string{ArtifactTickets}, Produces: []string{ArtifactDiff}},
		{ID: StageVerify, Label: "Run verification", Retryable: true, Requires: []string{ArtifactDiff}, Produces: []string{ArtifactTestReport}, Timeout: 30 * time.Second},
		{ID: StageSelfHeal, Label: "Self-heal correction", Requires: []string{ArtifactDiff}, Produces: []string{ArtifactDiff}},
		{ID: StageExport, Label: "Export artifact bundle", Produces: []string{ArtifactRunSummary, ArtifactBundle}},
	}, stageTimeout)
}

// Get returns the descriptor for the given stage ID.
// The second return is false for unknown stages.
func (r *StageRegistry) Get(id StageID) (StageDescriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// First returns the first stage in the sequence.
func (r *StageRegistry) First() StageID {
	return r.order[0]
}

// Next returns the stage following id in the sequence, or "" when id is the
// last stage (or off-sequence, like SELF_HEAL).
func (r *StageRegistry) Next(id StageID) StageID {
	for i, s := range r.order {
		if s == id && i+1 < len(r.order) {
			return r.order[i+1]
		}
	}
	return ""
}

// Producer returns the sequence stage that declares the artifact among its
// products. Off-sequence stages are not consulted.
func (r *StageRegistry) Producer(artifact string) (StageID, bool) {
	for _, id := range r.order {
		for _, p := range r.byID[id].Produces {
			if p == artifact {
				return id, true
			}
		}
	}
	return "", false
}

// Sequence returns a copy of the ordered stage IDs.
func (r *StageRegistry) Sequence() []StageID {
	out := make([]StageID, len(r.order))
	copy(out, r.order)
	return out
}
