// ABOUTME: Core data model for pipeline runs: statuses, stage history, guardrails, and run ID generation.
// ABOUTME: A Run is the unit of work; its manifest is the canonical record other tooling reads.
package pipeline

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending          RunStatus = "pending"
	StatusRunning          RunStatus = "running"
	StatusAwaitingApproval RunStatus = "awaiting_approval"
	StatusRetrying         RunStatus = "retrying"
	StatusCompleted        RunStatus = "completed"
	StatusFailed           RunStatus = "failed"
	StatusCancelled        RunStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further stage transitions.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ApprovalState is the sub-state of the optional approval gate.
type ApprovalState string

const (
	ApprovalPending          ApprovalState = "pending"
	ApprovalApproved         ApprovalState = "approved"
	ApprovalChangesRequested ApprovalState = "changes_requested"
	ApprovalRejected         ApprovalState = "rejected"
)

// GuardrailMode controls how implementation output lands.
type GuardrailMode string

const (
	ModeReadOnly GuardrailMode = "read_only"
	ModePR       GuardrailMode = "pr"
)

// Guardrails are hard safety constraints fixed for the lifetime of a run.
type Guardrails struct {
	MaxRetries     int           `json:"max_retries"`
	Mode           GuardrailMode `json:"mode"`
	ForbiddenPaths []string      `json:"forbidden_paths"`
}

// DefaultGuardrails returns the default guardrail configuration.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		MaxRetries:     2,
		Mode:           ModeReadOnly,
		ForbiddenPaths: []string{"infra", "payments"},
	}
}

// StageHistoryStatus is the recorded outcome of one stage attempt.
type StageHistoryStatus string

const (
	StageDone    StageHistoryStatus = "done"
	StageFailed  StageHistoryStatus = "failed"
	StageSkipped StageHistoryStatus = "skipped"
)

// StageHistoryEntry is one append-only record of a stage attempt.
// Entries are never rewritten, only appended.
type StageHistoryEntry struct {
	StageID     StageID            `json:"stage_id"`
	Status      StageHistoryStatus `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Feature is one candidate feature produced by synthesis.
type Feature struct {
	Feature        string   `json:"feature"`
	Rationale      string   `json:"rationale"`
	Confidence     float64  `json:"confidence"`
	LinkedClaimIDs []string `json:"linked_claim_ids"`
}

// Input prompt kinds.
const (
	PromptFeatureSelection = "feature_selection"
	PromptApproval         = "approval"
)

// InputPrompt describes what a suspended run is waiting for.
type InputPrompt struct {
	Kind     string   `json:"kind"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// Run is the full state of a single pipeline run.
type Run struct {
	ID                   string              `json:"id"`
	WorkspaceID          string              `json:"workspace_id"`
	Status               RunStatus           `json:"status"`
	CurrentStage         StageID             `json:"current_stage,omitempty"`
	RetryCount           int                 `json:"retry_count"`
	StageHistory         []StageHistoryEntry `json:"stage_history"`
	InputsHash           string              `json:"inputs_hash"`
	OutputsIndex         map[string]string   `json:"outputs_index"`
	Guardrails           Guardrails          `json:"guardrails"`
	ApprovalRequired     bool                `json:"approval_required"`
	ApprovalState        ApprovalState       `json:"approval_state,omitempty"`
	PendingInput         *InputPrompt        `json:"pending_input,omitempty"`
	Goal                 string              `json:"goal,omitempty"`
	EvidenceDir          string              `json:"evidence_dir,omitempty"`
	RepoDir              string              `json:"repo_dir,omitempty"`
	ApprovalFeedback     string              `json:"approval_feedback,omitempty"`
	FastMode             bool                `json:"fast_mode"`
	SelectedFeatureIndex *int                `json:"selected_feature_index,omitempty"`
	TopFeatures          []Feature           `json:"top_features,omitempty"`
	StackDetected        string              `json:"stack_detected,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
	StartedAt            *time.Time          `json:"started_at,omitempty"`
	CompletedAt          *time.Time          `json:"completed_at,omitempty"`
	Error                string              `json:"error,omitempty"`
}

// StageRecorded reports whether the stage already has a "done" history entry.
func (r *Run) StageRecorded(id StageID) bool {
	for _, e := range r.StageHistory {
		if e.StageID == id && e.Status == StageDone {
			return true
		}
	}
	return false
}

// NewRunID produces a ULID-based run identifier with a "run_" prefix.
func NewRunID() string {
	return "run_" + strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}
