// ABOUTME: Stage handler contract consumed by the engine and implemented by collaborator packages.
// ABOUTME: A handler returns exactly one of success(outputs), failure(error), or needs_input(prompt).
package pipeline

import (
	"context"
	"fmt"
)

// RunContext is the read-only view of a run passed to stage handlers.
// Handlers write their artifacts under ArtifactsDir and report them by name
// in the StageResult; they never touch the run record directly.
type RunContext struct {
	RunID        string
	WorkspaceID  string
	RetryCount   int
	Guardrails   Guardrails
	Guardrail    *GuardrailEnforcer
	OutputsIndex map[string]string

	RunDir       string
	ArtifactsDir string
	RepoDir      string

	Goal                 string
	EvidenceDir          string
	ApprovalFeedback     string
	FastMode             bool
	SelectedFeatureIndex *int
	TopFeatures          []Feature
	StackDetected        string

	// Input carries the externally supplied payload when a stage re-executes
	// after a needs_input suspension; nil on the first attempt.
	Input *InputPayload
}

// InputPayload is what an external actor supplies to wake a suspended run.
type InputPayload struct {
	Kind          string        `json:"kind"`
	SelectedIndex *int          `json:"selected_index,omitempty"`
	Decision      ApprovalState `json:"decision,omitempty"`
	Comment       string        `json:"comment,omitempty"`
}

// RunUpdates carries typed run-record mutations a stage may request.
// The engine applies them under its single-writer lock.
type RunUpdates struct {
	InputsHash           string
	TopFeatures          []Feature
	StackDetected        string
	SelectedFeatureIndex *int
}

// StageResult is the outcome of one stage handler execution. Exactly one of
// Err or Prompt is set; Updates may accompany Outputs. A failure may still
// carry Outputs for artifacts produced before the error, such as the report
// of a failing verification.
type StageResult struct {
	Outputs map[string]string // artifact name -> ref relative to the run directory
	Err     error
	Prompt  *InputPrompt
	Updates *RunUpdates
}

// Success builds a success result with the produced artifact refs.
func Success(outputs map[string]string) StageResult {
	return StageResult{Outputs: outputs}
}

// Failure builds a failure result.
func Failure(err error) StageResult {
	return StageResult{Err: err}
}

// FailureWithOutputs builds a failure result that still registers artifacts
// produced before the error.
func FailureWithOutputs(err error, outputs map[string]string) StageResult {
	return StageResult{Err: err, Outputs: outputs}
}

// NeedsInput builds a suspension result; the engine parks the run until an
// external actor supplies a matching InputPayload.
func NeedsInput(prompt *InputPrompt) StageResult {
	return StageResult{Prompt: prompt}
}

// StageHandler is implemented by each stage's collaborator adapter.
type StageHandler interface {
	// Stage returns the stage ID this handler serves.
	Stage() StageID

	// Execute runs the stage. ctx carries the per-stage execution timeout;
	// handlers must honor cancellation at their external call boundaries.
	Execute(ctx context.Context, rc *RunContext) StageResult
}

// HandlerRegistry maps stage IDs to handler instances.
type HandlerRegistry struct {
	handlers map[StageID]StageHandler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[StageID]StageHandler)}
}

// Register adds a handler, keyed by its Stage(). Re-registering replaces.
func (r *HandlerRegistry) Register(h StageHandler) {
	r.handlers[h.Stage()] = h
}

// Get returns the handler for the given stage, or an error if none is bound.
func (r *HandlerRegistry) Get(id StageID) (StageHandler, error) {
	h, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("no handler registered for stage %s", id)
	}
	return h, nil
}
