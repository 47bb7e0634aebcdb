// ABOUTME: The control loop: drives each run through the stage sequence, one goroutine per run.
// ABOUTME: Single-writer per run record; every transition is persisted before its event is published.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// NewRunRequest carries everything needed to create a run.
type NewRunRequest struct {
	WorkspaceID      string
	Goal             string
	EvidenceDir      string
	RepoDir          string
	FastMode         bool
	ApprovalRequired bool
	Guardrails       *Guardrails // nil means defaults
	InputsHash       string
}

// runHandle is the engine's in-process control surface for one active run.
// awaiting mirrors the kind of prompt the loop is currently blocked on; it is
// the authoritative input gate, since the persisted prompt stays visible in
// the manifest until the resumed stage commits.
type runHandle struct {
	cancelOnce sync.Once
	cancelCh   chan struct{}

	inputMu  sync.Mutex
	awaiting string
	input    chan InputPayload
}

func (h *runHandle) requestCancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}

func (h *runHandle) setAwaiting(kind string) {
	h.inputMu.Lock()
	h.awaiting = kind
	h.inputMu.Unlock()
}

// offer delivers a payload to the control loop. Acceptance consumes the
// awaiting slot, so a duplicate delivery is rejected even while the manifest
// still shows the already-consumed prompt.
func (h *runHandle) offer(p InputPayload) error {
	h.inputMu.Lock()
	defer h.inputMu.Unlock()
	if h.awaiting == "" {
		return errors.New("input already consumed")
	}
	select {
	case h.input <- p:
		h.awaiting = ""
		return nil
	default:
		return errors.New("input already supplied")
	}
}

// Engine owns run lifecycles. Each active run is driven by exactly one
// goroutine, which is the sole writer of that run's record; external actors
// reach it only through Cancel and SupplyInput.
type Engine struct {
	store    RunStore
	emitter  *Emitter
	stages   *StageRegistry
	handlers *HandlerRegistry
	index    *SqliteRunIndex

	mu     sync.Mutex
	active map[string]*runHandle
	wg     sync.WaitGroup
}

// NewEngine creates an engine over the given store, emitter, and registries.
func NewEngine(store RunStore, emitter *Emitter, stages *StageRegistry, handlers *HandlerRegistry) *Engine {
	return &Engine{
		store:    store,
		emitter:  emitter,
		stages:   stages,
		handlers: handlers,
		active:   make(map[string]*runHandle),
	}
}

// AttachIndex wires in an optional SQLite summary index. The index is
// advisory: upsert failures never block a run.
func (e *Engine) AttachIndex(idx *SqliteRunIndex) {
	e.index = idx
}

// StartRun creates and persists a new run, then launches its control loop.
func (e *Engine) StartRun(req NewRunRequest) (*Run, error) {
	guardrails := DefaultGuardrails()
	if req.Guardrails != nil {
		guardrails = *req.Guardrails
	}

	run := &Run{
		ID:               NewRunID(),
		WorkspaceID:      req.WorkspaceID,
		Status:           StatusPending,
		CurrentStage:     e.stages.First(),
		StageHistory:     []StageHistoryEntry{},
		OutputsIndex:     map[string]string{},
		Guardrails:       guardrails,
		ApprovalRequired: req.ApprovalRequired,
		Goal:             req.Goal,
		EvidenceDir:      req.EvidenceDir,
		RepoDir:          req.RepoDir,
		FastMode:         req.FastMode,
		InputsHash:       req.InputsHash,
		CreatedAt:        time.Now().UTC(),
	}

	if err := e.store.Create(run); err != nil {
		return nil, err
	}
	if e.index != nil {
		_ = e.index.Upsert(run)
	}
	e.spawn(run.ID)
	return run, nil
}

// Get returns the current persisted state of a run.
func (e *Engine) Get(runID string) (*Run, error) {
	return e.store.Get(runID)
}

// List returns all persisted runs, newest first.
func (e *Engine) List() ([]*Run, error) {
	return e.store.List()
}

// Cancel requests cooperative cancellation of a run. The in-flight stage is
// allowed to finish; the loop observes the request at the next stage boundary
// and cancellation wins over whatever the stage returned.
func (e *Engine) Cancel(runID string) error {
	run, err := e.store.Get(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %q is already %s", runID, run.Status)
	}

	e.mu.Lock()
	h, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		// Not driven by this process (e.g. found after a crash and not yet
		// resumed); commit the terminal state directly.
		e.commitCancelled(run)
		return nil
	}
	h.requestCancel()
	return nil
}

// SupplyInput delivers an external payload to a suspended run. The payload is
// validated against the run's pending prompt before delivery; a rejected
// payload leaves the run suspended.
func (e *Engine) SupplyInput(runID string, p InputPayload) error {
	run, err := e.store.Get(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %q is already %s", runID, run.Status)
	}
	if run.PendingInput == nil {
		return fmt.Errorf("run %q is not awaiting input", runID)
	}
	if p.Kind != run.PendingInput.Kind {
		return &ValidationError{Problems: []string{
			fmt.Sprintf("run is awaiting %q input, got %q", run.PendingInput.Kind, p.Kind),
		}}
	}

	switch p.Kind {
	case PromptFeatureSelection:
		if p.SelectedIndex == nil {
			return &ValidationError{Problems: []string{"selected_index is required"}}
		}
		if *p.SelectedIndex < 0 || *p.SelectedIndex >= len(run.TopFeatures) {
			return &ValidationError{Problems: []string{
				fmt.Sprintf("selected_index %d out of range [0, %d)", *p.SelectedIndex, len(run.TopFeatures)),
			}}
		}
	case PromptApproval:
		switch p.Decision {
		case ApprovalApproved, ApprovalChangesRequested, ApprovalRejected:
		default:
			return &ValidationError{Problems: []string{fmt.Sprintf("unknown approval decision %q", p.Decision)}}
		}
	}

	e.mu.Lock()
	h, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %q is not active in this process", runID)
	}

	// The handle is the authoritative gate: the persisted prompt lags behind
	// while the resumed stage executes, and a payload accepted against that
	// stale view would be misdelivered to the next suspension point.
	if err := h.offer(p); err != nil {
		return fmt.Errorf("run %q: %w", runID, err)
	}
	return nil
}

// Wait blocks until all active control loops have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// spawn registers a handle and launches the control loop goroutine.
func (e *Engine) spawn(runID string) {
	h := &runHandle{
		cancelCh: make(chan struct{}),
		input:    make(chan InputPayload, 1),
	}
	e.mu.Lock()
	e.active[runID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, runID)
			e.mu.Unlock()
		}()
		e.runLoop(runID, h)
	}()
}

// runLoop drives one run from its current stage to a terminal status.
// current_stage in the manifest is authoritative: history append and stage
// advance are persisted in a single atomic update, so resuming from
// current_stage never re-executes a committed stage.
func (e *Engine) runLoop(runID string, h *runHandle) {
	run, err := e.store.Get(runID)
	if err != nil {
		return
	}

	retry := NewRetryManager(run.Guardrails.MaxRetries)

	// A resumed run that was suspended comes back still suspended.
	if run.PendingInput != nil {
		h.setAwaiting(run.PendingInput.Kind)
	}

	if run.Status == StatusPending {
		now := time.Now().UTC()
		run.Status = StatusRunning
		run.StartedAt = &now
		if run.CurrentStage == "" {
			run.CurrentStage = e.stages.First()
		}
		if err := e.persist(run); err != nil {
			return
		}
		e.emit(run.ID, Event{Action: ActionRunStarted})
	}

	for {
		if cancelRequested(h) {
			e.commitCancelled(run)
			return
		}

		if run.Status == StatusAwaitingApproval {
			if !e.approvalGate(run, h) {
				return
			}
			continue
		}

		stage := run.CurrentStage
		if stage == "" {
			// Walked off the end of the sequence (or resumed after the last
			// stage committed but before the terminal commit landed).
			e.commitCompleted(run)
			return
		}

		desc, ok := e.stages.Get(stage)
		if !ok {
			e.failRun(run, &InternalConsistencyError{Msg: fmt.Sprintf("unknown stage %q", stage)})
			return
		}

		if stage == StageGenerateDesign && run.FastMode {
			e.recordStage(run, stage, StageSkipped, time.Now().UTC(), "")
			e.advance(run, stage)
			if err := e.persist(run); err != nil {
				return
			}
			e.emit(run.ID, Event{Stage: stage, Action: ActionStageEnd, Outcome: string(StageSkipped)})
			if e.maybeEnterApproval(run, h, stage) {
				continue
			}
			continue
		}

		if missing := missingRequires(desc, run.OutputsIndex); len(missing) > 0 {
			e.failRun(run, &InternalConsistencyError{
				Msg: fmt.Sprintf("stage %s missing required artifacts: %s", stage, strings.Join(missing, ", ")),
			})
			return
		}

		var input *InputPayload
		if run.PendingInput != nil {
			p, ok := e.waitForInput(h)
			if !ok {
				e.commitCancelled(run)
				return
			}
			run.PendingInput = nil
			if err := e.persist(run); err != nil {
				return
			}
			e.emit(run.ID, Event{Stage: stage, Action: ActionInputReceived, Outcome: p.Kind})
			input = &p
		}

		e.emit(run.ID, Event{Stage: stage, Action: ActionStageStart})
		started := time.Now().UTC()
		res := e.executeStage(desc, run, input)

		if cancelRequested(h) {
			// The boundary check wins over the stage result, timeout included.
			e.commitCancelled(run)
			return
		}

		switch {
		case res.Prompt != nil:
			run.PendingInput = res.Prompt
			h.setAwaiting(res.Prompt.Kind)
			if err := e.persist(run); err != nil {
				return
			}
			e.emit(run.ID, Event{Stage: stage, Action: ActionInputRequired, Outcome: res.Prompt.Kind})

		case res.Err != nil:
			// Partial artifacts from the failed attempt stay addressable for
			// self-heal and the post-mortem.
			for name, ref := range res.Outputs {
				if declaredOutput(desc, name) {
					run.OutputsIndex[name] = ref
				}
			}
			e.recordStage(run, stage, StageFailed, started, res.Err.Error())
			if err := e.persist(run); err != nil {
				return
			}
			e.emit(run.ID, Event{Stage: stage, Action: ActionStageEnd, Outcome: string(StageFailed), Error: res.Err.Error()})

			var gv *GuardrailViolation
			if errors.As(res.Err, &gv) {
				e.emit(run.ID, Event{Stage: stage, Action: ActionGuardrailRejected, Error: gv.Error()})
			}

			decision, failErr := retry.Route(desc, run.RetryCount, res.Err)
			if decision == DecisionFail {
				e.failRun(run, failErr)
				return
			}

			run.RetryCount++
			run.Status = StatusRetrying
			run.CurrentStage = StageSelfHeal
			if err := e.persist(run); err != nil {
				return
			}
			e.emit(run.ID, Event{Stage: stage, Action: ActionRetry,
				Outcome: fmt.Sprintf("self-heal attempt %d of %d", run.RetryCount, retry.MaxRetries()),
				Error:   res.Err.Error()})

		default:
			// Artifact names are a closed set declared by the descriptor.
			for name := range res.Outputs {
				if !declaredOutput(desc, name) {
					e.failRun(run, &InternalConsistencyError{
						Msg: fmt.Sprintf("stage %s produced undeclared artifact %q", stage, name),
					})
					return
				}
			}
			for name, ref := range res.Outputs {
				run.OutputsIndex[name] = ref
			}
			applyUpdates(run, res.Updates)
			e.recordStage(run, stage, StageDone, started, "")
			e.advance(run, stage)
			if err := e.persist(run); err != nil {
				return
			}
			ev := Event{Stage: stage, Action: ActionStageEnd, Outcome: string(StageDone)}
			if _, ok := res.Outputs[ArtifactDiff]; ok {
				// Each landed change set is identifiable from the event
				// stream alone.
				ev.PatchHash = e.diffDigest(run)
			}
			e.emit(run.ID, ev)

			if e.maybeEnterApproval(run, h, stage) {
				continue
			}
			if run.CurrentStage == "" {
				e.commitCompleted(run)
				return
			}
		}
	}
}

// advance moves current_stage past the just-finished stage. A finished
// self-heal pass always returns to verification.
func (e *Engine) advance(run *Run, finished StageID) {
	if finished == StageSelfHeal {
		run.CurrentStage = StageVerify
		run.Status = StatusRunning
		return
	}
	run.CurrentStage = e.stages.Next(finished)
}

// maybeEnterApproval suspends the run at the approval gate after the design
// step when the workspace requires it. Returns true if the gate was entered.
func (e *Engine) maybeEnterApproval(run *Run, h *runHandle, finished StageID) bool {
	if finished != StageGenerateDesign || !run.ApprovalRequired {
		return false
	}
	if run.ApprovalState == ApprovalApproved {
		return false
	}

	run.Status = StatusAwaitingApproval
	run.ApprovalState = ApprovalPending
	run.PendingInput = &InputPrompt{
		Kind:     PromptApproval,
		Question: "Approve the generated design before implementation?",
		Options:  []string{string(ApprovalApproved), string(ApprovalChangesRequested), string(ApprovalRejected)},
	}
	h.setAwaiting(PromptApproval)
	if err := e.persist(run); err != nil {
		return true
	}
	e.emit(run.ID, Event{Stage: finished, Action: ActionApprovalRequested})
	return true
}

// approvalGate blocks until a decision (or cancellation) arrives and applies
// it. Returns false when the run reached a terminal status.
func (e *Engine) approvalGate(run *Run, h *runHandle) bool {
	p, ok := e.waitForInput(h)
	if !ok {
		e.commitCancelled(run)
		return false
	}

	run.PendingInput = nil
	run.ApprovalState = p.Decision

	switch p.Decision {
	case ApprovalApproved:
		run.Status = StatusRunning
		run.CurrentStage = e.stages.Next(StageGenerateDesign)

	case ApprovalChangesRequested:
		// Loop back through document generation with the reviewer's feedback.
		// This is revision, not failure: retry_count is untouched.
		run.Status = StatusRunning
		run.CurrentStage = StageGeneratePRD
		run.ApprovalFeedback = p.Comment

	case ApprovalRejected:
		// Decision recorded below; the terminal commit follows.

	default:
		e.failRun(run, &InternalConsistencyError{Msg: fmt.Sprintf("unknown approval decision %q", p.Decision)})
		return false
	}

	if err := e.persist(run); err != nil {
		return false
	}
	e.emit(run.ID, Event{Stage: StageGenerateDesign, Action: ActionApprovalDecided, Outcome: string(p.Decision)})

	if p.Decision == ApprovalRejected {
		e.failRun(run, fmt.Errorf("design approval rejected: %s", p.Comment))
		return false
	}
	return true
}

// waitForInput blocks until external input or a cancellation request arrives.
// Suspended runs wait indefinitely; there is no input timeout.
func (e *Engine) waitForInput(h *runHandle) (InputPayload, bool) {
	select {
	case p := <-h.input:
		return p, true
	case <-h.cancelCh:
		return InputPayload{}, false
	}
}

// executeStage runs the handler under the stage's execution timeout. The
// handler goroutine is abandoned on timeout; its context is cancelled so
// well-behaved handlers unwind promptly.
func (e *Engine) executeStage(desc StageDescriptor, run *Run, input *InputPayload) StageResult {
	handler, err := e.handlers.Get(desc.ID)
	if err != nil {
		return Failure(&InternalConsistencyError{Msg: err.Error()})
	}

	outputs := make(map[string]string, len(run.OutputsIndex))
	for k, v := range run.OutputsIndex {
		outputs[k] = v
	}

	rc := &RunContext{
		RunID:                run.ID,
		WorkspaceID:          run.WorkspaceID,
		RetryCount:           run.RetryCount,
		Guardrails:           run.Guardrails,
		Guardrail:            NewGuardrailEnforcer(run.Guardrails.ForbiddenPaths),
		OutputsIndex:         outputs,
		RunDir:               e.store.RunDir(run.ID),
		ArtifactsDir:         e.store.ArtifactsDir(run.ID),
		RepoDir:              run.RepoDir,
		Goal:                 run.Goal,
		EvidenceDir:          run.EvidenceDir,
		ApprovalFeedback:     run.ApprovalFeedback,
		FastMode:             run.FastMode,
		SelectedFeatureIndex: run.SelectedFeatureIndex,
		TopFeatures:          run.TopFeatures,
		StackDetected:        run.StackDetected,
		Input:                input,
	}

	ctx, cancel := context.WithTimeout(context.Background(), desc.Timeout)
	defer cancel()

	done := make(chan StageResult, 1)
	go func() { done <- handler.Execute(ctx, rc) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return Failure(&TimeoutError{Stage: desc.ID, Limit: desc.Timeout})
	}
}

// recordStage appends one history entry. Entries are append-only; a
// re-executed stage gets a fresh entry rather than a rewrite.
func (e *Engine) recordStage(run *Run, stage StageID, status StageHistoryStatus, started time.Time, errMsg string) {
	now := time.Now().UTC()
	run.StageHistory = append(run.StageHistory, StageHistoryEntry{
		StageID:     stage,
		Status:      status,
		StartedAt:   started,
		CompletedAt: &now,
		Error:       errMsg,
	})
}

// commitCompleted commits the completed status after the completeness gate
// passes. A gate failure is an orchestrator defect and fails the run instead.
func (e *Engine) commitCompleted(run *Run) {
	if err := CheckCompleteness(StatusCompleted, run.OutputsIndex); err != nil {
		e.failRun(run, err)
		return
	}
	now := time.Now().UTC()
	run.Status = StatusCompleted
	run.CompletedAt = &now
	run.PendingInput = nil
	if e.persist(run) != nil {
		return
	}
	e.emit(run.ID, Event{Action: ActionRunCompleted})
}

// failRun writes the failure report, then commits the failed status.
func (e *Engine) failRun(run *Run, cause error) {
	if ref, err := e.writeFailureReport(run, cause); err == nil {
		run.OutputsIndex[ArtifactFailureReport] = ref
	}

	now := time.Now().UTC()
	run.Status = StatusFailed
	run.CompletedAt = &now
	run.PendingInput = nil
	run.Error = cause.Error()

	// The report is written by the engine itself, so the gate can only fail
	// here if that write failed. There is no better terminal state to fall
	// back to; record both errors and commit anyway.
	if gateErr := CheckCompleteness(StatusFailed, run.OutputsIndex); gateErr != nil {
		run.Error = fmt.Sprintf("%v (completeness gate: %v)", cause, gateErr)
	}

	if e.persist(run) != nil {
		return
	}
	e.emit(run.ID, Event{Stage: run.CurrentStage, Action: ActionRunFailed, Error: run.Error})
}

// commitCancelled commits the cancelled status. Whatever artifacts exist are
// kept; nothing further is required of a cancelled run.
func (e *Engine) commitCancelled(run *Run) {
	now := time.Now().UTC()
	run.Status = StatusCancelled
	run.CompletedAt = &now
	run.PendingInput = nil
	if e.persist(run) != nil {
		return
	}
	e.emit(run.ID, Event{Action: ActionRunCancelled})
}

// writeFailureReport renders a markdown post-mortem into the run's artifacts
// directory and returns its ref relative to the run directory.
func (e *Engine) writeFailureReport(run *Run, cause error) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Failure Report\n\n")
	fmt.Fprintf(&b, "- Run: %s\n", run.ID)
	fmt.Fprintf(&b, "- Stage: %s\n", run.CurrentStage)
	fmt.Fprintf(&b, "- Self-heal attempts: %d\n", run.RetryCount)
	fmt.Fprintf(&b, "- Error: %s\n", cause.Error())

	// A tool failure carries its captured output; the post-mortem is useless
	// without it.
	var toolErr *ToolExecutionError
	if errors.As(cause, &toolErr) {
		if out := strings.TrimSpace(toolErr.Stdout); out != "" {
			fmt.Fprintf(&b, "\n## Tool Stdout\n\n```\n%s\n```\n", out)
		}
		if out := strings.TrimSpace(toolErr.Stderr); out != "" {
			fmt.Fprintf(&b, "\n## Tool Stderr\n\n```\n%s\n```\n", out)
		}
	}

	fmt.Fprintf(&b, "\n## Stage History\n\n")
	for _, entry := range run.StageHistory {
		line := fmt.Sprintf("- %s: %s", entry.StageID, entry.Status)
		if entry.Error != "" {
			line += " (" + entry.Error + ")"
		}
		b.WriteString(line + "\n")
	}

	path := filepath.Join(e.store.ArtifactsDir(run.ID), "failure-report.md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return filepath.Join("artifacts", "failure-report.md"), nil
}

// diffDigest hashes the registered change set text.
func (e *Engine) diffDigest(run *Run) string {
	ref := run.OutputsIndex[ArtifactDiff]
	if ref == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(e.store.RunDir(run.ID), filepath.FromSlash(ref)))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// persist commits the run record and refreshes the advisory index.
func (e *Engine) persist(run *Run) error {
	if err := e.store.Update(run); err != nil {
		return err
	}
	if e.index != nil {
		_ = e.index.Upsert(run)
	}
	return nil
}

// emit publishes an event. A publish failure is not allowed to wedge a run
// whose state is already durable in the manifest.
func (e *Engine) emit(runID string, ev Event) {
	_ = e.emitter.Emit(runID, ev)
}

func cancelRequested(h *runHandle) bool {
	select {
	case <-h.cancelCh:
		return true
	default:
		return false
	}
}

func missingRequires(desc StageDescriptor, outputs map[string]string) []string {
	var missing []string
	for _, name := range desc.Requires {
		if ref, ok := outputs[name]; !ok || ref == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func declaredOutput(desc StageDescriptor, name string) bool {
	for _, p := range desc.Produces {
		if p == name {
			return true
		}
	}
	return false
}

func applyUpdates(run *Run, u *RunUpdates) {
	if u == nil {
		return
	}
	if u.InputsHash != "" {
		run.InputsHash = u.InputsHash
	}
	if u.TopFeatures != nil {
		run.TopFeatures = u.TopFeatures
	}
	if u.StackDetected != "" {
		run.StackDetected = u.StackDetected
	}
	if u.SelectedFeatureIndex != nil {
		run.SelectedFeatureIndex = u.SelectedFeatureIndex
	}
}
