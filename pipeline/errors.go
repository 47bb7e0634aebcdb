// ABOUTME: Typed error taxonomy for the orchestrator: validation, external service, tool, guardrail, retry cap, timeout, consistency.
// ABOUTME: Only VERIFY failures are ever routed through the retry manager; every other error terminates the run directly.
package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError indicates malformed input at intake. It halts the run
// before any downstream stage executes and is never retried.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "intake validation failed: " + strings.Join(e.Problems, "; ")
}

// ExternalServiceError indicates a collaborator (e.g. the generative backend)
// was unavailable or returned garbage.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ToolExecutionError indicates a delegated tool (test runner, patch applier)
// returned a non-zero or error result.
type ToolExecutionError struct {
	Tool     string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed (exit %d)", e.Tool, e.ExitCode)
}

// GuardrailViolation indicates a proposed change touched a forbidden path.
// This is a hard-fail signal, distinct from a test failure: it is never
// retried, even when raised from inside the verify/self-heal loop.
type GuardrailViolation struct {
	Paths []string
}

func (e *GuardrailViolation) Error() string {
	return "guardrail violation: forbidden paths touched: " + strings.Join(e.Paths, ", ")
}

// RetryCapExceeded indicates VERIFY was still failing after max_retries
// self-heal attempts.
type RetryCapExceeded struct {
	Retries int
	Last    error
}

func (e *RetryCapExceeded) Error() string {
	return fmt.Sprintf("verification still failing after %d self-heal attempt(s): %v", e.Retries, e.Last)
}

func (e *RetryCapExceeded) Unwrap() error { return e.Last }

// TimeoutError indicates a stage handler exceeded its execution bound.
// It follows normal failure routing: retryable only when the stage is VERIFY.
type TimeoutError struct {
	Stage StageID
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %s", e.Stage, e.Limit)
}

// InternalConsistencyError indicates an orchestrator defect, such as the
// artifact completeness gate failing at a terminal commit. It aborts the
// commit rather than letting the run silently succeed.
type InternalConsistencyError struct {
	Msg string
}

func (e *InternalConsistencyError) Error() string {
	return "internal consistency error: " + e.Msg
}
